package protocol

import "time"

// Payload and connection limits enforced at the wire boundary.
// These are decoded sizes, not base64 lengths.
const (
	// MaxCiphertextBytes is the maximum decoded ciphertext size (64 KiB)
	MaxCiphertextBytes = 64 * 1024

	// IVBytes is the exact decoded IV size required for AES-GCM payloads
	IVBytes = 12

	// MaxFrameBytes caps a single inbound websocket frame before any JSON
	// parsing happens: base64 of a full ciphertext (~85 KiB) plus the
	// envelope fits comfortably, anything larger is dropped at the socket
	MaxFrameBytes = 128 * 1024

	// MaxSubscriptionsPerConnection caps how many conversations a single
	// connection may subscribe to
	MaxSubscriptionsPerConnection = 500

	// MaxMessagesPerWindow and RateWindow define the per-connection
	// sliding-window send limit (30 messages per 10 seconds)
	MaxMessagesPerWindow = 30
	RateWindow           = 10 * time.Second
)

// ValidExpiryTTLs lists the accepted expires_after_seen_sec values.
var ValidExpiryTTLs = []int{15, 30, 60}

// IsValidExpiryTTL reports whether ttl is an accepted seen-expiry duration.
func IsValidExpiryTTL(ttl int) bool {
	for _, v := range ValidExpiryTTLs {
		if ttl == v {
			return true
		}
	}
	return false
}

// Base64MaxLength returns the largest padded base64 string length that can
// encode byteLimit bytes. Used to reject oversized fields before decoding.
func Base64MaxLength(byteLimit int) int {
	return ((byteLimit + 2) / 3) * 4
}
