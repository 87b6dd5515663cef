package protocol

// Error codes carried in error frames. These are stable strings the client
// dispatches on; changing one is a wire protocol break.
const (
	ErrCodeInvalidFormat         = "invalid_format"
	ErrCodeInvalidConversationID = "invalid_conversation_id"
	ErrCodeInvalidMessageID      = "invalid_message_id"
	ErrCodeInvalidBase64         = "invalid_base64"
	ErrCodePayloadTooLarge       = "payload_too_large"
	ErrCodeInvalidIV             = "invalid_iv"
	ErrCodeInvalidTTL            = "invalid_ttl"
	ErrCodeNotParticipant        = "not_participant"
	ErrCodeGroupNotFound         = "group_not_found"
	ErrCodeStaleGroupEpoch       = "stale_group_epoch"
	ErrCodeRateLimited           = "rate_limited"
	ErrCodeSubscriptionLimit     = "subscription_limit_reached"
	ErrCodeMessageFailed         = "message_failed"
	ErrCodeSeenFailed            = "seen_failed"
	ErrCodeSubscribeFailed       = "subscribe_failed"
	ErrCodeUnknownType           = "unknown_type"
)
