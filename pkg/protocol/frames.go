package protocol

import (
	"encoding/json"
	"fmt"
)

// Client frame type discriminators.
const (
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeSubscribeUser = "subscribe_user"
	TypeMessage       = "message"
	TypeMessageSeen   = "message_seen"
	TypePing          = "ping"
)

// Server frame type discriminators.
const (
	TypeSubscribed              = "subscribed"
	TypeUnsubscribed            = "unsubscribed"
	TypeUserSubscribed          = "user_subscribed"
	TypeMessageSent             = "message_sent"
	TypeMessageSeenEvent        = "message_seen"
	TypeMessageDeletedForUser   = "message_deleted_for_user"
	TypeMessageDeletedForSender = "message_deleted_for_sender"
	TypeGroupCreated            = "group_created"
	TypeGroupMemberAdded        = "group_member_added"
	TypeGroupMemberRemoved      = "group_member_removed"
	TypeGroupRoleChanged        = "group_member_role_changed"
	TypeGroupKeyRotated         = "group_key_rotated"
	TypeError                   = "error"
	TypePong                    = "pong"
	TypeHeartbeat               = "heartbeat"
)

// ClientFrame is the tagged union of every frame a client may send. Decode
// returns exactly one of the concrete types below; frames with a type the
// server does not recognize come back as *UnknownFrame so the handler can
// answer with an unknown_type error instead of dropping the connection.
type ClientFrame interface {
	clientFrame()
}

// SubscribeFrame subscribes the connection to a conversation's broadcasts.
type SubscribeFrame struct {
	ConversationID string `json:"conversation_id"`
}

// UnsubscribeFrame removes a conversation subscription.
type UnsubscribeFrame struct {
	ConversationID string `json:"conversation_id"`
}

// SubscribeUserFrame bulk-subscribes to every conversation the authenticated
// user participates in, up to the remaining subscription budget.
type SubscribeUserFrame struct{}

// MessageFrame carries an encrypted message blob. The server never inspects
// Ciphertext or IV beyond size and encoding checks.
type MessageFrame struct {
	ConversationID      string  `json:"conversation_id"`
	RecipientID         *string `json:"recipient_id,omitempty"`
	ClientMessageID     *string `json:"client_message_id,omitempty"`
	GroupEpoch          *int64  `json:"group_epoch,omitempty"`
	ExpiresAfterSeenSec *int    `json:"expires_after_seen_sec,omitempty"`
	Ciphertext          string  `json:"ciphertext"`
	IV                  string  `json:"iv"`
}

// MessageSeenFrame marks a message as seen by the authenticated user.
type MessageSeenFrame struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// PingFrame is answered with a pong.
type PingFrame struct{}

// UnknownFrame is returned for any type value the server does not handle.
type UnknownFrame struct {
	Type string
}

func (*SubscribeFrame) clientFrame()     {}
func (*UnsubscribeFrame) clientFrame()   {}
func (*SubscribeUserFrame) clientFrame() {}
func (*MessageFrame) clientFrame()       {}
func (*MessageSeenFrame) clientFrame()   {}
func (*PingFrame) clientFrame()          {}
func (*UnknownFrame) clientFrame()       {}

// envelope is used to peek at the discriminator before decoding the variant.
type envelope struct {
	Type string `json:"type"`
}

// Decode parses a client frame. It returns an error only for malformed JSON
// or a missing type field; unrecognized types decode to *UnknownFrame.
func Decode(data []byte) (ClientFrame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame missing type field")
	}

	switch env.Type {
	case TypeSubscribe:
		frame := &SubscribeFrame{}
		if err := json.Unmarshal(data, frame); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Type, err)
		}
		return frame, nil
	case TypeUnsubscribe:
		frame := &UnsubscribeFrame{}
		if err := json.Unmarshal(data, frame); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Type, err)
		}
		return frame, nil
	case TypeSubscribeUser:
		return &SubscribeUserFrame{}, nil
	case TypeMessage:
		frame := &MessageFrame{}
		if err := json.Unmarshal(data, frame); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Type, err)
		}
		return frame, nil
	case TypeMessageSeen:
		frame := &MessageSeenFrame{}
		if err := json.Unmarshal(data, frame); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Type, err)
		}
		return frame, nil
	case TypePing:
		return &PingFrame{}, nil
	default:
		return &UnknownFrame{Type: env.Type}, nil
	}
}
