package protocol

import "time"

// Server-to-client frames. Every struct carries its own Type tag so it can be
// handed directly to a JSON encoder; the New* constructors fill the tag in.

// Subscribed confirms a subscription request.
type Subscribed struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// Unsubscribed confirms an unsubscription request.
type Unsubscribed struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// UserSubscribed reports how many conversations a subscribe_user request
// attached to the connection.
type UserSubscribed struct {
	Type              string `json:"type"`
	ConversationCount int    `json:"conversation_count"`
}

// MessageEvent is the broadcast form of a relayed message. Ciphertext and IV
// are passed through exactly as the sender supplied them.
type MessageEvent struct {
	Type                string  `json:"type"`
	ID                  string  `json:"id"`
	ConversationID      string  `json:"conversation_id"`
	SenderID            string  `json:"sender_id"`
	ClientMessageID     *string `json:"client_message_id,omitempty"`
	GroupEpoch          *int64  `json:"group_epoch,omitempty"`
	ExpiresAfterSeenSec *int    `json:"expires_after_seen_sec,omitempty"`
	Ciphertext          string  `json:"ciphertext"`
	IV                  string  `json:"iv"`
	CreatedAt           string  `json:"created_at"`
}

// MessageSent acknowledges a relayed message back to its sender, echoing the
// client correlation id when one was supplied.
type MessageSent struct {
	Type            string  `json:"type"`
	ID              string  `json:"id"`
	ConversationID  string  `json:"conversation_id"`
	ClientMessageID *string `json:"client_message_id,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

// MessageSeenEvent carries the aggregate seen state after a recipient marks a
// message seen. SenderDeleteAfterSeenAt is set once every recipient has seen
// the message and a seen-expiry TTL is in effect.
type MessageSeenEvent struct {
	Type                    string  `json:"type"`
	MessageID               string  `json:"message_id"`
	ConversationID          string  `json:"conversation_id"`
	SeenBy                  string  `json:"seen_by"`
	SeenAt                  string  `json:"seen_at"`
	SeenCount               int     `json:"seen_count"`
	TotalRecipients         int     `json:"total_recipients"`
	AllRecipientsSeen       bool    `json:"all_recipients_seen"`
	SenderDeleteAfterSeenAt *string `json:"sender_delete_after_seen_at,omitempty"`
}

// MessageDeleted notifies one participant that their copy of a message was
// removed by the expiry worker.
type MessageDeleted struct {
	Type           string `json:"type"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason"`
}

// GroupEvent covers group lifecycle broadcasts: creation, membership changes
// and the key rotations they imply.
type GroupEvent struct {
	Type           string  `json:"type"`
	ConversationID string  `json:"conversation_id"`
	GroupName      *string `json:"group_name,omitempty"`
	UserID         *string `json:"user_id,omitempty"`
	Role           *string `json:"role,omitempty"`
	KeyEpoch       int64   `json:"key_epoch"`
}

// ErrorFrame reports a handler failure without closing the connection.
type ErrorFrame struct {
	Type            string  `json:"type"`
	Code            string  `json:"code"`
	Message         string  `json:"message"`
	ClientMessageID *string `json:"client_message_id,omitempty"`
}

// Pong answers a ping.
type Pong struct {
	Type string `json:"type"`
}

// Heartbeat is pushed periodically to detect dead peers.
type Heartbeat struct {
	Type string `json:"type"`
}

func NewSubscribed(conversationID string) *Subscribed {
	return &Subscribed{Type: TypeSubscribed, ConversationID: conversationID}
}

func NewUnsubscribed(conversationID string) *Unsubscribed {
	return &Unsubscribed{Type: TypeUnsubscribed, ConversationID: conversationID}
}

func NewUserSubscribed(count int) *UserSubscribed {
	return &UserSubscribed{Type: TypeUserSubscribed, ConversationCount: count}
}

func NewMessageDeleted(frameType, messageID, conversationID, reason string) *MessageDeleted {
	return &MessageDeleted{
		Type:           frameType,
		MessageID:      messageID,
		ConversationID: conversationID,
		Reason:         reason,
	}
}

func NewError(code, message string) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, Code: code, Message: message}
}

// NewErrorWithCorrelation attaches the client-supplied correlation id so the
// sender can match the failure to the frame that caused it.
func NewErrorWithCorrelation(code, message string, clientMessageID *string) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, Code: code, Message: message, ClientMessageID: clientMessageID}
}

func NewPong() *Pong {
	return &Pong{Type: TypePong}
}

func NewHeartbeat() *Heartbeat {
	return &Heartbeat{Type: TypeHeartbeat}
}

// FormatTime renders timestamps the way the wire protocol expects them
// (RFC 3339 with sub-second precision, always UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
