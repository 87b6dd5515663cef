package server

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/thefeshin/hush/pkg/database"
	"github.com/thefeshin/hush/pkg/protocol"
)

// handleFrame dispatches one inbound frame. Every error path answers a
// structured error frame; only malformed JSON closes the connection (the
// caller treats a returned error as fatal).
func (s *Server) handleFrame(c *Conn, data []byte) error {
	frame, err := protocol.Decode(data)
	if err != nil {
		s.sendError(c, protocol.ErrCodeInvalidFormat, "malformed frame", nil)
		return err
	}
	c.Touch()

	switch f := frame.(type) {
	case *protocol.SubscribeFrame:
		s.metrics.FramesIn.WithLabelValues(protocol.TypeSubscribe).Inc()
		s.handleSubscribe(c, f)
	case *protocol.UnsubscribeFrame:
		s.metrics.FramesIn.WithLabelValues(protocol.TypeUnsubscribe).Inc()
		s.handleUnsubscribe(c, f)
	case *protocol.SubscribeUserFrame:
		s.metrics.FramesIn.WithLabelValues(protocol.TypeSubscribeUser).Inc()
		s.handleSubscribeUser(c)
	case *protocol.MessageFrame:
		s.metrics.FramesIn.WithLabelValues(protocol.TypeMessage).Inc()
		s.handleMessage(c, f)
	case *protocol.MessageSeenFrame:
		s.metrics.FramesIn.WithLabelValues(protocol.TypeMessageSeen).Inc()
		s.handleMessageSeen(c, f)
	case *protocol.PingFrame:
		s.metrics.FramesIn.WithLabelValues(protocol.TypePing).Inc()
		s.send(c, protocol.TypePong, protocol.NewPong())
	case *protocol.UnknownFrame:
		s.metrics.FramesIn.WithLabelValues("unknown").Inc()
		s.sendError(c, protocol.ErrCodeUnknownType, "unknown frame type: "+f.Type, nil)
	}
	return nil
}

func (s *Server) handleSubscribe(c *Conn, f *protocol.SubscribeFrame) {
	if uuid.Validate(f.ConversationID) != nil {
		s.sendError(c, protocol.ErrCodeInvalidConversationID, "conversation_id must be a UUID", nil)
		return
	}

	ok, err := s.db.IsParticipant(f.ConversationID, c.UserID)
	if err != nil {
		errorLog.Printf("Participant check failed for conn %d: %v", c.ID, err)
		s.sendError(c, protocol.ErrCodeSubscribeFailed, "subscription failed", nil)
		return
	}
	if !ok {
		s.sendError(c, protocol.ErrCodeNotParticipant, "not a participant of this conversation", nil)
		return
	}

	if err := s.registry.Subscribe(c.ID, f.ConversationID); err != nil {
		if errors.Is(err, ErrSubscriptionLimit) {
			s.sendError(c, protocol.ErrCodeSubscriptionLimit, "subscription limit reached", nil)
			return
		}
		s.sendError(c, protocol.ErrCodeSubscribeFailed, "subscription failed", nil)
		return
	}
	s.send(c, protocol.TypeSubscribed, protocol.NewSubscribed(f.ConversationID))
}

func (s *Server) handleUnsubscribe(c *Conn, f *protocol.UnsubscribeFrame) {
	if uuid.Validate(f.ConversationID) != nil {
		s.sendError(c, protocol.ErrCodeInvalidConversationID, "conversation_id must be a UUID", nil)
		return
	}
	s.registry.Unsubscribe(c.ID, f.ConversationID)
	s.send(c, protocol.TypeUnsubscribed, protocol.NewUnsubscribed(f.ConversationID))
}

func (s *Server) handleSubscribeUser(c *Conn) {
	conversations, err := s.db.ListConversationsForUser(c.UserID)
	if err != nil {
		errorLog.Printf("Conversation listing failed for conn %d: %v", c.ID, err)
		s.sendError(c, protocol.ErrCodeSubscribeFailed, "subscription failed", nil)
		return
	}

	// Subscribe within the remaining budget; once the cap is hit the rest
	// are silently skipped and the count tells the client how far we got
	subscribed := 0
	for _, conv := range conversations {
		if err := s.registry.Subscribe(c.ID, conv.ID); err != nil {
			if errors.Is(err, ErrSubscriptionLimit) {
				break
			}
			errorLog.Printf("Subscribe-all skipped conversation %s for conn %d: %v", conv.ID, c.ID, err)
			continue
		}
		subscribed++
	}
	s.send(c, protocol.TypeUserSubscribed, protocol.NewUserSubscribed(subscribed))
}

func (s *Server) handleMessage(c *Conn, f *protocol.MessageFrame) {
	if uuid.Validate(f.ConversationID) != nil {
		s.sendError(c, protocol.ErrCodeInvalidConversationID, "conversation_id must be a UUID", f.ClientMessageID)
		return
	}
	if f.RecipientID != nil && uuid.Validate(*f.RecipientID) != nil {
		s.sendError(c, protocol.ErrCodeInvalidFormat, "recipient_id must be a UUID", f.ClientMessageID)
		return
	}

	ciphertext, err := protocol.DecodeBase64Field(f.Ciphertext, protocol.MaxCiphertextBytes)
	if err != nil {
		if errors.Is(err, protocol.ErrPayloadTooLarge) {
			s.sendError(c, protocol.ErrCodePayloadTooLarge, "ciphertext exceeds 64KiB", f.ClientMessageID)
		} else {
			s.sendError(c, protocol.ErrCodeInvalidBase64, "ciphertext is not valid base64", f.ClientMessageID)
		}
		return
	}
	iv, err := protocol.DecodeBase64FieldExact(f.IV, protocol.IVBytes)
	if err != nil {
		s.sendError(c, protocol.ErrCodeInvalidIV, "iv must decode to exactly 12 bytes", f.ClientMessageID)
		return
	}
	if f.ExpiresAfterSeenSec != nil && !protocol.IsValidExpiryTTL(*f.ExpiresAfterSeenSec) {
		s.sendError(c, protocol.ErrCodeInvalidTTL, "expires_after_seen_sec must be 15, 30 or 60", f.ClientMessageID)
		return
	}

	if !c.allowMessage(s.config.MaxMessagesPerWindow, time.Duration(s.config.RateWindowSeconds)*time.Second, time.Now()) {
		s.metrics.RateLimited.WithLabelValues("relay").Inc()
		s.sendError(c, protocol.ErrCodeRateLimited, "message rate limit exceeded", f.ClientMessageID)
		return
	}

	// First contact: a brand-new conversation id plus a recipient creates
	// the direct conversation and attaches both users' live connections
	_, err = s.db.GetConversation(f.ConversationID)
	if errors.Is(err, database.ErrConversationNotFound) {
		if f.RecipientID == nil {
			s.sendError(c, protocol.ErrCodeNotParticipant, "not a participant of this conversation", f.ClientMessageID)
			return
		}
		if err := s.db.EnsureDirectConversation(f.ConversationID, c.UserID, *f.RecipientID); err != nil {
			errorLog.Printf("Conversation auto-create failed for conn %d: %v", c.ID, err)
			s.sendError(c, protocol.ErrCodeMessageFailed, "message could not be delivered", f.ClientMessageID)
			return
		}
		s.registry.SubscribeUser(c.UserID, f.ConversationID)
		s.registry.SubscribeUser(*f.RecipientID, f.ConversationID)
	} else if err != nil {
		errorLog.Printf("Conversation lookup failed for conn %d: %v", c.ID, err)
		s.sendError(c, protocol.ErrCodeMessageFailed, "message could not be delivered", f.ClientMessageID)
		return
	}

	msg, err := s.db.InsertMessage(f.ConversationID, c.UserID, ciphertext, iv, f.GroupEpoch, f.ExpiresAfterSeenSec)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrStaleGroupEpoch):
			s.sendError(c, protocol.ErrCodeStaleGroupEpoch, "message encrypted under a rotated group key", f.ClientMessageID)
		case errors.Is(err, database.ErrGroupNotFound):
			s.sendError(c, protocol.ErrCodeGroupNotFound, "group not found", f.ClientMessageID)
		case errors.Is(err, database.ErrNotParticipant):
			s.sendError(c, protocol.ErrCodeNotParticipant, "not a participant of this conversation", f.ClientMessageID)
		default:
			errorLog.Printf("Message insert failed for conn %d: %v", c.ID, err)
			s.sendError(c, protocol.ErrCodeMessageFailed, "message could not be delivered", f.ClientMessageID)
		}
		return
	}

	createdAt := protocol.FormatTime(time.UnixMilli(msg.CreatedAt))
	event := &protocol.MessageEvent{
		Type:                protocol.TypeMessage,
		ID:                  msg.ID,
		ConversationID:      msg.ConversationID,
		SenderID:            msg.SenderID,
		ClientMessageID:     f.ClientMessageID,
		GroupEpoch:          msg.GroupEpoch,
		ExpiresAfterSeenSec: msg.ExpiresAfterSeenSec,
		Ciphertext:          f.Ciphertext,
		IV:                  f.IV,
		CreatedAt:           createdAt,
	}
	s.registry.Broadcast(msg.ConversationID, event)
	s.metrics.MessagesRelayed.Inc()

	s.send(c, protocol.TypeMessageSent, &protocol.MessageSent{
		Type:            protocol.TypeMessageSent,
		ID:              msg.ID,
		ConversationID:  msg.ConversationID,
		ClientMessageID: f.ClientMessageID,
		CreatedAt:       createdAt,
	})
}

func (s *Server) handleMessageSeen(c *Conn, f *protocol.MessageSeenFrame) {
	if uuid.Validate(f.ConversationID) != nil {
		s.sendError(c, protocol.ErrCodeInvalidConversationID, "conversation_id must be a UUID", nil)
		return
	}
	if uuid.Validate(f.MessageID) != nil {
		s.sendError(c, protocol.ErrCodeInvalidMessageID, "message_id must be a UUID", nil)
		return
	}

	// The message must live in the conversation the client named, or the
	// receipt would leak into a conversation the marker may not even be a
	// member of. Missing message, wrong conversation and non-recipient all
	// answer the same frame so a guess can't confirm a message id exists.
	conversationID, senderID, err := s.db.GetMessageSender(f.MessageID)
	if err != nil || conversationID != f.ConversationID {
		s.sendError(c, protocol.ErrCodeSeenFailed, "seen receipt could not be processed", nil)
		if err != nil && !errors.Is(err, database.ErrMessageNotFound) {
			errorLog.Printf("Seen lookup failed for conn %d: %v", c.ID, err)
		}
		return
	}

	result, err := s.db.MarkMessageSeen(f.MessageID, c.UserID)
	if err != nil {
		s.sendError(c, protocol.ErrCodeSeenFailed, "seen receipt could not be processed", nil)
		if !errors.Is(err, database.ErrMessageNotFound) && !errors.Is(err, database.ErrSenderSelfSeen) {
			errorLog.Printf("Seen processing failed for conn %d: %v", c.ID, err)
		}
		return
	}
	s.metrics.MessagesSeen.Inc()

	event := &protocol.MessageSeenEvent{
		Type:              protocol.TypeMessageSeenEvent,
		MessageID:         f.MessageID,
		ConversationID:    conversationID,
		SeenBy:            c.UserID,
		SeenAt:            protocol.FormatTime(time.UnixMilli(result.SeenAt)),
		SeenCount:         result.SeenCount,
		TotalRecipients:   result.TotalRecipients,
		AllRecipientsSeen: result.AllRecipientsSeen,
	}
	if result.SenderDeleteAfterSeenAt != nil {
		deadline := protocol.FormatTime(time.UnixMilli(*result.SenderDeleteAfterSeenAt))
		event.SenderDeleteAfterSeenAt = &deadline
	}

	s.registry.Broadcast(conversationID, event)

	// The sender gets the receipt even on devices not subscribed to the
	// conversation; subscribed ones already got the broadcast
	s.registry.SendToUserExceptSubscribed(senderID, conversationID, event)
}

func (s *Server) send(c *Conn, frameType string, frame interface{}) {
	if err := c.Send(frame); err != nil {
		s.metrics.SendErrors.Inc()
		s.registry.Unregister(c.ID)
		return
	}
	s.metrics.FramesOut.WithLabelValues(frameType).Inc()
}

func (s *Server) sendError(c *Conn, code, message string, clientMessageID *string) {
	s.send(c, protocol.TypeError, protocol.NewErrorWithCorrelation(code, message, clientMessageID))
}
