package server

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/thefeshin/hush/pkg/protocol"
)

const maxMessageListLimit = 200

type messageResponse struct {
	ID                  string `json:"id"`
	ConversationID      string `json:"conversation_id"`
	SenderID            string `json:"sender_id"`
	Ciphertext          string `json:"ciphertext"` // base64
	IV                  string `json:"iv"`         // base64
	GroupEpoch          *int64 `json:"group_epoch,omitempty"`
	ExpiresAfterSeenSec *int   `json:"expires_after_seen_sec,omitempty"`
	CreatedAt           string `json:"created_at"`
}

// handleListMessages returns the ciphertext history still visible to the
// caller, oldest first
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conversationID := r.PathValue("id")
	if uuid.Validate(conversationID) != nil {
		writeJSONError(w, http.StatusBadRequest, "conversation id must be a UUID")
		return
	}

	isParticipant, err := s.db.IsParticipant(conversationID, userID)
	if err != nil {
		errorLog.Printf("Participant check failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "message listing failed")
		return
	}
	if !isParticipant {
		writeJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxMessageListLimit {
			n = maxMessageListLimit
		}
		limit = n
	}

	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		before = ts.UnixMilli()
	}

	messages, err := s.db.ListMessages(conversationID, userID, limit, before)
	if err != nil {
		errorLog.Printf("Message listing failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "message listing failed")
		return
	}

	resp := make([]messageResponse, 0, len(messages))
	for _, msg := range messages {
		resp = append(resp, messageResponse{
			ID:                  msg.ID,
			ConversationID:      msg.ConversationID,
			SenderID:            msg.SenderID,
			Ciphertext:          base64.StdEncoding.EncodeToString(msg.Ciphertext),
			IV:                  base64.StdEncoding.EncodeToString(msg.IV),
			GroupEpoch:          msg.GroupEpoch,
			ExpiresAfterSeenSec: msg.ExpiresAfterSeenSec,
			CreatedAt:           protocol.FormatTime(time.UnixMilli(msg.CreatedAt)),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": resp})
}
