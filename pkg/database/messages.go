package database

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// InsertMessage persists a ciphertext blob and fans out per-participant
// state rows in one transaction. For group conversations the client's
// groupEpoch (if supplied) must exactly match the current epoch; otherwise
// ErrStaleGroupEpoch is returned and nothing is persisted.
func (db *DB) InsertMessage(conversationID, senderID string, ciphertext, iv []byte, groupEpoch *int64, expiresAfterSeenSec *int) (*Message, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var kind string
	err = tx.QueryRow(`SELECT kind FROM conversations WHERE id = ?`, conversationID).Scan(&kind)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}

	var stampedEpoch *int64
	if kind == "group" {
		var current int64
		err = tx.QueryRow(`SELECT key_epoch FROM groups WHERE id = ?`, conversationID).Scan(&current)
		if err == sql.ErrNoRows {
			return nil, ErrGroupNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query epoch: %w", err)
		}
		if groupEpoch != nil && *groupEpoch != current {
			return nil, ErrStaleGroupEpoch
		}
		stampedEpoch = &current
	}

	// Participant snapshot at send time; later membership changes must not
	// retroactively alter who holds a copy of this message
	rows, err := tx.Query(
		`SELECT user_id FROM conversation_participants WHERE conversation_id = ?`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	var participants []string
	senderFound := false
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		if userID == senderID {
			senderFound = true
		}
		participants = append(participants, userID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !senderFound {
		return nil, ErrNotParticipant
	}

	msg := &Message{
		ID:                  uuid.NewString(),
		ConversationID:      conversationID,
		SenderID:            senderID,
		Ciphertext:          ciphertext,
		IV:                  iv,
		GroupEpoch:          stampedEpoch,
		ExpiresAfterSeenSec: expiresAfterSeenSec,
		CreatedAt:           nowMillis(),
	}

	var epochVal, ttlVal interface{}
	if stampedEpoch != nil {
		epochVal = *stampedEpoch
	}
	if expiresAfterSeenSec != nil {
		ttlVal = *expiresAfterSeenSec
	}
	if _, err := tx.Exec(
		`INSERT INTO messages (id, conversation_id, sender_id, ciphertext, iv, group_epoch, expires_after_seen_sec, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Ciphertext, msg.IV, epochVal, ttlVal, msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	for _, userID := range participants {
		isSender := 0
		if userID == senderID {
			isSender = 1
		}
		if _, err := tx.Exec(
			`INSERT INTO message_user_state (message_id, user_id, is_sender) VALUES (?, ?, ?)`,
			msg.ID, userID, isSender,
		); err != nil {
			return nil, fmt.Errorf("failed to insert message state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return msg, nil
}

// MarkMessageSeen records that a recipient has seen the message. Repeated
// calls are idempotent: the first seen timestamp sticks. Once every
// recipient has seen the message, the sender's deletion deadline is
// stamped at max(seen_at)+TTL.
func (db *DB) MarkMessageSeen(messageID, userID string) (*SeenResult, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		ttl       sql.NullInt64
		isSender  int
		seenAt    sql.NullInt64
		deletedAt sql.NullInt64
	)
	err = tx.QueryRow(
		`SELECT m.expires_after_seen_sec, s.is_sender, s.seen_at, s.deleted_at
		 FROM messages m JOIN message_user_state s ON s.message_id = m.id
		 WHERE m.id = ? AND s.user_id = ?`,
		messageID, userID,
	).Scan(&ttl, &isSender, &seenAt, &deletedAt)
	if err == sql.ErrNoRows {
		// Either the message is gone or the caller never held a copy; both
		// look the same to avoid leaking message existence
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message state: %w", err)
	}
	if isSender == 1 {
		return nil, ErrSenderSelfSeen
	}
	if deletedAt.Valid {
		return nil, ErrMessageNotFound
	}

	result := &SeenResult{}
	if seenAt.Valid {
		result.SeenAt = seenAt.Int64
	} else {
		now := nowMillis()
		var deleteAfter interface{}
		if ttl.Valid {
			deleteAfter = now + ttl.Int64*1000
		}
		if _, err := tx.Exec(
			`UPDATE message_user_state SET seen_at = ?, delete_after_seen_at = ?
			 WHERE message_id = ? AND user_id = ?`,
			now, deleteAfter, messageID, userID,
		); err != nil {
			return nil, fmt.Errorf("failed to mark seen: %w", err)
		}
		result.SeenAt = now
	}

	var maxSeen sql.NullInt64
	err = tx.QueryRow(
		`SELECT COUNT(*), COUNT(seen_at), MAX(seen_at)
		 FROM message_user_state WHERE message_id = ? AND is_sender = 0`,
		messageID,
	).Scan(&result.TotalRecipients, &result.SeenCount, &maxSeen)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate seen state: %w", err)
	}
	result.AllRecipientsSeen = result.SeenCount == result.TotalRecipients

	if result.AllRecipientsSeen && ttl.Valid {
		// Stamp once; the deadline must not move if seen events replay
		var deadline int64
		err = tx.QueryRow(
			`UPDATE messages SET sender_delete_after_seen_at = COALESCE(sender_delete_after_seen_at, ?)
			 WHERE id = ? RETURNING sender_delete_after_seen_at`,
			maxSeen.Int64+ttl.Int64*1000, messageID,
		).Scan(&deadline)
		if err != nil {
			return nil, fmt.Errorf("failed to stamp sender deadline: %w", err)
		}
		result.SenderDeleteAfterSeenAt = &deadline
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return result, nil
}

// GetMessageSender returns the sender of a message (for routing seen events)
func (db *DB) GetMessageSender(messageID string) (conversationID, senderID string, err error) {
	err = db.conn.QueryRow(
		`SELECT conversation_id, sender_id FROM messages WHERE id = ?`,
		messageID,
	).Scan(&conversationID, &senderID)
	if err == sql.ErrNoRows {
		return "", "", ErrMessageNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to query message: %w", err)
	}
	return conversationID, senderID, nil
}

// ListMessages returns the newest messages in a conversation still visible
// to the given participant, oldest first, up to limit. A non-zero
// beforeMillis acts as a pagination cursor: only messages created strictly
// earlier are returned.
func (db *DB) ListMessages(conversationID, userID string, limit int, beforeMillis int64) ([]*Message, error) {
	query := `SELECT m.id, m.conversation_id, m.sender_id, m.ciphertext, m.iv, m.group_epoch, m.expires_after_seen_sec, m.created_at
		 FROM messages m JOIN message_user_state s ON s.message_id = m.id
		 WHERE m.conversation_id = ? AND s.user_id = ? AND s.deleted_at IS NULL`
	args := []interface{}{conversationID, userID}
	if beforeMillis > 0 {
		query += ` AND m.created_at < ?`
		args = append(args, beforeMillis)
	}
	query += ` ORDER BY m.created_at DESC, m.rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var epoch, ttl sql.NullInt64
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Ciphertext, &msg.IV, &epoch, &ttl, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.GroupEpoch = scanNullInt64(epoch)
		if ttl.Valid {
			t := int(ttl.Int64)
			msg.ExpiresAfterSeenSec = &t
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
