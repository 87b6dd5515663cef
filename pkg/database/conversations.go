package database

import (
	"database/sql"
	"fmt"
)

// EnsureDirectConversation guarantees a direct conversation with the
// client-chosen ID exists and that the sender participates in it. When the
// conversation is new, both sender and recipient become participants;
// sending to an existing conversation the sender is not part of returns
// ErrNotParticipant.
func (db *DB) EnsureDirectConversation(conversationID, senderID, recipientID string) error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var kind string
	err = tx.QueryRow(`SELECT kind FROM conversations WHERE id = ?`, conversationID).Scan(&kind)
	if err == nil {
		var one int
		err = tx.QueryRow(
			`SELECT 1 FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
			conversationID, senderID,
		).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrNotParticipant
		}
		if err != nil {
			return fmt.Errorf("failed to query participant: %w", err)
		}
		return tx.Commit()
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to query conversation: %w", err)
	}

	now := nowMillis()
	if _, err := tx.Exec(
		`INSERT INTO conversations (id, kind, created_at) VALUES (?, 'direct', ?)`,
		conversationID, now,
	); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	for _, userID := range []string{senderID, recipientID} {
		if userID == "" {
			continue
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id, created_at) VALUES (?, ?, ?)`,
			conversationID, userID, now,
		); err != nil {
			return fmt.Errorf("failed to add participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// GetConversation returns the conversation row by ID
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var conv Conversation
	var groupName sql.NullString
	err := db.conn.QueryRow(
		`SELECT id, kind, group_name, created_at FROM conversations WHERE id = ?`,
		id,
	).Scan(&conv.ID, &conv.Kind, &groupName, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	if groupName.Valid {
		conv.GroupName = &groupName.String
	}
	return &conv, nil
}

// IsParticipant reports whether the user belongs to the conversation
func (db *DB) IsParticipant(conversationID, userID string) (bool, error) {
	var one int
	err := db.conn.QueryRow(
		`SELECT 1 FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query participant: %w", err)
	}
	return true, nil
}

// ListParticipants returns all participant user IDs for a conversation
func (db *DB) ListParticipants(conversationID string) ([]string, error) {
	rows, err := db.conn.Query(
		`SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY user_id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var participants []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, userID)
	}
	return participants, rows.Err()
}

// ListConversationsForUser returns all conversations the user participates in
func (db *DB) ListConversationsForUser(userID string) ([]*Conversation, error) {
	rows, err := db.conn.Query(
		`SELECT c.id, c.kind, c.group_name, c.created_at
		 FROM conversations c
		 JOIN conversation_participants p ON p.conversation_id = c.id
		 WHERE p.user_id = ?
		 ORDER BY c.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		var conv Conversation
		var groupName sql.NullString
		if err := rows.Scan(&conv.ID, &conv.Kind, &groupName, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if groupName.Valid {
			conv.GroupName = &groupName.String
		}
		conversations = append(conversations, &conv)
	}
	return conversations, rows.Err()
}
