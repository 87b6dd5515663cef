package database

import (
	"fmt"
)

// SweepRecipientCopies claims and deletes recipient copies whose
// seen-based deadline has passed, returning the copies removed so the
// caller can notify connected devices. The claim and the delete happen in
// one transaction so a copy is never processed twice.
func (db *DB) SweepRecipientCopies(now int64) ([]ExpiredCopy, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT s.message_id, s.user_id, m.conversation_id
		 FROM message_user_state s JOIN messages m ON m.id = s.message_id
		 WHERE s.delete_after_seen_at IS NOT NULL
		   AND s.delete_after_seen_at <= ?
		   AND s.deleted_at IS NULL`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due copies: %w", err)
	}
	var due []ExpiredCopy
	for rows.Next() {
		var c ExpiredCopy
		if err := rows.Scan(&c.MessageID, &c.UserID, &c.ConversationID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan due copy: %w", err)
		}
		due = append(due, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range due {
		if _, err := tx.Exec(
			`UPDATE message_user_state SET deleted_at = ? WHERE message_id = ? AND user_id = ? AND deleted_at IS NULL`,
			now, c.MessageID, c.UserID,
		); err != nil {
			return nil, fmt.Errorf("failed to delete copy: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return due, nil
}

// SweepSenderCopies claims and deletes sender copies whose deadline
// (stamped when the last recipient saw the message) has passed.
func (db *DB) SweepSenderCopies(now int64) ([]ExpiredCopy, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, sender_id, conversation_id FROM messages
		 WHERE sender_delete_after_seen_at IS NOT NULL
		   AND sender_delete_after_seen_at <= ?
		   AND sender_deleted_at IS NULL`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due senders: %w", err)
	}
	var due []ExpiredCopy
	for rows.Next() {
		var c ExpiredCopy
		if err := rows.Scan(&c.MessageID, &c.UserID, &c.ConversationID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan due sender: %w", err)
		}
		due = append(due, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range due {
		if _, err := tx.Exec(
			`UPDATE messages SET sender_deleted_at = ? WHERE id = ? AND sender_deleted_at IS NULL`,
			now, c.MessageID,
		); err != nil {
			return nil, fmt.Errorf("failed to delete sender copy: %w", err)
		}
		if _, err := tx.Exec(
			`UPDATE message_user_state SET deleted_at = ? WHERE message_id = ? AND user_id = ? AND deleted_at IS NULL`,
			now, c.MessageID, c.UserID,
		); err != nil {
			return nil, fmt.Errorf("failed to delete sender state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return due, nil
}

// PurgeFullyDeletedMessages hard-deletes ciphertext for messages every
// participant copy of which is gone. State rows go with them via cascade.
// Returns the number of messages purged.
func (db *DB) PurgeFullyDeletedMessages() (int64, error) {
	res, err := db.writeConn.Exec(
		`DELETE FROM messages
		 WHERE sender_deleted_at IS NOT NULL
		   AND NOT EXISTS (
			SELECT 1 FROM message_user_state s
			WHERE s.message_id = messages.id AND s.deleted_at IS NULL
		 )`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge messages: %w", err)
	}
	return res.RowsAffected()
}
