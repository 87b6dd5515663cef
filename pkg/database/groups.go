package database

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// KeyEnvelope carries one member's encrypted copy of the group key for a
// new epoch. The server stores the blob opaquely and never inspects it.
type KeyEnvelope struct {
	UserID           string
	EncryptedKeyBlob []byte
}

// CreateGroup creates a group conversation at epoch 1 with the creator as
// owner plus the given members. Envelopes must cover every member.
func (db *DB) CreateGroup(creatorID, name string, memberIDs []string, envelopes []KeyEnvelope) (*GroupState, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id := uuid.NewString()
	now := nowMillis()

	if _, err := tx.Exec(
		`INSERT INTO conversations (id, kind, group_name, created_at) VALUES (?, 'group', ?, ?)`,
		id, name, now,
	); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO groups (id, created_by, key_epoch) VALUES (?, ?, 1)`,
		id, creatorID,
	); err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}

	addMember := func(userID, role string) error {
		if _, err := tx.Exec(
			`INSERT INTO group_members (group_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)`,
			id, userID, role, now,
		); err != nil {
			return fmt.Errorf("failed to add member: %w", err)
		}
		_, err := tx.Exec(
			`INSERT INTO conversation_participants (conversation_id, user_id, created_at) VALUES (?, ?, ?)`,
			id, userID, now,
		)
		if err != nil {
			return fmt.Errorf("failed to add participant: %w", err)
		}
		return nil
	}

	if err := addMember(creatorID, "owner"); err != nil {
		return nil, err
	}
	for _, memberID := range memberIDs {
		if memberID == creatorID {
			continue
		}
		if err := addMember(memberID, "member"); err != nil {
			return nil, err
		}
	}

	if err := insertEnvelopes(tx, id, 1, envelopes); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return db.GetGroupState(id, creatorID)
}

// AddGroupMember adds a user to the group and bumps the key epoch in the
// same transaction. Envelopes re-key every member (new and existing) at
// the new epoch. Returns the new epoch.
func (db *DB) AddGroupMember(groupID, userID string, envelopes []KeyEnvelope) (int64, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowMillis()
	if _, err := tx.Exec(
		`INSERT INTO group_members (group_id, user_id, role, joined_at)
		 VALUES (?, ?, 'member', ?)
		 ON CONFLICT(group_id, user_id) DO UPDATE SET removed_at = NULL, joined_at = excluded.joined_at`,
		groupID, userID, now,
	); err != nil {
		return 0, fmt.Errorf("failed to add member: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id, created_at) VALUES (?, ?, ?)`,
		groupID, userID, now,
	); err != nil {
		return 0, fmt.Errorf("failed to add participant: %w", err)
	}

	epoch, err := bumpEpoch(tx, groupID)
	if err != nil {
		return 0, err
	}
	if err := insertEnvelopes(tx, groupID, epoch, envelopes); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return epoch, nil
}

// RemoveGroupMember removes a user (or lets one leave) and bumps the key
// epoch in the same transaction. Envelopes re-key the remaining members at
// the new epoch; the removed user gets none and cannot read future epochs.
func (db *DB) RemoveGroupMember(groupID, userID string, envelopes []KeyEnvelope) (int64, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var role string
	err = tx.QueryRow(
		`SELECT role FROM group_members WHERE group_id = ? AND user_id = ? AND removed_at IS NULL`,
		groupID, userID,
	).Scan(&role)
	if err == sql.ErrNoRows {
		return 0, ErrNotParticipant
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query member: %w", err)
	}

	if role == "owner" {
		var owners int
		err = tx.QueryRow(
			`SELECT COUNT(*) FROM group_members WHERE group_id = ? AND role = 'owner' AND removed_at IS NULL`,
			groupID,
		).Scan(&owners)
		if err != nil {
			return 0, fmt.Errorf("failed to count owners: %w", err)
		}
		if owners <= 1 {
			return 0, ErrLastOwner
		}
	}

	if _, err := tx.Exec(
		`UPDATE group_members SET removed_at = ? WHERE group_id = ? AND user_id = ?`,
		nowMillis(), groupID, userID,
	); err != nil {
		return 0, fmt.Errorf("failed to remove member: %w", err)
	}
	if _, err := tx.Exec(
		`DELETE FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
		groupID, userID,
	); err != nil {
		return 0, fmt.Errorf("failed to remove participant: %w", err)
	}

	epoch, err := bumpEpoch(tx, groupID)
	if err != nil {
		return 0, err
	}
	if err := insertEnvelopes(tx, groupID, epoch, envelopes); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return epoch, nil
}

// SetGroupMemberRole changes an active member's role and bumps the key
// epoch in the same transaction, like every other membership update.
// Envelopes re-key the members at the new epoch. Demoting the last owner
// is refused; the group must always have one. Returns the new epoch.
func (db *DB) SetGroupMemberRole(groupID, userID, role string, envelopes []KeyEnvelope) (int64, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(
		`SELECT role FROM group_members WHERE group_id = ? AND user_id = ? AND removed_at IS NULL`,
		groupID, userID,
	).Scan(&current)
	if err == sql.ErrNoRows {
		return 0, ErrNotParticipant
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query member: %w", err)
	}

	if current == "owner" && role != "owner" {
		var owners int
		err = tx.QueryRow(
			`SELECT COUNT(*) FROM group_members WHERE group_id = ? AND role = 'owner' AND removed_at IS NULL`,
			groupID,
		).Scan(&owners)
		if err != nil {
			return 0, fmt.Errorf("failed to count owners: %w", err)
		}
		if owners <= 1 {
			return 0, ErrLastOwner
		}
	}

	if _, err := tx.Exec(
		`UPDATE group_members SET role = ? WHERE group_id = ? AND user_id = ?`,
		role, groupID, userID,
	); err != nil {
		return 0, fmt.Errorf("failed to update role: %w", err)
	}

	epoch, err := bumpEpoch(tx, groupID)
	if err != nil {
		return 0, err
	}
	if err := insertEnvelopes(tx, groupID, epoch, envelopes); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return epoch, nil
}

// bumpEpoch advances the group key epoch exactly once within the caller's
// transaction and returns the new value.
func bumpEpoch(tx *sql.Tx, groupID string) (int64, error) {
	var epoch int64
	err := tx.QueryRow(
		`UPDATE groups SET key_epoch = key_epoch + 1 WHERE id = ? RETURNING key_epoch`,
		groupID,
	).Scan(&epoch)
	if err == sql.ErrNoRows {
		return 0, ErrGroupNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to bump epoch: %w", err)
	}
	return epoch, nil
}

func insertEnvelopes(tx *sql.Tx, groupID string, epoch int64, envelopes []KeyEnvelope) error {
	for _, env := range envelopes {
		if _, err := tx.Exec(
			`INSERT INTO group_key_envelopes (group_id, user_id, epoch, encrypted_key_blob) VALUES (?, ?, ?, ?)`,
			groupID, env.UserID, epoch, env.EncryptedKeyBlob,
		); err != nil {
			return fmt.Errorf("failed to store key envelope: %w", err)
		}
	}
	return nil
}

// GetGroupEpoch returns the current key epoch for a group
func (db *DB) GetGroupEpoch(groupID string) (int64, error) {
	var epoch int64
	err := db.conn.QueryRow(`SELECT key_epoch FROM groups WHERE id = ?`, groupID).Scan(&epoch)
	if err == sql.ErrNoRows {
		return 0, ErrGroupNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query epoch: %w", err)
	}
	return epoch, nil
}

// GetGroupRole returns the caller's active role in the group, or
// ErrNotParticipant if they are not an active member.
func (db *DB) GetGroupRole(groupID, userID string) (string, error) {
	var role string
	err := db.conn.QueryRow(
		`SELECT role FROM group_members WHERE group_id = ? AND user_id = ? AND removed_at IS NULL`,
		groupID, userID,
	).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotParticipant
	}
	if err != nil {
		return "", fmt.Errorf("failed to query role: %w", err)
	}
	return role, nil
}

// GetGroupState returns the group snapshot as seen by one member, including
// that member's key envelope for the current epoch.
func (db *DB) GetGroupState(groupID, userID string) (*GroupState, error) {
	state := &GroupState{ID: groupID}

	var name sql.NullString
	err := db.conn.QueryRow(
		`SELECT c.group_name, g.created_by, g.key_epoch
		 FROM groups g JOIN conversations c ON c.id = g.id
		 WHERE g.id = ?`,
		groupID,
	).Scan(&name, &state.CreatedBy, &state.KeyEpoch)
	if err == sql.ErrNoRows {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query group: %w", err)
	}
	if name.Valid {
		state.Name = name.String
	}

	rows, err := db.conn.Query(
		`SELECT user_id, role, joined_at FROM group_members
		 WHERE group_id = ? AND removed_at IS NULL ORDER BY joined_at`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m GroupMember
		if err := rows.Scan(&m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		state.Members = append(state.Members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = db.conn.QueryRow(
		`SELECT encrypted_key_blob FROM group_key_envelopes
		 WHERE group_id = ? AND user_id = ? AND epoch = ?`,
		groupID, userID, state.KeyEpoch,
	).Scan(&state.MyKeyEnvelope)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to query key envelope: %w", err)
	}

	return state, nil
}
