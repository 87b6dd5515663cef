package database

import (
	"database/sql"
	"fmt"
)

// RecordAuthFailure increments the failure counter for an IP and returns
// the new count. Counter and timestamps are updated in a single upsert.
func (db *DB) RecordAuthFailure(ipAddress string) (int, error) {
	now := nowMillis()
	var count int
	err := db.writeConn.QueryRow(
		`INSERT INTO auth_failures (ip_address, failure_count, first_failure_at, last_failure_at)
		 VALUES (?, 1, ?, ?)
		 ON CONFLICT(ip_address) DO UPDATE SET
			failure_count = failure_count + 1,
			last_failure_at = excluded.last_failure_at
		 RETURNING failure_count`,
		ipAddress, now, now,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to record auth failure: %w", err)
	}
	return count, nil
}

// ResetAuthFailures clears the failure counter for an IP after a
// successful authentication
func (db *DB) ResetAuthFailures(ipAddress string) error {
	_, err := db.writeConn.Exec(`DELETE FROM auth_failures WHERE ip_address = ?`, ipAddress)
	if err != nil {
		return fmt.Errorf("failed to reset auth failures: %w", err)
	}
	return nil
}

// GetIPBlock returns the block row for an IP, or nil if none exists.
// Expired rows are returned as-is; eviction is the caller's job.
func (db *DB) GetIPBlock(ipAddress string) (*IPBlock, error) {
	var block IPBlock
	var expiresAt sql.NullInt64
	err := db.conn.QueryRow(
		`SELECT ip_address, blocked_at, expires_at, reason FROM blocked_ips WHERE ip_address = ?`,
		ipAddress,
	).Scan(&block.IPAddress, &block.BlockedAt, &expiresAt, &block.Reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ip block: %w", err)
	}
	block.ExpiresAt = scanNullInt64(expiresAt)
	return &block, nil
}

// BlockIP records a block for an IP. expiresAt nil means permanent.
// Re-blocking an already blocked IP replaces the row.
func (db *DB) BlockIP(ipAddress string, expiresAt *int64, reason string) error {
	var expiresVal interface{}
	if expiresAt != nil {
		expiresVal = *expiresAt
	}
	_, err := db.writeConn.Exec(
		`INSERT INTO blocked_ips (ip_address, blocked_at, expires_at, reason)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(ip_address) DO UPDATE SET
			blocked_at = excluded.blocked_at,
			expires_at = excluded.expires_at,
			reason = excluded.reason`,
		ipAddress, nowMillis(), expiresVal, reason,
	)
	if err != nil {
		return fmt.Errorf("failed to block ip: %w", err)
	}
	return nil
}

// UnblockIP removes a block row for an IP (expired or manually lifted)
func (db *DB) UnblockIP(ipAddress string) error {
	_, err := db.writeConn.Exec(`DELETE FROM blocked_ips WHERE ip_address = ?`, ipAddress)
	if err != nil {
		return fmt.Errorf("failed to unblock ip: %w", err)
	}
	return nil
}

// DeleteExpiredBlocks evicts all temporary blocks past their expiry
func (db *DB) DeleteExpiredBlocks(now int64) (int64, error) {
	res, err := db.writeConn.Exec(
		`DELETE FROM blocked_ips WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired blocks: %w", err)
	}
	return res.RowsAffected()
}

// WipeData destroys all conversations, messages and defense state in one
// transaction. User accounts survive so the operator can recover after a
// wipe triggered by the defense engine.
func (db *DB) WipeData() error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// conversations cascades to participants, groups, members, envelopes
	// and messages; messages cascade to state rows
	for _, stmt := range []string{
		`DELETE FROM messages`,
		`DELETE FROM conversations`,
		`DELETE FROM auth_failures`,
		`DELETE FROM blocked_ips`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to wipe data: %w", err)
		}
	}

	return tx.Commit()
}
