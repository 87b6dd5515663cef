package database

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CreateUser registers a new account with a pre-hashed password
func (db *DB) CreateUser(username, passwordHash string) (*User, error) {
	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    nowMillis(),
	}

	_, err := db.writeConn.Exec(
		`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.Username, user.PasswordHash, user.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// GetUserByUsername looks up a user by username
func (db *DB) GetUserByUsername(username string) (*User, error) {
	return db.scanUser(db.conn.QueryRow(
		`SELECT id, username, password_hash, created_at, last_login FROM users WHERE username = ?`,
		username,
	))
}

// GetUserByID looks up a user by ID
func (db *DB) GetUserByID(id string) (*User, error) {
	return db.scanUser(db.conn.QueryRow(
		`SELECT id, username, password_hash, created_at, last_login FROM users WHERE id = ?`,
		id,
	))
}

func (db *DB) scanUser(row *sql.Row) (*User, error) {
	var user User
	var lastLogin sql.NullInt64
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	user.LastLogin = scanNullInt64(lastLogin)
	return &user, nil
}

// TouchLastLogin records a successful login for the user
func (db *DB) TouchLastLogin(userID string) error {
	_, err := db.writeConn.Exec(
		`UPDATE users SET last_login = ? WHERE id = ?`,
		nowMillis(), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}
