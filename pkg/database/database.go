package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrConversationNotFound indicates the conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrGroupNotFound indicates the conversation is not a group.
	ErrGroupNotFound = errors.New("group not found")
	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotParticipant indicates the user is not a conversation participant.
	ErrNotParticipant = errors.New("not a conversation participant")
	// ErrStaleGroupEpoch indicates a message was sealed under a rotated group key.
	ErrStaleGroupEpoch = errors.New("message encrypted under stale group epoch")
	// ErrLastOwner indicates a removal would leave the group without an owner.
	ErrLastOwner = errors.New("cannot remove the last group owner")
	// ErrSenderSelfSeen indicates a sender tried to mark their own message seen.
	ErrSenderSelfSeen = errors.New("sender cannot mark own message seen")
	// ErrUserNotFound indicates the user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("username already taken")
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Multiple readers in WAL mode, but writes are funneled through a
	// dedicated single-connection pool below (SQLite limitation)
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0) // Never expire

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// applyPragmas configures a connection pool for concurrent WAL access.
func applyPragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// initSchema creates all tables and indexes if they don't exist
func (db *DB) initSchema() error {
	schema := `
-- Registered users. Password verification feeds the defense engine; the
-- server never holds any key material beyond this hash.
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_login INTEGER
);

-- Conversations: direct (2 participants) or group (N participants).
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL DEFAULT 'direct',
	group_name TEXT,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_participants (
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_conversation_participants_user
	ON conversation_participants(user_id);

-- Group state. key_epoch is bumped exactly once per membership change,
-- always in the same transaction as the membership mutation.
CREATE TABLE IF NOT EXISTS groups (
	id TEXT PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
	created_by TEXT NOT NULL,
	key_epoch INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'member',
	joined_at INTEGER NOT NULL,
	removed_at INTEGER,
	PRIMARY KEY (group_id, user_id)
);

-- Per (group, member, epoch) encrypted copy of the symmetric group key.
CREATE TABLE IF NOT EXISTS group_key_envelopes (
	group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	epoch INTEGER NOT NULL,
	encrypted_key_blob BLOB NOT NULL,
	PRIMARY KEY (group_id, user_id, epoch)
);

-- Messages are opaque ciphertext blobs. sender_delete_after_seen_at is
-- stamped once every recipient has seen the message.
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	sender_id TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	iv BLOB NOT NULL,
	group_epoch INTEGER,
	expires_after_seen_sec INTEGER,
	sender_delete_after_seen_at INTEGER,
	sender_deleted_at INTEGER,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_sender_due
	ON messages(sender_delete_after_seen_at)
	WHERE sender_delete_after_seen_at IS NOT NULL AND sender_deleted_at IS NULL;

-- Per-recipient message state: seen timestamps and seen-based expiry.
CREATE TABLE IF NOT EXISTS message_user_state (
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	is_sender INTEGER NOT NULL DEFAULT 0,
	seen_at INTEGER,
	delete_after_seen_at INTEGER,
	deleted_at INTEGER,
	PRIMARY KEY (message_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_message_user_state_due
	ON message_user_state(delete_after_seen_at)
	WHERE delete_after_seen_at IS NOT NULL AND deleted_at IS NULL;

-- Defense engine state.
CREATE TABLE IF NOT EXISTS auth_failures (
	ip_address TEXT PRIMARY KEY,
	failure_count INTEGER NOT NULL DEFAULT 0,
	first_failure_at INTEGER NOT NULL,
	last_failure_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blocked_ips (
	ip_address TEXT PRIMARY KEY,
	blocked_at INTEGER NOT NULL,
	expires_at INTEGER,
	reason TEXT NOT NULL DEFAULT 'auth_failure'
);
`

	_, err := db.conn.Exec(schema)
	return err
}

// User represents a registered account
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    int64 // Unix timestamp in milliseconds
	LastLogin    *int64
}

// Conversation represents a direct or group conversation
type Conversation struct {
	ID        string
	Kind      string // "direct" or "group"
	GroupName *string
	CreatedAt int64
}

// GroupMember is one active member of a group conversation
type GroupMember struct {
	UserID   string
	Role     string // "owner", "admin" or "member"
	JoinedAt int64
}

// GroupState is the full group snapshot returned to a member, including the
// caller's key envelope for the current epoch (nil if they have none).
type GroupState struct {
	ID            string
	Name          string
	CreatedBy     string
	KeyEpoch      int64
	Members       []GroupMember
	MyKeyEnvelope []byte
}

// Message represents a stored ciphertext blob
type Message struct {
	ID                  string
	ConversationID      string
	SenderID            string
	Ciphertext          []byte
	IV                  []byte
	GroupEpoch          *int64
	ExpiresAfterSeenSec *int
	CreatedAt           int64 // Unix timestamp in milliseconds
}

// SeenResult is the aggregate seen state after a recipient marks a message seen
type SeenResult struct {
	SeenAt                  int64
	SeenCount               int
	TotalRecipients         int
	AllRecipientsSeen       bool
	SenderDeleteAfterSeenAt *int64
}

// ExpiredCopy identifies one participant's copy removed by an expiry sweep
type ExpiredCopy struct {
	MessageID      string
	UserID         string
	ConversationID string
}

// IPBlock represents an active (or expired, pending lazy eviction) IP block
type IPBlock struct {
	IPAddress string
	BlockedAt int64
	ExpiresAt *int64 // nil = permanent
	Reason    string
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// nullableMillis converts an optional millisecond timestamp for scanning.
func scanNullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
