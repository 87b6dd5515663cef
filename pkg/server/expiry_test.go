package server

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thefeshin/hush/pkg/database"
)

func newExpiryFixture(t *testing.T) (*ExpiryWorker, *database.DB) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "expiry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	metrics := NewMetrics(prometheus.NewRegistry())
	registry := NewRegistry(500, metrics)
	worker := NewExpiryWorker(db, registry, metrics, time.Hour)
	return worker, db
}

func sendSeenMessage(t *testing.T, db *database.DB, ttl int) (msgID string, seen *database.SeenResult) {
	t.Helper()
	alice, err := db.CreateUser("alice", "$2a$10$fakehash")
	require.NoError(t, err)
	bob, err := db.CreateUser("bob", "$2a$10$fakehash")
	require.NoError(t, err)
	convID := "c0ffee00-0000-4000-8000-0000000000aa"
	require.NoError(t, db.EnsureDirectConversation(convID, alice.ID, bob.ID))

	msg, err := db.InsertMessage(convID, alice.ID, []byte("ciphertext"), make([]byte, 12), nil, &ttl)
	require.NoError(t, err)

	seen, err = db.MarkMessageSeen(msg.ID, bob.ID)
	require.NoError(t, err)
	return msg.ID, seen
}

func TestSweepBeforeDeadlineDeletesNothing(t *testing.T) {
	worker, db := newExpiryFixture(t)
	msgID, seen := sendSeenMessage(t, db, 30)

	worker.Sweep(seen.SeenAt + 1000)

	_, senderID, err := db.GetMessageSender(msgID)
	require.NoError(t, err)
	assert.NotEmpty(t, senderID, "message survives sweeps before the deadline")
}

func TestSweepDeletesAfterDeadline(t *testing.T) {
	worker, db := newExpiryFixture(t)
	msgID, seen := sendSeenMessage(t, db, 30)
	require.True(t, seen.AllRecipientsSeen)
	require.NotNil(t, seen.SenderDeleteAfterSeenAt)

	// Past both the recipient and the sender deadline: one sweep deletes
	// both copies, the next purges the message row.
	deadline := *seen.SenderDeleteAfterSeenAt + 1
	worker.Sweep(deadline)
	worker.Sweep(deadline)

	_, _, err := db.GetMessageSender(msgID)
	assert.ErrorIs(t, err, database.ErrMessageNotFound)
}

func TestSweepIsIdempotent(t *testing.T) {
	worker, db := newExpiryFixture(t)
	_, seen := sendSeenMessage(t, db, 30)
	deadline := *seen.SenderDeleteAfterSeenAt + 1

	expired, err := db.SweepRecipientCopies(deadline)
	require.NoError(t, err)
	assert.Len(t, expired, 1)

	// Rows are claimed on the first pass; a rerun finds nothing
	expired, err = db.SweepRecipientCopies(deadline)
	require.NoError(t, err)
	assert.Empty(t, expired)

	worker.Sweep(deadline)
	worker.Sweep(deadline)
}

func TestNoTTLMessageNeverSwept(t *testing.T) {
	worker, db := newExpiryFixture(t)

	alice, err := db.CreateUser("alice", "$2a$10$fakehash")
	require.NoError(t, err)
	bob, err := db.CreateUser("bob", "$2a$10$fakehash")
	require.NoError(t, err)
	convID := "c0ffee00-0000-4000-8000-0000000000bb"
	require.NoError(t, db.EnsureDirectConversation(convID, alice.ID, bob.ID))

	msg, err := db.InsertMessage(convID, alice.ID, []byte("ciphertext"), make([]byte, 12), nil, nil)
	require.NoError(t, err)
	_, err = db.MarkMessageSeen(msg.ID, bob.ID)
	require.NoError(t, err)

	farFuture := time.Now().Add(24 * 365 * time.Hour).UnixMilli()
	worker.Sweep(farFuture)

	msgs, err := db.ListMessages(convID, bob.ID, 50, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestWorkerStartStop(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "expiry.db"))
	require.NoError(t, err)
	defer db.Close()

	metrics := NewMetrics(prometheus.NewRegistry())
	worker := NewExpiryWorker(db, NewRegistry(500, metrics), metrics, 10*time.Millisecond)
	worker.Start()
	time.Sleep(50 * time.Millisecond)
	worker.Stop()
}
