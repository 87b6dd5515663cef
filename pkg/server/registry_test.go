package server

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(cap int) *Registry {
	return NewRegistry(cap, NewMetrics(prometheus.NewRegistry()))
}

// socketless conns: Send fails, which is exactly what the broadcast
// eviction tests need
func registerConn(r *Registry, userID string) *Conn {
	return r.Register(userID, newConn(0, userID, nil))
}

func TestSubscriptionCap(t *testing.T) {
	r := newTestRegistry(3)
	c := registerConn(r, "alice")

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Subscribe(c.ID, fmt.Sprintf("conv-%d", i)))
	}
	assert.Equal(t, 3, r.SubscriptionCount(c.ID))

	err := r.Subscribe(c.ID, "conv-overflow")
	assert.ErrorIs(t, err, ErrSubscriptionLimit)

	// The denied subscription left the sets unchanged
	assert.Equal(t, 3, r.SubscriptionCount(c.ID))
	assert.False(t, r.IsSubscribed(c.ID, "conv-overflow"))
	assert.Equal(t, 0, r.SubscriberCount("conv-overflow"))

	// Re-subscribing an existing conversation is not an error and does
	// not consume budget
	require.NoError(t, r.Subscribe(c.ID, "conv-0"))
	assert.Equal(t, 3, r.SubscriptionCount(c.ID))
}

func TestUnregisterScrubsIndex(t *testing.T) {
	r := newTestRegistry(10)
	a := registerConn(r, "alice")
	b := registerConn(r, "bob")

	require.NoError(t, r.Subscribe(a.ID, "conv-1"))
	require.NoError(t, r.Subscribe(a.ID, "conv-2"))
	require.NoError(t, r.Subscribe(b.ID, "conv-1"))

	r.Unregister(a.ID)

	// conv-2's only subscriber is gone: its index entry must be freed
	assert.Equal(t, 0, r.SubscriberCount("conv-2"))
	assert.Equal(t, 1, r.SubscriberCount("conv-1"))
	assert.Equal(t, 1, r.ConnectionCount())
	assert.False(t, r.IsSubscribed(a.ID, "conv-1"))
}

func TestUnregisterIdempotent(t *testing.T) {
	r := newTestRegistry(10)
	c := registerConn(r, "alice")
	require.NoError(t, r.Subscribe(c.ID, "conv-1"))

	r.Unregister(c.ID)
	r.Unregister(c.ID) // disconnect cleanup and idle eviction may both fire
	assert.Equal(t, 0, r.ConnectionCount())
}

func TestSubscribeUnknownConnection(t *testing.T) {
	r := newTestRegistry(10)
	err := r.Subscribe(999, "conv-1")
	assert.ErrorIs(t, err, ErrConnectionGone)
}

func TestUnsubscribe(t *testing.T) {
	r := newTestRegistry(10)
	c := registerConn(r, "alice")
	require.NoError(t, r.Subscribe(c.ID, "conv-1"))

	r.Unsubscribe(c.ID, "conv-1")
	assert.False(t, r.IsSubscribed(c.ID, "conv-1"))
	assert.Equal(t, 0, r.SubscriberCount("conv-1"))

	// Unsubscribing something never subscribed is a no-op
	r.Unsubscribe(c.ID, "conv-unknown")
}

func TestBroadcastEvictsFailedSends(t *testing.T) {
	r := newTestRegistry(10)
	a := registerConn(r, "alice")
	b := registerConn(r, "bob")
	require.NoError(t, r.Subscribe(a.ID, "conv-1"))
	require.NoError(t, r.Subscribe(b.ID, "conv-1"))

	// Socketless conns fail every send; broadcast must evict them all
	delivered := r.Broadcast("conv-1", map[string]string{"type": "heartbeat"})
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, r.ConnectionCount())
	assert.Equal(t, 0, r.SubscriberCount("conv-1"))
}

func TestSubscribeUserAttachesAllConnections(t *testing.T) {
	r := newTestRegistry(10)
	phone := registerConn(r, "alice")
	laptop := registerConn(r, "alice")
	other := registerConn(r, "bob")

	r.SubscribeUser("alice", "conv-1")

	assert.True(t, r.IsSubscribed(phone.ID, "conv-1"))
	assert.True(t, r.IsSubscribed(laptop.ID, "conv-1"))
	assert.False(t, r.IsSubscribed(other.ID, "conv-1"))
	assert.Equal(t, 2, r.SubscriberCount("conv-1"))
}

func TestSubscribeUserRespectsCap(t *testing.T) {
	r := newTestRegistry(1)
	c := registerConn(r, "alice")
	require.NoError(t, r.Subscribe(c.ID, "conv-full"))

	r.SubscribeUser("alice", "conv-extra")
	assert.False(t, r.IsSubscribed(c.ID, "conv-extra"))
	assert.Equal(t, 1, r.SubscriptionCount(c.ID))
}

func TestRegistryAssignsUniqueIDs(t *testing.T) {
	r := newTestRegistry(10)
	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		c := registerConn(r, "alice")
		assert.False(t, seen[c.ID], "duplicate connection id %d", c.ID)
		seen[c.ID] = true
	}
}
