package server

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrSubscriptionLimit indicates the per-connection subscription cap is hit.
	ErrSubscriptionLimit = errors.New("subscription limit reached")
	// ErrConnectionGone indicates the connection is no longer registered.
	ErrConnectionGone = errors.New("connection not registered")
)

// Registry owns all live connections, each connection's subscribed
// conversation set, and the reverse conversation-to-connections index.
// One mutex covers all three so the two sides of the index can never
// drift apart. Broadcasts snapshot subscribers under the lock and do the
// actual sends outside it so a slow peer can't stall registry mutations.
type Registry struct {
	mu     sync.Mutex
	nextID uint64

	conns  map[uint64]*Conn
	subs   map[uint64]map[string]bool  // conn id -> subscribed conversation ids
	index  map[string]map[uint64]*Conn // conversation id -> subscribers
	byUser map[string]map[uint64]*Conn // user id -> that user's connections

	maxSubscriptions int
	metrics          *Metrics
}

// NewRegistry creates an empty registry with the given subscription cap
func NewRegistry(maxSubscriptions int, metrics *Metrics) *Registry {
	return &Registry{
		conns:            make(map[uint64]*Conn),
		subs:             make(map[uint64]map[string]bool),
		index:            make(map[string]map[uint64]*Conn),
		byUser:           make(map[string]map[uint64]*Conn),
		maxSubscriptions: maxSubscriptions,
		metrics:          metrics,
	}
}

// Register adds a connection and assigns its registry ID
func (r *Registry) Register(userID string, c *Conn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	c.ID = r.nextID
	c.UserID = userID

	r.conns[c.ID] = c
	r.subs[c.ID] = make(map[string]bool)
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[uint64]*Conn)
	}
	r.byUser[userID][c.ID] = c

	r.metrics.ActiveConnections.Set(float64(len(r.conns)))
	return c
}

// Unregister removes a connection and scrubs it from every conversation's
// subscriber set, freeing empty sets. Idempotent: disconnect cleanup,
// heartbeat eviction and idle timeout all converge here.
func (r *Registry) Unregister(connID uint64) {
	r.mu.Lock()

	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}

	for conversationID := range r.subs[connID] {
		r.removeFromIndex(conversationID, connID)
	}
	subCount := len(r.subs[connID])
	delete(r.subs, connID)
	delete(r.conns, connID)

	if userConns := r.byUser[c.UserID]; userConns != nil {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(r.byUser, c.UserID)
		}
	}

	r.metrics.ActiveConnections.Set(float64(len(r.conns)))
	r.metrics.ActiveSubscriptions.Sub(float64(subCount))
	r.mu.Unlock()

	c.Close()
}

// removeFromIndex must be called with r.mu held
func (r *Registry) removeFromIndex(conversationID string, connID uint64) {
	set := r.index[conversationID]
	if set == nil {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.index, conversationID)
	}
}

// Subscribe adds the connection to a conversation's subscriber set.
// Both sides of the index mutate in the same critical section.
func (r *Registry) Subscribe(connID uint64, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribeLocked(connID, conversationID)
}

func (r *Registry) subscribeLocked(connID uint64, conversationID string) error {
	c, ok := r.conns[connID]
	if !ok {
		return ErrConnectionGone
	}
	set := r.subs[connID]
	if set[conversationID] {
		return nil // already subscribed, not an error
	}
	if len(set) >= r.maxSubscriptions {
		return ErrSubscriptionLimit
	}

	set[conversationID] = true
	if r.index[conversationID] == nil {
		r.index[conversationID] = make(map[uint64]*Conn)
	}
	r.index[conversationID][connID] = c
	r.metrics.ActiveSubscriptions.Inc()
	return nil
}

// Unsubscribe removes the connection from a conversation's subscriber set
func (r *Registry) Unsubscribe(connID uint64, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[connID]
	if !ok || !set[conversationID] {
		return
	}
	delete(set, conversationID)
	r.removeFromIndex(conversationID, connID)
	r.metrics.ActiveSubscriptions.Dec()
}

// SubscribeUser subscribes every live connection of a user to the
// conversation, skipping connections already at their cap.
func (r *Registry) SubscribeUser(userID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID := range r.byUser[userID] {
		r.subscribeLocked(connID, conversationID)
	}
}

// IsSubscribed reports whether the connection subscribes to the conversation
func (r *Registry) IsSubscribed(connID uint64, conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[connID][conversationID]
}

// SubscriptionCount returns the connection's current subscription count
func (r *Registry) SubscriptionCount(connID uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[connID])
}

// SubscriberCount returns how many connections subscribe to a conversation
func (r *Registry) SubscriberCount(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.index[conversationID])
}

// ConnectionCount returns the number of live connections
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Broadcast fans a frame out to every subscriber of a conversation.
// Subscribers whose send fails are unregistered. Returns how many
// connections the frame was delivered to.
func (r *Registry) Broadcast(conversationID string, frame interface{}) int {
	r.mu.Lock()
	targets := make([]*Conn, 0, len(r.index[conversationID]))
	for _, c := range r.index[conversationID] {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	r.metrics.Broadcasts.Inc()
	delivered := 0
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			debugLog.Printf("Broadcast send to conn %d failed: %v", c.ID, err)
			r.metrics.SendErrors.Inc()
			r.Unregister(c.ID)
			continue
		}
		delivered++
	}
	return delivered
}

// SendToUser delivers a frame to every live connection of a user,
// regardless of subscription state (first contact, cross-device sync)
func (r *Registry) SendToUser(userID string, frame interface{}) int {
	r.mu.Lock()
	targets := make([]*Conn, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			r.metrics.SendErrors.Inc()
			r.Unregister(c.ID)
			continue
		}
		delivered++
	}
	return delivered
}

// SendToUserExceptSubscribed delivers a frame to the user's connections
// that are NOT subscribed to the conversation. Paired with Broadcast it
// reaches every device exactly once.
func (r *Registry) SendToUserExceptSubscribed(userID, conversationID string, frame interface{}) int {
	r.mu.Lock()
	var targets []*Conn
	for connID, c := range r.byUser[userID] {
		if !r.subs[connID][conversationID] {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			r.metrics.SendErrors.Inc()
			r.Unregister(c.ID)
			continue
		}
		delivered++
	}
	return delivered
}

// Snapshot returns all live connections (heartbeat and idle-eviction loops)
func (r *Registry) Snapshot() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// IdleConnections returns connections with no activity for the timeout
func (r *Registry) IdleConnections(timeout time.Duration) []*Conn {
	cutoff := time.Now().Add(-timeout)
	var idle []*Conn
	for _, c := range r.Snapshot() {
		if c.LastActivity().Before(cutoff) {
			idle = append(idle, c)
		}
	}
	return idle
}
