package server

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Conn wraps a websocket connection with a write mutex so concurrent
// goroutines (reader loop, broadcaster, expiry worker, heartbeat) can't
// interleave frames on the wire.
type Conn struct {
	ID     uint64
	UserID string

	ws      *websocket.Conn
	writeMu sync.Mutex

	ConnectedAt  time.Time
	lastActivity atomic.Int64 // Unix milliseconds

	// Send-timestamp history for the sliding-window rate guard.
	// Bounded: never grows past the per-window cap.
	rateMu    sync.Mutex
	sendTimes []time.Time
}

func newConn(id uint64, userID string, ws *websocket.Conn) *Conn {
	c := &Conn{
		ID:          id,
		UserID:      userID,
		ws:          ws,
		ConnectedAt: time.Now(),
	}
	c.Touch()
	return c
}

// errNoSocket is returned by Send on a connection without a live socket
var errNoSocket = errors.New("connection has no socket")

// Send marshals the frame to JSON and writes it under the write mutex
func (c *Conn) Send(frame interface{}) error {
	if c.ws == nil {
		return errNoSocket
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Ping writes a websocket-level ping control frame
func (c *Conn) Ping() error {
	if c.ws == nil {
		return errNoSocket
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Close closes the underlying websocket
func (c *Conn) Close() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}

// Touch records activity on the connection
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
}

// LastActivity returns the last recorded activity time
func (c *Conn) LastActivity() time.Time {
	return time.UnixMilli(c.lastActivity.Load())
}

// allowMessage applies the sliding-window send limit: evict entries older
// than the window, deny at cap, otherwise record now and allow.
func (c *Conn) allowMessage(max int, window time.Duration, now time.Time) bool {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()

	cutoff := now.Add(-window)
	kept := c.sendTimes[:0]
	for _, t := range c.sendTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.sendTimes = kept

	if len(c.sendTimes) >= max {
		return false
	}
	c.sendTimes = append(c.sendTimes, now)
	return true
}
