package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/thefeshin/hush/pkg/database"
	"github.com/thefeshin/hush/pkg/protocol"
)

// ExpiryWorker periodically finalizes seen-based message deletion:
// recipient copies past their deadline, sender copies once every
// recipient has seen, then hard deletion of fully-deleted messages.
// If a sweep is still running when the next tick fires, the tick is
// skipped; due rows are claimed transactionally so a late sweep only
// delays deletion, never repeats it.
type ExpiryWorker struct {
	db       *database.DB
	registry *Registry
	metrics  *Metrics
	interval time.Duration

	running  atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewExpiryWorker builds a worker; call Start to begin sweeping
func NewExpiryWorker(db *database.DB, registry *Registry, metrics *Metrics, interval time.Duration) *ExpiryWorker {
	return &ExpiryWorker{
		db:       db,
		registry: registry,
		metrics:  metrics,
		interval: interval,
		shutdown: make(chan struct{}),
	}
}

// Start launches the sweep loop
func (w *ExpiryWorker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.tick()
			case <-w.shutdown:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish
func (w *ExpiryWorker) Stop() {
	close(w.shutdown)
	w.wg.Wait()
}

func (w *ExpiryWorker) tick() {
	if !w.running.CompareAndSwap(false, true) {
		w.metrics.SweepSkips.Inc()
		return
	}
	defer w.running.Store(false)
	w.Sweep(time.Now().UnixMilli())
}

// Sweep runs the three expiry passes once. Exposed so tests can drive
// the worker without waiting on the ticker.
func (w *ExpiryWorker) Sweep(now int64) {
	expired, err := w.db.SweepRecipientCopies(now)
	if err != nil {
		errorLog.Printf("Recipient expiry sweep failed: %v", err)
	} else {
		for _, c := range expired {
			w.metrics.ExpiredCopies.WithLabelValues("recipient").Inc()
			w.registry.SendToUser(c.UserID, protocol.NewMessageDeleted(
				protocol.TypeMessageDeletedForUser, c.MessageID, c.ConversationID, "expired_after_seen"))
		}
	}

	senders, err := w.db.SweepSenderCopies(now)
	if err != nil {
		errorLog.Printf("Sender expiry sweep failed: %v", err)
	} else {
		for _, c := range senders {
			w.metrics.ExpiredCopies.WithLabelValues("sender").Inc()
			w.registry.SendToUser(c.UserID, protocol.NewMessageDeleted(
				protocol.TypeMessageDeletedForSender, c.MessageID, c.ConversationID, "all_recipients_seen"))
		}
	}

	purged, err := w.db.PurgeFullyDeletedMessages()
	if err != nil {
		errorLog.Printf("Message purge failed: %v", err)
		return
	}
	if purged > 0 {
		w.metrics.PurgedMessages.Add(float64(purged))
		debugLog.Printf("Hard-deleted %d fully expired messages", purged)
	}
}
