package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/herlink/internal/runtime/clock"
	"github.com/drblury/herlink/internal/runtime/logging"
	"github.com/drblury/herlink/internal/runtime/retry"
	"github.com/drblury/herlink/transport"
)

// lockWatcher releases messages that failed with an unknown error once
// their lock has expired, so the broker redelivers them.
type lockWatcher struct {
	clock    clock.Clock
	executor *retry.Executor
	logger   logging.ServiceLogger
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  map[uint64]clock.Timer
	next     uint64
	closed   bool
	inflight sync.WaitGroup
}

func newLockWatcher(clk clock.Clock, executor *retry.Executor, logger logging.ServiceLogger, metrics *Metrics) *lockWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &lockWatcher{
		clock:    clk,
		executor: executor,
		logger:   logger,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[uint64]clock.Timer),
	}
}

// ReleaseAfter schedules raw to be released at lockedUntil. A lock that has
// already expired is released right away.
func (w *lockWatcher) ReleaseAfter(raw transport.RawMessage, msg *IncomingMessage) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	id := w.next
	w.next++
	w.pending[id] = nil
	w.mu.Unlock()

	delay := msg.LockedUntil.Sub(w.clock.Now())
	if delay < 0 {
		delay = 0
	}
	// AfterFunc may run the callback before returning.
	timer := w.clock.AfterFunc(delay, func() { w.fire(id, raw, msg) })

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[id]; ok {
		w.pending[id] = timer
	} else if w.closed {
		timer.Stop()
	}
}

func (w *lockWatcher) fire(id uint64, raw transport.RawMessage, msg *IncomingMessage) {
	w.mu.Lock()
	if _, ok := w.pending[id]; !ok || w.closed {
		w.mu.Unlock()
		return
	}
	delete(w.pending, id)
	w.inflight.Add(1)
	w.mu.Unlock()
	defer w.inflight.Done()

	err := w.executor.Run(w.ctx, "release "+msg.Queue, raw.Release)
	w.metrics.recordReleased(msg.QueueKind, err)
	if err != nil {
		w.logger.Error("Failed to release message after lock expiry", err, msg.logFields())
		return
	}
	w.logger.Info("Released message after lock expiry", msg.logFields())
}

// Pending returns the number of scheduled releases.
func (w *lockWatcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Stop cancels scheduled releases and waits for running ones. Cancelled
// messages are redelivered by the broker once their lock expires.
func (w *lockWatcher) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	cancelled := len(w.pending)
	for id, timer := range w.pending {
		if timer != nil {
			timer.Stop()
		}
		delete(w.pending, id)
	}
	w.mu.Unlock()

	w.cancel()
	w.inflight.Wait()
	if cancelled > 0 {
		w.logger.Info("Cancelled pending releases", logging.LogFields{"count": cancelled})
	}
}

// lockExpired reports whether a lock held until lockedUntil has run out at now.
// A zero lockedUntil means the transport reported no lock.
func lockExpired(lockedUntil, now time.Time) bool {
	return !lockedUntil.IsZero() && !lockedUntil.After(now)
}
