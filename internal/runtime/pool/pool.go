// Package pool caches open send and receive links per queue. Handles are
// reference counted, opened lazily through the retry executor and recycled
// when idle beyond a TTL or when the pool is over capacity.
package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/drblury/herlink/internal/runtime/clock"
	errspkg "github.com/drblury/herlink/internal/runtime/errors"
	"github.com/drblury/herlink/internal/runtime/logging"
	"github.com/drblury/herlink/internal/runtime/retry"
)

// Entity is a pooled link handle.
type Entity interface {
	Close(ctx context.Context) error
}

// Factory opens the handle for id.
type Factory[E Entity] func(ctx context.Context, id string) (E, error)

const (
	DefaultCapacity        = 64
	DefaultTTL             = 2 * time.Minute
	DefaultMaxTrimPerSweep = 24
	DefaultSweepInterval   = 15 * time.Second
)

// Options configures a Pool. Zero values fall back to the defaults above.
type Options struct {
	Name            string
	Capacity        int
	TTL             time.Duration
	MaxTrimPerSweep int
	SweepInterval   time.Duration

	Executor *retry.Executor
	Logger   logging.ServiceLogger
	Clock    clock.Clock
	Metrics  *Metrics
}

type entry[E Entity] struct {
	id           string
	handle       E
	open         bool
	active       int
	lastUsed     time.Time
	closePending bool
	// opening is closed once an in-flight open for this entry finishes.
	opening chan struct{}
}

// Pool is safe for concurrent use. Every state transition happens under one
// mutex. Handles are opened and closed after the mutex is released, so a
// slow open only delays callers of the same id.
type Pool[E Entity] struct {
	mu        sync.Mutex
	entries   map[string]*entry[E]
	openCount int
	opening   int
	closed    bool
	done      chan struct{}

	factory  Factory[E]
	name     string
	capacity int
	ttl      time.Duration
	maxTrim  int
	interval time.Duration
	executor *retry.Executor
	logger   logging.ServiceLogger
	clock    clock.Clock
	metrics  *Metrics
}

// New returns a Pool that opens handles with factory.
func New[E Entity](factory Factory[E], opts Options) *Pool[E] {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxTrimPerSweep <= 0 {
		opts.MaxTrimPerSweep = DefaultMaxTrimPerSweep
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	clk := clock.OrReal(opts.Clock)
	if opts.Executor == nil {
		opts.Executor = retry.NewExecutor(retry.DefaultPolicy(), opts.Logger, clk)
	}

	return &Pool[E]{
		entries:  make(map[string]*entry[E]),
		done:     make(chan struct{}),
		factory:  factory,
		name:     opts.Name,
		capacity: opts.Capacity,
		ttl:      opts.TTL,
		maxTrim:  opts.MaxTrimPerSweep,
		interval: opts.SweepInterval,
		executor: opts.Executor,
		logger:   opts.Logger.With(logging.LogFields{"pool": opts.Name}),
		clock:    clk,
		metrics:  opts.Metrics,
	}
}

// Acquire returns the handle for id, opening it when needed, and takes a
// reference that must be returned with Release. Concurrent callers for an
// id that is being opened wait for that open. After Shutdown it fails with
// errors.ErrPoolClosed.
func (p *Pool[E]) Acquire(ctx context.Context, id string) (E, error) {
	var zero E
	if id == "" {
		return zero, errspkg.ErrQueueRequired
	}

	p.mu.Lock()
	var e *entry[E]
	for {
		if p.closed {
			p.mu.Unlock()
			return zero, errspkg.ErrPoolClosed
		}
		var ok bool
		if e, ok = p.entries[id]; !ok {
			e = &entry[E]{id: id}
			p.entries[id] = e
		}
		if e.open {
			handle := p.referenceLocked(e)
			p.mu.Unlock()
			return handle, nil
		}
		if e.opening == nil {
			break
		}

		wait := e.opening
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
		p.mu.Lock()
	}

	var evicted []E
	if p.openCount+p.opening >= p.capacity {
		evicted = p.relieveLocked(id)
	}
	done := make(chan struct{})
	e.opening = done
	p.opening++
	p.mu.Unlock()
	p.closeAll(ctx, evicted, "pressure")

	handle, err := retry.Execute(ctx, p.executor, "open "+p.name+" "+id, func(ctx context.Context) (E, error) {
		return p.factory(ctx, id)
	})

	p.mu.Lock()
	e.opening = nil
	p.opening--
	close(done)
	if err != nil {
		p.mu.Unlock()
		return zero, err
	}
	if p.closed {
		p.mu.Unlock()
		p.closeAll(ctx, []E{handle}, "shutdown")
		return zero, errspkg.ErrPoolClosed
	}

	e.handle = handle
	e.open = true
	p.openCount++
	p.metrics.opened(p.name)
	p.logger.Debug("Opened pooled entity", logging.LogFields{"id": id, "open": p.openCount})
	handle = p.referenceLocked(e)
	p.mu.Unlock()
	return handle, nil
}

func (p *Pool[E]) referenceLocked(e *entry[E]) E {
	e.active++
	e.lastUsed = p.clock.Now()
	e.closePending = false
	p.updateGaugesLocked()
	return e.handle
}

// Release returns a reference taken by Acquire. Unknown ids and entries
// without references are ignored. The handle stays open.
func (p *Pool[E]) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok || e.active == 0 {
		return
	}
	e.active--
	e.lastUsed = p.clock.Now()
	p.updateGaugesLocked()
}

// relieveLocked makes room for a new handle. The least recently used idle
// entry is recycled; when every open entry is in use the least recently
// used one is flagged closePending and the caller is admitted anyway.
func (p *Pool[E]) relieveLocked(admitting string) []E {
	var idle, busy *entry[E]
	for _, e := range p.entries {
		if !e.open || e.id == admitting {
			continue
		}
		if e.active == 0 {
			if idle == nil || e.lastUsed.Before(idle.lastUsed) {
				idle = e
			}
		} else if busy == nil || e.lastUsed.Before(busy.lastUsed) {
			busy = e
		}
	}

	if idle != nil {
		p.logger.Debug("Recycling idle entity to admit new one", logging.LogFields{"id": idle.id, "admitting": admitting})
		return []E{p.recycleLocked(idle)}
	}

	p.metrics.pressure(p.name)
	fields := logging.LogFields{"capacity": p.capacity, "open": p.openCount, "admitting": admitting}
	if busy != nil {
		busy.closePending = true
		fields["close_pending"] = busy.id
	}
	p.logger.Warn("Entity pool over capacity, no idle entity to recycle", fields)
	return nil
}

func (p *Pool[E]) recycleLocked(e *entry[E]) E {
	var zero E
	handle := e.handle
	e.handle = zero
	e.open = false
	e.closePending = false
	p.openCount--
	return handle
}

// Sweep closes up to MaxTrimPerSweep idle handles, oldest first. An entry
// qualifies when it has no references and has been idle for at least the
// TTL or was flagged closePending. It returns the number of handles closed.
func (p *Pool[E]) Sweep(ctx context.Context) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}

	now := p.clock.Now()
	var candidates []*entry[E]
	for _, e := range p.entries {
		if !e.open || e.active > 0 {
			continue
		}
		if e.closePending || now.Sub(e.lastUsed) >= p.ttl {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})
	if len(candidates) > p.maxTrim {
		candidates = candidates[:p.maxTrim]
	}

	handles := make([]E, 0, len(candidates))
	for _, e := range candidates {
		handles = append(handles, p.recycleLocked(e))
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	if len(handles) > 0 {
		p.logger.Debug("Swept idle entities", logging.LogFields{"closed": len(handles)})
	}
	p.closeAll(ctx, handles, "idle")
	return len(handles)
}

// Run sweeps every SweepInterval until ctx is cancelled or the pool is shut
// down.
func (p *Pool[E]) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.Chan():
			p.Sweep(ctx)
		}
	}
}

// Shutdown closes every handle, including ones still referenced, and makes
// further Acquire calls fail. Opens still in flight close their handle when
// they finish. It is idempotent.
func (p *Pool[E]) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)

	handles := make([]E, 0, p.openCount)
	for _, e := range p.entries {
		if e.open {
			handles = append(handles, p.recycleLocked(e))
		}
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.logger.Info("Shutting down entity pool", logging.LogFields{"closing": len(handles)})
	return p.closeAll(ctx, handles, "shutdown")
}

func (p *Pool[E]) closeAll(ctx context.Context, handles []E, reason string) error {
	var errs []error
	for _, h := range handles {
		if err := h.Close(ctx); err != nil {
			p.logger.Error("Failed to close pooled entity", err, logging.LogFields{"reason": reason})
			errs = append(errs, err)
		}
		p.metrics.closed(p.name, reason)
	}
	return errors.Join(errs...)
}

func (p *Pool[E]) updateGaugesLocked() {
	if p.metrics == nil {
		return
	}
	active := 0
	for _, e := range p.entries {
		active += e.active
	}
	p.metrics.setGauges(p.name, p.openCount, active)
}

// EntrySnapshot is a point-in-time view of one pool entry.
type EntrySnapshot struct {
	ID           string    `json:"id"`
	Open         bool      `json:"open"`
	Active       int       `json:"active"`
	LastUsedAt   time.Time `json:"last_used_at"`
	ClosePending bool      `json:"close_pending"`
}

// Snapshot is a point-in-time view of a pool.
type Snapshot struct {
	Name     string          `json:"name"`
	Capacity int             `json:"capacity"`
	Open     int             `json:"open"`
	Closed   bool            `json:"closed"`
	Entries  []EntrySnapshot `json:"entries"`
}

// Snapshot returns the pool state sorted by id.
func (p *Pool[E]) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Snapshot{Name: p.name, Capacity: p.capacity, Open: p.openCount, Closed: p.closed}
	for _, e := range p.entries {
		s.Entries = append(s.Entries, EntrySnapshot{
			ID:           e.id,
			Open:         e.open,
			Active:       e.active,
			LastUsedAt:   e.lastUsed,
			ClosePending: e.closePending,
		})
	}
	sort.Slice(s.Entries, func(i, j int) bool { return s.Entries[i].ID < s.Entries[j].ID })
	return s
}
