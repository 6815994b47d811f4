package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/herlink/internal/runtime/errors"
	"github.com/drblury/herlink/internal/runtime/faults"
	"github.com/drblury/herlink/internal/runtime/retry"
)

type fakeLink struct {
	id     string
	serial int
	closed atomic.Bool
}

func (l *fakeLink) Close(context.Context) error {
	if l.closed.Swap(true) {
		return errors.New("closed twice")
	}
	return nil
}

type linkFactory struct {
	mu     sync.Mutex
	opened []*fakeLink
	fail   error
}

func (f *linkFactory) open(_ context.Context, id string) (*fakeLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	l := &fakeLink{id: id, serial: len(f.opened) + 1}
	f.opened = append(f.opened, l)
	return l, nil
}

func (f *linkFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

var start = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestPool(t *testing.T, capacity int, ttl time.Duration) (*Pool[*fakeLink], *linkFactory, *clockwork.FakeClock) {
	t.Helper()
	f := &linkFactory{}
	c := clockwork.NewFakeClockAt(start)
	p := New(f.open, Options{
		Name:            "receivers",
		Capacity:        capacity,
		TTL:             ttl,
		MaxTrimPerSweep: 100,
		Clock:           c,
		Executor:        retry.NewExecutor(retry.Policy{MaxRetryCount: 2}, nil, c),
	})
	return p, f, c
}

func entryOf(p *Pool[*fakeLink], id string) (EntrySnapshot, bool) {
	for _, e := range p.Snapshot().Entries {
		if e.ID == id {
			return e, true
		}
	}
	return EntrySnapshot{}, false
}

func TestAcquireReusesHandle(t *testing.T) {
	p, f, _ := newTestPool(t, 4, time.Minute)
	ctx := context.Background()

	a, err := p.Acquire(ctx, "93252_async")
	require.NoError(t, err)
	b, err := p.Acquire(ctx, "93252_async")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, f.count())
	e, _ := entryOf(p, "93252_async")
	assert.Equal(t, 2, e.Active)
	assert.True(t, e.Open)
}

func TestAcquireRequiresID(t *testing.T) {
	p, _, _ := newTestPool(t, 4, time.Minute)
	_, err := p.Acquire(context.Background(), "")
	assert.ErrorIs(t, err, errspkg.ErrQueueRequired)
}

func TestReleaseFloorsAtZeroAndIgnoresUnknown(t *testing.T) {
	p, _, _ := newTestPool(t, 4, time.Minute)
	ctx := context.Background()

	p.Release("never-acquired")
	assert.Empty(t, p.Snapshot().Entries)

	_, err := p.Acquire(ctx, "q")
	require.NoError(t, err)
	p.Release("q")
	p.Release("q")
	p.Release("q")

	e, _ := entryOf(p, "q")
	assert.Equal(t, 0, e.Active)
	assert.True(t, e.Open, "release must not close the handle")
}

func TestSweepNeverClosesActiveEntries(t *testing.T) {
	p, _, c := newTestPool(t, 1, time.Minute)
	ctx := context.Background()

	held, err := p.Acquire(ctx, "held")
	require.NoError(t, err)
	_, err = p.Acquire(ctx, "pressure")
	require.NoError(t, err)

	c.Advance(time.Hour)
	p.Sweep(ctx)

	assert.False(t, held.closed.Load())
	e, _ := entryOf(p, "held")
	assert.True(t, e.Open)
	assert.Equal(t, 1, e.Active)
}

func TestSweepClosesIdleBeyondTTLOldestFirst(t *testing.T) {
	f := &linkFactory{}
	c := clockwork.NewFakeClockAt(start)
	p := New(f.open, Options{Capacity: 10, TTL: time.Minute, MaxTrimPerSweep: 2, Clock: c})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := p.Acquire(ctx, id)
		require.NoError(t, err)
		p.Release(id)
		c.Advance(time.Second)
	}
	fresh, err := p.Acquire(ctx, "fresh")
	require.NoError(t, err)
	p.Release("fresh")

	c.Advance(time.Minute - 500*time.Millisecond)
	assert.Equal(t, 2, p.Sweep(ctx))
	a, _ := entryOf(p, "a")
	b, _ := entryOf(p, "b")
	cc, _ := entryOf(p, "c")
	assert.False(t, a.Open)
	assert.False(t, b.Open)
	assert.True(t, cc.Open, "trim limit reached")

	assert.Equal(t, 1, p.Sweep(ctx))
	assert.False(t, fresh.closed.Load(), "entry younger than TTL stays open")
}

func TestIdleReclamationOnCapacity(t *testing.T) {
	p, f, c := newTestPool(t, 3, time.Minute)
	ctx := context.Background()

	for _, id := range []string{"q1", "q2", "q3"} {
		_, err := p.Acquire(ctx, id)
		require.NoError(t, err)
	}
	p.Release("q1")
	c.Advance(2 * time.Minute)

	_, err := p.Acquire(ctx, "q4")
	require.NoError(t, err)

	q1, _ := entryOf(p, "q1")
	assert.False(t, q1.Open)
	assert.True(t, f.opened[0].closed.Load())
	assert.Equal(t, 3, p.Snapshot().Open)
}

func TestCapacityIsSoftWhenNothingIsIdle(t *testing.T) {
	p, _, c := newTestPool(t, 2, time.Minute)
	ctx := context.Background()

	_, err := p.Acquire(ctx, "q1")
	require.NoError(t, err)
	c.Advance(time.Second)
	_, err = p.Acquire(ctx, "q2")
	require.NoError(t, err)
	c.Advance(time.Second)
	_, err = p.Acquire(ctx, "q3")
	require.NoError(t, err)

	snap := p.Snapshot()
	assert.Equal(t, 3, snap.Open)
	q1, _ := entryOf(p, "q1")
	assert.True(t, q1.ClosePending, "least recently used entry is flagged")

	p.Release("q1")
	assert.Equal(t, 1, p.Sweep(ctx), "closePending entries are swept once idle")
	q1, _ = entryOf(p, "q1")
	assert.False(t, q1.Open)
	assert.False(t, q1.ClosePending)
}

func TestRecreateAfterClose(t *testing.T) {
	p, f, c := newTestPool(t, 4, time.Minute)
	ctx := context.Background()

	first, err := p.Acquire(ctx, "q")
	require.NoError(t, err)
	p.Release("q")
	c.Advance(time.Minute)
	require.Equal(t, 1, p.Sweep(ctx))
	assert.True(t, first.closed.Load())

	second, err := p.Acquire(ctx, "q")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, f.count())
	e, _ := entryOf(p, "q")
	assert.Equal(t, 1, e.Active)
}

func TestShutdownClosesEverythingAndRejectsAcquire(t *testing.T) {
	p, f, _ := newTestPool(t, 4, time.Minute)
	ctx := context.Background()

	active, err := p.Acquire(ctx, "active")
	require.NoError(t, err)
	_, err = p.Acquire(ctx, "idle")
	require.NoError(t, err)
	p.Release("idle")

	require.NoError(t, p.Shutdown(ctx))
	require.NoError(t, p.Shutdown(ctx))

	assert.True(t, active.closed.Load())
	for _, e := range p.Snapshot().Entries {
		assert.False(t, e.Open, e.ID)
	}

	_, err = p.Acquire(ctx, "active")
	assert.ErrorIs(t, err, errspkg.ErrPoolClosed)
	_, err = p.Acquire(ctx, "new")
	assert.ErrorIs(t, err, errspkg.ErrPoolClosed)
	assert.Equal(t, 2, f.count(), "no handle reopened after shutdown")
	assert.Zero(t, p.Sweep(ctx))
}

func TestAcquireOpenFailureIsClassified(t *testing.T) {
	p, f, _ := newTestPool(t, 4, time.Minute)
	f.fail = faults.New(faults.NotFound, errors.New("amqp:not-found"))

	_, err := p.Acquire(context.Background(), "missing")
	assert.Equal(t, faults.NotFound, faults.KindOf(err))
	e, ok := entryOf(p, "missing")
	require.True(t, ok)
	assert.False(t, e.Open)
	assert.Zero(t, e.Active)
}

func TestRunSweepsOnInterval(t *testing.T) {
	f := &linkFactory{}
	c := clockwork.NewFakeClockAt(start)
	p := New(f.open, Options{TTL: time.Minute, SweepInterval: 10 * time.Second, Clock: c})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	link, err := p.Acquire(ctx, "q")
	require.NoError(t, err)
	p.Release("q")

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	require.NoError(t, c.BlockUntilContext(waitCtx, 1))

	require.Eventually(t, func() bool {
		c.Advance(10 * time.Second)
		return link.closed.Load()
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Shutdown(ctx))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after Shutdown")
	}
}

func TestRefcountInvariantUnderRandomSequences(t *testing.T) {
	p, _, c := newTestPool(t, 5, 30*time.Second)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	held := map[string]int{}

	for step := 0; step < 2000; step++ {
		id := fmt.Sprintf("q%d", rng.Intn(12))
		switch rng.Intn(4) {
		case 0, 1:
			link, err := p.Acquire(ctx, id)
			require.NoError(t, err)
			require.False(t, link.closed.Load(), "acquired a closed handle")
			held[id]++
		case 2:
			p.Release(id)
			if held[id] > 0 {
				held[id]--
			}
		case 3:
			c.Advance(time.Duration(rng.Intn(20)) * time.Second)
			p.Sweep(ctx)
		}

		for _, e := range p.Snapshot().Entries {
			require.GreaterOrEqual(t, e.Active, 0)
			require.Equal(t, held[e.ID], e.Active, e.ID)
			if e.Active > 0 {
				require.True(t, e.Open, "referenced entry %s lost its handle", e.ID)
			}
		}
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	f := &linkFactory{}
	p := New(f.open, Options{Capacity: 4, TTL: time.Millisecond})
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("q%d", (g+i)%6)
				link, err := p.Acquire(ctx, id)
				if !assert.NoError(t, err) {
					return
				}
				assert.False(t, link.closed.Load())
				p.Release(id)
				if i%25 == 0 {
					p.Sweep(ctx)
				}
			}
		}(g)
	}
	wg.Wait()

	for _, e := range p.Snapshot().Entries {
		assert.Zero(t, e.Active, e.ID)
	}
}

// gatedFactory blocks opens of id until release is closed.
type gatedFactory struct {
	links   linkFactory
	id      string
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newGatedFactory(id string) *gatedFactory {
	return &gatedFactory{id: id, started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedFactory) open(ctx context.Context, id string) (*fakeLink, error) {
	if id == g.id {
		g.once.Do(func() { close(g.started) })
		<-g.release
	}
	return g.links.open(ctx, id)
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSlowOpenDoesNotBlockOtherIDs(t *testing.T) {
	g := newGatedFactory("slow")
	p := New(g.open, Options{Capacity: 4, TTL: time.Minute})
	ctx := context.Background()

	_, err := p.Acquire(ctx, "fast")
	require.NoError(t, err)
	p.Release("fast")

	slowErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, "slow")
		slowErr <- err
	}()
	waitFor(t, g.started, "slow open")

	fastDone := make(chan struct{})
	go func() {
		defer close(fastDone)
		if _, err := p.Acquire(ctx, "fast"); assert.NoError(t, err) {
			p.Release("fast")
		}
		p.Release("unknown")
		p.Snapshot()
	}()
	waitFor(t, fastDone, "acquire of an open id while another id is opening")

	slow, _ := entryOf(p, "slow")
	assert.False(t, slow.Open)

	close(g.release)
	select {
	case err := <-slowErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("slow acquire did not finish")
	}
	slow, _ = entryOf(p, "slow")
	assert.True(t, slow.Open)
	assert.Equal(t, 1, slow.Active)
}

func TestConcurrentAcquireOfOpeningIDOpensOnce(t *testing.T) {
	g := newGatedFactory("q")
	p := New(g.open, Options{Capacity: 4, TTL: time.Minute})
	ctx := context.Background()

	const callers = 5
	var wg sync.WaitGroup
	handles := make([]*fakeLink, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			link, err := p.Acquire(ctx, "q")
			assert.NoError(t, err)
			handles[i] = link
		}(i)
	}
	waitFor(t, g.started, "open of q")
	close(g.release)
	wg.Wait()

	assert.Equal(t, 1, g.links.count())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	e, _ := entryOf(p, "q")
	assert.Equal(t, callers, e.Active)
	assert.Equal(t, 1, p.Snapshot().Open)
}

func TestAcquireWaitingForOpenHonoursContext(t *testing.T) {
	g := newGatedFactory("q")
	p := New(g.open, Options{Capacity: 4, TTL: time.Minute})
	defer close(g.release)

	go func() { _, _ = p.Acquire(context.Background(), "q") }()
	waitFor(t, g.started, "open of q")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx, "q")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShutdownDuringOpenClosesNewHandle(t *testing.T) {
	g := newGatedFactory("q")
	p := New(g.open, Options{Capacity: 4, TTL: time.Minute})
	ctx := context.Background()

	acquireErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, "q")
		acquireErr <- err
	}()
	waitFor(t, g.started, "open of q")

	require.NoError(t, p.Shutdown(ctx))
	close(g.release)

	select {
	case err := <-acquireErr:
		assert.ErrorIs(t, err, errspkg.ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not finish")
	}
	require.Equal(t, 1, g.links.count())
	assert.True(t, g.links.opened[0].closed.Load())
	e, _ := entryOf(p, "q")
	assert.False(t, e.Open)
}

func TestMetricsRecordPoolActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	f := &linkFactory{}
	c := clockwork.NewFakeClockAt(start)
	p := New(f.open, Options{Name: "senders", Capacity: 1, TTL: time.Minute, Clock: c, Metrics: m})
	ctx := context.Background()

	_, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	_, err = p.Acquire(ctx, "b")
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.openedTotal.WithLabelValues("senders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pressureTotal.WithLabelValues("senders")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.openEntities.WithLabelValues("senders")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeReferences.WithLabelValues("senders")))

	require.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.closedTotal.WithLabelValues("senders", "shutdown")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.openEntities.WithLabelValues("senders")))
}
