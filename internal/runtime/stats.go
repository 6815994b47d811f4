package runtime

import (
	"math"
	"sort"
	"sync"
	"time"
)

const latencySampleSize = 256

// ListenerStats accumulates the outcome of every receive cycle of one listener.
type ListenerStats struct {
	mu sync.Mutex

	received        uint64
	completed       uint64
	reported        uint64
	unhandled       uint64
	dropped         uint64
	receiveFailures uint64
	totalDuration   time.Duration
	lastReceivedAt  time.Time
	lastError       string
	lastErrorAt     time.Time

	latency *latencyWindow
}

// ListenerStatsSnapshot is a point-in-time copy of ListenerStats.
type ListenerStatsSnapshot struct {
	MessagesReceived  uint64         `json:"messages_received"`
	MessagesCompleted uint64         `json:"messages_completed"`
	ErrorsReported    uint64         `json:"errors_reported"`
	ErrorsUnhandled   uint64         `json:"errors_unhandled"`
	MessagesDropped   uint64         `json:"messages_dropped"`
	ReceiveFailures   uint64         `json:"receive_failures"`
	LastReceivedAt    time.Time      `json:"last_received_at,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
	LastErrorAt       time.Time      `json:"last_error_at,omitempty"`
	Latency           LatencyMetrics `json:"latency"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

func newListenerStats() *ListenerStats {
	return &ListenerStats{latency: newLatencyWindow(latencySampleSize)}
}

func (s *ListenerStats) onReceived(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received++
	s.lastReceivedAt = at
}

func (s *ListenerStats) onDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped++
}

func (s *ListenerStats) onReceiveFailure(at time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiveFailures++
	s.recordErrorLocked(at, err)
}

func (s *ListenerStats) onCompleted(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	s.observeLocked(d)
}

func (s *ListenerStats) onReported(at time.Time, d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reported++
	s.observeLocked(d)
	s.recordErrorLocked(at, err)
}

func (s *ListenerStats) onUnhandled(at time.Time, d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unhandled++
	s.observeLocked(d)
	s.recordErrorLocked(at, err)
}

func (s *ListenerStats) observeLocked(d time.Duration) {
	s.totalDuration += d
	s.latency.Add(d)
}

func (s *ListenerStats) recordErrorLocked(at time.Time, err error) {
	if err == nil {
		return
	}
	s.lastError = err.Error()
	s.lastErrorAt = at
}

// Snapshot returns a copy of the counters.
func (s *ListenerStats) Snapshot() ListenerStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	latency := s.latency.Snapshot()
	if settled := s.completed + s.reported + s.unhandled; settled > 0 {
		latency.AverageNs = int64(s.totalDuration) / int64(settled)
	}
	return ListenerStatsSnapshot{
		MessagesReceived:  s.received,
		MessagesCompleted: s.completed,
		ErrorsReported:    s.reported,
		ErrorsUnhandled:   s.unhandled,
		MessagesDropped:   s.dropped,
		ReceiveFailures:   s.receiveFailures,
		LastReceivedAt:    s.lastReceivedAt,
		LastError:         s.lastError,
		LastErrorAt:       s.lastErrorAt,
		Latency:           latency,
	}
}

// latencyWindow is a ring buffer of the most recent processing durations.
type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	metrics.LastNs = lw.last
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}
