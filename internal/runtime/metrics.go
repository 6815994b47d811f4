package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks reception pipeline statistics in Prometheus. A nil
// *Metrics records nothing.
type Metrics struct {
	mu sync.Mutex

	received        *prometheus.CounterVec
	completed       *prometheus.CounterVec
	reported        *prometheus.CounterVec
	unhandled       *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	released        *prometheus.CounterVec
	receiveFailures *prometheus.CounterVec
	duration        *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// newPipelineCounterVec creates a counter vec in the herlink/pipeline namespace.
func newPipelineCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "herlink",
			Subsystem: "pipeline",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the pipeline collectors. A nil registerer uses the
// default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:      registerer,
		received:        newPipelineCounterVec("messages_received_total", "Total number of messages received", "queue_kind"),
		completed:       newPipelineCounterVec("messages_completed_total", "Total number of messages processed and completed", "queue_kind"),
		reported:        newPipelineCounterVec("errors_reported_total", "Total number of reportable errors, by wire condition", "queue_kind", "condition"),
		unhandled:       newPipelineCounterVec("errors_unhandled_total", "Total number of messages left for redelivery after an unknown error", "queue_kind"),
		dropped:         newPipelineCounterVec("messages_dropped_total", "Total number of messages dropped without settlement", "queue_kind", "reason"),
		released:        newPipelineCounterVec("messages_released_total", "Total number of messages released after their lock expired", "queue_kind", "outcome"),
		receiveFailures: newPipelineCounterVec("receive_failures_total", "Total number of failed receive calls", "queue_kind"),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "herlink",
				Subsystem: "pipeline",
				Name:      "processing_duration_seconds",
				Help:      "Time from receive to settlement of a message",
				Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"queue_kind"},
		),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.received,
		m.completed,
		m.reported,
		m.unhandled,
		m.dropped,
		m.released,
		m.receiveFailures,
		m.duration,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) recordReceived(kind QueueKind) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) recordCompleted(kind QueueKind, d time.Duration) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(kind.String()).Inc()
	m.duration.WithLabelValues(kind.String()).Observe(d.Seconds())
}

func (m *Metrics) recordReported(kind QueueKind, condition string, d time.Duration) {
	if m == nil {
		return
	}
	m.reported.WithLabelValues(kind.String(), condition).Inc()
	m.duration.WithLabelValues(kind.String()).Observe(d.Seconds())
}

func (m *Metrics) recordUnhandled(kind QueueKind, d time.Duration) {
	if m == nil {
		return
	}
	m.unhandled.WithLabelValues(kind.String()).Inc()
	m.duration.WithLabelValues(kind.String()).Observe(d.Seconds())
}

func (m *Metrics) recordDropped(kind QueueKind, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(kind.String(), reason).Inc()
}

func (m *Metrics) recordReleased(kind QueueKind, err error) {
	if m == nil {
		return
	}
	outcome := "released"
	if err != nil {
		outcome = "failed"
	}
	m.released.WithLabelValues(kind.String(), outcome).Inc()
}

func (m *Metrics) recordReceiveFailure(kind QueueKind) {
	if m == nil {
		return
	}
	m.receiveFailures.WithLabelValues(kind.String()).Inc()
}
