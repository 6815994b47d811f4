package pool

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports pool statistics to Prometheus. One Metrics value can be
// shared by several pools; series are labelled by pool name. A nil
// *Metrics records nothing.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	openEntities     *prometheus.GaugeVec
	activeReferences *prometheus.GaugeVec
	openedTotal      *prometheus.CounterVec
	closedTotal      *prometheus.CounterVec
	pressureTotal    *prometheus.CounterVec
}

// NewMetrics creates the collectors. A nil registerer uses the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "herlink", Subsystem: "pool", Name: name, Help: help,
		}, []string{"pool"})
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "herlink", Subsystem: "pool", Name: name, Help: help,
		}, append([]string{"pool"}, labels...))
	}
	return &Metrics{
		registerer:       registerer,
		openEntities:     gauge("open_entities", "Number of pooled entities with an open handle"),
		activeReferences: gauge("active_references", "Number of checked-out references across all entities"),
		openedTotal:      counter("opened_total", "Total number of handles opened"),
		closedTotal:      counter("closed_total", "Total number of handles closed", "reason"),
		pressureTotal:    counter("pressure_total", "Times a handle was admitted over capacity with nothing idle to recycle"),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.openEntities, m.activeReferences, m.openedTotal, m.closedTotal, m.pressureTotal} {
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

func (m *Metrics) setGauges(pool string, open, active int) {
	if m == nil {
		return
	}
	m.openEntities.WithLabelValues(pool).Set(float64(open))
	m.activeReferences.WithLabelValues(pool).Set(float64(active))
}

func (m *Metrics) opened(pool string) {
	if m == nil {
		return
	}
	m.openedTotal.WithLabelValues(pool).Inc()
}

func (m *Metrics) closed(pool, reason string) {
	if m == nil {
		return
	}
	m.closedTotal.WithLabelValues(pool, reason).Inc()
}

func (m *Metrics) pressure(pool string) {
	if m == nil {
		return
	}
	m.pressureTotal.WithLabelValues(pool).Inc()
}
