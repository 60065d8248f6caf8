package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	FetchSuccess = "success"
	FetchFailure = "failure"
)

// Metrics holds the collectors observed by the monitor and the query API.
type Metrics struct {
	eventsDetected    prometheus.Counter
	fetches           *prometheus.CounterVec
	activeQueueLength prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		eventsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "validator_events_detected_total",
			Help: "Total number of validator credential change events detected",
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_api_fetches_total",
			Help: "Total number of fetches to the Beacon API",
		}, []string{"status"}),
		activeQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "validator_events_active_queue_length",
			Help: "Number of events currently in the pending queue",
		}),
	}

	err := errors.Join(
		reg.Register(m.eventsDetected),
		reg.Register(m.fetches),
		reg.Register(m.activeQueueLength),
	)
	if err != nil {
		return nil, err
	}

	// Pre-create both outcome series so they export as zero before the first fetch.
	m.fetches.WithLabelValues(FetchSuccess)
	m.fetches.WithLabelValues(FetchFailure)

	return m, nil
}

// ObserveFetch counts one head-block fetch attempt.
func (m *Metrics) ObserveFetch(ok bool) {
	if ok {
		m.fetches.WithLabelValues(FetchSuccess).Inc()
		return
	}
	m.fetches.WithLabelValues(FetchFailure).Inc()
}

// IncEventsDetected counts one persisted credential-change event.
func (m *Metrics) IncEventsDetected() {
	m.eventsDetected.Inc()
}

// SetActiveQueueLength records the current pending consolidation queue length.
func (m *Metrics) SetActiveQueueLength(n int) {
	m.activeQueueLength.Set(float64(n))
}
