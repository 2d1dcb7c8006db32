package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Responder results recorded in idflow_responder_requests_total.
const (
	ResultAnswered       = "answered"
	ResultSkipped        = "skipped"
	ResultDecodeError    = "decode_error"
	ResultLookupDropped  = "lookup_dropped"
	ResultPublishDropped = "publish_dropped"
)

// Waiter stages recorded in idflow_waiter_transport_errors_total.
const (
	StageSubscribe = "subscribe"
	StagePublish   = "publish"
	StageReceive   = "receive"
	StageRelease   = "release"
)

// Metrics holds the protocol's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	mu sync.Mutex

	waiterOutcomes   *prometheus.CounterVec
	waiterDuration   *prometheus.HistogramVec
	transportErrors  *prometheus.CounterVec
	decodeErrors     prometheus.Counter
	responderResults *prometheus.CounterVec
	publishAttempts  prometheus.Counter
	subscriptions    prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "idflow",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates the collectors. Call Register to expose them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:      registerer,
		waiterOutcomes:  newCounterVec("waiter", "outcomes_total", "Correlation waits by outcome", []string{"outcome"}),
		transportErrors: newCounterVec("waiter", "transport_errors_total", "Transport failures degraded to a timeout, by stage", []string{"stage"}),
		decodeErrors:    newCounter("waiter", "decode_errors_total", "Malformed messages discarded by waiters"),
		waiterDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "idflow",
			Subsystem: "waiter",
			Name:      "duration_seconds",
			Help:      "Time from subscribe to resolution of a correlation wait",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		responderResults: newCounterVec("responder", "requests_total", "Identity check requests handled by the responder, by result", []string{"result"}),
		publishAttempts:  newCounter("responder", "publish_attempts_total", "Response publish attempts, including retries"),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "idflow",
			Name:      "subscriptions_active",
			Help:      "Scoped subscriptions currently held by waiters",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times, and from
// several Metrics sharing one registerer.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	errs := []error{
		adopt(m.registerer, &m.waiterOutcomes),
		adopt(m.registerer, &m.waiterDuration),
		adopt(m.registerer, &m.transportErrors),
		adopt(m.registerer, &m.decodeErrors),
		adopt(m.registerer, &m.responderResults),
		adopt(m.registerer, &m.publishAttempts),
		adopt(m.registerer, &m.subscriptions),
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	m.registered = true
	return nil
}

// adopt registers *c. When an identical collector is already registered, *c
// is swapped for it so every Metrics sharing the registerer records into the
// exported series.
func adopt[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	err := reg.Register(*c)
	if err == nil {
		return nil
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return err
	}
	existing, ok := are.ExistingCollector.(C)
	if !ok {
		return err
	}
	*c = existing
	return nil
}

func (m *Metrics) observeOutcome(outcome Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.waiterOutcomes.WithLabelValues(outcome.String()).Inc()
	m.waiterDuration.WithLabelValues(outcome.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) transportError(stage string) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) decodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) responderResult(result string) {
	if m == nil {
		return
	}
	m.responderResults.WithLabelValues(result).Inc()
}

func (m *Metrics) publishAttempt() {
	if m == nil {
		return
	}
	m.publishAttempts.Inc()
}

func (m *Metrics) subscriptionGauge() prometheus.Gauge {
	if m == nil {
		return nil
	}
	return m.subscriptions
}
