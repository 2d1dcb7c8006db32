package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegisterIsIdempotent(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	// A second set against the same registry collides and is tolerated.
	require.NoError(t, NewMetrics(registry).Register())
}

func TestMetricsSharingRegistererRecordIntoExportedSeries(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewMetrics(registry)
	second := NewMetrics(registry)
	require.NoError(t, first.Register())
	require.NoError(t, second.Register())

	first.responderResult(ResultAnswered)
	second.responderResult(ResultAnswered)
	second.observeOutcome(OutcomeMatched, 10*time.Millisecond)
	second.subscriptionGauge().Inc()

	assert.Same(t, first.responderResults, second.responderResults)
	assert.Equal(t, 2.0, testutil.ToFloat64(first.responderResults.WithLabelValues(ResultAnswered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(first.waiterOutcomes.WithLabelValues("matched")))

	families, err := registry.Gather()
	require.NoError(t, err)
	exported := map[string]bool{}
	for _, family := range families {
		exported[family.GetName()] = true
	}
	assert.True(t, exported["idflow_responder_requests_total"])
	assert.True(t, exported["idflow_subscriptions_active"])
	assert.Equal(t, 1.0, testutil.ToFloat64(first.subscriptions))
}

type rejectingRegisterer struct {
	prometheus.Registerer
}

func (rejectingRegisterer) Register(prometheus.Collector) error {
	return errors.New("registry is read-only")
}

func TestMetricsRegisterReportsRealFailures(t *testing.T) {
	m := NewMetrics(rejectingRegisterer{})
	assert.ErrorContains(t, m.Register(), "read-only")
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	m.observeOutcome(OutcomeMatched, 20*time.Millisecond)
	m.observeOutcome(OutcomeTimeout, time.Second)
	m.transportError(StagePublish)
	m.decodeError()
	m.responderResult(ResultSkipped)
	m.publishAttempt()
	m.subscriptionGauge().Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.waiterOutcomes.WithLabelValues("matched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.waiterOutcomes.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transportErrors.WithLabelValues(StagePublish)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.responderResults.WithLabelValues(ResultSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscriptions))
	assert.Equal(t, 2, testutil.CollectAndCount(m.waiterDuration))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NoError(t, m.Register())
	assert.NotPanics(t, func() {
		m.observeOutcome(OutcomeCanceled, time.Millisecond)
		m.transportError(StageRelease)
		m.decodeError()
		m.responderResult(ResultAnswered)
		m.publishAttempt()
	})
	assert.Nil(t, m.subscriptionGauge())
}
