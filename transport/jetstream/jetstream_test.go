package jetstream

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/idflow/internal/runtime/config"
	"github.com/drblury/idflow/transport"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.True(t, caps.ScopedCleanup)
	assert.False(t, caps.ScopedReplay)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.NATSJetStreamCapabilities, Capabilities())
}

func TestBuildRequiresURL(t *testing.T) {
	_, err := Build(context.Background(), &config.Config{PubSubSystem: TransportName}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "URL is required")
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()

		assert.Equal(t, DefaultStreamName, result.StreamName)
		assert.Equal(t, "idflow-responder", result.ConsumerGroup)
		assert.Equal(t, DefaultMaxDeliver, result.MaxDeliver)
		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, DefaultMaxAge, result.MaxAge)
		assert.Equal(t, DefaultScopedInactiveThreshold, result.ScopedInactiveThreshold)
		assert.Equal(t, 1, result.Replicas)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{
			URL:        "nats://localhost:4222",
			StreamName: "CUSTOM",
			MaxDeliver: 5,
			AckWait:    time.Minute,
			Replicas:   3,
		}
		result := cfg.withDefaults()

		assert.Equal(t, "CUSTOM", result.StreamName)
		assert.Equal(t, 5, result.MaxDeliver)
		assert.Equal(t, time.Minute, result.AckWait)
		assert.Equal(t, 3, result.Replicas)
	})
}

func TestStreamConfigUsesLimitsRetention(t *testing.T) {
	cfg := StreamConfig(Config{StreamName: "IDS"})

	assert.Equal(t, "IDS", cfg.Name)
	assert.Equal(t, []string{"IDS.>"}, cfg.Subjects)
	assert.Equal(t, nats.LimitsPolicy, cfg.Retention)
	assert.Equal(t, DefaultMaxAge, cfg.MaxAge)
}

func TestNaming(t *testing.T) {
	assert.Equal(t, "IDFLOW.identity.check.responses", SubjectFor("IDFLOW", "identity.check.responses"))
	assert.Equal(t, "idflow_waiter_abc_identity_check_responses", ConsumerName("idflow.waiter.abc", "identity.check.responses"))
	assert.NotContains(t, ConsumerName("a*b>c d", "t"), "*")
}

func TestToWatermillRestoresUUIDAndMetadata(t *testing.T) {
	natsMsg := &nats.Msg{
		Data: []byte(`{"correlationId":"c"}`),
		Header: nats.Header{
			UUIDHeader:       []string{"01HZ"},
			nats.MsgIdHdr:    []string{"01HZ"},
			"correlation_id": []string{"c"},
		},
	}

	msg := toWatermill(natsMsg)
	assert.Equal(t, "01HZ", msg.UUID)
	assert.Equal(t, "c", msg.Metadata.Get("correlation_id"))
	assert.Empty(t, msg.Metadata.Get(UUIDHeader))
	assert.Empty(t, msg.Metadata.Get(nats.MsgIdHdr))

	generated := toWatermill(&nats.Msg{Data: []byte("x")})
	require.NotEmpty(t, generated.UUID)
}
