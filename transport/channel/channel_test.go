package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
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
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.True(t, transport.DefaultRegistry.Has("gochannel"))
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuildUsesFactory(t *testing.T) {
	original := Factory
	defer func() { Factory = original }()

	var built PubSub
	Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) PubSub {
		built = gochannel.NewGoChannel(cfg, logger)
		return built
	}

	tr, err := Build(context.Background(), &config.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()

	assert.Same(t, built, tr.Publisher)
	assert.Same(t, built, tr.Subscriber)
	assert.NotNil(t, tr.Scoped)
}

func TestScopedSubscribersSeeResponsesAlongsideResponder(t *testing.T) {
	tr, err := Build(context.Background(), &config.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()

	ctx := context.Background()
	requests, err := tr.Subscriber.Subscribe(ctx, "requests")
	require.NoError(t, err)

	scoped, err := tr.Scoped.NewScopedSubscriber(ctx, "idflow.waiter.one")
	require.NoError(t, err)
	responses, err := scoped.Subscribe(ctx, "responses")
	require.NoError(t, err)

	require.NoError(t, tr.Publisher.Publish("requests", message.NewMessage("req", nil)))
	require.NoError(t, tr.Publisher.Publish("responses", message.NewMessage("resp", nil)))

	for _, tc := range []struct {
		ch   <-chan *message.Message
		uuid string
	}{{requests, "req"}, {responses, "resp"}} {
		select {
		case msg := <-tc.ch:
			assert.Equal(t, tc.uuid, msg.UUID)
			msg.Ack()
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", tc.uuid)
		}
	}

	require.NoError(t, scoped.Close())
	select {
	case _, ok := <-responses:
		assert.False(t, ok, "released scope should close its channel")
	case <-time.After(2 * time.Second):
		t.Fatal("scoped channel not closed after release")
	}
}
