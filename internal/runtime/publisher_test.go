package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/idflow/internal/runtime/errors"
	"github.com/drblury/idflow/internal/runtime/identity"
	metadatapkg "github.com/drblury/idflow/internal/runtime/metadata"
	"github.com/drblury/idflow/transport/transporttest"
)

func TestPublishJSON(t *testing.T) {
	pub := &transporttest.Publisher{}
	req := identity.CheckRequest{CorrelationID: "c-1", Kind: identity.KindUser, SubjectID: identity.Subject(3)}

	require.NoError(t, PublishJSON(context.Background(), pub, testRequestTopic, req, req.Metadata()))

	msgs := pub.Messages(testRequestTopic)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"correlationId":"c-1","kind":"user","subjectId":3}`, string(msgs[0].Payload))
	assert.Equal(t, "c-1", msgs[0].Metadata.Get(metadatapkg.KeyCorrelationID))
	assert.NotEmpty(t, msgs[0].UUID)
}

func TestPublishJSONValidation(t *testing.T) {
	pub := &transporttest.Publisher{}

	assert.ErrorIs(t, PublishJSON(context.Background(), nil, "", struct{}{}, nil), errspkg.ErrPublisherRequired)
	assert.ErrorIs(t, PublishJSON(context.Background(), pub, "", struct{}{}, nil), errspkg.ErrTopicRequired)
	assert.ErrorIs(t, PublishJSON(context.Background(), pub, testRequestTopic, nil, nil), errspkg.ErrPayloadRequired)
	assert.Empty(t, pub.Messages(testRequestTopic))
}

func TestPublishJSONWrapsBusFailure(t *testing.T) {
	boom := errors.New("broker down")
	pub := &transporttest.Publisher{Err: boom}

	err := PublishJSON(context.Background(), pub, testRequestTopic, map[string]int{"a": 1}, nil)
	var te *errspkg.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "publish", te.Op)
	assert.Equal(t, testRequestTopic, te.Topic)
	assert.ErrorIs(t, err, boom)
}

func TestRequestPublisherLifecycle(t *testing.T) {
	_, err := NewRequestPublisher(nil)
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)

	pub := &transporttest.Publisher{}
	client, err := NewRequestPublisher(pub)
	require.NoError(t, err)

	require.NoError(t, client.PublishJSON(context.Background(), testRequestTopic, map[string]string{"k": "v"}, nil))
	raw, err := identity.NewMessage(map[string]string{"k": "w"}, nil)
	require.NoError(t, err)
	require.NoError(t, client.Publish(testRequestTopic, raw))
	assert.Len(t, pub.Messages(testRequestTopic), 2)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "close is idempotent")
	assert.Zero(t, pub.Closed, "the transport owns the underlying publisher")

	assert.ErrorIs(t, client.PublishJSON(context.Background(), testRequestTopic, map[string]string{}, nil), errspkg.ErrPublisherClosed)
	assert.ErrorIs(t, client.Publish(testRequestTopic, raw), errspkg.ErrPublisherClosed)
}
