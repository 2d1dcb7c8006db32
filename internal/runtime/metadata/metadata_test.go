package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{KeyCorrelationID: "1", KeySchema: "s"}
	clone := original.Clone()
	clone[KeyCorrelationID] = "changed"

	assert.Equal(t, "1", original.CorrelationID())
	assert.Len(t, clone, 2)
}

func TestCloneNil(t *testing.T) {
	var m Metadata
	cloned := m.Clone()
	require.NotNil(t, cloned)
	assert.Empty(t, cloned)
	assert.Equal(t, "", m.CorrelationID())
}

func TestWithAndWithAll(t *testing.T) {
	base := Metadata{KeySchema: "idflow.CheckRequest"}
	enriched := base.With(KeyCorrelationID, "abc")
	assert.NotContains(t, base, KeyCorrelationID)
	assert.Equal(t, "abc", enriched.CorrelationID())

	merged := enriched.WithAll(Metadata{KeyIdentityKind: "user", KeySchema: "override"})
	assert.Equal(t, "user", merged[KeyIdentityKind])
	assert.Equal(t, "override", merged.Schema())
	assert.Equal(t, "abc", merged.CorrelationID())
}

func TestNewPairsIgnoresDanglingKey(t *testing.T) {
	md := New(KeyCorrelationID, "abc", "dangling")
	assert.Equal(t, Metadata{KeyCorrelationID: "abc"}, md)
}

func TestToAndFromWatermill(t *testing.T) {
	md := Metadata{KeyCorrelationID: "abc"}
	wm := ToWatermill(md)
	assert.Equal(t, "abc", wm.Get(KeyCorrelationID))

	wm.Set(KeyCorrelationID, "mutated")
	assert.Equal(t, "abc", md.CorrelationID())

	assert.Empty(t, ToWatermill(nil))
	assert.NotNil(t, FromWatermill(nil))
	assert.Equal(t, "order", FromWatermill(message.Metadata{"event": "order"})["event"])
}

func TestApplyOverwrites(t *testing.T) {
	msg := message.NewMessage("id", nil)
	msg.Metadata.Set(KeySchema, "old")
	Apply(msg, Metadata{KeySchema: "new", KeyIdentityKind: "player"})

	assert.Equal(t, "new", msg.Metadata.Get(KeySchema))
	assert.Equal(t, "player", msg.Metadata.Get(KeyIdentityKind))
}
