package identity

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	errspkg "github.com/drblury/idflow/internal/runtime/errors"
	"github.com/drblury/idflow/internal/runtime/metadata"
)

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}

	_, err := ParseKind("admin")
	assert.ErrorIs(t, err, errspkg.ErrUnknownKind)
	_, err = ParseKind("User")
	assert.ErrorIs(t, err, errspkg.ErrUnknownKind, "names are case sensitive")
}

func TestKindUnknownIsInvalid(t *testing.T) {
	assert.False(t, KindUnknown.Valid())
	assert.Equal(t, "kind(0)", KindUnknown.String())

	_, err := KindUnknown.MarshalText()
	assert.ErrorIs(t, err, errspkg.ErrUnknownKind)
}

func TestEncodeRequestWireFormat(t *testing.T) {
	msg, err := EncodeRequest(CheckRequest{CorrelationID: "c-1", Kind: KindPlayer, SubjectID: Subject(42)})
	require.NoError(t, err)

	assert.JSONEq(t, `{"correlationId":"c-1","kind":"player","subjectId":42}`, string(msg.Payload))
	assert.Equal(t, "c-1", msg.Metadata.Get(metadata.KeyCorrelationID))
	assert.Equal(t, RequestSchema, msg.Metadata.Get(metadata.KeySchema))
	assert.Equal(t, "player", msg.Metadata.Get(metadata.KeyIdentityKind))

	_, err = ulid.Parse(msg.UUID)
	assert.NoError(t, err, "message uuid should be a ULID")
}

func TestEncodeRequestNullSubject(t *testing.T) {
	msg, err := EncodeRequest(CheckRequest{CorrelationID: "c-2", Kind: KindUser})
	require.NoError(t, err)
	assert.JSONEq(t, `{"correlationId":"c-2","kind":"user","subjectId":null}`, string(msg.Payload))

	decoded, err := DecodeRequest(msg)
	require.NoError(t, err)
	assert.Nil(t, decoded.SubjectID)
}

func TestEncodeRequestRejectsInvalid(t *testing.T) {
	_, err := EncodeRequest(CheckRequest{Kind: KindUser})
	assert.ErrorIs(t, err, errspkg.ErrCorrelationIDRequired)

	_, err = EncodeRequest(CheckRequest{CorrelationID: "c"})
	assert.ErrorIs(t, err, errspkg.ErrUnknownKind)
}

func TestEncodeResponseWireFormat(t *testing.T) {
	msg, err := EncodeResponse(CheckResponse{CorrelationID: "c-1", SubjectID: Subject(7), IsValid: true, ResolvedName: "alice"})
	require.NoError(t, err)

	assert.JSONEq(t, `{"correlationId":"c-1","subjectId":7,"isValid":true,"resolvedName":"alice"}`, string(msg.Payload))
	assert.Equal(t, ResponseSchema, msg.Metadata.Get(metadata.KeySchema))
	assert.Empty(t, msg.Metadata.Get(metadata.KeyIdentityKind))

	_, err = EncodeResponse(CheckResponse{})
	assert.ErrorIs(t, err, errspkg.ErrCorrelationIDRequired)
}

func TestDecodeRequestFailures(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		cause   error
	}{
		{"empty body", ``, errspkg.ErrPayloadRequired},
		{"truncated", `{"correlationId":`, nil},
		{"unknown kind", `{"correlationId":"c","kind":"admin","subjectId":1}`, nil},
		{"missing kind", `{"correlationId":"c","subjectId":1}`, errspkg.ErrUnknownKind},
		{"missing correlation id", `{"kind":"user","subjectId":1}`, errspkg.ErrCorrelationIDRequired},
		{"string subject", `{"correlationId":"c","kind":"user","subjectId":"1"}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := message.NewMessage("m-1", []byte(tt.payload))
			_, err := DecodeRequest(msg)
			require.ErrorIs(t, err, errspkg.ErrDecode)

			var de *errspkg.DecodeError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, "m-1", de.MessageUUID)
			if tt.cause != nil {
				assert.ErrorIs(t, err, tt.cause)
			}
		})
	}
}

func TestDecodeResponseFailures(t *testing.T) {
	_, err := DecodeResponse(message.NewMessage("m", []byte(`{"isValid":true}`)))
	assert.ErrorIs(t, err, errspkg.ErrDecode)
	assert.ErrorIs(t, err, errspkg.ErrCorrelationIDRequired)

	_, err = DecodeResponse(message.NewMessage("m", []byte(`not json`)))
	assert.ErrorIs(t, err, errspkg.ErrDecode)

	_, err = DecodeResponse(nil)
	assert.ErrorIs(t, err, errspkg.ErrDecode)
}

func TestDecodeResponseIgnoresUnknownFields(t *testing.T) {
	resp, err := DecodeResponse(message.NewMessage("m", []byte(`{"correlationId":"c","isValid":false,"extra":1}`)))
	require.NoError(t, err)
	assert.Equal(t, "c", resp.CorrelationID)
	assert.False(t, resp.IsValid)
	assert.Nil(t, resp.SubjectID)
}

func TestRequestEnvelopeProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		req := CheckRequest{
			CorrelationID: rapid.StringMatching(`[a-zA-Z0-9-]{1,40}`).Draw(t, "correlation"),
			Kind:          rapid.SampledFrom(Kinds()).Draw(t, "kind"),
		}
		if rapid.Bool().Draw(t, "hasSubject") {
			req.SubjectID = Subject(rapid.Int64().Draw(t, "subject"))
		}

		msg, err := EncodeRequest(req)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := DecodeRequest(msg)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.CorrelationID != req.CorrelationID || got.Kind != req.Kind {
			t.Fatalf("got %+v, want %+v", got, req)
		}
		if (got.SubjectID == nil) != (req.SubjectID == nil) {
			t.Fatalf("subject presence mismatch: %+v vs %+v", got.SubjectID, req.SubjectID)
		}
		if got.SubjectID != nil && *got.SubjectID != *req.SubjectID {
			t.Fatalf("subject mismatch: %d vs %d", *got.SubjectID, *req.SubjectID)
		}
	})
}
