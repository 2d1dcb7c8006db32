package identity

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/idflow/internal/runtime/errors"
	"github.com/drblury/idflow/internal/runtime/ids"
	"github.com/drblury/idflow/internal/runtime/jsoncodec"
	"github.com/drblury/idflow/internal/runtime/metadata"
)

// Schema names written to the event_message_schema header.
const (
	RequestSchema  = "idflow.CheckRequest"
	ResponseSchema = "idflow.CheckResponse"
)

// CheckRequest asks the owning service whether SubjectID exists for Kind.
// A nil SubjectID is carried as JSON null and is never valid.
type CheckRequest struct {
	CorrelationID string `json:"correlationId"`
	Kind          Kind   `json:"kind"`
	SubjectID     *int64 `json:"subjectId"`
}

// CheckResponse answers exactly one CheckRequest.
type CheckResponse struct {
	CorrelationID string `json:"correlationId"`
	SubjectID     *int64 `json:"subjectId"`
	IsValid       bool   `json:"isValid"`
	ResolvedName  string `json:"resolvedName"`
}

// Subject returns a pointer suitable for the SubjectID fields.
func Subject(id int64) *int64 { return &id }

// Metadata returns the headers published alongside the request.
func (r CheckRequest) Metadata() metadata.Metadata {
	return metadata.New(
		metadata.KeyCorrelationID, r.CorrelationID,
		metadata.KeySchema, RequestSchema,
		metadata.KeyIdentityKind, r.Kind.String(),
	)
}

// Metadata returns the headers published alongside the response.
func (r CheckResponse) Metadata() metadata.Metadata {
	return metadata.New(
		metadata.KeyCorrelationID, r.CorrelationID,
		metadata.KeySchema, ResponseSchema,
	)
}

// Validate checks what a request must carry before it is published.
func (r CheckRequest) Validate() error {
	if r.CorrelationID == "" {
		return errspkg.ErrCorrelationIDRequired
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: %s", errspkg.ErrUnknownKind, r.Kind)
	}
	return nil
}

// NewMessage encodes payload into a Watermill message with a ULID uuid and
// the supplied headers.
func NewMessage(payload any, md metadata.Metadata) (*message.Message, error) {
	if payload == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := message.NewMessage(ids.CreateULID(), body)
	metadata.Apply(msg, md)
	return msg, nil
}

// EncodeRequest turns a validated request into a bus message.
func EncodeRequest(req CheckRequest) (*message.Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return NewMessage(req, req.Metadata())
}

// EncodeResponse turns a response into a bus message.
func EncodeResponse(resp CheckResponse) (*message.Message, error) {
	if resp.CorrelationID == "" {
		return nil, errspkg.ErrCorrelationIDRequired
	}
	return NewMessage(resp, resp.Metadata())
}

// DecodeRequest parses a request message. Every failure is a *DecodeError.
func DecodeRequest(msg *message.Message) (CheckRequest, error) {
	var req CheckRequest
	if err := decode(msg, &req); err != nil {
		return CheckRequest{}, err
	}
	if err := req.Validate(); err != nil {
		return CheckRequest{}, decodeError(msg, err)
	}
	return req, nil
}

// DecodeResponse parses a response message. Every failure is a *DecodeError.
func DecodeResponse(msg *message.Message) (CheckResponse, error) {
	var resp CheckResponse
	if err := decode(msg, &resp); err != nil {
		return CheckResponse{}, err
	}
	if resp.CorrelationID == "" {
		return CheckResponse{}, decodeError(msg, errspkg.ErrCorrelationIDRequired)
	}
	return resp, nil
}

func decode(msg *message.Message, v any) error {
	if msg == nil {
		return &errspkg.DecodeError{Err: errspkg.ErrPayloadRequired}
	}
	if len(msg.Payload) == 0 {
		return decodeError(msg, errspkg.ErrPayloadRequired)
	}
	if err := jsoncodec.Unmarshal(msg.Payload, v); err != nil {
		return decodeError(msg, err)
	}
	return nil
}

func decodeError(msg *message.Message, err error) error {
	return &errspkg.DecodeError{MessageUUID: msg.UUID, Err: err}
}
