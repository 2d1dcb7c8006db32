package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/oklog/ulid/v2"
)

// scopeAlphabet keeps identities valid as kafka groups, amqp queues, SQS queue
// names and JetStream consumer names.
const (
	scopeAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	scopeIDLength = 16
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Used as the bus message UUID.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewCorrelationID returns a random UUID used to pair a request with its response.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewScopeIdentity returns "<prefix>.<random>" for a per-call subscription.
func NewScopeIdentity(prefix string) string {
	suffix := gonanoid.MustGenerate(scopeAlphabet, scopeIDLength)
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}
