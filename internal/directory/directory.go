// Package directory answers whether an identity exists in the local store.
// The Responder consults a Directory for every request it serves.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drblury/idflow/internal/runtime/identity"
)

// ErrUnsupportedKind is returned by Lookup for a kind the directory does not own.
var ErrUnsupportedKind = errors.New("directory: kind is not served here")

// Entry is the outcome of a lookup. Name is empty when Exists is false.
type Entry struct {
	Exists bool
	Name   string
}

// Directory is the local lookup behind a Responder.
type Directory interface {
	// Supports reports whether this service owns identities of kind.
	Supports(kind identity.Kind) bool
	// Lookup resolves subjectID. A nil subjectID never exists.
	Lookup(ctx context.Context, kind identity.Kind, subjectID *int64) (Entry, error)
}

func unsupported(kind identity.Kind) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
}

// MemoryDirectory is a concurrent in-memory Directory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	served  map[identity.Kind]bool
	entries map[identity.Kind]map[int64]string
}

// NewMemoryDirectory serves the given kinds, or every kind when none are given.
func NewMemoryDirectory(kinds ...identity.Kind) *MemoryDirectory {
	if len(kinds) == 0 {
		kinds = identity.Kinds()
	}
	served := make(map[identity.Kind]bool, len(kinds))
	for _, k := range kinds {
		served[k] = true
	}
	return &MemoryDirectory{
		served:  served,
		entries: make(map[identity.Kind]map[int64]string),
	}
}

// Put stores name for id under kind.
func (m *MemoryDirectory) Put(kind identity.Kind, id int64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.entries[kind]
	if !ok {
		byID = make(map[int64]string)
		m.entries[kind] = byID
	}
	byID[id] = name
}

// Delete removes id under kind.
func (m *MemoryDirectory) Delete(kind identity.Kind, id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries[kind], id)
}

func (m *MemoryDirectory) Supports(kind identity.Kind) bool {
	return m.served[kind]
}

func (m *MemoryDirectory) Lookup(ctx context.Context, kind identity.Kind, subjectID *int64) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if !m.Supports(kind) {
		return Entry{}, unsupported(kind)
	}
	if subjectID == nil {
		return Entry{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.entries[kind][*subjectID]
	if !ok {
		return Entry{}, nil
	}
	return Entry{Exists: true, Name: name}, nil
}
