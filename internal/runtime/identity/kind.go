// Package identity holds the identity-check envelope shared by waiters and
// responders: the Kind enum, the request and response payloads, and their
// conversion to and from bus messages.
package identity

import (
	"fmt"

	errspkg "github.com/drblury/idflow/internal/runtime/errors"
)

// Kind is the closed set of identity categories a responder can check.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindUser
	KindPlayer
	KindCreator
)

var kindNames = map[Kind]string{
	KindUser:    "user",
	KindPlayer:  "player",
	KindCreator: "creator",
}

// Kinds lists every valid kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindUser, KindPlayer, KindCreator}
}

// ParseKind maps the wire name onto a Kind.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: %q", errspkg.ErrUnknownKind, name)
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errspkg.ErrUnknownKind, uint8(k))
	}
	return []byte(name), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
