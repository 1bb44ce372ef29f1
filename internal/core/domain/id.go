package domain

import (
	"strings"

	"github.com/google/uuid"
)

// UserID is an identity known to the relay and to the telephony provider.
// It is opaque to this module (e.g. "user-42").
type UserID string

func (id UserID) String() string {
	return string(id)
}

func (id UserID) IsZero() bool {
	return strings.TrimSpace(string(id)) == ""
}

type SessionID uuid.UUID

func NewSessionID() SessionID {
	return SessionID(uuid.New())
}

func (id SessionID) String() string {
	return uuid.UUID(id).String()
}

func (id SessionID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

// NewCallID returns an identifier for a peer-to-peer call, used where no
// provider assigns one.
func NewCallID() string {
	return uuid.New().String()
}
