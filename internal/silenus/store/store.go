// Package store defines the persistence contracts for accounts, sessions,
// the ledger, event history and the event outbox. Implementations live in
// the memory and sqlite subpackages.
package store

import (
	"crypto/rand"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrDispenserNotFound = errors.New("dispenser not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExists     = errors.New("session already exists")
	ErrSessionClosed     = errors.New("session already closed")
	ErrEntryExists       = errors.New("ledger entry already recorded for session")
)

// NewSessionID returns a lexically time-ordered session identifier.
func NewSessionID(t time.Time) string {
	return "sess_" + newULID(t)
}

func NewAccountID(t time.Time) string {
	return "acct_" + newULID(t)
}

func newULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}
