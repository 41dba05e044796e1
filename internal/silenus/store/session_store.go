package store

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
)

type CloseReason string

const (
	CloseTokenRemoved CloseReason = "token_removed"
	CloseTokenSwitch  CloseReason = "token_switch"
	CloseQuota        CloseReason = "quota_reached"
	CloseZeroFlow     CloseReason = "zero_flow"
	CloseManual       CloseReason = "manual"
	CloseShutdown     CloseReason = "shutdown"
	CloseFault        CloseReason = "hardware_fault"
)

// SessionRecord is the audit row for one dispensing session. The quota,
// unit volume and liquid label are snapshots taken when the session opened.
type SessionRecord struct {
	ID            string
	DispenserID   string
	UID           string
	AccountID     string
	Authorized    bool
	Unlimited     bool
	QuotaMl       float64
	UnitMl        float64
	LiquidLabel   string
	VolumeStartMl float64
	OpenedAt      time.Time

	// Populated on close.
	ClosedAt     *time.Time
	VolumeEndMl  float64
	DeltaMl      float64
	ChargedUnits types.Units
	CloseReason  CloseReason
	LastMessage  string
}

func (r SessionRecord) Open() bool { return r.ClosedAt == nil }

type SessionClose struct {
	ID           string
	ClosedAt     time.Time
	VolumeEndMl  float64
	DeltaMl      float64
	ChargedUnits types.Units
	Reason       CloseReason
	LastMessage  string
}

type SessionFilter struct {
	DispenserID string
	UID         string
	Limit       int
}

type SessionStore interface {
	OpenSession(ctx context.Context, rec SessionRecord) error
	// CloseSession returns ErrSessionClosed if the session was already closed.
	CloseSession(ctx context.Context, c SessionClose) error
	Session(ctx context.Context, id string) (SessionRecord, error)
	// ListSessions returns the newest sessions first.
	ListSessions(ctx context.Context, f SessionFilter) ([]SessionRecord, error)
	PruneClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
