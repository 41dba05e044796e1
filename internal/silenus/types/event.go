package types

import "time"

// EventType names a dispenser lifecycle or telemetry event.
type EventType string

const (
	EventPourStart           EventType = "pour_start"
	EventPourUpdate          EventType = "pour_update"
	EventPourEnd             EventType = "pour_end"
	EventAuthFail            EventType = "auth_fail"
	EventInsufficientBalance EventType = "insufficient_balance"
	EventCardRemoved         EventType = "card_removed"
)

// Lifecycle reports whether events of this type must never be dropped.
// Only periodic pour_update telemetry is considered low value.
func (t EventType) Lifecycle() bool {
	return t != EventPourUpdate
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventPourStart, EventPourUpdate, EventPourEnd,
		EventAuthFail, EventInsufficientBalance, EventCardRemoved:
		return true
	}
	return false
}

// Event is the structured payload fanned out to dashboards and remote
// collectors. ChargedUnits and Balance are only set on pour_end (and Balance
// on insufficient_balance when known).
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	DispenserID  string    `json:"dispenser_id"`
	UID          string    `json:"uid,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	VolumeMl     float64   `json:"volume_ml"`
	FlowRate     float64   `json:"flow_rate"`
	ValveOpen    bool      `json:"valve_open"`
	Message      string    `json:"message,omitempty"`
	ChargedUnits *Units    `json:"charged_units,omitempty"`
	Balance      *Units    `json:"balance,omitempty"`
	At           time.Time `json:"at"`
}
