package types

// DispenserStatus is the point-in-time view exposed by the status endpoint.
type DispenserStatus struct {
	DispenserID  string  `json:"dispenser_id"`
	LiquidLabel  string  `json:"liquid_label,omitempty"`
	State        string  `json:"state"`
	ValveOpen    bool    `json:"valve_open"`
	FlowRate     float64 `json:"flow_rate"`
	CumulativeMl float64 `json:"cumulative_ml"`
	UID          string  `json:"uid,omitempty"`
	SessionID    string  `json:"session_id,omitempty"`
	ConsumedMl   float64 `json:"consumed_ml"`
	QuotaMl      float64 `json:"quota_ml,omitempty"`
	Message      string  `json:"message,omitempty"`
	Faulted      bool    `json:"faulted"`
	ServerTime   string  `json:"server_time"`
}
