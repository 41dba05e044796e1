package types

// AuthorizeRequest is what a dispenser agent asks the backend before opening
// the valve for a presented tag.
type AuthorizeRequest struct {
	UID         string `json:"uid"`
	DispenserID string `json:"dispenser_id"`
}

type AuthorizeResponse struct {
	Authorized  bool    `json:"authorized"`
	UID         string  `json:"uid"`
	DispenserID string  `json:"dispenser_id"`
	AccountID   string  `json:"account_id,omitempty"`
	Label       string  `json:"label,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Balance     Units   `json:"balance"`
	UnitMl      float64 `json:"unit_ml"`
	QuotaMl     float64 `json:"quota_ml"`
	Unlimited   bool    `json:"unlimited,omitempty"`
	ServerTime  string  `json:"server_time"`
}
