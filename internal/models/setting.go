package models

import "fmt"

// ParseSetting is one configured import: which broker account it feeds, how
// much balance the strategy may use, and which watchlist section to read.
// Settings are loaded once per run and treated as read-only except for the
// balance refresh from a live account-value query.
type ParseSetting struct {
	Key            string     `json:"key"`
	Broker         BrokerKind `json:"broker"`
	AccountID      string     `json:"account_id"`
	AccountBalance float64    `json:"account_balance"`
	Strategy       Strategy   `json:"strategy"`
	Mode           Mode       `json:"mode"`
	ParseType      ParseType  `json:"parse_type"`
	Active         bool       `json:"active"`
}

func (p ParseSetting) String() string {
	return fmt.Sprintf("%s - %s %.2f %s %s", p.Key, p.ParseType, p.AccountBalance, p.Mode, p.Strategy)
}
