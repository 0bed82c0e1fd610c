package models

import "fmt"

// Position is one broker equity holding. Identity is the (Broker, AccountID,
// Ticker) triple; no two positions may share it.
type Position struct {
	Broker          BrokerKind `json:"broker"`
	AccountID       string     `json:"account_id"`
	Ticker          string     `json:"ticker"`
	Count           float64    `json:"count"`
	AverageCost     float64    `json:"average_cost"`
	ActivelyManaged bool       `json:"actively_managed"`
}

// PositionIdentity is the composite key positions are reconciled on.
type PositionIdentity struct {
	Broker    BrokerKind
	AccountID string
	Ticker    string
}

// Identity returns the position's reconciliation key.
func (p Position) Identity() PositionIdentity {
	return PositionIdentity{Broker: p.Broker, AccountID: p.AccountID, Ticker: p.Ticker}
}

func (p Position) String() string {
	return fmt.Sprintf("%s/%s %s x%.0f @ %.2f", p.Broker, p.AccountID, p.Ticker, p.Count, p.AverageCost)
}
