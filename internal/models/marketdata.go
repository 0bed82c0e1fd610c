package models

import "time"

// MarketDay is one daily OHLC bar for a ticker. Identity is (Date, Ticker).
type MarketDay struct {
	Date       time.Time `json:"date"`
	Ticker     string    `json:"ticker"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	AfterHours float64   `json:"after_hours"`
	PreMarket  float64   `json:"pre_market"`
	Status     string    `json:"status"`
}

// OptionContract is vendor metadata for one listed option contract.
type OptionContract struct {
	Ticker            string    `json:"ticker"`
	UnderlyingTicker  string    `json:"underlying_ticker"`
	ContractType      string    `json:"contract_type"`
	ExpirationDate    time.Time `json:"expiration_date"`
	StrikePrice       float64   `json:"strike_price"`
	SharesPerContract int       `json:"shares_per_contract"`
	PrimaryExchange   string    `json:"primary_exchange"`
	ExerciseStyle     string    `json:"exercise_style"`
	CFI               string    `json:"cfi"`
}
