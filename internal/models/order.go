// Package models defines the domain types shared across the sync engine:
// trade candidates, parse settings, broker positions, and market data rows.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrderKind tags the Order sum type. Callers switch on the kind instead of
// inspecting runtime types.
type OrderKind string

const (
	// OrderKindStock is a 3-leg stock bracket candidate.
	OrderKindStock OrderKind = "stock"
	// OrderKindOption is a 2-leg option bracket candidate.
	OrderKindOption OrderKind = "option"
)

// Strategy identifies the recommendation strategy a row belongs to.
type Strategy string

const (
	StrategyMainPullback Strategy = "main_pullback"
	StrategyDoubleDown   Strategy = "double_down"
)

// DisplayText returns the strategy label as it appears in the watchlist
// export ("Main Pullback", "Double Down").
func (s Strategy) DisplayText() string {
	switch s {
	case StrategyMainPullback:
		return "Main Pullback"
	case StrategyDoubleDown:
		return "Double Down"
	default:
		return string(s)
	}
}

// ParseStrategy maps the two-token strategy label from a watchlist row to a
// Strategy. The token pair is load-bearing: rows always spell the strategy
// as two whitespace-separated words.
func ParseStrategy(first, second string) (Strategy, error) {
	switch {
	case first == "Main" && second == "Pullback":
		return StrategyMainPullback, nil
	case first == "Double" && second == "Down":
		return StrategyDoubleDown, nil
	default:
		return "", fmt.Errorf("unsupported strategy %q %q", first, second)
	}
}

// Mode selects which watchlist section a parse setting reads.
type Mode string

const (
	ModeStock          Mode = "stock"
	ModeOption         Mode = "option"
	ModeLowPricedStock Mode = "low_priced_stock"
)

// DisplayText returns the section header text for the mode as it appears in
// the export.
func (m Mode) DisplayText() string {
	switch m {
	case ModeStock:
		return "Stocks"
	case ModeOption:
		return "Options"
	case ModeLowPricedStock:
		return "Low Priced Stocks"
	default:
		return string(m)
	}
}

// ParseType identifies which source page a setting is parsed from. Only the
// watchlist is supported by the sync engine.
type ParseType string

const (
	ParseTypeWatchlist     ParseType = "watchlist"
	ParseTypeLive          ParseType = "live"
	ParseTypeTriggeredList ParseType = "triggered_list"
)

// BrokerKind identifies the brokerage back end a setting submits to.
type BrokerKind string

const (
	BrokerInteractiveBrokers BrokerKind = "interactive_brokers"
	BrokerCharlesSchwab      BrokerKind = "charles_schwab"
)

// OptionType is the option right. Only calls appear in the watchlist.
type OptionType string

const (
	OptionTypeCall OptionType = "Call"
)

// Order is a parsed trade candidate. It is a tagged sum type: Kind selects
// the stock or option variant, shared fields apply to both, and the variant
// fields below only carry meaning for their kind.
//
// Leg identifiers are assigned by the first broker acknowledgment and are
// immutable afterwards, so a resubmission reuses them instead of minting new
// broker orders.
type Order struct {
	ID              uuid.UUID `json:"id"`
	ParseSettingKey string    `json:"parse_setting_key"`
	Kind            OrderKind `json:"kind"`
	WatchDate       time.Time `json:"watch_date"`
	Strategy        Strategy  `json:"strategy"`
	Ticker          string    `json:"ticker"`
	Count           int       `json:"count"`
	PotentialEntry  float64   `json:"potential_entry"`
	PotentialProfit float64   `json:"potential_profit"`
	PotentialStop   float64   `json:"potential_stop"`
	PositionValue   float64   `json:"position_value"`

	// Stock variant.
	CurrentPrice   float64 `json:"current_price,omitempty"`
	DistanceInATRs float64 `json:"distance_in_atrs,omitempty"`
	LowPriced      bool    `json:"low_priced,omitempty"`

	// Option variant.
	StrikeDate  time.Time  `json:"strike_date,omitempty"`
	StrikePrice float64    `json:"strike_price,omitempty"`
	OptionType  OptionType `json:"option_type,omitempty"`

	// Broker-assigned leg identifiers, empty until first acknowledgment.
	EntryOrderID  string `json:"entry_order_id,omitempty"`
	ProfitOrderID string `json:"profit_order_id,omitempty"`
	StopOrderID   string `json:"stop_order_id,omitempty"`
}

// Actionable reports whether the candidate should be traded today: the watch
// date must be the given trading date and the count positive.
func (o *Order) Actionable(today time.Time) bool {
	return o.Count > 0 && sameDay(o.WatchDate, today)
}

// HasLegIDs reports whether broker leg identifiers have already been
// assigned for this candidate.
func (o *Order) HasLegIDs() bool {
	return o.EntryOrderID != ""
}

func (o *Order) String() string {
	if o.Kind == OrderKindOption {
		return fmt.Sprintf("%d %s %s %.2f %s [%.2f -> %.2f]",
			o.Count, o.Ticker, o.StrikeDate.Format("2006-01-02"), o.StrikePrice,
			o.OptionType, o.PotentialEntry, o.PotentialProfit)
	}
	return fmt.Sprintf("%s %d %s [%.2f <- %.2f -> %.2f]",
		o.Strategy.DisplayText(), o.Count, o.Ticker,
		o.PotentialStop, o.PotentialEntry, o.PotentialProfit)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
