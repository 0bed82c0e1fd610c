// Package app wires the sync engine together: it reconciles broker positions
// with the store, imports watchlist recommendations, and resubmits bracket
// orders on a fixed cadence.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/svenkat/orderentry/internal/broker"
	"github.com/svenkat/orderentry/internal/config"
	"github.com/svenkat/orderentry/internal/marketdata"
	"github.com/svenkat/orderentry/internal/models"
	"github.com/svenkat/orderentry/internal/parser"
	"github.com/svenkat/orderentry/internal/reconcile"
	"github.com/svenkat/orderentry/internal/recommend"
	"github.com/svenkat/orderentry/internal/storage"
	"github.com/svenkat/orderentry/internal/util"
)

const (
	// brokerAttempts and brokerRetryDelay bound retries of transient
	// gateway failures during the position sync.
	brokerAttempts   = 3
	brokerRetryDelay = time.Second
)

// transientBrokerError gates gateway retries: a permanent 4xx response will
// not change on a second attempt.
func transientBrokerError(err error) bool {
	return !broker.IsPermanentAPIError(err)
}

// MarketData is the slice of the market data client the orchestrator needs.
type MarketData interface {
	StockDay(ctx context.Context, date time.Time, ticker string) (*models.MarketDay, error)
}

// SourceFactory opens a recommendation session. The orchestrator acquires one
// per order sync and closes it on every exit path.
type SourceFactory func() (recommend.Source, error)

// Orchestrator runs the sync loop. Phases per tick: position reconciliation,
// order import, order resubmission. Phases are independent; a failing phase
// is logged and the next one still runs.
type Orchestrator struct {
	cfg       *config.Config
	broker    broker.Broker
	store     storage.Interface
	market    MarketData
	newSource SourceFactory
	parser    *parser.Parser
	logger    *log.Logger
	now       func() time.Time
}

// New creates an orchestrator. market may be nil to skip prior-close checks.
func New(cfg *config.Config, b broker.Broker, store storage.Interface, market MarketData,
	newSource SourceFactory, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		broker:    b,
		store:     store,
		market:    market,
		newSource: newSource,
		parser:    parser.New(logger),
		logger:    logger,
		now:       util.TodayEST,
	}
}

// Run executes sync cycles until ctx is cancelled. The first cycle runs
// immediately.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.GetTickInterval())
	defer ticker.Stop()

	o.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.runCycle(ctx)
		}
	}
}

func (o *Orchestrator) runCycle(ctx context.Context) {
	if err := o.SyncPositions(ctx); err != nil {
		o.logger.Printf("position sync failed: %v", err)
	}
	if err := o.SyncOrders(ctx); err != nil {
		o.logger.Printf("order sync failed: %v", err)
	}
	if err := o.Resubmit(ctx); err != nil {
		o.logger.Printf("resubmission failed: %v", err)
	}
}

// SyncPositions pulls the broker's positions for every account with an
// active setting, refreshes each setting's tradable balance from the account
// net value, and applies the snapshot diff to the store.
func (o *Orchestrator) SyncPositions(ctx context.Context) error {
	settings, err := o.store.GetParseSettings()
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	previous, err := o.store.GetPositions(models.BrokerInteractiveBrokers)
	if err != nil {
		return fmt.Errorf("loading stored positions: %w", err)
	}

	// A ticker the engine has already classified keeps its classification;
	// anything new defaults to actively managed.
	known := make(map[models.PositionIdentity]bool, len(previous))
	for _, p := range previous {
		known[p.Identity()] = p.ActivelyManaged
	}
	managed := func(accountID, ticker string) bool {
		if m, ok := known[models.PositionIdentity{
			Broker: models.BrokerInteractiveBrokers, AccountID: accountID, Ticker: ticker,
		}]; ok {
			return m
		}
		return true
	}

	accountValues := make(map[string]float64)
	var current []models.Position
	var refreshed []models.ParseSetting
	for _, setting := range settings {
		if setting.Broker != models.BrokerInteractiveBrokers {
			o.logger.Printf("skipping %s: no live session for broker %s", setting.Key, setting.Broker)
			continue
		}
		if _, seen := accountValues[setting.AccountID]; !seen {
			var value float64
			err := util.RetryIf(ctx, brokerAttempts, brokerRetryDelay, transientBrokerError, func() error {
				var err error
				value, err = o.broker.GetAccountValue(ctx, setting.AccountID)
				return err
			})
			if err != nil {
				return fmt.Errorf("fetching net value for %s: %w", setting.AccountID, err)
			}
			accountValues[setting.AccountID] = value

			var positions []models.Position
			err = util.RetryIf(ctx, brokerAttempts, brokerRetryDelay, transientBrokerError, func() error {
				var err error
				positions, err = o.broker.GetPositions(ctx, setting.AccountID, managed)
				return err
			})
			if err != nil {
				return fmt.Errorf("fetching positions for %s: %w", setting.AccountID, err)
			}
			current = append(current, positions...)
		}
		setting.AccountBalance = accountValues[setting.AccountID] * o.cfg.Risk.RiskFactor
		refreshed = append(refreshed, setting)
	}

	if len(refreshed) > 0 {
		if err := o.store.SaveParseSettings(refreshed); err != nil {
			return fmt.Errorf("refreshing balances: %w", err)
		}
	}

	res := reconcile.Positions(previous, current)
	if res.Empty() {
		return nil
	}
	if len(res.Deletes) > 0 {
		n, err := o.store.DeletePositions(res.Deletes)
		if err != nil {
			return fmt.Errorf("deleting positions: %w", err)
		}
		o.logger.Printf("removed %d closed positions", n)
	}
	if len(res.Inserts) > 0 {
		if err := o.store.InsertPositions(res.Inserts); err != nil {
			return fmt.Errorf("inserting positions: %w", err)
		}
		o.logger.Printf("recorded %d new positions", len(res.Inserts))
	}
	if len(res.Updates) > 0 {
		if err := o.store.UpdatePositions(res.Updates); err != nil {
			return fmt.Errorf("updating positions: %w", err)
		}
		o.logger.Printf("updated %d positions", len(res.Updates))
	}
	return nil
}

// SyncOrders purges stale orders, then imports today's recommendations for
// every active watchlist setting that has not been imported yet. A session
// failure aborts the phase; a malformed export abandons only its setting.
func (o *Orchestrator) SyncOrders(ctx context.Context) error {
	today := o.now()
	cutoff := today.AddDate(0, 0, -o.cfg.Risk.OrderRetentionDays)
	if n, err := o.store.DeleteOrdersBefore(cutoff); err != nil {
		return fmt.Errorf("purging stale orders: %w", err)
	} else if n > 0 {
		o.logger.Printf("purged %d orders older than %s", n, cutoff.Format("2006-01-02"))
	}

	settings, err := o.store.GetParseSettings()
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	pending := make([]models.ParseSetting, 0, len(settings))
	for _, setting := range settings {
		if setting.ParseType != models.ParseTypeWatchlist {
			o.logger.Printf("skipping %s: parse type %s not supported", setting.Key, setting.ParseType)
			continue
		}
		if setting.Mode == models.ModeLowPricedStock {
			o.logger.Printf("warning: skipping %s: low priced stock mode is not traded", setting.Key)
			continue
		}
		fetched, err := o.store.HasOrders(setting.Key, today)
		if err != nil {
			return fmt.Errorf("checking orders for %s: %w", setting.Key, err)
		}
		if fetched {
			continue
		}
		pending = append(pending, setting)
	}
	if len(pending) == 0 {
		return nil
	}

	source, err := o.newSource()
	if err != nil {
		return fmt.Errorf("opening recommendation session: %w", err)
	}
	defer func() {
		if err := source.Close(); err != nil {
			o.logger.Printf("closing recommendation session: %v", err)
		}
	}()

	for _, setting := range pending {
		text, err := source.Watchlist(ctx, setting)
		if err != nil {
			// Session gone; later settings would fail the same way.
			return fmt.Errorf("fetching watchlist for %s: %w", setting.Key, err)
		}

		candidates, err := o.parser.Parse(text, setting)
		if err != nil {
			var ferr *parser.FormatError
			if errors.As(err, &ferr) {
				o.logger.Printf("abandoning %s: %v", setting.Key, err)
				continue
			}
			return fmt.Errorf("parsing watchlist for %s: %w", setting.Key, err)
		}

		actionable := candidates[:0]
		for _, c := range candidates {
			if c.Actionable(today) {
				actionable = append(actionable, c)
			}
		}
		if len(actionable) == 0 {
			o.logger.Printf("%s: no actionable candidates today", setting.Key)
			continue
		}
		if err := o.store.SaveOrders(actionable); err != nil {
			return fmt.Errorf("saving orders for %s: %w", setting.Key, err)
		}
		o.logger.Printf("%s: imported %d candidates", setting.Key, len(actionable))

		o.ensurePriorCloses(ctx, today, actionable)
	}
	return nil
}

// ensurePriorCloses warms the daily-bar store for each imported ticker's last
// working day. Quota exhaustion is expected and only logged.
func (o *Orchestrator) ensurePriorCloses(ctx context.Context, today time.Time, orders []models.Order) {
	if o.market == nil {
		return
	}
	prior := util.LastWorkingDay(today.AddDate(0, 0, -1), func(d time.Time) bool {
		holiday, err := o.store.IsMarketHoliday(d)
		return err == nil && holiday
	})
	for _, c := range orders {
		if _, err := o.market.StockDay(ctx, prior, c.Ticker); err != nil {
			if errors.Is(err, marketdata.ErrQuotaExceeded) {
				o.logger.Printf("prior close backfill paused: quota exceeded")
				return
			}
			o.logger.Printf("no prior close for %s: %v", c.Ticker, err)
		}
	}
}

// Resubmit places brackets for today's candidates that have no live
// position, highest quote-to-entry ratio first, until the setting's balance
// is allocated. Candidate failures are isolated; the walk simply moves to
// the next one.
func (o *Orchestrator) Resubmit(ctx context.Context) error {
	today := o.now()
	settings, err := o.store.GetParseSettings()
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	for _, setting := range settings {
		if setting.Broker != models.BrokerInteractiveBrokers {
			continue
		}
		if err := o.resubmitSetting(ctx, setting, today); err != nil {
			o.logger.Printf("resubmission for %s failed: %v", setting.Key, err)
		}
	}
	return nil
}

func (o *Orchestrator) resubmitSetting(ctx context.Context, setting models.ParseSetting, today time.Time) error {
	orders, err := o.store.GetOrders(setting.Key, today)
	if err != nil {
		return fmt.Errorf("loading orders: %w", err)
	}
	if len(orders) == 0 {
		return nil
	}

	candidates, err := o.broker.OrdersWithoutPositions(ctx, setting.AccountID, orders)
	if err != nil {
		return fmt.Errorf("filtering filled candidates: %w", err)
	}

	held := o.heldBalance(setting, orders, candidates)

	// Candidates nearest or past their recommended entry submit first, so
	// they win the balance cap over ones the market has yet to approach. A
	// missing quote falls back to the recommended entry price (ratio 1).
	prices := make(map[string]float64, len(candidates))
	ratios := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		price := o.candidatePrice(ctx, c)
		prices[c.ID.String()] = price
		ratios[c.ID.String()] = entryRatio(price, c.PotentialEntry)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return ratios[candidates[i].ID.String()] > ratios[candidates[j].ID.String()]
	})

	for i := range candidates {
		c := &candidates[i]
		cost := candidateCost(*c, prices[c.ID.String()])
		if held+cost > setting.AccountBalance {
			o.logger.Printf("%s: balance cap reached at %s (held %.2f + %.2f > %.2f)",
				setting.Key, c.Ticker, held, cost, setting.AccountBalance)
			break
		}
		ok := o.broker.SubmitBracket(ctx, setting, c)
		if c.HasLegIDs() {
			// Persist leg ids even after a failed attempt so the next tick
			// reuses them instead of minting new broker orders.
			if err := o.store.UpdateOrderLegs(*c); err != nil {
				o.logger.Printf("%s: persisting leg ids for %s: %v", setting.Key, c.Ticker, err)
			}
		}
		if ok {
			held += cost
			o.logger.Printf("%s: bracket placed for %s", setting.Key, c)
		}
	}
	return nil
}

// heldBalance sums the value already committed: candidates that turned into
// live positions, plus inactive holdings when the policy counts them.
func (o *Orchestrator) heldBalance(setting models.ParseSetting, orders, free []models.Order) float64 {
	freeIDs := make(map[string]bool, len(free))
	for _, c := range free {
		freeIDs[c.ID.String()] = true
	}
	held := 0.0
	for _, order := range orders {
		if !freeIDs[order.ID.String()] {
			held += candidateCost(order, order.PotentialEntry)
		}
	}

	if o.cfg.Risk.CountInactiveInBalance {
		positions, err := o.store.GetPositions(setting.Broker)
		if err != nil {
			o.logger.Printf("loading positions for held balance: %v", err)
			return held
		}
		for _, p := range positions {
			if p.AccountID == setting.AccountID && !p.ActivelyManaged {
				held += p.Count * p.AverageCost
			}
		}
	}
	return held
}

func (o *Orchestrator) candidatePrice(ctx context.Context, c models.Order) float64 {
	var (
		price float64
		err   error
	)
	if c.Kind == models.OrderKindOption {
		price, err = o.broker.GetOptionQuote(ctx, c.Ticker, c.StrikeDate, c.StrikePrice, c.OptionType)
	} else {
		price, err = o.broker.GetQuote(ctx, c.Ticker)
	}
	if err != nil || price <= 0 {
		if err != nil {
			o.logger.Printf("no quote for %s, using recommended entry: %v", c.Ticker, err)
		}
		return c.PotentialEntry
	}
	return price
}

// entryRatio ranks a candidate by how close its quote is to the recommended
// entry. Candidates without a usable entry price rank last.
func entryRatio(price, entry float64) float64 {
	if entry <= 0 {
		return 0
	}
	return price / entry
}

// candidateCost estimates the balance a filled candidate would consume.
func candidateCost(c models.Order, price float64) float64 {
	if c.PositionValue > 0 {
		return c.PositionValue
	}
	multiplier := 1.0
	if c.Kind == models.OrderKindOption {
		multiplier = 100
	}
	return price * float64(c.Count) * multiplier
}
