// Package marketdata fetches daily bars and option contract metadata from a
// Polygon-style REST vendor, persisting results through the storage layer.
// The free tier allows five calls per five-minute window, so the client owns
// its own budget accounting and 429 cooldown state.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/svenkat/orderentry/internal/models"
	"github.com/svenkat/orderentry/internal/storage"
	"github.com/svenkat/orderentry/internal/util"
)

const (
	// callBudget is the number of paid calls allowed per rate window.
	callBudget = 5
	// rateWindow is the vendor's rate-limit window length.
	rateWindow = 5 * time.Minute
	// cooldownWait suppresses all calls after a 429 response.
	cooldownWait = 5 * time.Minute

	defaultBaseURL = "https://api.polygon.io"
	defaultTimeout = 30 * time.Second
)

// ErrQuotaExceeded is returned when the call budget is exhausted or a 429
// cooldown is in effect. Callers back off rather than escalate.
var ErrQuotaExceeded = errors.New("market data quota exceeded")

// Client is a rate-limited market data fetcher. All quota state is owned by
// the instance and guarded by mu; no package-level state.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	store   storage.Interface
	logger  *log.Logger

	mu            sync.Mutex
	windowStart   time.Time
	callsInWindow int
	cooldownAt    time.Time

	now func() time.Time
}

// NewClient creates a fetcher persisting through store. baseURL may be empty
// for the production endpoint.
func NewClient(apiKey, baseURL string, store storage.Interface, logger *log.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// reserve consumes one call from the current window's budget. It returns
// ErrQuotaExceeded while a 429 cooldown is active or when the budget is
// spent; the budget resets when a full window has elapsed.
func (c *Client) reserve() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.cooldownAt.IsZero() && now.Before(c.cooldownAt.Add(cooldownWait)) {
		return ErrQuotaExceeded
	}
	if now.Sub(c.windowStart) >= rateWindow {
		c.windowStart = now
		c.callsInWindow = 0
	}
	if c.callsInWindow >= callBudget {
		return ErrQuotaExceeded
	}
	c.callsInWindow++
	return nil
}

func (c *Client) enterCooldown() {
	c.mu.Lock()
	c.cooldownAt = c.now()
	c.mu.Unlock()
}

// dailyBar is the vendor's open-close response shape.
type dailyBar struct {
	Status     string  `json:"status"`
	From       string  `json:"from"`
	Symbol     string  `json:"symbol"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	AfterHours float64 `json:"afterHours"`
	PreMarket  float64 `json:"preMarket"`
}

// StockDay returns the daily bar for (date, ticker), consulting the store
// first and fetching on a miss. Fetched bars are persisted before returning.
func (c *Client) StockDay(ctx context.Context, date time.Time, ticker string) (*models.MarketDay, error) {
	day, err := c.store.GetMarketDay(date, ticker)
	if err == nil {
		return day, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("reading stored bar: %w", err)
	}
	return c.fetchDay(ctx, date, ticker)
}

func (c *Client) fetchDay(ctx context.Context, date time.Time, ticker string) (*models.MarketDay, error) {
	if err := c.reserve(); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/open-close/%s/%s?adjusted=true&apiKey=%s",
		c.baseURL, url.PathEscape(ticker), date.Format("2006-01-02"), url.QueryEscape(c.apiKey))
	var bar dailyBar
	if err := c.getJSON(ctx, endpoint, &bar); err != nil {
		return nil, err
	}

	day := models.MarketDay{
		Date:       util.DateOf(date),
		Ticker:     ticker,
		Open:       bar.Open,
		High:       bar.High,
		Low:        bar.Low,
		Close:      bar.Close,
		Volume:     bar.Volume,
		AfterHours: bar.AfterHours,
		PreMarket:  bar.PreMarket,
		Status:     bar.Status,
	}
	if err := c.store.InsertMarketDays([]models.MarketDay{day}); err != nil {
		return nil, fmt.Errorf("persisting bar %s %s: %w", ticker, bar.From, err)
	}
	return &day, nil
}

// Fill backfills daily bars for ticker, walking backward from yesterday until
// windowDays of history exist or ctx is cancelled. Weekends, recorded market
// holidays, and already-stored days cost no budget. When the window budget
// runs out, Fill sleeps until the next rate window and resumes on the same
// day, so a full backfill self-paces across windows.
func (c *Client) Fill(ctx context.Context, ticker string, windowDays int) error {
	today := util.DateOf(c.now())
	earliest := today.AddDate(0, 0, -windowDays)
	day := today.AddDate(0, 0, -1)

	tick := time.NewTicker(rateWindow)
	defer tick.Stop()

	for !day.Before(earliest) {
		if util.IsWeekend(day) {
			day = day.AddDate(0, 0, -1)
			continue
		}
		holiday, err := c.store.IsMarketHoliday(day)
		if err != nil {
			return fmt.Errorf("checking holiday calendar: %w", err)
		}
		if holiday {
			day = day.AddDate(0, 0, -1)
			continue
		}
		present, err := c.store.HasMarketDay(day, ticker)
		if err != nil {
			return fmt.Errorf("checking stored bars: %w", err)
		}
		if present {
			day = day.AddDate(0, 0, -1)
			continue
		}

		if _, err := c.fetchDay(ctx, day, ticker); err != nil {
			if errors.Is(err, ErrQuotaExceeded) {
				c.logger.Printf("marketdata: quota spent, pausing backfill of %s at %s",
					ticker, day.Format("2006-01-02"))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-tick.C:
				}
				continue
			}
			// A missing or failed day is not worth aborting the walk.
			c.logger.Printf("marketdata: no bar for %s %s: %v", ticker, day.Format("2006-01-02"), err)
		}
		day = day.AddDate(0, 0, -1)
	}
	return nil
}

// contractsPage is the vendor's option contract reference response shape.
type contractsPage struct {
	Results []contractRecord `json:"results"`
	NextURL string           `json:"next_url"`
}

type contractRecord struct {
	Ticker            string  `json:"ticker"`
	UnderlyingTicker  string  `json:"underlying_ticker"`
	ContractType      string  `json:"contract_type"`
	ExpirationDate    string  `json:"expiration_date"`
	StrikePrice       float64 `json:"strike_price"`
	SharesPerContract int     `json:"shares_per_contract"`
	PrimaryExchange   string  `json:"primary_exchange"`
	ExerciseStyle     string  `json:"exercise_style"`
	CFI               string  `json:"cfi"`
}

// OptionContracts lists the contracts for one underlying, contract type, and
// expiration, following the vendor's cursor pagination under the same call
// budget. Results are persisted page by page.
func (c *Client) OptionContracts(ctx context.Context, underlying, contractType string, expiration time.Time) ([]models.OptionContract, error) {
	q := url.Values{}
	q.Set("underlying_ticker", underlying)
	q.Set("contract_type", contractType)
	q.Set("expiration_date", expiration.Format("2006-01-02"))
	q.Set("limit", "1000")
	next := c.baseURL + "/v3/reference/options/contracts?" + q.Encode()

	var all []models.OptionContract
	for next != "" {
		if err := c.reserve(); err != nil {
			// Cursors expire slowly; sleep out the rest of the window and
			// resume pagination where we left off.
			c.logger.Printf("marketdata: quota spent mid-pagination for %s, waiting", underlying)
			select {
			case <-ctx.Done():
				return all, ctx.Err()
			case <-time.After(rateWindow):
			}
			continue
		}

		var page contractsPage
		if err := c.getJSON(ctx, withAPIKey(next, c.apiKey), &page); err != nil {
			return all, err
		}

		batch := make([]models.OptionContract, 0, len(page.Results))
		for _, r := range page.Results {
			expiry, err := time.Parse("2006-01-02", r.ExpirationDate)
			if err != nil {
				c.logger.Printf("marketdata: skipping contract %s, bad expiration %q", r.Ticker, r.ExpirationDate)
				continue
			}
			batch = append(batch, models.OptionContract{
				Ticker:            r.Ticker,
				UnderlyingTicker:  r.UnderlyingTicker,
				ContractType:      r.ContractType,
				ExpirationDate:    expiry,
				StrikePrice:       r.StrikePrice,
				SharesPerContract: r.SharesPerContract,
				PrimaryExchange:   r.PrimaryExchange,
				ExerciseStyle:     r.ExerciseStyle,
				CFI:               r.CFI,
			})
		}
		if len(batch) > 0 {
			if err := c.store.SaveOptionContracts(batch); err != nil {
				return all, fmt.Errorf("persisting contracts: %w", err)
			}
			all = append(all, batch...)
		}
		next = page.NextURL
	}
	return all, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("market data request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.enterCooldown()
		c.logger.Printf("marketdata: vendor returned 429, cooling down for %s", cooldownWait)
		return ErrQuotaExceeded
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("market data API error %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// withAPIKey appends the api key to a vendor URL, which next_url cursors do
// not carry.
func withAPIKey(endpoint, apiKey string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	q.Set("apiKey", apiKey)
	u.RawQuery = q.Encode()
	return u.String()
}
