package broker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/svenkat/orderentry/internal/models"
)

const (
	defaultGatewayURL = "https://localhost:5000/v1/api"
	defaultTimeout    = 30 * time.Second

	// Snapshot field 31 is the last traded price.
	fieldLastPrice = "31"
)

// IBClient talks to a locally running Interactive Brokers Client Portal
// gateway. The gateway terminates the authenticated session; this client only
// needs its REST surface.
type IBClient struct {
	client  *http.Client
	baseURL string
	logger  *log.Logger

	mu     sync.Mutex
	conids map[string]int64 // ticker -> contract id cache
}

// NewIBClient creates a gateway client. baseURL may be empty for the default
// local gateway address.
func NewIBClient(baseURL string, timeout time.Duration, logger *log.Logger) *IBClient {
	if baseURL == "" {
		baseURL = defaultGatewayURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	// The local gateway serves a self-signed certificate.
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	return &IBClient{
		client:  &http.Client{Timeout: timeout, Transport: transport},
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		conids:  make(map[string]int64),
	}
}

// summaryValue is one field of the portfolio summary response.
type summaryValue struct {
	Amount float64 `json:"amount"`
}

// GetAccountValue returns the account's net liquidation value.
func (ib *IBClient) GetAccountValue(ctx context.Context, accountID string) (float64, error) {
	var summary map[string]summaryValue
	endpoint := fmt.Sprintf("%s/portfolio/%s/summary", ib.baseURL, url.PathEscape(accountID))
	if err := ib.getJSON(ctx, endpoint, &summary); err != nil {
		return 0, fmt.Errorf("fetching account summary: %w", err)
	}
	net, ok := summary["netliquidation"]
	if !ok {
		return 0, fmt.Errorf("account summary for %s missing netliquidation", accountID)
	}
	return net.Amount, nil
}

// positionItem is one row of the gateway's positions response.
type positionItem struct {
	Conid        int64   `json:"conid"`
	ContractDesc string  `json:"contractDesc"`
	Position     float64 `json:"position"`
	AvgCost      float64 `json:"avgCost"`
	AssetClass   string  `json:"assetClass"`
}

// GetPositions returns the account's stock positions. The activelyManaged
// predicate classifies each holding; a nil predicate marks everything
// managed.
func (ib *IBClient) GetPositions(ctx context.Context, accountID string, activelyManaged func(accountID, ticker string) bool) ([]models.Position, error) {
	var items []positionItem
	endpoint := fmt.Sprintf("%s/portfolio/%s/positions/0", ib.baseURL, url.PathEscape(accountID))
	if err := ib.getJSON(ctx, endpoint, &items); err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	positions := make([]models.Position, 0, len(items))
	for _, item := range items {
		if item.AssetClass != "" && item.AssetClass != "STK" {
			continue
		}
		if item.Position == 0 {
			continue
		}
		ticker := tickerFromDesc(item.ContractDesc)
		managed := true
		if activelyManaged != nil {
			managed = activelyManaged(accountID, ticker)
		}
		positions = append(positions, models.Position{
			Broker:          models.BrokerInteractiveBrokers,
			AccountID:       accountID,
			Ticker:          ticker,
			Count:           item.Position,
			AverageCost:     item.AvgCost,
			ActivelyManaged: managed,
		})
	}
	return positions, nil
}

// tickerFromDesc extracts the symbol from a gateway contract description
// ("AAPL" or "AAPL NASDAQ.NMS").
func tickerFromDesc(desc string) string {
	if i := strings.IndexByte(desc, ' '); i > 0 {
		return desc[:i]
	}
	return desc
}

type secdefResult struct {
	Conid json.Number `json:"conid"`
}

// conid resolves and caches the contract id for a stock ticker.
func (ib *IBClient) conid(ctx context.Context, ticker string) (int64, error) {
	ib.mu.Lock()
	if id, ok := ib.conids[ticker]; ok {
		ib.mu.Unlock()
		return id, nil
	}
	ib.mu.Unlock()

	var results []secdefResult
	endpoint := fmt.Sprintf("%s/iserver/secdef/search?symbol=%s", ib.baseURL, url.QueryEscape(ticker))
	if err := ib.getJSON(ctx, endpoint, &results); err != nil {
		return 0, fmt.Errorf("resolving conid for %s: %w", ticker, err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("no contract found for %s", ticker)
	}
	id, err := results[0].Conid.Int64()
	if err != nil {
		return 0, fmt.Errorf("bad conid for %s: %w", ticker, err)
	}

	ib.mu.Lock()
	ib.conids[ticker] = id
	ib.mu.Unlock()
	return id, nil
}

// GetQuote returns the last traded price for a stock ticker.
func (ib *IBClient) GetQuote(ctx context.Context, ticker string) (float64, error) {
	id, err := ib.conid(ctx, ticker)
	if err != nil {
		return 0, err
	}
	return ib.snapshotPrice(ctx, id)
}

// GetOptionQuote returns the last traded price for one option contract.
func (ib *IBClient) GetOptionQuote(ctx context.Context, ticker string, strikeDate time.Time, strike float64, right models.OptionType) (float64, error) {
	underlying, err := ib.conid(ctx, ticker)
	if err != nil {
		return 0, err
	}

	// The gateway addresses option contracts by underlying conid, expiry
	// month, strike, and right.
	q := url.Values{}
	q.Set("conid", strconv.FormatInt(underlying, 10))
	q.Set("sectype", "OPT")
	q.Set("month", strings.ToUpper(strikeDate.Format("Jan06")))
	q.Set("strike", strconv.FormatFloat(strike, 'f', -1, 64))
	q.Set("right", rightCode(right))

	var contracts []secdefResult
	endpoint := ib.baseURL + "/iserver/secdef/info?" + q.Encode()
	if err := ib.getJSON(ctx, endpoint, &contracts); err != nil {
		return 0, fmt.Errorf("resolving option contract %s: %w", ticker, err)
	}
	if len(contracts) == 0 {
		return 0, fmt.Errorf("no option contract for %s %.2f %s", ticker, strike, right)
	}
	id, err := contracts[0].Conid.Int64()
	if err != nil {
		return 0, fmt.Errorf("bad option conid for %s: %w", ticker, err)
	}
	return ib.snapshotPrice(ctx, id)
}

func rightCode(right models.OptionType) string {
	if right == models.OptionTypeCall {
		return "C"
	}
	return "P"
}

// snapshotPrice reads the last price from a market data snapshot.
func (ib *IBClient) snapshotPrice(ctx context.Context, conid int64) (float64, error) {
	endpoint := fmt.Sprintf("%s/iserver/marketdata/snapshot?conids=%d&fields=%s",
		ib.baseURL, conid, fieldLastPrice)
	var rows []map[string]any
	if err := ib.getJSON(ctx, endpoint, &rows); err != nil {
		return 0, fmt.Errorf("fetching snapshot for conid %d: %w", conid, err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("empty snapshot for conid %d", conid)
	}
	raw, ok := rows[0][fieldLastPrice]
	if !ok {
		return 0, fmt.Errorf("snapshot for conid %d missing last price", conid)
	}
	switch v := raw.(type) {
	case string:
		// The gateway prefixes halted/closed prices ("C183.10", "H12.00").
		price, err := strconv.ParseFloat(strings.TrimLeft(v, "CH"), 64)
		if err != nil {
			return 0, fmt.Errorf("bad last price %q for conid %d: %w", v, conid, err)
		}
		return price, nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected last price type %T for conid %d", raw, conid)
	}
}

// OrdersWithoutPositions filters orders down to those whose ticker has no
// live position in the account.
func (ib *IBClient) OrdersWithoutPositions(ctx context.Context, accountID string, orders []models.Order) ([]models.Order, error) {
	positions, err := ib.GetPositions(ctx, accountID, nil)
	if err != nil {
		return nil, err
	}
	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		held[p.Ticker] = true
	}
	var out []models.Order
	for _, o := range orders {
		if !held[o.Ticker] {
			out = append(out, o)
		}
	}
	return out, nil
}

func (ib *IBClient) getJSON(ctx context.Context, endpoint string, out any) error {
	return ib.doJSON(ctx, http.MethodGet, endpoint, nil, out)
}

func (ib *IBClient) postJSON(ctx context.Context, endpoint string, body, out any) error {
	return ib.doJSON(ctx, http.MethodPost, endpoint, body, out)
}

func (ib *IBClient) doJSON(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ib.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(payload)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
