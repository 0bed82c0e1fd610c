package broker

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/svenkat/orderentry/internal/models"
	"github.com/svenkat/orderentry/internal/util"
)

// priceTick is the smallest increment limit and stop prices are quoted in.
const priceTick = 0.01

// orderTicket is one leg as the gateway's order endpoint accepts it.
type orderTicket struct {
	AccountID     string  `json:"acctId"`
	ClientOrderID string  `json:"cOID"`
	ParentID      string  `json:"parentId,omitempty"`
	Ticker        string  `json:"ticker"`
	SecType       string  `json:"secType"`
	OrderType     string  `json:"orderType"`
	Side          string  `json:"side"`
	TIF           string  `json:"tif"`
	Price         float64 `json:"price"`
	Quantity      int     `json:"quantity"`
	Transmit      bool    `json:"transmit"`

	Strike float64 `json:"strike,omitempty"`
	Expiry string  `json:"expiry,omitempty"`
	Right  string  `json:"right,omitempty"`
}

type orderAck struct {
	OrderID     string `json:"order_id"`
	OrderStatus string `json:"order_status"`
}

// SubmitBracket places the candidate's bracket at the gateway. The entry and
// take-profit legs are held untransmitted; releasing the final leg transmits
// the whole bracket, so the broker never sees a partial one. Stock candidates
// carry a third stop leg; option candidates place entry and take-profit only.
//
// Leg identifiers are assigned on first submission and kept on the candidate,
// so a resubmission after a failed attempt reuses them instead of minting new
// broker orders. All legs are placed concurrently and the bracket succeeds
// only if every leg is acknowledged. Failures are logged and reported as
// false, never propagated.
func (ib *IBClient) SubmitBracket(ctx context.Context, setting models.ParseSetting, order *models.Order) bool {
	if !order.HasLegIDs() {
		order.EntryOrderID = uuid.NewString()
		order.ProfitOrderID = uuid.NewString()
		if order.Kind == models.OrderKindStock {
			order.StopOrderID = uuid.NewString()
		}
	}

	legs := ib.bracketLegs(setting, order)

	g, gctx := errgroup.WithContext(ctx)
	for _, leg := range legs {
		g.Go(func() error {
			return ib.placeLeg(gctx, setting.AccountID, leg)
		})
	}
	if err := g.Wait(); err != nil {
		ib.logger.Printf("bracket for %s failed: %v", order, err)
		return false
	}
	return true
}

func (ib *IBClient) bracketLegs(setting models.ParseSetting, order *models.Order) []orderTicket {
	secType := "STK"
	var strike float64
	var expiry, right string
	if order.Kind == models.OrderKindOption {
		secType = "OPT"
		strike = order.StrikePrice
		expiry = order.StrikeDate.Format("20060102")
		right = rightCode(order.OptionType)
	}

	base := orderTicket{
		AccountID: setting.AccountID,
		Ticker:    order.Ticker,
		SecType:   secType,
		Quantity:  order.Count,
		Strike:    strike,
		Expiry:    expiry,
		Right:     right,
	}

	entry := base
	entry.ClientOrderID = order.EntryOrderID
	entry.Side = "BUY"
	entry.OrderType = "LMT"
	entry.TIF = "DAY"
	entry.Price = util.RoundToTick(order.PotentialEntry, priceTick)
	entry.Transmit = false

	profit := base
	profit.ClientOrderID = order.ProfitOrderID
	profit.ParentID = order.EntryOrderID
	profit.Side = "SELL"
	profit.OrderType = "LMT"
	profit.TIF = "GTC"
	profit.Price = util.RoundToTick(order.PotentialProfit, priceTick)

	if order.Kind == models.OrderKindOption {
		// Two-leg bracket: releasing the take-profit leg transmits it.
		profit.Transmit = true
		return []orderTicket{entry, profit}
	}

	profit.Transmit = false
	stop := base
	stop.ClientOrderID = order.StopOrderID
	stop.ParentID = order.EntryOrderID
	stop.Side = "SELL"
	stop.OrderType = "STP"
	stop.TIF = "GTC"
	stop.Price = util.RoundToTick(order.PotentialStop, priceTick)
	stop.Transmit = true

	return []orderTicket{entry, profit, stop}
}

func (ib *IBClient) placeLeg(ctx context.Context, accountID string, leg orderTicket) error {
	endpoint := fmt.Sprintf("%s/iserver/account/%s/orders", ib.baseURL, url.PathEscape(accountID))
	payload := map[string][]orderTicket{"orders": {leg}}

	var acks []orderAck
	if err := ib.postJSON(ctx, endpoint, payload, &acks); err != nil {
		return fmt.Errorf("placing %s %s leg %s: %w", leg.Side, leg.OrderType, leg.ClientOrderID, err)
	}
	if len(acks) == 0 {
		return fmt.Errorf("placing %s %s leg %s: no acknowledgment", leg.Side, leg.OrderType, leg.ClientOrderID)
	}
	return nil
}
