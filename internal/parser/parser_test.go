package parser

import (
	"errors"
	"io"
	"log"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/svenkat/orderentry/internal/models"
)

func testParser() *Parser {
	return New(log.New(io.Discard, "", 0))
}

func stockSetting() models.ParseSetting {
	return models.ParseSetting{
		Key:            "ib-main",
		Broker:         models.BrokerInteractiveBrokers,
		AccountID:      "U1234567",
		AccountBalance: 25000,
		Strategy:       models.StrategyMainPullback,
		Mode:           models.ModeStock,
		ParseType:      models.ParseTypeWatchlist,
		Active:         true,
	}
}

func optionSetting() models.ParseSetting {
	s := stockSetting()
	s.Key = "ib-options"
	s.Mode = models.ModeOption
	return s
}

// export assembles a plausible watchlist export around the given section
// body.
func export(balance, strategy, section string, rows ...string) string {
	lines := []string{
		"Welcome back, trader",
		"",
		"Enter Account Balance $",
		balance,
		"Strategy:",
		strategy,
		"",
		section,
		"Watch Date  Strategy  Ticker  Count  Entry  Profit  Stop  Price  ATRs  Value",
	}
	lines = append(lines, rows...)
	lines = append(lines, "view less", "", "footer junk")
	return strings.Join(lines, "\n")
}

const (
	stockRowAAPL = "03/09/2026 Main Pullback AAPL 100 182.50 190.00 178.00 183.10 0.40 $18,250"
	stockRowNVDA = "03/09/2026 Main Pullback NVDA 10 900.00 950.00 870.00 905.00 1.20 $9,000"
)

func TestParseStockRows(t *testing.T) {
	p := testParser()
	text := export("25000.00", "Main Pullback", "Stocks", stockRowAAPL, stockRowNVDA)

	orders, err := p.Parse(text, stockSetting())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}

	aapl := orders[0]
	if aapl.Kind != models.OrderKindStock || aapl.Ticker != "AAPL" || aapl.Count != 100 {
		t.Errorf("bad AAPL row: %+v", aapl)
	}
	if aapl.PotentialEntry != 182.50 || aapl.PotentialProfit != 190.00 || aapl.PotentialStop != 178.00 {
		t.Errorf("bad AAPL prices: %+v", aapl)
	}
	if aapl.CurrentPrice != 183.10 || aapl.DistanceInATRs != 0.40 || aapl.PositionValue != 18250 {
		t.Errorf("bad AAPL extras: %+v", aapl)
	}
	want := time.Date(2026, time.March, 9, 0, 0, 0, 0, time.UTC)
	if !aapl.WatchDate.Equal(want) {
		t.Errorf("bad watch date: %v", aapl.WatchDate)
	}
	if aapl.ParseSettingKey != "ib-main" || aapl.LowPriced {
		t.Errorf("bad row tagging: %+v", aapl)
	}
}

func TestParseIsDeterministic(t *testing.T) {
	p := testParser()
	text := export("25000.00", "Main Pullback", "Stocks", stockRowAAPL, stockRowNVDA)

	first, err := p.Parse(text, stockSetting())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	second, err := p.Parse(text, stockSetting())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("identical input produced different candidate lists")
	}
}

func TestParseOptionRows(t *testing.T) {
	p := testParser()
	row := "03/09/2026 Main Pullback MSFT Apr 17 2026 $420 Call 2 5.20 8.00 3.50 $1,040"
	text := export("25000.00", "Main Pullback", "Options", row)

	orders, err := p.Parse(text, optionSetting())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	o := orders[0]
	if o.Kind != models.OrderKindOption || o.Ticker != "MSFT" || o.Count != 2 {
		t.Errorf("bad option row: %+v", o)
	}
	if !o.StrikeDate.Equal(time.Date(2026, time.April, 17, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("bad strike date: %v", o.StrikeDate)
	}
	if o.StrikePrice != 420 || o.OptionType != models.OptionTypeCall {
		t.Errorf("bad strike: %+v", o)
	}
	if o.PotentialEntry != 5.20 || o.PotentialProfit != 8.00 || o.PotentialStop != 3.50 || o.PositionValue != 1040 {
		t.Errorf("bad option prices: %+v", o)
	}
}

func TestParseBalanceGuardMismatchIsFatal(t *testing.T) {
	p := testParser()
	text := export("30000.00", "Main Pullback", "Stocks", stockRowAAPL)

	_, err := p.Parse(text, stockSetting())
	var ferr *FormatError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected FormatError, got %v", err)
	}
	if ferr.Line != 4 {
		t.Errorf("expected error at line 4, got %d", ferr.Line)
	}
}

func TestParseBalanceGuardNotANumber(t *testing.T) {
	p := testParser()
	text := export("twenty-five grand", "Main Pullback", "Stocks", stockRowAAPL)

	var ferr *FormatError
	if _, err := p.Parse(text, stockSetting()); !errors.As(err, &ferr) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestParseMissingBalanceGuardIsFatal(t *testing.T) {
	p := testParser()
	text := strings.Join([]string{
		"Strategy:",
		"Main Pullback",
		"Stocks",
		stockRowAAPL,
		"view less",
	}, "\n")

	var ferr *FormatError
	if _, err := p.Parse(text, stockSetting()); !errors.As(err, &ferr) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestParseStrategyGuardMismatchIsFatal(t *testing.T) {
	p := testParser()
	text := export("25000.00", "Double Down", "Stocks", stockRowAAPL)

	var ferr *FormatError
	if _, err := p.Parse(text, stockSetting()); !errors.As(err, &ferr) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestParseTruncatedSectionIsFatal(t *testing.T) {
	p := testParser()
	text := export("25000.00", "Main Pullback", "Stocks", stockRowAAPL, "view more")

	var ferr *FormatError
	if _, err := p.Parse(text, stockSetting()); !errors.As(err, &ferr) {
		t.Fatalf("expected FormatError, got %v", err)
	}
	if !strings.Contains(ferr.Reason, "truncated") {
		t.Errorf("unexpected reason: %s", ferr.Reason)
	}
}

func TestParseMalformedRowIsSkipped(t *testing.T) {
	p := testParser()
	text := export("25000.00", "Main Pullback", "Stocks",
		stockRowAAPL,
		"03/09/2026 Main Pullback JUNK not enough tokens",
		"not/a/date Main Pullback TSLA 5 200.00 220.00 190.00 201.00 0.50 $1,000",
		stockRowNVDA)

	orders, err := p.Parse(text, stockSetting())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 surviving orders, got %d", len(orders))
	}
	if orders[0].Ticker != "AAPL" || orders[1].Ticker != "NVDA" {
		t.Errorf("wrong survivors: %+v", orders)
	}
}

func TestParseDropsOtherStrategyRows(t *testing.T) {
	p := testParser()
	other := "03/09/2026 Double Down AAPL 50 180.00 195.00 170.00 183.10 0.40 $9,000"
	text := export("25000.00", "Main Pullback", "Stocks", other, stockRowNVDA)

	orders, err := p.Parse(text, stockSetting())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(orders) != 1 || orders[0].Ticker != "NVDA" {
		t.Errorf("expected only the matching-strategy row, got %+v", orders)
	}
}

func TestParseLenientCountAndValue(t *testing.T) {
	p := testParser()
	row := "03/09/2026 Main Pullback AAPL -- 182.50 190.00 178.00 183.10 0.40 n/a"
	text := export("25000.00", "Main Pullback", "Stocks", row)

	orders, err := p.Parse(text, stockSetting())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	if orders[0].Count != 0 || orders[0].PositionValue != 0 {
		t.Errorf("expected lenient zero count and value, got %+v", orders[0])
	}
}

func TestParseLowPricedModeTagsRows(t *testing.T) {
	p := testParser()
	setting := stockSetting()
	setting.Mode = models.ModeLowPricedStock
	row := "03/09/2026 Main Pullback SNDL 1000 1.50 2.00 1.20 1.55 0.30 $1,500"
	text := export("25000.00", "Main Pullback", "Low Priced Stocks", row)

	orders, err := p.Parse(text, setting)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(orders) != 1 || !orders[0].LowPriced {
		t.Errorf("expected low-priced tagging, got %+v", orders)
	}
}
