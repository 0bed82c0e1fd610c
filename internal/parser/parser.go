// Package parser turns the watchlist text export from the recommendation
// source into typed trade candidates. The export is line oriented: guard
// lines echo the account balance and strategy the export was generated for,
// a line matching the section name opens a mode's table, and each data row
// is a whitespace-tokenized fixed-column record.
package parser

import (
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/svenkat/orderentry/internal/models"
)

// Guard and control lines, verbatim from the export.
const (
	balancePrompt  = "Enter Account Balance $"
	strategyPrompt = "Strategy:"
	viewMore       = "view more"
	viewLess       = "view less"
	rowHeaderMark  = "Watch Date"
)

// Fixed token counts per row layout. Field order is load-bearing.
const (
	stockRowTokens  = 11
	optionRowTokens = 14
)

const balanceEpsilon = 1e-6

// FormatError reports a structural problem with the export: a guard line
// that does not match the expected setting, a missing balance guard, or a
// truncated section. It is fatal for the parse call; the caller abandons the
// setting and moves on.
type FormatError struct {
	Line   int
	Reason string
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("watchlist format error at line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("watchlist format error: %s", e.Reason)
}

// Parser converts watchlist exports into trade candidates.
type Parser struct {
	logger *log.Logger
}

// New creates a Parser. A nil logger falls back to stderr.
func New(logger *log.Logger) *Parser {
	if logger == nil {
		logger = log.New(os.Stderr, "parser: ", log.LstdFlags)
	}
	return &Parser{logger: logger}
}

// scan states for the forward pass over the export.
type scanState int

const (
	stateSeekingGuards scanState = iota
	stateSeekingBalance
	stateSeekingStrategy
	stateInSection
)

// Parse scans the export once, validates the balance and strategy guard
// lines against setting, and returns one candidate per valid data row of
// the setting's section. Rows tagged with a different strategy are dropped
// without error; malformed rows are logged and skipped. A guard mismatch,
// a truncated ("view more") section, or a missing balance guard returns a
// *FormatError.
func (p *Parser) Parse(text string, setting models.ParseSetting) ([]models.Order, error) {
	var (
		orders       []models.Order
		state        = stateSeekingGuards
		balanceSeen  bool
		sectionName  = setting.Mode.DisplayText()
		strategyText = setting.Strategy.DisplayText()
	)

	lines := strings.Split(text, "\n")
	for i, raw := range lines {
		lineNo := i + 1
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		switch state {
		case stateSeekingBalance:
			balance, err := parseMoney(line)
			if err != nil {
				return nil, &FormatError{Line: lineNo, Reason: fmt.Sprintf("balance guard %q is not a number", line)}
			}
			if math.Abs(balance-setting.AccountBalance) > balanceEpsilon {
				return nil, &FormatError{Line: lineNo,
					Reason: fmt.Sprintf("balance guard %.2f does not match setting balance %.2f", balance, setting.AccountBalance)}
			}
			balanceSeen = true
			state = stateSeekingGuards

		case stateSeekingStrategy:
			if line != strategyText {
				return nil, &FormatError{Line: lineNo,
					Reason: fmt.Sprintf("strategy guard %q does not match setting strategy %q", line, strategyText)}
			}
			state = stateSeekingGuards

		case stateInSection:
			switch {
			case line == viewMore:
				// The export was taken without expanding the section, so
				// rows are missing. That is a caller contract violation,
				// not a recoverable parse condition.
				return nil, &FormatError{Line: lineNo, Reason: "section is truncated: expand 'view more' before exporting"}
			case line == viewLess:
				state = stateSeekingGuards
			case strings.Contains(line, rowHeaderMark):
				// Repeated column header, not data.
			default:
				order, err := p.readRow(line, setting)
				if err != nil {
					p.logger.Printf("skipping unparseable row %d: %v", lineNo, err)
					continue
				}
				if order.Strategy != setting.Strategy {
					continue
				}
				orders = append(orders, order)
			}

		default: // stateSeekingGuards
			switch line {
			case balancePrompt:
				state = stateSeekingBalance
			case strategyPrompt:
				state = stateSeekingStrategy
			case sectionName:
				state = stateInSection
			}
		}
	}

	if !balanceSeen {
		return nil, &FormatError{Reason: "no account balance guard line found"}
	}

	return orders, nil
}

// readRow tokenizes one data row and parses it according to the setting's
// mode: option rows carry 14 tokens, stock rows 11.
func (p *Parser) readRow(line string, setting models.ParseSetting) (models.Order, error) {
	tokens := strings.Fields(line)
	if setting.Mode == models.ModeOption {
		return readOptionRow(tokens, setting.Key)
	}
	return readStockRow(tokens, setting.Key, setting.Mode == models.ModeLowPricedStock)
}

// readStockRow parses the 11-token stock layout: watch date, two-token
// strategy, ticker, count, entry, profit, stop, current price, distance in
// ATRs, position value.
func readStockRow(tokens []string, settingKey string, lowPriced bool) (models.Order, error) {
	if len(tokens) != stockRowTokens {
		return models.Order{}, fmt.Errorf("stock row has %d tokens, want %d", len(tokens), stockRowTokens)
	}

	watchDate, err := time.Parse("01/02/2006", tokens[0])
	if err != nil {
		return models.Order{}, fmt.Errorf("watch date %q: %w", tokens[0], err)
	}
	strategy, err := models.ParseStrategy(tokens[1], tokens[2])
	if err != nil {
		return models.Order{}, err
	}
	entry, err := strconv.ParseFloat(tokens[5], 64)
	if err != nil {
		return models.Order{}, fmt.Errorf("potential entry %q: %w", tokens[5], err)
	}
	profit, err := strconv.ParseFloat(tokens[6], 64)
	if err != nil {
		return models.Order{}, fmt.Errorf("potential profit %q: %w", tokens[6], err)
	}
	stop, err := strconv.ParseFloat(tokens[7], 64)
	if err != nil {
		return models.Order{}, fmt.Errorf("potential stop %q: %w", tokens[7], err)
	}
	current, err := strconv.ParseFloat(tokens[8], 64)
	if err != nil {
		return models.Order{}, fmt.Errorf("current price %q: %w", tokens[8], err)
	}
	distance, err := strconv.ParseFloat(tokens[9], 64)
	if err != nil {
		return models.Order{}, fmt.Errorf("distance in ATRs %q: %w", tokens[9], err)
	}

	return models.Order{
		ParseSettingKey: settingKey,
		Kind:            models.OrderKindStock,
		WatchDate:       watchDate,
		Strategy:        strategy,
		Ticker:          tokens[3],
		Count:           lenientInt(tokens[4]),
		PotentialEntry:  entry,
		PotentialProfit: profit,
		PotentialStop:   stop,
		CurrentPrice:    current,
		DistanceInATRs:  distance,
		PositionValue:   lenientMoney(tokens[10]),
		LowPriced:       lowPriced,
	}, nil
}

// readOptionRow parses the 14-token option layout: watch date, two-token
// strategy, ticker, three-token strike date, strike price, option type,
// count, entry, profit, stop, position value.
func readOptionRow(tokens []string, settingKey string) (models.Order, error) {
	if len(tokens) != optionRowTokens {
		return models.Order{}, fmt.Errorf("option row has %d tokens, want %d", len(tokens), optionRowTokens)
	}

	watchDate, err := time.Parse("01/02/2006", tokens[0])
	if err != nil {
		return models.Order{}, fmt.Errorf("watch date %q: %w", tokens[0], err)
	}
	strategy, err := models.ParseStrategy(tokens[1], tokens[2])
	if err != nil {
		return models.Order{}, err
	}
	strikeDate, err := time.Parse("Jan 2 2006", strings.Join(tokens[4:7], " "))
	if err != nil {
		return models.Order{}, fmt.Errorf("strike date %q: %w", strings.Join(tokens[4:7], " "), err)
	}
	if tokens[8] != string(models.OptionTypeCall) {
		return models.Order{}, fmt.Errorf("unsupported option type %q", tokens[8])
	}
	entry, err := strconv.ParseFloat(tokens[10], 64)
	if err != nil {
		return models.Order{}, fmt.Errorf("potential entry %q: %w", tokens[10], err)
	}
	profit, err := strconv.ParseFloat(tokens[11], 64)
	if err != nil {
		return models.Order{}, fmt.Errorf("potential profit %q: %w", tokens[11], err)
	}
	stop, err := strconv.ParseFloat(tokens[12], 64)
	if err != nil {
		return models.Order{}, fmt.Errorf("potential stop %q: %w", tokens[12], err)
	}

	return models.Order{
		ParseSettingKey: settingKey,
		Kind:            models.OrderKindOption,
		WatchDate:       watchDate,
		Strategy:        strategy,
		Ticker:          tokens[3],
		StrikeDate:      strikeDate,
		StrikePrice:     lenientMoney(tokens[7]),
		OptionType:      models.OptionTypeCall,
		Count:           lenientInt(tokens[9]),
		PotentialEntry:  entry,
		PotentialProfit: profit,
		PotentialStop:   stop,
		PositionValue:   lenientMoney(tokens[13]),
	}, nil
}

func parseMoney(s string) (float64, error) {
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	return strconv.ParseFloat(s, 64)
}

// lenientMoney mirrors the source site's occasional blank money cells: an
// unparseable value becomes 0 rather than failing the row.
func lenientMoney(s string) float64 {
	v, err := parseMoney(s)
	if err != nil {
		return 0
	}
	return v
}

func lenientInt(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
