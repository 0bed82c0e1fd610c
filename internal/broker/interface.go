// Package broker provides brokerage clients for account queries, quotes, and
// bracket order submission. It includes the Interactive Brokers Client Portal
// gateway implementation used by the sync engine.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/svenkat/orderentry/internal/models"
)

// APIError represents a brokerage API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Broker defines the interface for interacting with a brokerage
type Broker interface {
	// Account operations
	GetAccountValue(ctx context.Context, accountID string) (float64, error)
	// GetPositions returns the account's equity positions. activelyManaged
	// classifies each holding; tickers the engine has never seen default to
	// managed, so the predicate decides only for known ones.
	GetPositions(ctx context.Context, accountID string, activelyManaged func(accountID, ticker string) bool) ([]models.Position, error)

	// Market data
	GetQuote(ctx context.Context, ticker string) (float64, error)
	GetOptionQuote(ctx context.Context, ticker string, strikeDate time.Time, strike float64, right models.OptionType) (float64, error)

	// SubmitBracket places the candidate's bracket legs. It reports whether
	// every leg was acknowledged; failures are logged with candidate context
	// and never propagated. On first acknowledgment the candidate's leg
	// identifiers are assigned in place.
	SubmitBracket(ctx context.Context, setting models.ParseSetting, order *models.Order) bool

	// OrdersWithoutPositions filters orders down to those whose ticker has
	// no live position in the account.
	OrdersWithoutPositions(ctx context.Context, accountID string, orders []models.Order) ([]models.Order, error)
}

// IsPermanentAPIError checks if an error is a permanent API error that should not be retried
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// 4xx is permanent except 429 Too Many Requests, which is retryable
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure both implementations satisfy Broker at compile time.
var (
	_ Broker = (*IBClient)(nil)
	_ Broker = (*CircuitBreakerBroker)(nil)
)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// GetAccountValue wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetAccountValue(ctx context.Context, accountID string) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) {
		return b.GetAccountValue(ctx, accountID)
	})
}

// GetPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context, accountID string, activelyManaged func(accountID, ticker string) bool) ([]models.Position, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Position, error) {
		return b.GetPositions(ctx, accountID, activelyManaged)
	})
}

// GetQuote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, ticker string) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) {
		return b.GetQuote(ctx, ticker)
	})
}

// GetOptionQuote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOptionQuote(ctx context.Context, ticker string, strikeDate time.Time, strike float64, right models.OptionType) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) {
		return b.GetOptionQuote(ctx, ticker, strikeDate, strike, right)
	})
}

// SubmitBracket delegates directly: the submitter already confines failures
// to a boolean, so the breaker would never see them.
func (c *CircuitBreakerBroker) SubmitBracket(ctx context.Context, setting models.ParseSetting, order *models.Order) bool {
	return c.broker.SubmitBracket(ctx, setting, order)
}

// OrdersWithoutPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) OrdersWithoutPositions(ctx context.Context, accountID string, orders []models.Order) ([]models.Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Order, error) {
		return b.OrdersWithoutPositions(ctx, accountID, orders)
	})
}
