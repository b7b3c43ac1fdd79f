package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/seoulquant/kisbot/internal/models"
)

// Broker defines the operations the trading engine needs from a brokerage
// connection. Client implements it; CircuitBreakerBroker wraps it.
type Broker interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetDailyCandles(ctx context.Context, symbol string, n int) ([]Candle, error)
	GetMinuteCandles(ctx context.Context, symbol string, n int) ([]Candle, error)
	GetTopGainersRanking(ctx context.Context, limit int) ([]RankedStock, error)
	GetAccountBalance(ctx context.Context) (*models.AccountSnapshot, error)
	PlaceBuyOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error)
	PlaceSellOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error)
	Account() *models.Account
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality so
// a flapping brokerage endpoint fails fast instead of burning retry budget.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

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

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
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
		IsSuccessful: func(err error) bool {
			// Broker-level rejections are valid answers, not endpoint
			// health failures.
			return err == nil || IsClientError(err)
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

// GetQuote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Quote, error) {
		return b.GetQuote(ctx, symbol)
	})
}

// GetDailyCandles wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetDailyCandles(ctx context.Context, symbol string, n int) ([]Candle, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Candle, error) {
		return b.GetDailyCandles(ctx, symbol, n)
	})
}

// GetMinuteCandles wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetMinuteCandles(ctx context.Context, symbol string, n int) ([]Candle, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Candle, error) {
		return b.GetMinuteCandles(ctx, symbol, n)
	})
}

// GetTopGainersRanking wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetTopGainersRanking(ctx context.Context, limit int) ([]RankedStock, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]RankedStock, error) {
		return b.GetTopGainersRanking(ctx, limit)
	})
}

// GetAccountBalance wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetAccountBalance(ctx context.Context) (*models.AccountSnapshot, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.AccountSnapshot, error) {
		return b.GetAccountBalance(ctx)
	})
}

// PlaceBuyOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceBuyOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.OrderResult, error) {
		return b.PlaceBuyOrder(ctx, req)
	})
}

// PlaceSellOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceSellOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.OrderResult, error) {
		return b.PlaceSellOrder(ctx, req)
	})
}

// Account returns the wrapped broker's account.
func (c *CircuitBreakerBroker) Account() *models.Account {
	return c.broker.Account()
}
