package broker

import (
	"context"
	"errors"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// ChainFetcher fetches option-chain snapshots.
type ChainFetcher interface {
	GetOptionChainCtx(ctx context.Context, instrumentKey string, expiry models.Date) ([]OptionChainEntry, error)
}

// HolidaySource fetches exchange calendar entries.
type HolidaySource interface {
	GetHolidaysForDateCtx(ctx context.Context, date models.Date) ([]Holiday, error)
	GetHolidaysCtx(ctx context.Context) ([]Holiday, error)
}

// Broker is the full set of market-data calls the collector makes.
type Broker interface {
	ChainFetcher
	HolidaySource
}

// Ensure UpstoxClient implements Broker at compile time.
var _ Broker = (*UpstoxClient)(nil)

// IsPermanentAPIError reports whether err is a 4xx API error other than 429.
// Such errors will not clear by retrying the same request.
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// exec is a generic helper for circuit breaker wrapper methods
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
	Name         string
	MaxRequests  uint32             // Max requests when half-open
	Interval     time.Duration      // Reset counts interval
	Timeout      time.Duration      // Open circuit duration
	MinRequests  uint32             // Min requests before tripping
	FailureRatio float64            // Failure ratio threshold
	Logger       logrus.FieldLogger // State changes; nil uses the standard logger
}

// DefaultCircuitBreakerSettings suits a 1-second polling loop: a broker outage
// trips the breaker within a few cycles and half-opens again after 30 seconds.
func DefaultCircuitBreakerSettings(name string) CircuitBreakerSettings {
	return CircuitBreakerSettings{
		Name:         name,
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with default settings
func NewCircuitBreakerBroker(broker Broker, name string, logger logrus.FieldLogger) *CircuitBreakerBroker {
	settings := DefaultCircuitBreakerSettings(name)
	settings.Logger = logger
	return NewCircuitBreakerBrokerWithSettings(broker, settings)
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	name := settings.Name
	if name == "" {
		name = "BrokerCircuitBreaker"
	}
	logger := settings.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        name,
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
			// A cancelled request says nothing about broker health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the breaker's current state.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// GetOptionChainCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOptionChainCtx(ctx context.Context, instrumentKey string, expiry models.Date) ([]OptionChainEntry, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]OptionChainEntry, error) {
		return b.GetOptionChainCtx(ctx, instrumentKey, expiry)
	})
}

// GetHolidaysForDateCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetHolidaysForDateCtx(ctx context.Context, date models.Date) ([]Holiday, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Holiday, error) {
		return b.GetHolidaysForDateCtx(ctx, date)
	})
}

// GetHolidaysCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetHolidaysCtx(ctx context.Context) ([]Holiday, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Holiday, error) {
		return b.GetHolidaysCtx(ctx)
	})
}
