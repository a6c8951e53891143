package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) GetOptionChainCtx(ctx context.Context, instrumentKey string, expiry models.Date) ([]OptionChainEntry, error) {
	args := m.Called(ctx, instrumentKey, expiry)
	if v := args.Get(0); v != nil {
		return v.([]OptionChainEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBroker) GetHolidaysForDateCtx(ctx context.Context, date models.Date) ([]Holiday, error) {
	args := m.Called(ctx, date)
	if v := args.Get(0); v != nil {
		return v.([]Holiday), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBroker) GetHolidaysCtx(ctx context.Context) ([]Holiday, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]Holiday), args.Error(1)
	}
	return nil, args.Error(1)
}

func testSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		Name:         "test",
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Hour,
		MinRequests:  3,
		FailureRatio: 0.6,
	}
}

func TestCircuitBreakerBroker_PassesThrough(t *testing.T) {
	inner := new(MockBroker)
	expiry := models.MustParseDate("2024-09-26")
	want := []OptionChainEntry{{Expiry: "2024-09-26"}}
	inner.On("GetOptionChainCtx", mock.Anything, "NSE_INDEX|Nifty 50", expiry).Return(want, nil)
	inner.On("GetHolidaysCtx", mock.Anything).Return([]Holiday{{Date: "2024-10-02"}}, nil)

	cb := NewCircuitBreakerBrokerWithSettings(inner, testSettings())

	got, err := cb.GetOptionChainCtx(context.Background(), "NSE_INDEX|Nifty 50", expiry)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	hols, err := cb.GetHolidaysCtx(context.Background())
	require.NoError(t, err)
	assert.Len(t, hols, 1)
	inner.AssertExpectations(t)
}

func TestCircuitBreakerBroker_Trips(t *testing.T) {
	inner := new(MockBroker)
	expiry := models.MustParseDate("2024-09-26")
	inner.On("GetOptionChainCtx", mock.Anything, mock.Anything, expiry).Return(nil, &APIError{Status: 503, Body: "down"})

	cb := NewCircuitBreakerBrokerWithSettings(inner, testSettings())
	for i := 0; i < 3; i++ {
		_, err := cb.GetOptionChainCtx(context.Background(), "k", expiry)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.GetOptionChainCtx(context.Background(), "k", expiry)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	inner.AssertNumberOfCalls(t, "GetOptionChainCtx", 3)
}

func TestCircuitBreakerBroker_LogsStateChange(t *testing.T) {
	logger, hook := test.NewNullLogger()
	inner := new(MockBroker)
	expiry := models.MustParseDate("2024-09-26")
	inner.On("GetOptionChainCtx", mock.Anything, mock.Anything, expiry).Return(nil, &APIError{Status: 503, Body: "down"})

	settings := testSettings()
	settings.Logger = logger
	cb := NewCircuitBreakerBrokerWithSettings(inner, settings)
	for i := 0; i < 3; i++ {
		_, _ = cb.GetOptionChainCtx(context.Background(), "k", expiry)
	}

	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "Circuit breaker state changed", entry.Message)
	assert.Equal(t, "test", entry.Data["breaker"])
	assert.Equal(t, "closed", entry.Data["from"])
	assert.Equal(t, "open", entry.Data["to"])
}

func TestNewCircuitBreakerBroker_UsesLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	inner := new(MockBroker)
	inner.On("GetHolidaysCtx", mock.Anything).Return(nil, &APIError{Status: 500, Body: "down"})

	cb := NewCircuitBreakerBroker(inner, "option-chain-2024-09-26", logger)
	for i := 0; i < 5; i++ {
		_, _ = cb.GetHolidaysCtx(context.Background())
	}

	assert.Equal(t, gobreaker.StateOpen, cb.State())
	require.NotEmpty(t, hook.Entries)
	assert.Equal(t, "option-chain-2024-09-26", hook.LastEntry().Data["breaker"])
}

func TestCircuitBreakerBroker_IgnoresCancellation(t *testing.T) {
	inner := new(MockBroker)
	inner.On("GetHolidaysCtx", mock.Anything).Return(nil, context.Canceled)

	cb := NewCircuitBreakerBrokerWithSettings(inner, testSettings())
	for i := 0; i < 5; i++ {
		_, err := cb.GetHolidaysCtx(context.Background())
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestIsPermanentAPIError(t *testing.T) {
	assert.True(t, IsPermanentAPIError(&APIError{Status: 400}))
	assert.True(t, IsPermanentAPIError(&APIError{Status: 404}))
	assert.False(t, IsPermanentAPIError(&APIError{Status: 429}))
	assert.False(t, IsPermanentAPIError(&APIError{Status: 500}))
	assert.False(t, IsPermanentAPIError(errors.New("dial tcp: timeout")))
}
