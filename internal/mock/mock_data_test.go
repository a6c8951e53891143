package mock

import (
	"context"
	"testing"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/broker"
	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataProvider_GetOptionChain(t *testing.T) {
	provider := NewDataProvider()
	expiry := models.DateOf(time.Now()).AddDays(30)

	entries, err := provider.GetOptionChainCtx(context.Background(), "NSE_INDEX|Nifty 50", expiry)
	require.NoError(t, err)
	require.Len(t, entries, 41)

	for i, e := range entries {
		assert.Equal(t, expiry.String(), e.Expiry)
		assert.Equal(t, "NSE_INDEX|Nifty 50", e.UnderlyingKey)
		require.True(t, e.StrikePrice.Valid)
		require.NotNil(t, e.CallOptions)
		require.NotNil(t, e.PutOptions)
		assert.True(t, e.CallOptions.MarketData.LTP.Decimal.IsPositive())
		assert.True(t, e.PutOptions.OptionGreeks.Delta.Decimal.IsNegative() || e.PutOptions.OptionGreeks.Delta.Decimal.IsZero())
		if i > 0 {
			step := e.StrikePrice.Decimal.Sub(entries[i-1].StrikePrice.Decimal)
			assert.Equal(t, "50", step.String(), "strikes are evenly spaced and increasing")
		}
	}
}

func TestDataProvider_PastExpiry(t *testing.T) {
	provider := NewDataProvider()
	past := models.DateOf(time.Now()).AddDays(-30)

	entries, err := provider.GetOptionChainCtx(context.Background(), "NSE_INDEX|Nifty 50", past)
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "past expiries still produce a chain")

	_, err = provider.GetOptionChainCtx(context.Background(), "NSE_INDEX|Nifty 50", models.Date{})
	assert.Error(t, err)
}

func TestDataProvider_Holidays(t *testing.T) {
	provider := NewDataProvider().WithHolidays(
		broker.Holiday{Date: "2024-10-02", Description: "Gandhi Jayanti", ClosedExchanges: []string{"NSE"}},
		broker.Holiday{Date: "2024-11-01", Description: "Diwali", ClosedExchanges: []string{"NSE"}},
	)

	all, err := provider.GetHolidaysCtx(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	today, err := provider.GetHolidaysForDateCtx(context.Background(), models.MustParseDate("2024-11-01"))
	require.NoError(t, err)
	require.Len(t, today, 1)
	assert.Equal(t, "Diwali", today[0].Description)

	none, err := provider.GetHolidaysForDateCtx(context.Background(), models.MustParseDate("2024-11-04"))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDataProvider_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDataProvider().GetOptionChainCtx(ctx, "X", models.MustParseDate("2024-09-26"))
	assert.ErrorIs(t, err, context.Canceled)
}
