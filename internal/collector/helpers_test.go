package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/broker"
	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/shopspring/decimal"
)

var testExpiry = models.MustParseDate("2024-09-26")

const testInstrument = "NSE_INDEX|Nifty 50"

// fakeClock is open until closed is set.
type fakeClock struct {
	closed   atomic.Bool
	nextOpen time.Time
}

func (c *fakeClock) IsOpen(time.Time) bool { return !c.closed.Load() }

func (c *fakeClock) NextOpen(time.Time) (time.Time, bool) {
	return c.nextOpen, !c.nextOpen.IsZero()
}

// fakeFetcher returns entries or err; panicMsg makes it panic.
type fakeFetcher struct {
	mu       sync.Mutex
	entries  []broker.OptionChainEntry
	err      error
	panicMsg string
	block    chan struct{} // when set, calls block on it and ignore ctx
	calls    int
}

func (f *fakeFetcher) GetOptionChainCtx(ctx context.Context, key string, expiry models.Date) ([]broker.OptionChainEntry, error) {
	f.mu.Lock()
	f.calls++
	entries, err, msg, block := f.entries, f.err, f.panicMsg, f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if msg != "" {
		panic(msg)
	}
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// steppingClock returns a time that advances 1ms per call, so every record
// gets a distinct capture timestamp.
func steppingClock(start time.Time) func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return start.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

func dec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func chainEntry(strike string) broker.OptionChainEntry {
	return broker.OptionChainEntry{
		Expiry:              testExpiry.String(),
		PCR:                 dec("0.85"),
		StrikePrice:         dec(strike),
		UnderlyingKey:       testInstrument,
		UnderlyingSpotPrice: dec("25356.5"),
		CallOptions: &broker.OptionSide{
			InstrumentKey: "NSE_FO|1",
			MarketData: &broker.MarketData{
				LTP:    dec("120.5"),
				Volume: dec("1500"),
				OI:     dec("32000"),
			},
			OptionGreeks: &broker.OptionGreeks{IV: dec("13.2"), Delta: dec("0.52")},
		},
		PutOptions: &broker.OptionSide{
			InstrumentKey: "NSE_FO|2",
			MarketData:    &broker.MarketData{LTP: dec("98.1")},
		},
	}
}
