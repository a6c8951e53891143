// Package mock serves synthetic option chains and holidays shaped like the
// broker's responses, for dry runs without network access.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/broker"
	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/shopspring/decimal"
)

// DataProvider implements broker.Broker with generated data. It is safe for
// concurrent use by several workers.
type DataProvider struct {
	mu         sync.Mutex
	spot       float64
	midIV      float64 // annualised IV, percent
	strikeStep float64
	width      int // strikes on each side of the money
	holidays   []broker.Holiday
	now        func() time.Time
}

var _ broker.Broker = (*DataProvider)(nil)

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// secureInt63n generates a cryptographically secure random int64 between 0 and n-1
func secureInt63n(n int64) int64 {
	r, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return n / 2
	}
	return r.Int64()
}

// NewDataProvider returns a provider quoting an index around 25000 with
// 50-point strikes.
func NewDataProvider() *DataProvider {
	return &DataProvider{
		spot:       25000.0 + secureFloat64()*500,
		midIV:      11.0 + secureFloat64()*8,
		strikeStep: 50,
		width:      20,
		now:        time.Now,
	}
}

// WithHolidays sets the holiday list served by both holiday calls.
func (m *DataProvider) WithHolidays(holidays ...broker.Holiday) *DataProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holidays = append([]broker.Holiday(nil), holidays...)
	return m
}

// GetOptionChainCtx returns 2*width+1 strikes centred on a drifting spot.
func (m *DataProvider) GetOptionChainCtx(ctx context.Context, instrumentKey string, expiry models.Date) ([]broker.OptionChainEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if expiry.IsZero() {
		return nil, fmt.Errorf("invalid expiry")
	}

	m.mu.Lock()
	// Simulate small price movements
	m.spot += (secureFloat64() - 0.5) * m.spot * 0.001
	spot, midIV, step, width := m.spot, m.midIV, m.strikeStep, m.width
	now := m.now()
	m.mu.Unlock()

	dte := expiry.In(now.Location()).Sub(now).Hours() / 24
	timeValue := math.Max(0, dte/365.0)
	vol := midIV / 100.0
	atm := math.Floor(spot/step) * step

	entries := make([]broker.OptionChainEntry, 0, 2*width+1)
	for i := -width; i <= width; i++ {
		strike := atm + float64(i)*step

		// Approximate delta from distance to spot
		distance := math.Abs(strike - spot)
		deltaDecay := math.Exp(-distance / (spot * 0.01))

		callDelta := 0.5 * deltaDecay
		if strike < spot {
			callDelta = 1 - 0.5*deltaDecay
		}
		putDelta := callDelta - 1

		intrinsicCall := math.Max(0, spot-strike)
		intrinsicPut := math.Max(0, strike-spot)
		extrinsic := vol * math.Sqrt(timeValue) * spot * 0.4 * deltaDecay
		callPrice := math.Max(0.05, intrinsicCall+extrinsic)
		putPrice := math.Max(0.05, intrinsicPut+extrinsic)

		callOI := secureInt63n(5_000_000)
		putOI := secureInt63n(5_000_000)
		var pcr decimal.NullDecimal
		if callOI > 0 {
			pcr = price(float64(putOI) / float64(callOI))
		}

		entries = append(entries, broker.OptionChainEntry{
			Expiry:              expiry.String(),
			PCR:                 pcr,
			StrikePrice:         price(strike),
			UnderlyingKey:       instrumentKey,
			UnderlyingSpotPrice: price(spot),
			CallOptions:         side(instrumentKey, expiry, strike, "CE", callPrice, callOI, callDelta, vol),
			PutOptions:          side(instrumentKey, expiry, strike, "PE", putPrice, putOI, putDelta, vol),
		})
	}
	return entries, nil
}

func side(key string, expiry models.Date, strike float64, kind string, ltp float64, oi int64, delta, vol float64) *broker.OptionSide {
	return &broker.OptionSide{
		InstrumentKey: fmt.Sprintf("MOCK|%s|%s|%.0f|%s", key, expiry, strike, kind),
		MarketData: &broker.MarketData{
			LTP:        price(ltp),
			ClosePrice: price(ltp * (1 + (secureFloat64()-0.5)*0.1)),
			Volume:     count(secureInt63n(1_000_000)),
			OI:         count(oi),
			BidPrice:   price(math.Max(0.05, ltp-0.05)),
			BidQty:     count(25 * (1 + secureInt63n(40))),
			AskPrice:   price(ltp + 0.05),
			AskQty:     count(25 * (1 + secureInt63n(40))),
			PrevOI:     count(max(0, oi+secureInt63n(100_000)-50_000)),
		},
		OptionGreeks: &broker.OptionGreeks{
			Vega:  price(10 * vol * math.Abs(delta)),
			Theta: price(-5 * vol),
			Gamma: decimal.NewNullDecimal(decimal.NewFromFloat(0.001 * math.Abs(delta)).Round(6)),
			Delta: decimal.NewNullDecimal(decimal.NewFromFloat(delta).Round(4)),
			IV:    price(vol * 100),
		},
	}
}

func price(f float64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromFloat(f).Round(2))
}

func count(n int64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromInt(n))
}

// GetHolidaysForDateCtx returns the configured holidays dated date.
func (m *DataProvider) GetHolidaysForDateCtx(ctx context.Context, date models.Date) ([]broker.Holiday, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []broker.Holiday
	for _, h := range m.holidays {
		if h.Date == date.String() {
			out = append(out, h)
		}
	}
	return out, nil
}

// GetHolidaysCtx returns every configured holiday.
func (m *DataProvider) GetHolidaysCtx(ctx context.Context) ([]broker.Holiday, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]broker.Holiday(nil), m.holidays...), nil
}
