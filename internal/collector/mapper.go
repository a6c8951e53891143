package collector

import (
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/broker"
	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/shopspring/decimal"
)

// ErrMalformedEntry marks a strike entry that cannot be stored.
var ErrMalformedEntry = errors.New("malformed option chain entry")

// NewRecord maps one strike entry into a record captured at capturedAt.
// Absent market data or greeks stay null. The entry must carry a strike and,
// if it names an expiry, that expiry must be the worker's.
func NewRecord(e *broker.OptionChainEntry, expiry models.Date, instrumentKey string, capturedAt time.Time) (*models.OptionChainRecord, error) {
	if !e.StrikePrice.Valid {
		return nil, fmt.Errorf("%w: missing strike_price", ErrMalformedEntry)
	}
	if e.Expiry != "" {
		got, err := models.ParseDate(e.Expiry)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
		}
		if got != expiry {
			return nil, fmt.Errorf("%w: expiry %s does not match %s", ErrMalformedEntry, got, expiry)
		}
	}

	underlying := e.UnderlyingKey
	if underlying == "" {
		underlying = instrumentKey
	}

	return &models.OptionChainRecord{
		CapturedAt:    models.CaptureTime(capturedAt),
		Expiry:        expiry,
		StrikePrice:   e.StrikePrice.Decimal,
		SpotPrice:     e.UnderlyingSpotPrice,
		Call:          newQuote(e.CallOptions),
		Put:           newQuote(e.PutOptions),
		PCR:           e.PCR,
		UnderlyingKey: underlying,
	}, nil
}

func newQuote(side *broker.OptionSide) models.Quote {
	var q models.Quote
	if side == nil {
		return q
	}
	if md := side.MarketData; md != nil {
		q.LastPrice = md.LTP
		q.PrevClose = md.ClosePrice
		q.Volume = count(md.Volume)
		q.OpenInterest = count(md.OI)
		q.BidPrice = md.BidPrice
		q.BidQty = count(md.BidQty)
		q.AskPrice = md.AskPrice
		q.AskQty = count(md.AskQty)
	}
	if g := side.OptionGreeks; g != nil {
		q.IV = g.IV
		q.Delta = g.Delta
		q.Gamma = g.Gamma
		q.Theta = g.Theta
		q.Vega = g.Vega
	}
	return q
}

func count(d decimal.NullDecimal) *int64 {
	if !d.Valid {
		return nil
	}
	v := d.Decimal.IntPart()
	return &v
}
