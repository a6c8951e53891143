package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one side (call or put) of a strike snapshot.
// Invalid NullDecimal values and nil counts mean the broker did not quote the
// field; they are stored as NULL, never as zero.
type Quote struct {
	LastPrice    decimal.NullDecimal
	PrevClose    decimal.NullDecimal
	Volume       *int64
	OpenInterest *int64
	BidPrice     decimal.NullDecimal
	BidQty       *int64
	AskPrice     decimal.NullDecimal
	AskQty       *int64

	IV    decimal.NullDecimal
	Delta decimal.NullDecimal
	Gamma decimal.NullDecimal
	Theta decimal.NullDecimal
	Vega  decimal.NullDecimal
}

// OptionChainRecord is one strike's snapshot at CapturedAt.
// Records are immutable once built and are written at most once per
// (table, CapturedAt) pair.
type OptionChainRecord struct {
	CapturedAt    time.Time
	Expiry        Date
	StrikePrice   decimal.Decimal
	SpotPrice     decimal.NullDecimal
	Call          Quote
	Put           Quote
	PCR           decimal.NullDecimal
	UnderlyingKey string
}

// CaptureTime truncates t to the millisecond precision used as the row key.
func CaptureTime(t time.Time) time.Time {
	return t.Truncate(time.Millisecond)
}
