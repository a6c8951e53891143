// Package broker provides the Upstox REST client used to collect option-chain
// snapshots and the exchange holiday calendar.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the Upstox v2 REST root.
	DefaultBaseURL = "https://api.upstox.com/v2"

	statusSuccess = "success"
	userAgent     = "optionchain-collector/1.0 (+upstox)"
)

// ErrUnsuccessfulPayload is returned when a 2xx response carries status != "success".
var ErrUnsuccessfulPayload = errors.New("unsuccessful payload status")

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// UpstoxClient talks to the Upstox market-data endpoints. A client is owned by
// a single worker; only the rate limiter is shared.
type UpstoxClient struct {
	client  *http.Client
	token   string
	baseURL string
	limiter *rate.Limiter
	logger  logrus.FieldLogger
}

// NewUpstoxClient creates a client with its own connection pool.
// An empty baseURL selects DefaultBaseURL; a nil limiter disables client-side
// rate limiting; a nil logger uses the logrus standard logger.
func NewUpstoxClient(baseURL, token string, timeout time.Duration, limiter *rate.Limiter, logger logrus.FieldLogger) *UpstoxClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var transport http.RoundTripper = http.DefaultTransport
	if t, ok := http.DefaultTransport.(*http.Transport); ok {
		transport = t.Clone()
	}

	return &UpstoxClient{
		client:  &http.Client{Timeout: timeout, Transport: transport},
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		limiter: limiter,
		logger:  logger,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (u *UpstoxClient) WithHTTPClient(c *http.Client) *UpstoxClient {
	if c != nil {
		u.client = c
	}
	return u
}

// Close releases idle connections held by this client.
func (u *UpstoxClient) Close() {
	u.client.CloseIdleConnections()
}

// ============ API Response Structures ============

// OptionChainResponse is the envelope of GET /option/chain.
type OptionChainResponse struct {
	Status string             `json:"status"`
	Data   []OptionChainEntry `json:"data"`
}

// OptionChainEntry is one strike of the chain. Every numeric field is nullable
// so that an absent quote can be told apart from a zero quote.
type OptionChainEntry struct {
	Expiry              string              `json:"expiry"`
	PCR                 decimal.NullDecimal `json:"pcr"`
	StrikePrice         decimal.NullDecimal `json:"strike_price"`
	UnderlyingKey       string              `json:"underlying_key"`
	UnderlyingSpotPrice decimal.NullDecimal `json:"underlying_spot_price"`
	CallOptions         *OptionSide         `json:"call_options"`
	PutOptions          *OptionSide         `json:"put_options"`
}

// OptionSide holds one leg (call or put) of a strike.
type OptionSide struct {
	InstrumentKey string        `json:"instrument_key"`
	MarketData    *MarketData   `json:"market_data"`
	OptionGreeks  *OptionGreeks `json:"option_greeks"`
}

// MarketData is the quote block of an option leg.
type MarketData struct {
	LTP        decimal.NullDecimal `json:"ltp"`
	ClosePrice decimal.NullDecimal `json:"close_price"`
	Volume     decimal.NullDecimal `json:"volume"`
	OI         decimal.NullDecimal `json:"oi"`
	BidPrice   decimal.NullDecimal `json:"bid_price"`
	BidQty     decimal.NullDecimal `json:"bid_qty"`
	AskPrice   decimal.NullDecimal `json:"ask_price"`
	AskQty     decimal.NullDecimal `json:"ask_qty"`
	PrevOI     decimal.NullDecimal `json:"prev_oi"`
}

// OptionGreeks is the greeks block of an option leg.
type OptionGreeks struct {
	Vega  decimal.NullDecimal `json:"vega"`
	Theta decimal.NullDecimal `json:"theta"`
	Gamma decimal.NullDecimal `json:"gamma"`
	Delta decimal.NullDecimal `json:"delta"`
	IV    decimal.NullDecimal `json:"iv"`
}

// HolidaysResponse is the envelope of GET /market/holidays[/{date}].
type HolidaysResponse struct {
	Status string    `json:"status"`
	Data   []Holiday `json:"data"`
}

// Holiday is one exchange calendar entry.
type Holiday struct {
	Date            string           `json:"date"`
	Description     string           `json:"description"`
	HolidayType     string           `json:"holiday_type"`
	ClosedExchanges []string         `json:"closed_exchanges"`
	OpenExchanges   []ExchangeTiming `json:"open_exchanges"`
}

// ExchangeTiming is an open_exchanges element. The API sends an object with
// millisecond epochs; some cached payloads carry the rendered text form
// "NSE (Start: <ms>, End: <ms>)", which is kept verbatim in Text.
type ExchangeTiming struct {
	Exchange  string `json:"exchange"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	Text      string `json:"-"`
}

// UnmarshalJSON accepts both the object and the text form.
func (e *ExchangeTiming) UnmarshalJSON(b []byte) error {
	var text string
	if err := json.Unmarshal(b, &text); err == nil {
		*e = ExchangeTiming{Text: text}
		return nil
	}
	type plain ExchangeTiming
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("open_exchanges element: %w", err)
	}
	*e = ExchangeTiming(p)
	return nil
}

// ============ Endpoints ============

// GetOptionChainCtx fetches the full chain of instrumentKey for one expiry.
func (u *UpstoxClient) GetOptionChainCtx(ctx context.Context, instrumentKey string, expiry models.Date) ([]OptionChainEntry, error) {
	params := url.Values{}
	params.Set("instrument_key", instrumentKey)
	params.Set("expiry_date", expiry.String())

	var response OptionChainResponse
	if err := u.makeRequestCtx(ctx, http.MethodGet, u.baseURL+"/option/chain", params, &response); err != nil {
		return nil, err
	}
	if response.Status != statusSuccess {
		return nil, fmt.Errorf("option chain %s %s: %w (status %q)", instrumentKey, expiry, ErrUnsuccessfulPayload, response.Status)
	}
	return response.Data, nil
}

// GetHolidaysForDateCtx fetches the calendar entries for a single date.
func (u *UpstoxClient) GetHolidaysForDateCtx(ctx context.Context, date models.Date) ([]Holiday, error) {
	return u.getHolidays(ctx, u.baseURL+"/market/holidays/"+url.PathEscape(date.String()))
}

// GetHolidaysCtx fetches the current year's calendar.
func (u *UpstoxClient) GetHolidaysCtx(ctx context.Context) ([]Holiday, error) {
	return u.getHolidays(ctx, u.baseURL+"/market/holidays")
}

func (u *UpstoxClient) getHolidays(ctx context.Context, endpoint string) ([]Holiday, error) {
	var response HolidaysResponse
	if err := u.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	if response.Status != statusSuccess {
		return nil, fmt.Errorf("holidays: %w (status %q)", ErrUnsuccessfulPayload, response.Status)
	}
	return response.Data, nil
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation
func (u *UpstoxClient) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	if u.limiter != nil {
		if err := u.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
	if err != nil {
		return err
	}

	if u.token != "" {
		req.Header.Add("Authorization", "Bearer "+u.token)
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", userAgent)

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			// Log error but don't fail the operation
			u.logger.WithError(err).WithField("endpoint", endpoint).Warn("Failed to close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return fmt.Errorf("decoding %s: %w", endpoint, err)
	}
	return nil
}
