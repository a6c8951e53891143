// Package config provides configuration management for the option-chain collector.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	defaultTimezone          = "Asia/Kolkata"
	defaultMarketOpen        = "09:14"
	defaultMarketClose       = "15:30"
	defaultClosedWeekday     = "sunday"
	defaultPollInterval      = time.Second
	defaultTick              = time.Second
	defaultJoinTimeout       = time.Second
	defaultCountdownInterval = time.Minute
	defaultRequestTimeout    = 10 * time.Second
	defaultExpiryCount       = 5
	defaultMaxLookaheadMonth = 24
	defaultRequestsPerSecond = 25
	defaultBrokerEndpoint    = "https://api.upstox.com/v2"

	// HolidayPolicyIgnore keeps regular hours when today's holiday names other exchanges only.
	HolidayPolicyIgnore = "ignore"
	// HolidayPolicyClose closes the market for any holiday entry dated today.
	HolidayPolicyClose = "close"

	ExpiryRuleLast   = "last"
	ExpiryRuleWeekly = "weekly"

	StorageDriverPostgres = "postgres"
	// StorageDriverMemory keeps rows in process memory; for dry runs only.
	StorageDriverMemory = "memory"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Instrument  InstrumentConfig  `yaml:"instrument"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Storage     StorageConfig     `yaml:"storage"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines logging settings.
type EnvironmentConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
	LogFile   string `yaml:"log_file"`   // empty logs to stdout
}

// BrokerConfig defines the option-chain and holiday API settings.
type BrokerConfig struct {
	APIEndpoint       string  `yaml:"api_endpoint"`
	TokenFile         string  `yaml:"token_file"`
	RequestTimeout    string  `yaml:"request_timeout"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	Mock              bool    `yaml:"mock"` // synthetic chains and holidays, no network
}

// InstrumentConfig defines which chain is collected and how its expiries are derived.
type InstrumentConfig struct {
	Key           string `yaml:"key"`            // e.g. "NSE_INDEX|Nifty 50"
	Exchange      string `yaml:"exchange"`       // e.g. "NSE"
	ExpiryRule    string `yaml:"expiry_rule"`    // last | weekly
	ExpiryWeekday string `yaml:"expiry_weekday"` // e.g. "thursday"
	ExpiryCount   int    `yaml:"expiry_count"`
	MaxLookahead  int    `yaml:"max_lookahead_months"`
}

// ScheduleConfig defines trading hours and calendar policy.
type ScheduleConfig struct {
	Timezone               string   `yaml:"timezone"`
	MarketOpen             string   `yaml:"market_open"`  // "HH:MM"
	MarketClose            string   `yaml:"market_close"` // "HH:MM"
	ClosedWeekday          string   `yaml:"closed_weekday"`
	PollInterval           string   `yaml:"poll_interval"`
	UnmatchedHolidayPolicy string   `yaml:"unmatched_holiday_policy"`
	ExtraHolidays          []string `yaml:"extra_holidays"` // "2006-01-02"
	WaitForOpen            bool     `yaml:"wait_for_open"`
}

// StorageConfig defines PostgreSQL connection parameters.
type StorageConfig struct {
	Driver         string `yaml:"driver"` // postgres | memory
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	Database       string `yaml:"database"`
	SSLMode        string `yaml:"sslmode"`
	MaxConns       int    `yaml:"max_conns"`
	ConnectTimeout string `yaml:"connect_timeout"`
}

// SupervisorConfig defines supervision and progress display settings.
type SupervisorConfig struct {
	Tick              string `yaml:"tick"`
	JoinTimeout       string `yaml:"join_timeout"`
	CountdownInterval string `yaml:"countdown_interval"`
	Render            string `yaml:"render"` // table | log | none
}

// DashboardConfig defines the optional HTTP status server.
type DashboardConfig struct {
	Port      int    `yaml:"port"` // 0 disables the server
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
// A .env file in the working directory, if present, is loaded first so that
// ${VAR} references in the YAML can be satisfied from it.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration bytes, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Environment.LogFormat == "" {
		c.Environment.LogFormat = "text"
	}
	if c.Broker.APIEndpoint == "" {
		c.Broker.APIEndpoint = defaultBrokerEndpoint
	}
	c.Broker.APIEndpoint = strings.TrimRight(c.Broker.APIEndpoint, "/")
	if c.Broker.RequestTimeout == "" {
		c.Broker.RequestTimeout = defaultRequestTimeout.String()
	}
	if c.Broker.RequestsPerSecond == 0 {
		c.Broker.RequestsPerSecond = defaultRequestsPerSecond
	}
	if c.Broker.Burst == 0 {
		c.Broker.Burst = max(1, int(c.Broker.RequestsPerSecond))
	}
	if c.Instrument.ExpiryRule == "" {
		c.Instrument.ExpiryRule = ExpiryRuleLast
	}
	if c.Instrument.ExpiryWeekday == "" {
		c.Instrument.ExpiryWeekday = "thursday"
	}
	if c.Instrument.ExpiryCount == 0 {
		c.Instrument.ExpiryCount = defaultExpiryCount
	}
	if c.Instrument.MaxLookahead == 0 {
		c.Instrument.MaxLookahead = defaultMaxLookaheadMonth
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.MarketOpen == "" {
		c.Schedule.MarketOpen = defaultMarketOpen
	}
	if c.Schedule.MarketClose == "" {
		c.Schedule.MarketClose = defaultMarketClose
	}
	if c.Schedule.ClosedWeekday == "" {
		c.Schedule.ClosedWeekday = defaultClosedWeekday
	}
	if c.Schedule.PollInterval == "" {
		c.Schedule.PollInterval = defaultPollInterval.String()
	}
	if c.Schedule.UnmatchedHolidayPolicy == "" {
		c.Schedule.UnmatchedHolidayPolicy = HolidayPolicyIgnore
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageDriverPostgres
	}
	if c.Storage.Port == 0 {
		c.Storage.Port = 5432
	}
	if c.Storage.SSLMode == "" {
		c.Storage.SSLMode = "disable"
	}
	if c.Storage.MaxConns == 0 {
		// One connection per worker plus one for startup DDL.
		c.Storage.MaxConns = c.Instrument.ExpiryCount + 1
	}
	if c.Storage.ConnectTimeout == "" {
		c.Storage.ConnectTimeout = "10s"
	}
	if c.Supervisor.Tick == "" {
		c.Supervisor.Tick = defaultTick.String()
	}
	if c.Supervisor.JoinTimeout == "" {
		c.Supervisor.JoinTimeout = defaultJoinTimeout.String()
	}
	if c.Supervisor.CountdownInterval == "" {
		c.Supervisor.CountdownInterval = defaultCountdownInterval.String()
	}
	if c.Supervisor.Render == "" {
		c.Supervisor.Render = "table"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}
	if c.Environment.LogFormat != "text" && c.Environment.LogFormat != "json" {
		return fmt.Errorf("environment.log_format must be 'text' or 'json'")
	}

	// Broker validation
	if c.Broker.TokenFile == "" && !c.Broker.Mock {
		return fmt.Errorf("broker.token_file is required")
	}
	if !strings.HasPrefix(c.Broker.APIEndpoint, "http://") && !strings.HasPrefix(c.Broker.APIEndpoint, "https://") {
		return fmt.Errorf("broker.api_endpoint must be an http(s) URL")
	}
	if c.Broker.RequestsPerSecond < 0 || c.Broker.Burst < 0 {
		return fmt.Errorf("broker.requests_per_second and broker.burst must be >= 0")
	}

	// Instrument validation
	if c.Instrument.Key == "" {
		return fmt.Errorf("instrument.key is required")
	}
	if c.Instrument.Exchange == "" {
		return fmt.Errorf("instrument.exchange is required")
	}
	if c.Instrument.ExpiryRule != ExpiryRuleLast && c.Instrument.ExpiryRule != ExpiryRuleWeekly {
		return fmt.Errorf("instrument.expiry_rule must be '%s' or '%s'", ExpiryRuleLast, ExpiryRuleWeekly)
	}
	if _, err := ParseWeekday(c.Instrument.ExpiryWeekday); err != nil {
		return fmt.Errorf("instrument.expiry_weekday: %w", err)
	}
	if c.Instrument.ExpiryCount <= 0 {
		return fmt.Errorf("instrument.expiry_count must be > 0")
	}
	if c.Instrument.MaxLookahead <= 0 {
		return fmt.Errorf("instrument.max_lookahead_months must be > 0")
	}

	// Schedule validation
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	open, err1 := ParseClock(c.Schedule.MarketOpen)
	closing, err2 := ParseClock(c.Schedule.MarketClose)
	if err1 != nil || err2 != nil || open >= closing {
		return fmt.Errorf("schedule trading window invalid (open/close parse/order)")
	}
	if _, err := ParseWeekday(c.Schedule.ClosedWeekday); err != nil {
		return fmt.Errorf("schedule.closed_weekday: %w", err)
	}
	if c.Schedule.UnmatchedHolidayPolicy != HolidayPolicyIgnore && c.Schedule.UnmatchedHolidayPolicy != HolidayPolicyClose {
		return fmt.Errorf("schedule.unmatched_holiday_policy must be '%s' or '%s'", HolidayPolicyIgnore, HolidayPolicyClose)
	}
	for _, d := range c.Schedule.ExtraHolidays {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("schedule.extra_holidays entry %q invalid: %w", d, err)
		}
	}

	// Storage validation
	switch c.Storage.Driver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.Storage.Host == "" {
			return fmt.Errorf("storage.host is required")
		}
		if c.Storage.Database == "" {
			return fmt.Errorf("storage.database is required")
		}
		if c.Storage.User == "" {
			return fmt.Errorf("storage.user is required")
		}
	default:
		return fmt.Errorf("storage.driver must be '%s' or '%s'", StorageDriverPostgres, StorageDriverMemory)
	}
	if c.Storage.MaxConns < c.Instrument.ExpiryCount {
		return fmt.Errorf("storage.max_conns (%d) must be >= instrument.expiry_count (%d)",
			c.Storage.MaxConns, c.Instrument.ExpiryCount)
	}

	// Supervisor validation
	durations := map[string]string{
		"broker.request_timeout":        c.Broker.RequestTimeout,
		"schedule.poll_interval":        c.Schedule.PollInterval,
		"storage.connect_timeout":       c.Storage.ConnectTimeout,
		"supervisor.tick":               c.Supervisor.Tick,
		"supervisor.join_timeout":       c.Supervisor.JoinTimeout,
		"supervisor.countdown_interval": c.Supervisor.CountdownInterval,
	}
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	switch c.Supervisor.Render {
	case "table", "log", "none":
	default:
		return fmt.Errorf("supervisor.render must be one of table, log, none")
	}

	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port must be between 0 and 65535")
	}

	return nil
}

// Location returns the exchange time zone, falling back to a fixed IST offset
// on minimal containers without tzdata.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.FixedZone("IST", 5*60*60+30*60)
	}
	return loc
}

// TradingWindow returns the regular open and close offsets from local midnight.
func (c *Config) TradingWindow() (open, closing time.Duration) {
	open, err1 := ParseClock(c.Schedule.MarketOpen)
	closing, err2 := ParseClock(c.Schedule.MarketClose)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		return 9*time.Hour + 14*time.Minute, 15*time.Hour + 30*time.Minute
	}
	return open, closing
}

// ClosedWeekday returns the full-closure day of the week.
func (c *Config) ClosedWeekday() time.Weekday {
	d, err := ParseWeekday(c.Schedule.ClosedWeekday)
	if err != nil {
		return time.Sunday
	}
	return d
}

// ExpiryWeekday returns the weekday on which the instrument's contracts expire.
func (c *Config) ExpiryWeekday() time.Weekday {
	d, err := ParseWeekday(c.Instrument.ExpiryWeekday)
	if err != nil {
		return time.Thursday
	}
	return d
}

// GetPollInterval returns the worker inter-cycle sleep.
func (c *Config) GetPollInterval() time.Duration {
	return durationOr(c.Schedule.PollInterval, defaultPollInterval)
}

// GetRequestTimeout returns the per-request HTTP timeout.
func (c *Config) GetRequestTimeout() time.Duration {
	return durationOr(c.Broker.RequestTimeout, defaultRequestTimeout)
}

// GetConnectTimeout returns the database connect timeout.
func (c *Config) GetConnectTimeout() time.Duration {
	return durationOr(c.Storage.ConnectTimeout, 10*time.Second)
}

// GetTick returns the supervisor tick.
func (c *Config) GetTick() time.Duration {
	return durationOr(c.Supervisor.Tick, defaultTick)
}

// GetJoinTimeout returns the per-worker bounded join wait.
func (c *Config) GetJoinTimeout() time.Duration {
	return durationOr(c.Supervisor.JoinTimeout, defaultJoinTimeout)
}

// GetCountdownInterval returns how often the wait-for-open countdown is logged.
func (c *Config) GetCountdownInterval() time.Duration {
	return durationOr(c.Supervisor.CountdownInterval, defaultCountdownInterval)
}

// StorageDSN builds a postgres:// connection URL. Credentials and the
// database name are escaped, so any characters are allowed in them.
func (c *Config) StorageDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Storage.User, c.Storage.Password),
		Host:     net.JoinHostPort(c.Storage.Host, strconv.Itoa(c.Storage.Port)),
		Path:     "/" + c.Storage.Database,
		RawQuery: url.Values{"sslmode": {c.Storage.SSLMode}}.Encode(),
	}
	return u.String()
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// ParseWeekday parses an English weekday name, case-insensitively.
func ParseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.ToLower(d.String()) == name {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("unknown weekday %q", s)
}

// ExtraHolidayDates returns schedule.extra_holidays as dates. Entries are
// checked by Validate; malformed ones are skipped here.
func (c *Config) ExtraHolidayDates() []models.Date {
	out := make([]models.Date, 0, len(c.Schedule.ExtraHolidays))
	for _, s := range c.Schedule.ExtraHolidays {
		d, err := models.ParseDate(s)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out
}

func durationOr(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
