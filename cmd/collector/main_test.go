package main

import (
	"context"
	"testing"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/broker"
	"github.com/eddiefleurent/optionchain_collector/internal/calendar"
	"github.com/eddiefleurent/optionchain_collector/internal/config"
	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/eddiefleurent/optionchain_collector/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dryRunYAML = `
broker:
  mock: true
instrument:
  key: "NSE_INDEX|Nifty 50"
  exchange: "NSE"
  expiry_count: 3
storage:
  driver: "memory"
schedule:
  wait_for_open: false
supervisor:
  render: "none"
`

func dryRunConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(dryRunYAML))
	require.NoError(t, err)
	return cfg
}

func newTestLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

func TestNewCollector_DryRun(t *testing.T) {
	logger, _ := newTestLogger()
	cfg := dryRunConfig(t)

	c, err := newCollector(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer c.store.Close()

	require.Len(t, c.expiries, 3)
	for i := 1; i < len(c.expiries); i++ {
		assert.True(t, c.expiries[i-1].Before(c.expiries[i]), "expiries strictly increasing")
	}
	assert.NotNil(t, c.mock)

	mem, ok := c.store.(*storage.MemoryStore)
	require.True(t, ok)
	assert.Len(t, mem.Tables(), 3, "tables created at startup")
	assert.Equal(t, 3, mem.Acquired())
}

func TestNewCollector_MissingToken(t *testing.T) {
	logger, _ := newTestLogger()
	cfg := dryRunConfig(t)
	cfg.Broker.Mock = false
	cfg.Broker.TokenFile = t.TempDir() + "/missing.txt"

	_, err := newCollector(context.Background(), cfg, logger)
	require.Error(t, err)
}

func TestCollector_NewWorker(t *testing.T) {
	logger, _ := newTestLogger()
	c, err := newCollector(context.Background(), dryRunConfig(t), logger)
	require.NoError(t, err)
	defer c.store.Close()

	w, err := c.newWorker(c.expiries[0], "gen-test")
	require.NoError(t, err)
	assert.Equal(t, models.NewTableIdentity("NSE_INDEX|Nifty 50", c.expiries[0]), w.Table())
}

func TestCreateTables(t *testing.T) {
	logger, _ := newTestLogger()
	store := storage.NewMemoryStore()
	expiries := []models.Date{models.MustParseDate("2024-09-26"), models.MustParseDate("2024-10-31")}

	require.NoError(t, createTables(context.Background(), store, "NSE_INDEX|Nifty 50", expiries, logger))
	assert.Equal(t, []models.TableIdentity{
		"nse_index_nifty_50_2024_09_26",
		"nse_index_nifty_50_2024_10_31",
	}, store.Tables())

	store.Close()
	assert.ErrorIs(t, createTables(context.Background(), store, "X", expiries, logger), storage.ErrClosed)
}

func TestRun_ClosedMarketExits(t *testing.T) {
	logger, hook := newTestLogger()
	cfg := dryRunConfig(t)
	// A one-minute session at midnight is closed for all but one minute a day.
	cfg.Schedule.MarketOpen = "00:00"
	cfg.Schedule.MarketClose = "00:01"

	c, err := newCollector(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer c.store.Close()
	if c.clock.IsOpen(time.Now()) {
		t.Skip("inside the configured session")
	}

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, "Market is closed, exiting", hook.LastEntry().Message)
}

// planFor re-plans c as if it had started on day with an empty calendar.
func planFor(t *testing.T, c *Collector, day string) {
	t.Helper()
	require.NoError(t, c.plan(context.Background(), models.MustParseDate(day),
		calendar.NewCache("NSE", calendar.PolicyIgnore, nil, nil, nil)))
}

func TestRefreshCalendar_SameDay(t *testing.T) {
	logger, _ := newTestLogger()
	c, err := newCollector(context.Background(), dryRunConfig(t), logger)
	require.NoError(t, err)
	defer c.store.Close()

	planFor(t, c, "2024-09-26")
	loc := c.config.Location()
	refreshed, err := c.refreshCalendar(context.Background(), time.Date(2024, 9, 26, 23, 0, 0, 0, loc))
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Equal(t, models.MustParseDate("2024-09-26"), c.expiries[0])
}

func TestRefreshCalendar_DateChanged(t *testing.T) {
	logger, _ := newTestLogger()
	c, err := newCollector(context.Background(), dryRunConfig(t), logger)
	require.NoError(t, err)
	defer c.store.Close()

	planFor(t, c, "2024-09-26")
	c.mock.WithHolidays(broker.Holiday{Date: "2024-09-27", ClosedExchanges: []string{"NSE"}})
	oldClock := c.clock

	loc := c.config.Location()
	refreshed, err := c.refreshCalendar(context.Background(), time.Date(2024, 9, 27, 8, 0, 0, 0, loc))
	require.NoError(t, err)
	require.True(t, refreshed)

	assert.Equal(t, models.MustParseDate("2024-09-27"), c.today)
	assert.Equal(t, []models.Date{
		models.MustParseDate("2024-10-31"),
		models.MustParseDate("2024-11-28"),
		models.MustParseDate("2024-12-26"),
	}, c.expiries, "the expired series is dropped")

	friday := time.Date(2024, 9, 27, 11, 0, 0, 0, loc)
	assert.True(t, oldClock.IsOpen(friday))
	assert.False(t, c.clock.IsOpen(friday), "the new date's holidays are loaded")

	mem := c.store.(*storage.MemoryStore)
	assert.Contains(t, mem.Tables(), models.NewTableIdentity("NSE_INDEX|Nifty 50", models.MustParseDate("2024-12-26")))
}

func TestRun_WaitCrossesDate(t *testing.T) {
	logger, hook := newTestLogger()
	cfg := dryRunConfig(t)
	cfg.Schedule.WaitForOpen = true
	c, err := newCollector(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer c.store.Close()

	planFor(t, c, "2024-09-26")
	loc := cfg.Location()
	thursdayEvening := time.Date(2024, 9, 26, 18, 0, 0, 0, loc)
	fridayMorning := time.Date(2024, 9, 27, 10, 0, 0, 0, loc)
	calls := 0
	c.now = func() time.Time {
		calls++
		if calls == 1 {
			return thursdayEvening
		}
		return fridayMorning
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	assert.Equal(t, models.MustParseDate("2024-09-27"), c.today)
	assert.Equal(t, models.MustParseDate("2024-10-31"), c.expiries[0])

	var started bool
	for _, e := range hook.AllEntries() {
		if e.Message == "Market open, starting workers" {
			started = true
		}
	}
	assert.True(t, started)
}
