// Command chaincheck exercises the broker and database configuration once
// without writing anything: holidays for today, the selected expiries, one
// option-chain call and a database ping.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/broker"
	"github.com/eddiefleurent/optionchain_collector/internal/calendar"
	"github.com/eddiefleurent/optionchain_collector/internal/config"
	"github.com/eddiefleurent/optionchain_collector/internal/logging"
	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/eddiefleurent/optionchain_collector/internal/storage"
	"github.com/sirupsen/logrus"
)

type check struct {
	name string
	run  func(ctx context.Context) error
}

func main() {
	var (
		configPath string
		skipDB     bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.BoolVar(&skipDB, "skip-db", false, "Skip the database ping")
	flag.Parse()

	fmt.Println("=== Option Chain Collector - Configuration Check ===")
	fmt.Println()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, closer, err := logging.New(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = closer.Close() }()

	loc := cfg.Location()
	today := models.DateOf(time.Now().In(loc))

	var (
		client   *broker.UpstoxClient
		cache    *calendar.Cache
		expiries []models.Date
	)

	checks := []check{
		{"Access token", func(ctx context.Context) error {
			token, err := broker.LoadToken(cfg.Broker.TokenFile)
			if err != nil {
				return err
			}
			client = broker.NewUpstoxClient(cfg.Broker.APIEndpoint, token, cfg.GetRequestTimeout(), nil, logger)
			fmt.Printf("Token loaded from %s (%d bytes)\n", cfg.Broker.TokenFile, len(token))
			return nil
		}},
		{"Holiday calendar", func(ctx context.Context) error {
			if client == nil {
				return fmt.Errorf("no broker client")
			}
			cache = calendar.LoadCache(ctx, client, today, cfg.Instrument.Exchange,
				cfg.Schedule.UnmatchedHolidayPolicy, cfg.ExtraHolidayDates(), logger)
			entries := cache.Today()
			if len(entries) == 0 {
				fmt.Printf("%s: no holiday entries\n", today)
			}
			for _, e := range entries {
				line := fmt.Sprintf("%s: %s (%s)", e.Date, e.Description, e.HolidayType)
				if w, ok := e.Window(cfg.Instrument.Exchange); ok {
					line += fmt.Sprintf(" special session %s-%s",
						w.Open.In(loc).Format("15:04"), w.Close.In(loc).Format("15:04"))
				}
				fmt.Println(line)
			}
			fmt.Printf("%d closure dates known\n", cache.ClosureDates())

			open, closing := cfg.TradingWindow()
			clock := calendar.NewClock(loc, calendar.Window{Open: open, Close: closing}, cfg.ClosedWeekday(), cache)
			now := time.Now()
			if clock.IsOpen(now) {
				fmt.Println("Market is open")
			} else if next, ok := clock.NextOpen(now); ok {
				fmt.Printf("Market is closed, next open %s\n", next.Format(time.RFC1123))
			} else {
				fmt.Println("Market is closed")
			}
			return nil
		}},
		{"Expiry selection", func(ctx context.Context) error {
			enumerator := calendar.NewEnumerator(calendar.Rule(cfg.Instrument.ExpiryRule), cfg.ExpiryWeekday(),
				cache, cfg.Instrument.MaxLookahead)
			var err error
			expiries, err = enumerator.NextN(today, cfg.Instrument.ExpiryCount)
			if err != nil {
				return err
			}
			for _, e := range expiries {
				fmt.Printf("%s -> table %s\n", e, models.NewTableIdentity(cfg.Instrument.Key, e))
			}
			return nil
		}},
		{"Option chain", func(ctx context.Context) error {
			if client == nil || len(expiries) == 0 {
				return fmt.Errorf("no broker client or expiries")
			}
			entries, err := client.GetOptionChainCtx(ctx, cfg.Instrument.Key, expiries[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s %s: %d strikes\n", cfg.Instrument.Key, expiries[0], len(entries))
			if len(entries) > 0 && entries[0].UnderlyingSpotPrice.Valid {
				fmt.Printf("Spot: %s\n", entries[0].UnderlyingSpotPrice.Decimal.String())
			}
			return nil
		}},
	}
	if !skipDB {
		checks = append(checks, check{"Database", func(ctx context.Context) error {
			store, err := storage.NewPostgresStore(ctx, storage.PostgresConfig{
				DSN:            cfg.StorageDSN(),
				MaxConns:       1,
				ConnectTimeout: cfg.GetConnectTimeout(),
			}, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Ping(ctx); err != nil {
				return err
			}
			fmt.Printf("Connected to %s on %s:%d\n", cfg.Storage.Database, cfg.Storage.Host, cfg.Storage.Port)
			return nil
		}})
	}

	passed := runChecks(checks, logger)
	if client != nil {
		client.Close()
	}

	fmt.Println("=== Results ===")
	fmt.Printf("Checks passed: %d/%d\n", passed, len(checks))
	if passed != len(checks) {
		os.Exit(1)
	}
}

func runChecks(checks []check, logger logrus.FieldLogger) int {
	passed := 0
	for i, c := range checks {
		title := fmt.Sprintf("Check %d: %s", i+1, c.name)
		fmt.Println(title)
		for range title {
			fmt.Print("=")
		}
		fmt.Println()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.run(ctx)
		cancel()
		if err != nil {
			logger.WithError(err).WithField("check", c.name).Error("Check failed")
			fmt.Println("❌ FAILED")
		} else {
			passed++
			fmt.Println("✅ PASSED")
		}
		fmt.Println()
	}
	return passed
}
