package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/broker"
	"github.com/eddiefleurent/optionchain_collector/internal/calendar"
	"github.com/eddiefleurent/optionchain_collector/internal/collector"
	"github.com/eddiefleurent/optionchain_collector/internal/config"
	"github.com/eddiefleurent/optionchain_collector/internal/dashboard"
	"github.com/eddiefleurent/optionchain_collector/internal/logging"
	"github.com/eddiefleurent/optionchain_collector/internal/mock"
	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/eddiefleurent/optionchain_collector/internal/retry"
	"github.com/eddiefleurent/optionchain_collector/internal/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Collector holds everything wired at startup.
type Collector struct {
	config   *config.Config
	logger   *logrus.Logger
	limiter  *rate.Limiter
	store    storage.Interface
	today    models.Date // date the calendar and expiries were computed for
	clock    *calendar.Clock
	expiries []models.Date
	status   *collector.StatusStore
	metrics  *collector.Metrics
	mock     *mock.DataProvider // set when broker.mock is on
	now      func() time.Time
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	os.Exit(run(configPath))
}

func run(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger, logCloser, err := logging.New(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		return 1
	}
	defer func() { _ = logCloser.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"instrument": cfg.Instrument.Key,
		"exchange":   cfg.Instrument.Exchange,
		"expiries":   cfg.Instrument.ExpiryCount,
	}).Info("Starting option chain collector")

	c, err := newCollector(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Startup failed")
		return 1
	}
	defer c.store.Close()

	if err := c.Run(ctx); err != nil {
		logger.WithError(err).Error("Collector failed")
		return 1
	}

	logger.Info("Collector stopped")
	return 0
}

// newCollector performs the startup sequence: credentials, holiday calendar
// and database in parallel, then expiry enumeration and table creation.
func newCollector(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Collector, error) {
	limiter := rate.NewLimiter(rate.Limit(cfg.Broker.RequestsPerSecond), cfg.Broker.Burst)
	loc := cfg.Location()
	today := models.DateOf(time.Now().In(loc))

	var (
		holidays broker.HolidaySource
		provider *mock.DataProvider
	)
	if cfg.Broker.Mock {
		logger.Warn("Broker mock enabled, collecting synthetic data")
		provider = mock.NewDataProvider()
		holidays = provider
	} else {
		token, err := broker.LoadToken(cfg.Broker.TokenFile)
		if err != nil {
			return nil, err
		}
		client := broker.NewUpstoxClient(cfg.Broker.APIEndpoint, token, cfg.GetRequestTimeout(), limiter, logger)
		defer client.Close()
		holidays = client
	}

	var (
		cache *calendar.Cache
		store storage.Interface
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cache = calendar.LoadCache(gctx, holidays, today, cfg.Instrument.Exchange,
			cfg.Schedule.UnmatchedHolidayPolicy, cfg.ExtraHolidayDates(), logger)
		return nil
	})
	g.Go(func() error {
		s, err := openStore(gctx, cfg, logger)
		if err != nil {
			return err
		}
		if err := retry.NewClient(logger).Do(gctx, "database ping", s.Ping); err != nil {
			s.Close()
			return fmt.Errorf("database unreachable: %w", err)
		}
		store = s
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c := &Collector{
		config:   cfg,
		logger:   logger,
		limiter:  limiter,
		store:    store,
		status:   collector.NewStatusStore(nil),
		metrics:  collector.NewMetrics(),
		mock:     provider,
		now:      time.Now,
	}
	if err := c.plan(ctx, today, cache); err != nil {
		store.Close()
		return nil, err
	}
	return c, nil
}

// plan builds the clock for cache, selects the expiries due on or after today and
// creates their tables.
func (c *Collector) plan(ctx context.Context, today models.Date, cache *calendar.Cache) error {
	cfg := c.config
	open, closing := cfg.TradingWindow()
	clock := calendar.NewClock(cfg.Location(), calendar.Window{Open: open, Close: closing}, cfg.ClosedWeekday(), cache)

	enumerator := calendar.NewEnumerator(calendar.Rule(cfg.Instrument.ExpiryRule), cfg.ExpiryWeekday(),
		cache, cfg.Instrument.MaxLookahead)
	expiries, err := enumerator.NextN(today, cfg.Instrument.ExpiryCount)
	if err != nil {
		return fmt.Errorf("enumerating expiries: %w", err)
	}
	c.logger.WithFields(logrus.Fields{
		"date":     today.String(),
		"expiries": expiries,
	}).Info("Expiries selected")

	if err := createTables(ctx, c.store, cfg.Instrument.Key, expiries, c.logger); err != nil {
		return err
	}

	c.today = today
	c.clock = clock
	c.expiries = expiries
	return nil
}

// refreshCalendar reloads the holiday calendar and re-plans when now falls on
// a later date than the current plan, as after waiting overnight for the open.
func (c *Collector) refreshCalendar(ctx context.Context, now time.Time) (bool, error) {
	today := models.DateOf(now.In(c.config.Location()))
	if !today.After(c.today) {
		return false, nil
	}
	c.logger.WithFields(logrus.Fields{
		"planned_for": c.today.String(),
		"date":        today.String(),
	}).Info("Date changed while waiting, reloading holiday calendar and expiries")

	var src broker.HolidaySource
	if c.mock != nil {
		src = c.mock
	} else {
		token, err := broker.LoadToken(c.config.Broker.TokenFile)
		if err != nil {
			return false, err
		}
		client := broker.NewUpstoxClient(c.config.Broker.APIEndpoint, token, c.config.GetRequestTimeout(), c.limiter, c.logger)
		defer client.Close()
		src = client
	}

	cache := calendar.LoadCache(ctx, src, today, c.config.Instrument.Exchange,
		c.config.Schedule.UnmatchedHolidayPolicy, c.config.ExtraHolidayDates(), c.logger)
	if err := c.plan(ctx, today, cache); err != nil {
		return false, err
	}
	return true, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (storage.Interface, error) {
	if cfg.Storage.Driver == config.StorageDriverMemory {
		logger.Warn("Memory storage selected, rows will not be persisted")
		return storage.NewMemoryStore(), nil
	}
	return storage.NewPostgresStore(ctx, storage.PostgresConfig{
		DSN:            cfg.StorageDSN(),
		MaxConns:       int32(cfg.Storage.MaxConns),
		ConnectTimeout: cfg.GetConnectTimeout(),
	}, logger)
}

// createTables ensures every expiry's table exists, one session each.
func createTables(ctx context.Context, store storage.Interface, instrumentKey string,
	expiries []models.Date, logger logrus.FieldLogger) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, expiry := range expiries {
		id := models.NewTableIdentity(instrumentKey, expiry)
		g.Go(func() error {
			session, err := store.Acquire(gctx)
			if err != nil {
				return fmt.Errorf("acquiring session for %s: %w", id, err)
			}
			defer session.Release()
			if err := session.EnsureTable(gctx, id); err != nil {
				return err
			}
			logger.WithField("table", id.String()).Debug("Table ready")
			return nil
		})
	}
	return g.Wait()
}

// Run waits for the market to open if configured, then supervises the
// workers until the market closes or ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	waited := false
	for !c.clock.IsOpen(c.now()) {
		if !c.config.Schedule.WaitForOpen {
			c.logger.Info("Market is closed, exiting")
			return nil
		}
		err := collector.WaitForOpen(ctx, c.clock, c.config.GetTick(), c.config.GetCountdownInterval(), c.now, c.logger)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				c.logger.Info("Shutdown requested while waiting for open")
				return nil
			}
			return err
		}
		waited = true
		// The calendar for the new date may still report closed (a special
		// session later in the day), in which case the loop waits again.
		if _, err := c.refreshCalendar(ctx, c.now()); err != nil {
			return err
		}
	}
	if waited {
		c.logger.Info("Market open, starting workers")
	}

	renderer, err := collector.NewRenderer(c.config.Supervisor.Render, os.Stdout,
		c.config.Environment.LogFile != "", c.logger)
	if err != nil {
		return err
	}

	supervisor := collector.NewSupervisor(collector.SupervisorConfig{
		Tick:        c.config.GetTick(),
		JoinTimeout: c.config.GetJoinTimeout(),
	}, c.expiries, c.clock, c.status, c.newWorker, renderer, c.metrics, c.logger)

	if c.config.Dashboard.Port > 0 {
		server := dashboard.NewServer(dashboard.Config{
			Port:      c.config.Dashboard.Port,
			AuthToken: c.config.Dashboard.AuthToken,
		}, supervisor, c.clock, c.metrics.Registry(), c.logger)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.WithError(err).Error("Dashboard server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				c.logger.WithError(err).Warn("Dashboard shutdown failed")
			}
		}()
	}

	return supervisor.Run(ctx)
}

// newWorker builds one worker with its own HTTP client, circuit breaker and
// database session. The token is re-read so a restarted set picks up a
// refreshed credential.
func (c *Collector) newWorker(expiry models.Date, generation string) (*collector.Worker, error) {
	var (
		source  broker.Broker
		closers []func()
	)
	if c.mock != nil {
		source = c.mock
	} else {
		token, err := broker.LoadToken(c.config.Broker.TokenFile)
		if err != nil {
			return nil, err
		}
		client := broker.NewUpstoxClient(c.config.Broker.APIEndpoint, token, c.config.GetRequestTimeout(), c.limiter, c.logger)
		source = client
		closers = append(closers, client.Close)
	}

	fetcher := broker.NewCircuitBreakerBroker(source, "option-chain-"+expiry.String(), c.logger)
	recorder := storage.NewRecorder(c.store, c.logger.WithFields(logrus.Fields{
		"expiry":     expiry.String(),
		"generation": generation,
	}))

	return collector.NewWorker(collector.WorkerConfig{
		InstrumentKey: c.config.Instrument.Key,
		Expiry:        expiry,
		Generation:    generation,
		PollInterval:  c.config.GetPollInterval(),
		ErrorBackoff:  c.config.GetPollInterval(),
	}, fetcher, recorder, c.clock, c.status, c.metrics, c.logger, closers...), nil
}
