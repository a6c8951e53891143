// Package collector runs one polling worker per expiry under a supervisor
// that restarts the set while the market is open.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/broker"
	"github.com/eddiefleurent/optionchain_collector/internal/calendar"
	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/eddiefleurent/optionchain_collector/internal/storage"
	"github.com/sirupsen/logrus"
)

// Recorder persists one record and reports the outcome. Failures are handled
// (logged) by the implementation.
type Recorder interface {
	Record(ctx context.Context, id models.TableIdentity, rec *models.OptionChainRecord) storage.Outcome
	Close()
}

var _ Recorder = (*storage.Recorder)(nil)

// WorkerConfig binds a worker to its expiry.
type WorkerConfig struct {
	InstrumentKey string
	Expiry        models.Date
	Generation    string
	PollInterval  time.Duration // sleep after a successful cycle
	ErrorBackoff  time.Duration // sleep after a failed cycle
}

// Worker polls the option chain for a single expiry while the market is open.
type Worker struct {
	cfg      WorkerConfig
	table    models.TableIdentity
	fetcher  broker.ChainFetcher
	recorder Recorder
	clock    calendar.OpenChecker
	status   *StatusStore
	metrics  *Metrics
	logger   logrus.FieldLogger
	now      func() time.Time
	closers  []func()
}

// NewWorker creates a worker. closers run when Run returns.
func NewWorker(cfg WorkerConfig, fetcher broker.ChainFetcher, recorder Recorder, clock calendar.OpenChecker,
	status *StatusStore, metrics *Metrics, logger logrus.FieldLogger, closers ...func()) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Worker{
		cfg:      cfg,
		table:    models.NewTableIdentity(cfg.InstrumentKey, cfg.Expiry),
		fetcher:  fetcher,
		recorder: recorder,
		clock:    clock,
		status:   status,
		metrics:  metrics,
		now:      time.Now,
		closers:  closers,
		logger: logger.WithFields(logrus.Fields{
			"expiry":     cfg.Expiry.String(),
			"instrument": cfg.InstrumentKey,
			"table":      models.NewTableIdentity(cfg.InstrumentKey, cfg.Expiry).String(),
			"generation": cfg.Generation,
		}),
	}
}

// Table returns the table this worker writes to.
func (w *Worker) Table() models.TableIdentity {
	return w.table
}

// Run loops until the market closes or ctx is cancelled. Fetch and write
// errors never end the loop; a panic does, after being reported as an Error status.
func (w *Worker) Run(ctx context.Context) {
	defer w.release()
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("panic: %v", r)
			w.logger.WithField("panic", r).Error("Worker crashed")
			w.setStatus(w.status.SetError(w.cfg.Expiry, reason))
		}
	}()

	w.logger.Info("Worker started")
	for {
		if ctx.Err() != nil {
			w.logger.Info("Worker stopping: shutdown requested")
			return
		}
		if !w.clock.IsOpen(w.now()) {
			w.logger.Info("Worker stopping: market closed")
			return
		}

		if w.cycle(ctx) {
			sleepCtx(ctx, w.cfg.PollInterval)
		} else {
			sleepCtx(ctx, w.cfg.ErrorBackoff)
		}
	}
}

// cycle performs one fetch-and-persist pass and reports whether it succeeded.
func (w *Worker) cycle(ctx context.Context) bool {
	expiry := w.cfg.Expiry
	label := expiry.String()
	w.setStatus(w.status.SetFetching(expiry))

	entries, err := w.fetcher.GetOptionChainCtx(ctx, w.cfg.InstrumentKey, expiry)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		w.logger.WithError(err).Warn("Option chain fetch failed")
		w.metrics.FetchErrors.WithLabelValues(label).Inc()
		w.setStatus(w.status.SetError(expiry, errorReason(err)))
		return false
	}

	processed := 0
	var written int64
	for i := range entries {
		rec, err := NewRecord(&entries[i], expiry, w.cfg.InstrumentKey, w.now())
		if err != nil {
			w.logger.WithError(err).WithField("index", i).Warn("Skipping strike entry")
			w.metrics.MalformedEntries.WithLabelValues(label).Inc()
			continue
		}
		processed++
		switch w.recorder.Record(ctx, w.table, rec) {
		case storage.Inserted:
			written++
			w.metrics.RecordsWritten.WithLabelValues(label).Inc()
		case storage.Duplicate:
			w.metrics.Duplicates.WithLabelValues(label).Inc()
		case storage.Failed:
			w.metrics.WriteErrors.WithLabelValues(label).Inc()
		}
	}

	w.setStatus(w.status.SetSuccess(expiry, processed, written))
	w.logger.WithFields(logrus.Fields{"records": processed, "written": written}).Debug("Cycle complete")
	return true
}

func (w *Worker) setStatus(err error) {
	if err != nil {
		w.logger.WithError(err).Debug("Status update rejected")
	}
}

func (w *Worker) release() {
	if w.recorder != nil {
		w.recorder.Close()
	}
	for _, c := range w.closers {
		c()
	}
}

// errorReason shortens err for the status cell.
func errorReason(err error) string {
	var apiErr *broker.APIError
	switch {
	case errors.As(err, &apiErr):
		return fmt.Sprintf("HTTP %d", apiErr.Status)
	case errors.Is(err, broker.ErrUnsuccessfulPayload):
		return "unsuccessful payload"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 60 {
		msg = msg[:57] + "..."
	}
	return msg
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
