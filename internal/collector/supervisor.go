package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/calendar"
	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// WorkerFactory builds the worker for one expiry of a generation. It is
// called again on every restart, so credentials and connections are fresh.
type WorkerFactory func(expiry models.Date, generation string) (*Worker, error)

// SupervisorConfig controls supervision timing.
type SupervisorConfig struct {
	Tick        time.Duration // status render and liveness check period
	JoinTimeout time.Duration // per-worker wait at shutdown
}

// Supervisor runs one Worker per expiry and restarts the set when every
// worker has stopped while the market is still open.
type Supervisor struct {
	cfg      SupervisorConfig
	expiries []models.Date
	clock    calendar.OpenChecker
	status   *StatusStore
	factory  WorkerFactory
	renderer Renderer
	metrics  *Metrics
	logger   logrus.FieldLogger
	now      func() time.Time

	generation string
	handles    []*workerHandle // indexed like expiries; nil while an expiry has no worker
}

type workerHandle struct {
	expiry models.Date
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *workerHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// NewSupervisor creates a Supervisor. A nil renderer disables rendering.
func NewSupervisor(cfg SupervisorConfig, expiries []models.Date, clock calendar.OpenChecker, status *StatusStore,
	factory WorkerFactory, renderer Renderer, metrics *Metrics, logger logrus.FieldLogger) *Supervisor {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = time.Second
	}
	if renderer == nil {
		renderer = NopRenderer{}
	}
	return &Supervisor{
		cfg:      cfg,
		expiries: append([]models.Date(nil), expiries...),
		clock:    clock,
		status:   status,
		factory:  factory,
		renderer: renderer,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Run starts the workers and supervises them until the market closes or ctx
// is cancelled, then stops them with a bounded join and returns nil. A
// factory error for the first generation is fatal and returned.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.expiries) == 0 {
		return fmt.Errorf("no expiries to collect")
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	if err := s.startGeneration(workerCtx, true); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Shutdown requested, stopping workers")
			s.stop(cancelWorkers)
			return nil
		case <-ticker.C:
		}

		s.renderer.Render(s.status.Snapshot())

		if !s.clock.IsOpen(s.now()) {
			s.logger.Info("Market closed, stopping workers")
			s.stop(cancelWorkers)
			return nil
		}

		live := s.liveWorkers()
		s.metrics.LiveWorkers.Set(float64(live))
		switch {
		case live == 0:
			s.logger.Warn("All workers stopped while the market is open, restarting worker set")
			s.metrics.Restarts.Inc()
			if err := s.startGeneration(workerCtx, false); err != nil {
				s.logger.WithError(err).Error("Worker restart incomplete, retrying missing expiries next tick")
			}
		case s.missing() > 0:
			if err := s.startMissing(workerCtx); err != nil {
				s.logger.WithError(err).Error("Worker start failed, retrying next tick")
			}
		}
	}
}

// startGeneration registers and launches a fresh worker for every expiry
// under a new generation ID. Expiries whose factory call fails are marked
// Error and left for startMissing; the first error is returned. For the
// initial generation any failure stops the whole set.
func (s *Supervisor) startGeneration(ctx context.Context, initial bool) error {
	s.generation = uuid.NewString()
	s.handles = make([]*workerHandle, len(s.expiries))

	err := s.startMissing(ctx)
	if err != nil && initial {
		for _, h := range s.handles {
			if h != nil {
				h.cancel()
			}
		}
		s.join(s.handles)
		return err
	}

	s.metrics.LiveWorkers.Set(float64(s.liveWorkers()))
	s.logger.WithFields(logrus.Fields{
		"generation": s.generation,
		"workers":    s.liveWorkers(),
	}).Info("Worker generation started")
	return err
}

// startMissing launches a worker for every expiry of the current generation
// that has none, returning the first factory error.
func (s *Supervisor) startMissing(ctx context.Context) error {
	log := s.logger.WithField("generation", s.generation)

	var firstErr error
	for i, expiry := range s.expiries {
		if s.handles[i] != nil {
			continue
		}
		s.status.Register(expiry, s.generation)

		w, err := s.factory(expiry, s.generation)
		if err != nil {
			log.WithError(err).WithField("expiry", expiry.String()).Error("Failed to build worker")
			if serr := s.status.SetError(expiry, errorReason(err)); serr != nil {
				log.WithError(serr).Debug("Status update rejected")
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("building worker for %s: %w", expiry, err)
			}
			continue
		}

		wctx, cancel := context.WithCancel(ctx)
		h := &workerHandle{expiry: expiry, cancel: cancel, done: make(chan struct{})}
		go func() {
			defer close(h.done)
			w.Run(wctx)
		}()
		s.handles[i] = h
	}
	return firstErr
}

// missing counts expiries of the current generation without a worker.
func (s *Supervisor) missing() int {
	n := 0
	for _, h := range s.handles {
		if h == nil {
			n++
		}
	}
	return n
}

func (s *Supervisor) liveWorkers() int {
	live := 0
	for _, h := range s.handles {
		if h != nil && !h.exited() {
			live++
		}
	}
	return live
}

// stop signals every worker and waits at most JoinTimeout for each.
func (s *Supervisor) stop(cancelWorkers context.CancelFunc) {
	for _, h := range s.handles {
		if h != nil {
			h.cancel()
		}
	}
	cancelWorkers()
	s.join(s.handles)
	s.metrics.LiveWorkers.Set(float64(s.liveWorkers()))
	s.renderer.Render(s.status.Snapshot())
}

func (s *Supervisor) join(handles []*workerHandle) {
	for _, h := range handles {
		if h == nil {
			continue
		}
		timer := time.NewTimer(s.cfg.JoinTimeout)
		select {
		case <-h.done:
		case <-timer.C:
			s.logger.WithField("expiry", h.expiry.String()).
				Warnf("Worker did not exit within %v, abandoning it", s.cfg.JoinTimeout)
		}
		timer.Stop()
	}
}

// Statuses returns the current status snapshot.
func (s *Supervisor) Statuses() []models.WorkerStatus {
	return s.status.Snapshot()
}
