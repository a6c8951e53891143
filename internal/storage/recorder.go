package storage

import (
	"context"

	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/sirupsen/logrus"
)

// Outcome is the result of one Record call.
type Outcome int

const (
	// Inserted means a new row was written.
	Inserted Outcome = iota
	// Duplicate means a row already existed for the capture timestamp.
	Duplicate
	// Failed means the write failed and was logged.
	Failed
)

// Recorder writes records for a single worker over its own session. Write
// failures are logged here with full context and never returned, so a
// worker's loop keeps running. A Recorder is not safe for concurrent use.
type Recorder struct {
	store   Interface
	session Session
	ensured map[models.TableIdentity]struct{}
	logger  logrus.FieldLogger
}

// NewRecorder creates a Recorder. No connection is held until the first write.
func NewRecorder(store Interface, logger logrus.FieldLogger) *Recorder {
	return &Recorder{
		store:   store,
		ensured: make(map[models.TableIdentity]struct{}),
		logger:  logger,
	}
}

// Record ensures id exists and inserts rec into it.
func (r *Recorder) Record(ctx context.Context, id models.TableIdentity, rec *models.OptionChainRecord) Outcome {
	fields := logrus.Fields{
		"table":     id.String(),
		"timestamp": rec.CapturedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		"expiry":    rec.Expiry.String(),
		"strike":    rec.StrikePrice.String(),
	}

	if r.session == nil {
		s, err := r.store.Acquire(ctx)
		if err != nil {
			r.logger.WithFields(fields).WithError(err).Error("Failed to acquire database session")
			return Failed
		}
		r.session = s
	}

	if _, ok := r.ensured[id]; !ok {
		if err := r.session.EnsureTable(ctx, id); err != nil {
			r.logger.WithFields(fields).WithError(err).Error("Failed to ensure table")
			r.dropIfBroken()
			return Failed
		}
		r.ensured[id] = struct{}{}
	}

	inserted, err := r.session.Upsert(ctx, id, rec)
	if err != nil {
		r.logger.WithFields(fields).WithFields(logrus.Fields{
			"spot":          rec.SpotPrice.Decimal.String(),
			"underlying":    rec.UnderlyingKey,
			"call_ltp":      nullString(rec.Call.LastPrice.Valid, rec.Call.LastPrice.Decimal.String()),
			"put_ltp":       nullString(rec.Put.LastPrice.Valid, rec.Put.LastPrice.Decimal.String()),
			"pcr":           nullString(rec.PCR.Valid, rec.PCR.Decimal.String()),
			"session_alive": r.session.Healthy(),
		}).WithError(err).Error("Failed to insert record")
		r.dropIfBroken()
		return Failed
	}
	if !inserted {
		r.logger.WithFields(fields).Debug("Duplicate record ignored")
		return Duplicate
	}
	return Inserted
}

// Close releases the session, if any.
func (r *Recorder) Close() {
	if r.session != nil {
		r.session.Release()
		r.session = nil
	}
}

func (r *Recorder) dropIfBroken() {
	if r.session != nil && !r.session.Healthy() {
		r.session.Release()
		r.session = nil
	}
}

func nullString(valid bool, s string) string {
	if !valid {
		return "NULL"
	}
	return s
}
