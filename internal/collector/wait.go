package collector

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// MarketClock is the part of calendar.Clock needed to wait for the open.
type MarketClock interface {
	IsOpen(now time.Time) bool
	NextOpen(now time.Time) (time.Time, bool)
}

// WaitForOpen blocks until clock reports open, polling every poll and logging
// a countdown every countdown. It returns ctx.Err() if cancelled first.
func WaitForOpen(ctx context.Context, clock MarketClock, poll, countdown time.Duration,
	now func() time.Time, logger logrus.FieldLogger) error {
	if now == nil {
		now = time.Now
	}
	var lastLog time.Time
	for {
		t := now()
		if clock.IsOpen(t) {
			return nil
		}
		if lastLog.IsZero() || t.Sub(lastLog) >= countdown {
			lastLog = t
			if next, ok := clock.NextOpen(t); ok {
				logger.WithFields(logrus.Fields{
					"opens_at":  next.Format(time.RFC3339),
					"remaining": next.Sub(t).Round(time.Second).String(),
				}).Info("Market closed, waiting for open")
			} else {
				logger.Warn("Market closed and no upcoming session found, waiting")
			}
		}

		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
