package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openingClock opens after a number of IsOpen calls.
type openingClock struct {
	closedFor int
	calls     int
	next      time.Time
}

func (c *openingClock) IsOpen(time.Time) bool {
	c.calls++
	return c.calls > c.closedFor
}

func (c *openingClock) NextOpen(time.Time) (time.Time, bool) { return c.next, true }

func TestWaitForOpen(t *testing.T) {
	logger, hook := test.NewNullLogger()
	start := time.Date(2024, 9, 23, 9, 0, 0, 0, time.UTC)
	clock := &openingClock{closedFor: 3, next: start.Add(14 * time.Minute)}

	err := WaitForOpen(context.Background(), clock, time.Millisecond, time.Hour,
		func() time.Time { return start }, logger)
	require.NoError(t, err)
	assert.Equal(t, 4, clock.calls)

	require.Len(t, hook.Entries, 1, "countdown is throttled")
	assert.Equal(t, "14m0s", hook.LastEntry().Data["remaining"])
}

func TestWaitForOpen_Cancelled(t *testing.T) {
	logger, _ := test.NewNullLogger()
	clock := &openingClock{closedFor: 1 << 30}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := WaitForOpen(ctx, clock, 5*time.Millisecond, time.Millisecond, nil, logger)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
