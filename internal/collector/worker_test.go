package collector

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/broker"
	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/eddiefleurent/optionchain_collector/internal/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workerFixture struct {
	store   *storage.MemoryStore
	status  *StatusStore
	metrics *Metrics
	clock   *fakeClock
	fetcher *fakeFetcher
	hook    *test.Hook
	logger  *logrus.Logger
}

func newWorkerFixture() *workerFixture {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return &workerFixture{
		store:   storage.NewMemoryStore(),
		status:  NewStatusStore(nil),
		metrics: NewMetrics(),
		clock:   &fakeClock{},
		fetcher: &fakeFetcher{},
		hook:    hook,
		logger:  logger,
	}
}

func (f *workerFixture) worker(closers ...func()) *Worker {
	f.status.Register(testExpiry, "gen-1")
	w := NewWorker(WorkerConfig{
		InstrumentKey: testInstrument,
		Expiry:        testExpiry,
		Generation:    "gen-1",
		PollInterval:  5 * time.Millisecond,
		ErrorBackoff:  5 * time.Millisecond,
	}, f.fetcher, storage.NewRecorder(f.store, f.logger), f.clock, f.status, f.metrics, f.logger, closers...)
	w.now = steppingClock(time.Date(2024, 9, 23, 10, 0, 0, 0, time.UTC))
	return w
}

func runWorker(ctx context.Context, w *Worker) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	return done
}

func TestWorker_TableIdentity(t *testing.T) {
	f := newWorkerFixture()
	w := f.worker()
	assert.Equal(t, models.TableIdentity("nse_index_nifty_50_2024_09_26"), w.Table())
}

func TestWorker_PersistsBatch(t *testing.T) {
	f := newWorkerFixture()
	f.fetcher.entries = []broker.OptionChainEntry{chainEntry("25300"), chainEntry("25350"), chainEntry("25400")}
	w := f.worker()

	ctx, cancel := context.WithCancel(context.Background())
	done := runWorker(ctx, w)

	require.Eventually(t, func() bool {
		st, _ := f.status.Get(testExpiry)
		return st.State == models.StateSuccess && st.Written >= 6
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancellation")
	}

	st, ok := f.status.Get(testExpiry)
	require.True(t, ok)
	assert.Equal(t, 3, st.Records)
	assert.Equal(t, "Success", st.Label())
	assert.False(t, st.LastUpdate.IsZero())

	rows := f.store.Rows(w.Table())
	assert.GreaterOrEqual(t, len(rows), 6)
	assert.Equal(t, testInstrument, rows[0].UnderlyingKey)
	assert.Equal(t, float64(st.Written), testutil.ToFloat64(f.metrics.RecordsWritten.WithLabelValues(testExpiry.String())))
	assert.Equal(t, 1, f.store.Acquired(), "one session per worker")
	assert.Equal(t, 1, f.store.EnsureCalls(), "table ensured once per worker")
}

func TestWorker_FetchErrorKeepsLooping(t *testing.T) {
	f := newWorkerFixture()
	f.fetcher.err = &broker.APIError{Status: 503, Body: "unavailable"}
	w := f.worker()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runWorker(ctx, w)

	require.Eventually(t, func() bool { return f.fetcher.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)

	st, _ := f.status.Get(testExpiry)
	assert.Equal(t, models.StateError, st.State)
	assert.Equal(t, "Error: HTTP 503", st.Label())
	assert.GreaterOrEqual(t, testutil.ToFloat64(f.metrics.FetchErrors.WithLabelValues(testExpiry.String())), 3.0)
	assert.Empty(t, f.store.Tables(), "nothing written on failed fetches")

	cancel()
	<-done
}

func TestWorker_ErrorKeepsLastSuccessCounts(t *testing.T) {
	f := newWorkerFixture()
	f.fetcher.entries = []broker.OptionChainEntry{chainEntry("25300"), chainEntry("25350")}
	w := f.worker()

	require.True(t, w.cycle(context.Background()))
	before, _ := f.status.Get(testExpiry)

	f.fetcher.mu.Lock()
	f.fetcher.err = errors.New("connection reset by peer")
	f.fetcher.mu.Unlock()
	require.False(t, w.cycle(context.Background()))

	after, _ := f.status.Get(testExpiry)
	assert.Equal(t, models.StateError, after.State)
	assert.Equal(t, "connection reset by peer", after.Reason)
	assert.Equal(t, before.Records, after.Records)
	assert.Equal(t, before.LastUpdate, after.LastUpdate)
	assert.Equal(t, int64(2), after.Written)
}

func TestWorker_SkipsMalformedEntries(t *testing.T) {
	f := newWorkerFixture()
	bad := chainEntry("25300")
	bad.StrikePrice = decimal.NullDecimal{}
	wrongExpiry := chainEntry("25400")
	wrongExpiry.Expiry = "2024-10-03"
	f.fetcher.entries = []broker.OptionChainEntry{bad, chainEntry("25350"), wrongExpiry}
	w := f.worker()

	require.True(t, w.cycle(context.Background()))

	st, _ := f.status.Get(testExpiry)
	assert.Equal(t, 1, st.Records)
	assert.Equal(t, int64(1), st.Written)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.MalformedEntries.WithLabelValues(testExpiry.String())))
	assert.Len(t, f.store.Rows(w.Table()), 1)
}

func TestWorker_WriteFailureDoesNotFailCycle(t *testing.T) {
	f := newWorkerFixture()
	f.fetcher.entries = []broker.OptionChainEntry{chainEntry("25300")}
	f.store.FailUpserts(errors.New("disk full"))
	w := f.worker()

	require.True(t, w.cycle(context.Background()))

	st, _ := f.status.Get(testExpiry)
	assert.Equal(t, models.StateSuccess, st.State)
	assert.Equal(t, 1, st.Records)
	assert.Equal(t, int64(0), st.Written)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WriteErrors.WithLabelValues(testExpiry.String())))

	var logged bool
	for _, e := range f.hook.AllEntries() {
		if e.Message == "Failed to insert record" {
			logged = true
			assert.Equal(t, "nse_index_nifty_50_2024_09_26", e.Data["table"])
		}
	}
	assert.True(t, logged)
}

func TestWorker_StopsWhenMarketCloses(t *testing.T) {
	f := newWorkerFixture()
	f.fetcher.entries = []broker.OptionChainEntry{chainEntry("25300")}
	released := make(chan struct{})
	w := f.worker(func() { close(released) })

	done := runWorker(context.Background(), w)
	require.Eventually(t, func() bool { return f.fetcher.Calls() >= 1 }, time.Second, 5*time.Millisecond)
	f.clock.closed.Store(true)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker kept running after the market closed")
	}
	select {
	case <-released:
	default:
		t.Fatal("closers not run on exit")
	}
}

func TestWorker_PanicBecomesErrorStatus(t *testing.T) {
	f := newWorkerFixture()
	f.fetcher.panicMsg = "boom"
	w := f.worker()

	done := runWorker(context.Background(), w)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking worker did not terminate")
	}

	st, _ := f.status.Get(testExpiry)
	assert.Equal(t, models.StateError, st.State)
	assert.Equal(t, "panic: boom", st.Reason)
	assert.Equal(t, logrus.ErrorLevel, f.hook.LastEntry().Level)
}

func TestErrorReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"api error", &broker.APIError{Status: 429, Body: "slow down"}, "HTTP 429"},
		{"payload", broker.ErrUnsuccessfulPayload, "unsuccessful payload"},
		{"timeout", context.DeadlineExceeded, "timeout"},
		{"short", errors.New("dial tcp: refused"), "dial tcp: refused"},
		{"long", errors.New(strings.Repeat("x", 100)), strings.Repeat("x", 57) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorReason(tt.err))
		})
	}
}
