package collector

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/models"
)

// StatusStore is the shared per-expiry progress map. All access goes through
// one mutex that is never held across I/O.
type StatusStore struct {
	mu       sync.Mutex
	statuses map[models.Date]*models.WorkerStatus
	now      func() time.Time
}

// NewStatusStore creates an empty store. now defaults to time.Now.
func NewStatusStore(now func() time.Time) *StatusStore {
	if now == nil {
		now = time.Now
	}
	return &StatusStore{statuses: make(map[models.Date]*models.WorkerStatus), now: now}
}

// Register resets expiry to Initializing for a new worker generation. The
// cumulative Written count survives restarts.
func (s *StatusStore) Register(expiry models.Date, generation string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[expiry]
	if !ok {
		st = &models.WorkerStatus{Expiry: expiry}
		s.statuses[expiry] = st
	}
	st.State = models.StateInitializing
	st.Reason = ""
	st.Generation = generation
	st.LastUpdate = s.now()
}

// SetFetching marks a cycle as started.
func (s *StatusStore) SetFetching(expiry models.Date) error {
	return s.transition(expiry, models.StateFetching, func(st *models.WorkerStatus) {
		st.Reason = ""
		st.LastUpdate = s.now()
	})
}

// SetSuccess records a completed cycle.
func (s *StatusStore) SetSuccess(expiry models.Date, records int, written int64) error {
	return s.transition(expiry, models.StateSuccess, func(st *models.WorkerStatus) {
		st.Records = records
		st.Written += written
		st.LastUpdate = s.now()
	})
}

// SetError records a failed cycle. Records and LastUpdate keep the values of
// the last successful cycle.
func (s *StatusStore) SetError(expiry models.Date, reason string) error {
	return s.transition(expiry, models.StateError, func(st *models.WorkerStatus) {
		st.Reason = reason
	})
}

func (s *StatusStore) transition(expiry models.Date, to models.WorkerState, apply func(*models.WorkerStatus)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[expiry]
	if !ok {
		return fmt.Errorf("no worker registered for expiry %s", expiry)
	}
	if !models.CanTransition(st.State, to) {
		return fmt.Errorf("invalid state transition from %s to %s for expiry %s", st.State, to, expiry)
	}
	st.State = to
	apply(st)
	return nil
}

// Get returns a copy of one expiry's status.
func (s *StatusStore) Get(expiry models.Date) (models.WorkerStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[expiry]
	if !ok {
		return models.WorkerStatus{}, false
	}
	return *st, true
}

// Snapshot returns copies of all statuses ordered by expiry.
func (s *StatusStore) Snapshot() []models.WorkerStatus {
	s.mu.Lock()
	out := make([]models.WorkerStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, *st)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Expiry.Before(out[j].Expiry) })
	return out
}
