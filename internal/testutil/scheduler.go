package testutil

import (
	"sort"
	"sync"
	"time"
)

// ManualScheduler is a lease scheduler that fires only when Fire is
// called. It satisfies space.LeaseScheduler.
//
// Thread-safety: All methods are safe for concurrent use. Callbacks run on
// the goroutine calling Fire, without the scheduler's lock held.
type ManualScheduler struct {
	mu    sync.Mutex
	due   map[string]time.Time
	fires map[string]func()
}

// NewManualScheduler creates an empty scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{
		due:   make(map[string]time.Time),
		fires: make(map[string]func()),
	}
}

// Schedule records fire to run for id at at, replacing an earlier schedule.
func (s *ManualScheduler) Schedule(id string, at time.Time, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.due[id] = at
	s.fires[id] = fire
}

// Unschedule drops the schedule for id.
func (s *ManualScheduler) Unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.due, id)
	delete(s.fires, id)
}

// Due returns when id is scheduled to fire.
func (s *ManualScheduler) Due(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.due[id]
	return at, ok
}

// Len returns the number of pending schedules.
func (s *ManualScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.due)
}

// Fire runs, in due order, every callback due at or before now and
// returns the ids it fired.
func (s *ManualScheduler) Fire(now time.Time) []string {
	s.mu.Lock()
	var ids []string
	for id, at := range s.due {
		if !at.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.due[ids[i]], s.due[ids[j]]
		if a.Equal(b) {
			return ids[i] < ids[j]
		}
		return a.Before(b)
	})
	fires := make([]func(), len(ids))
	for i, id := range ids {
		fires[i] = s.fires[id]
		delete(s.due, id)
		delete(s.fires, id)
	}
	s.mu.Unlock()

	for _, fire := range fires {
		fire()
	}
	return ids
}
