package space

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pfirmstone/JGDMS-sub001/internal/watch"
)

// LeaseScheduler fires a callback when a lease runs out.
type LeaseScheduler interface {
	// Schedule arranges for fire to run at at, replacing any earlier
	// schedule for id.
	Schedule(id string, at time.Time, fire func())
	// Unschedule drops the schedule for id, if any.
	Unschedule(id string)
}

// TimerScheduler schedules each lease on its own runtime timer.
//
// Thread-safe: all methods may be called concurrently.
type TimerScheduler struct {
	now    func() time.Time
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewTimerScheduler creates a scheduler measuring delays against now.
func NewTimerScheduler(now func() time.Time) *TimerScheduler {
	return &TimerScheduler{now: now, timers: make(map[string]*time.Timer)}
}

// Schedule implements LeaseScheduler.
func (ts *TimerScheduler) Schedule(id string, at time.Time, fire func()) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if t, ok := ts.timers[id]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(at.Sub(ts.now()), func() {
		ts.mu.Lock()
		if ts.timers[id] == timer {
			delete(ts.timers, id)
		}
		ts.mu.Unlock()
		fire()
	})
	ts.timers[id] = timer
}

// Unschedule implements LeaseScheduler.
func (ts *TimerScheduler) Unschedule(id string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if t, ok := ts.timers[id]; ok {
		t.Stop()
		delete(ts.timers, id)
	}
}

// Len returns the number of pending schedules.
func (ts *TimerScheduler) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.timers)
}

// Lease is a granted lease on an entry or registration.
type Lease struct {
	ID         string
	Expiration time.Time // zero: never expires
}

// grant turns a requested lease duration into an expiration. A
// non-positive duration asks for the longest lease the space grants.
func (s *Space) grant(requested time.Duration, now time.Time) time.Time {
	d := requested
	if s.maxLease > 0 && (d <= 0 || d > s.maxLease) {
		d = s.maxLease
	}
	if d <= 0 {
		return time.Time{}
	}
	return now.Add(d)
}

func (s *Space) schedule(id string, exp time.Time) {
	if exp.IsZero() {
		s.sched.Unschedule(id)
		return
	}
	s.sched.Schedule(id, exp, func() { s.expire(id) })
}

// Renew extends the lease on an entry or registration and returns the new
// expiration.
func (s *Space) Renew(ctx context.Context, id string, duration time.Duration) (time.Time, error) {
	s.open()
	now := s.now()

	if h, ok := s.entries.ByID(id); ok && h.Live(now) {
		exp := s.grant(duration, now)
		h.SetExpiration(exp)
		if err := s.log.AppendRenew(ctx, id, exp); err != nil {
			return time.Time{}, logFailure("renew", id, err)
		}
		s.schedule(id, exp)
		s.metrics.ops.WithLabelValues("renew", "ok").Inc()
		return exp, nil
	}
	if reg, ok := s.registration(id); ok && !reg.Cancelled() && !reg.IsExpired(now) {
		exp := s.grant(duration, now)
		reg.SetExpiration(exp)
		if err := s.log.AppendRenew(ctx, id, exp); err != nil {
			return time.Time{}, logFailure("renew", id, err)
		}
		s.schedule(id, exp)
		s.metrics.ops.WithLabelValues("renew", "ok").Inc()
		return exp, nil
	}
	s.metrics.ops.WithLabelValues("renew", "unknown").Inc()
	return time.Time{}, fmt.Errorf("renew %s: %w", id, ErrUnknownLease)
}

// Cancel ends the lease on an entry (removing it) or a registration.
func (s *Space) Cancel(ctx context.Context, id string) error {
	s.open()
	now := s.now()

	if h, ok := s.entries.ByID(id); ok && h.Live(now) {
		if !h.Remove() {
			return fmt.Errorf("cancel %s: %w", id, ErrUnknownLease)
		}
		s.sched.Unschedule(id)
		s.journal.Post(watch.Removal(h, ""))
		if err := s.log.AppendCancel(ctx, id, false); err != nil {
			return logFailure("cancel", id, err)
		}
		s.metrics.ops.WithLabelValues("cancel", "ok").Inc()
		slog.Debug("entry cancelled", "entry_id", id)
		return nil
	}
	if s.cancelRegistration(id) {
		s.sched.Unschedule(id)
		if err := s.log.AppendCancel(ctx, id, false); err != nil {
			return logFailure("cancel", id, err)
		}
		s.metrics.ops.WithLabelValues("cancel", "ok").Inc()
		slog.Debug("registration cancelled", "registration_id", id)
		return nil
	}
	s.metrics.ops.WithLabelValues("cancel", "unknown").Inc()
	return fmt.Errorf("cancel %s: %w", id, ErrUnknownLease)
}

// expire is the lease scheduler's callback. A lease renewed since it was
// scheduled is left alone.
func (s *Space) expire(id string) {
	now := s.now()
	ctx := context.Background()

	if h, ok := s.entries.ByID(id); ok {
		if !h.IsExpired(now) || !h.Remove() {
			return
		}
		s.journal.Post(watch.Removal(h, ""))
		s.metrics.reaped.WithLabelValues("entry").Inc()
		if err := s.log.AppendCancel(ctx, id, true); err != nil {
			slog.Error("log expiration failed", "entry_id", id, "error", err)
		}
		slog.Debug("entry expired", "entry_id", id)
		return
	}
	if reg, ok := s.registration(id); ok && reg.IsExpired(now) {
		if !s.cancelRegistration(id) {
			return
		}
		s.metrics.reaped.WithLabelValues("registration").Inc()
		if err := s.log.AppendCancel(ctx, id, true); err != nil {
			slog.Error("log expiration failed", "registration_id", id, "error", err)
		}
		slog.Debug("registration expired", "registration_id", id)
	}
}
