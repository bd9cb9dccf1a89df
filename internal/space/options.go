package space

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
)

// Defaults for a space built without options.
const (
	DefaultReapInterval = 5 * time.Second
	DefaultMaxLease     = 0 // no limit

	// DefaultEndedRetention is how long a finished transaction keeps
	// refusing new work before housekeeping forgets it entirely.
	DefaultEndedRetention = 10 * time.Minute
)

// Config is the tunable part of a space, as loaded from a configuration
// file.
type Config struct {
	// ReapInterval is how often housekeeping compacts removed entries and
	// detaches finished watchers.
	ReapInterval time.Duration
	// MaxLease caps every granted lease; 0 means leases may be forever.
	MaxLease time.Duration
	// Types are declared up front so their templates are hash filtered
	// before any instance is written.
	Types []ir.TypeDecl
}

// Option allows configuration of a Space.
type Option func(*Space)

// WithLog sets the write-ahead log. Without it the space keeps no durable
// record.
func WithLog(l Log) Option {
	return func(s *Space) { s.log = l }
}

// WithReapInterval sets how often housekeeping runs.
//
// Default: 5s (DefaultReapInterval)
func WithReapInterval(d time.Duration) Option {
	return func(s *Space) { s.reapInterval = d }
}

// WithClock sets the wall clock used for leases, expirations and order
// keys. Tests use a deterministic clock.
func WithClock(now func() time.Time) Option {
	return func(s *Space) { s.now = now }
}

// WithRegisterer registers the space's metrics with reg. Without it the
// metrics go to a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Space) { s.registerer = reg }
}

// WithEndedRetention sets how long ended transaction records are kept.
func WithEndedRetention(d time.Duration) Option {
	return func(s *Space) { s.endedRetention = d }
}

// WithMaxLease caps every granted lease at d.
func WithMaxLease(d time.Duration) Option {
	return func(s *Space) { s.maxLease = d }
}

// WithTypes declares entry types before the space starts.
func WithTypes(decls ...ir.TypeDecl) Option {
	return func(s *Space) { s.decls = append(s.decls, decls...) }
}

// WithLeaseScheduler sets what fires lease expirations.
//
// Default: a timer per lease (NewTimerScheduler)
func WithLeaseScheduler(ls LeaseScheduler) Option {
	return func(s *Space) { s.sched = ls }
}

// WithListenerResolver sets how recovered registrations find their
// listeners again.
func WithListenerResolver(fn func(name string) (Listener, bool)) Option {
	return func(s *Space) { s.listeners = fn }
}

// WithConfig applies a loaded configuration.
func WithConfig(cfg Config) Option {
	return func(s *Space) {
		if cfg.ReapInterval > 0 {
			s.reapInterval = cfg.ReapInterval
		}
		s.maxLease = cfg.MaxLease
		s.decls = append(s.decls, cfg.Types...)
	}
}
