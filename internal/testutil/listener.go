package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/pfirmstone/JGDMS-sub001/internal/watch"
)

// RecordingListener records every remote event it is sent. It satisfies
// space.NamedListener.
//
// Thread-safety: All methods are safe for concurrent use.
type RecordingListener struct {
	name string

	mu     sync.Mutex
	events []watch.RemoteEvent
	reply  func(ev watch.RemoteEvent) error
	signal chan struct{}
}

// NewRecordingListener creates a listener called name.
func NewRecordingListener(name string) *RecordingListener {
	return &RecordingListener{name: name, signal: make(chan struct{}, 1)}
}

// Name returns the listener's name.
func (l *RecordingListener) Name() string { return l.name }

// ReplyWith makes Notify return fn's result for every later event. The
// event is recorded either way.
func (l *RecordingListener) ReplyWith(fn func(ev watch.RemoteEvent) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reply = fn
}

// Notify records ev.
func (l *RecordingListener) Notify(_ context.Context, ev watch.RemoteEvent) error {
	l.mu.Lock()
	l.events = append(l.events, ev)
	reply := l.reply
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
	if reply != nil {
		return reply(ev)
	}
	return nil
}

// Events returns a copy of the events recorded so far.
func (l *RecordingListener) Events() []watch.RemoteEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]watch.RemoteEvent(nil), l.events...)
}

// WaitFor blocks until at least n events were recorded or timeout passes.
// It reports whether n events arrived.
func (l *RecordingListener) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		l.mu.Lock()
		got := len(l.events)
		l.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-l.signal:
		case <-deadline:
			return false
		}
	}
}
