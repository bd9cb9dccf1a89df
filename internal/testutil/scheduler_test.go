package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualScheduler_FiresDueInOrder(t *testing.T) {
	s := NewManualScheduler()
	var fired []string
	s.Schedule("late", Epoch.Add(2*time.Second), func() { fired = append(fired, "late") })
	s.Schedule("early", Epoch.Add(time.Second), func() { fired = append(fired, "early") })
	s.Schedule("future", Epoch.Add(time.Hour), func() { fired = append(fired, "future") })

	ids := s.Fire(Epoch.Add(2 * time.Second))

	assert.Equal(t, []string{"early", "late"}, ids)
	assert.Equal(t, []string{"early", "late"}, fired)
	assert.Equal(t, 1, s.Len())
}

func TestManualScheduler_RescheduleReplaces(t *testing.T) {
	s := NewManualScheduler()
	calls := 0
	s.Schedule("a", Epoch, func() { calls++ })
	s.Schedule("a", Epoch.Add(time.Minute), func() { calls += 10 })

	assert.Empty(t, s.Fire(Epoch))
	at, ok := s.Due("a")
	assert.True(t, ok)
	assert.Equal(t, Epoch.Add(time.Minute), at)

	s.Fire(Epoch.Add(time.Minute))
	assert.Equal(t, 10, calls)
}

func TestManualScheduler_Unschedule(t *testing.T) {
	s := NewManualScheduler()
	s.Schedule("a", Epoch, func() { t.Fatal("unscheduled callback fired") })
	s.Unschedule("a")

	assert.Empty(t, s.Fire(Epoch.Add(time.Hour)))
	assert.Equal(t, 0, s.Len())
}

func TestManualScheduler_CallbackMayReschedule(t *testing.T) {
	s := NewManualScheduler()
	s.Schedule("a", Epoch, func() {
		s.Schedule("a", Epoch.Add(time.Second), func() {})
	})

	s.Fire(Epoch)
	assert.Equal(t, 1, s.Len())
}
