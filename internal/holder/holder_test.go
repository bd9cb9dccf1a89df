package holder

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetCreatesOnce(t *testing.T) {
	s := NewSet()
	h1 := s.Get("Task")
	h2 := s.Get("Task")
	assert.Same(t, h1, h2)
	assert.Equal(t, "Task", h1.TypeName())

	_, ok := s.Lookup("Other")
	assert.False(t, ok)
}

func TestSetAddAndByID(t *testing.T) {
	s := NewSet()
	h := newHandle(t, "")
	s.Add(h)

	got, ok := s.ByID(h.ID())
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, s.Get("Task").Len())
}

func TestSnapshotSurvivesReap(t *testing.T) {
	s := NewSet()
	a, b := newHandle(t, ""), newHandle(t, "")
	s.Add(a)
	s.Add(b)

	snap := s.Get("Task").Snapshot()
	require.True(t, s.Remove(a))
	assert.Equal(t, 1, s.Reap())

	assert.Len(t, snap, 2, "snapshots taken before a reap are unaffected")
	assert.Equal(t, []*Handle{b}, s.Get("Task").Snapshot())
	_, ok := s.ByID(a.ID())
	assert.False(t, ok)
}

func TestReapIdempotent(t *testing.T) {
	s := NewSet()
	for i := 0; i < 5; i++ {
		h := newHandle(t, "")
		s.Add(h)
		if i%2 == 0 {
			s.Remove(h)
		}
	}
	assert.Equal(t, 3, s.Reap())
	assert.Equal(t, 0, s.Reap())
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 2, s.Get("Task").Len())
}

func TestRemoveTwiceIsNoop(t *testing.T) {
	s := NewSet()
	h := newHandle(t, "")
	s.Add(h)
	assert.True(t, s.Remove(h))
	assert.False(t, s.Remove(h))
}

func TestExpired(t *testing.T) {
	s := NewSet()
	live, dead := newHandle(t, ""), newHandle(t, "")
	dead.SetExpiration(now)
	s.Add(live)
	s.Add(dead)

	got := s.Expired(now)
	assert.Equal(t, []*Handle{dead}, got)
	assert.True(t, dead.IsRemoved())
	assert.Empty(t, s.Expired(now))
}

func TestConcurrentAddScanReap(t *testing.T) {
	s := NewSet()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h := newHandle(t, "")
				s.Add(h)
				if i%3 == 0 {
					s.Remove(h)
				}
				for _, x := range s.Get("Task").Snapshot() {
					_ = x.IsRemoved()
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			s.Reap()
		}
	}()
	wg.Wait()
	s.Reap()

	// 4 workers x 34 removals each.
	assert.Equal(t, 400-136, s.Get("Task").Len())
	assert.Equal(t, 400-136, s.Len())
}
