package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScheduler_AcquireQueuesFIFO(t *testing.T) {
	s := newScheduler(2)

	ok, queued := s.acquire("a")
	assert.True(t, ok)
	assert.False(t, queued)
	ok, _ = s.acquire("b")
	assert.True(t, ok)

	ok, queued = s.acquire("c")
	assert.False(t, ok)
	assert.True(t, queued)
	ok, queued = s.acquire("c")
	assert.False(t, ok)
	assert.False(t, queued, "already queued")
	_, _ = s.acquire("d")

	assert.Equal(t, []string{"c", "d"}, s.queuedIDs())
	assert.Equal(t, 2, s.running())

	ok, _ = s.acquire("a")
	assert.True(t, ok, "a holder re-acquires its own slot")
	assert.Equal(t, 2, s.running())

	assert.True(t, s.release("a"))
	assert.False(t, s.release("a"))

	ok, _ = s.acquire("c")
	assert.True(t, ok)
	assert.False(t, s.isQueued("c"))
	assert.Equal(t, []string{"d"}, s.queuedIDs())
}

func TestScheduler_ForceIgnoresCapacity(t *testing.T) {
	s := newScheduler(1)
	_, _ = s.acquire("a")
	_, _ = s.acquire("m")
	assert.True(t, s.isQueued("m"))

	s.force("m")
	assert.Equal(t, 2, s.running())
	assert.False(t, s.isQueued("m"))

	s.setMax(3)
	ok, _ := s.acquire("b")
	assert.True(t, ok)

	s.reset()
	assert.Zero(t, s.running())
	assert.Empty(t, s.queuedIDs())
}

func TestPercent(t *testing.T) {
	tests := []struct {
		done, total, want int
	}{
		{0, 0, 0},
		{0, 3, 0},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
		{1, 2, 50},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, percent(tt.done, tt.total), "%d/%d", tt.done, tt.total)
	}
}
