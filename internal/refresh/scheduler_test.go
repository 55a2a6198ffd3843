package refresh

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTarget struct {
	mu       sync.Mutex
	refresh  int
	glows    []float64
	sequence []string
}

func (c *countingTarget) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresh++
	c.sequence = append(c.sequence, "refresh")
}

func (c *countingTarget) Pulse(glow float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.glows = append(c.glows, glow)
	c.sequence = append(c.sequence, "pulse")
}

func (c *countingTarget) refreshes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refresh
}

// manual returns a scheduler whose ticker never fires within the test.
func manual(target Target) *Scheduler {
	s := New(Config{Interval: time.Hour, RefreshEvery: 10, PhaseStep: 0.5, Base: 10, Amplitude: 4}, target, nil)
	s.Start()
	return s
}

func TestEveryTenthTickRefreshes(t *testing.T) {
	target := &countingTarget{}
	s := manual(target)
	defer s.Stop()

	for i := 0; i < 20; i++ {
		s.Step()
	}

	assert.Equal(t, 2, target.refresh)
	assert.Len(t, target.glows, 18)
	assert.Equal(t, "refresh", target.sequence[9])
	assert.Equal(t, "refresh", target.sequence[19])
	assert.Equal(t, "pulse", target.sequence[10])
}

func TestPulseFollowsSine(t *testing.T) {
	target := &countingTarget{}
	s := manual(target)
	defer s.Stop()

	s.Step()
	s.Step()
	require.Len(t, target.glows, 2)
	assert.InDelta(t, 10+4*math.Sin(0.5), target.glows[0], 1e-9)
	assert.InDelta(t, 10+4*math.Sin(1.0), target.glows[1], 1e-9)
	assert.InDelta(t, 1.0, s.Phase(), 1e-9)
}

func TestStopClearsPhaseAndIsIdempotent(t *testing.T) {
	target := &countingTarget{}
	s := manual(target)
	s.Step()
	s.Step()

	s.Stop()
	s.Stop()
	assert.False(t, s.Active())
	assert.Zero(t, s.Phase())
	assert.Zero(t, s.Ticks())

	s.Step()
	assert.Len(t, target.glows, 2, "ticks after stop are ignored")
}

func TestTickerPostsToOwner(t *testing.T) {
	target := &countingTarget{}
	events := make(chan func(), 64)
	s := New(Config{Interval: time.Millisecond, RefreshEvery: 2}, target, func(fn func()) {
		select {
		case events <- fn:
		default:
		}
	})
	s.Start()

	deadline := time.After(2 * time.Second)
	for target.refreshes() < 2 {
		select {
		case fn := <-events:
			fn()
		case <-deadline:
			t.Fatalf("scheduler did not tick")
		}
	}
	s.Stop()
	assert.False(t, s.Active())

	s.Start()
	assert.True(t, s.Active())
	assert.Zero(t, s.Phase(), "restart begins from a cleared phase")
	s.Stop()
}
