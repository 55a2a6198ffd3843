// Package refresh drives the cosmetic pulse and the authoritative refresh
// from one shared tick.
package refresh

import (
	"math"
	"sync"
	"time"
)

// Target receives scheduler callbacks, always through the owner's post
// function.
type Target interface {
	Refresh()
	Pulse(glow float64)
}

type Config struct {
	Interval     time.Duration
	RefreshEvery int
	PhaseStep    float64
	Base         float64
	Amplitude    float64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
	if c.RefreshEvery <= 0 {
		c.RefreshEvery = 10
	}
	if c.PhaseStep <= 0 {
		c.PhaseStep = 0.35
	}
	if c.Base <= 0 {
		c.Base = 10
	}
	if c.Amplitude <= 0 {
		c.Amplitude = 5
	}
	return c
}

type Scheduler struct {
	cfg    Config
	target Target
	post   func(func())

	mu     sync.Mutex
	phase  float64
	ticks  int
	active bool
	gen    uint64
	stopCh chan struct{}
}

// New builds a scheduler. post hands work to the owner's serialized
// executor; nil runs callbacks on the ticker goroutine.
func New(cfg Config, target Target, post func(func())) *Scheduler {
	if post == nil {
		post = func(fn func()) { fn() }
	}
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		target: target,
		post:   post,
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.gen++
	gen := s.gen
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				s.post(func() { s.step(gen) })
			}
		}
	}()
}

// Step runs one cosmetic tick: every RefreshEvery-th tick refreshes,
// the others pulse.
func (s *Scheduler) Step() {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.step(gen)
}

// step ignores ticks from a stopped or superseded run.
func (s *Scheduler) step(gen uint64) {
	s.mu.Lock()
	if !s.active || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.ticks++
	s.phase += s.cfg.PhaseStep
	refresh := s.ticks%s.cfg.RefreshEvery == 0
	glow := s.cfg.Base + s.cfg.Amplitude*math.Sin(s.phase)
	s.mu.Unlock()

	if refresh {
		s.target.Refresh()
		return
	}
	s.target.Pulse(glow)
}

// Stop cancels the ticker and clears the phase. It is safe to call more
// than once and never waits for the ticker goroutine.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	close(s.stopCh)
	s.stopCh = nil
	s.phase = 0
	s.ticks = 0
	s.mu.Unlock()
}

func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Scheduler) Phase() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Scheduler) Ticks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}
