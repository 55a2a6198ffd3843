// Package transcript keeps a rendered execution transcript in step with
// the backend, appending only new messages while the session is unchanged.
package transcript

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"hivewatch/internal/client"
	"hivewatch/internal/domain"
	"hivewatch/internal/logging"
)

type Source interface {
	GetLog(ctx context.Context, id string) (domain.ExecutionLog, error)
}

// Renderer displays a transcript. Append receives only messages not yet
// shown; UpdateHeader refreshes the running badge and iteration counter in
// place.
type Renderer interface {
	RenderFull(log domain.ExecutionLog)
	Append(log domain.ExecutionLog, msgs []domain.Message)
	UpdateHeader(log domain.ExecutionLog)
	RenderWaiting(executionID string)
	RenderError(executionID string, err error)
}

// Liveness reports whether the backend still considers id running. It
// decides whether a transcript that does not exist yet is worth polling.
type Liveness func(ctx context.Context, id string) bool

type Outcome int

const (
	OutcomeFull Outcome = iota
	OutcomeAppend
	OutcomeWaiting
	OutcomeFailed
	OutcomeStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFull:
		return "full"
	case OutcomeAppend:
		return "append"
	case OutcomeWaiting:
		return "waiting"
	case OutcomeFailed:
		return "failed"
	default:
		return "stale"
	}
}

type Sync struct {
	src      Source
	render   Renderer
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	id      string
	count   int
	loaded  bool
	running bool
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(src Source, render Renderer, interval time.Duration, logger *slog.Logger) *Sync {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sync{
		src:      src,
		render:   render,
		logger:   logging.OrDefault(logger).With("component", "transcript"),
		interval: interval,
	}
}

// LoadOrRefresh fetches the transcript for id and renders it: in full on
// first load, on an id change or when the message count did not grow;
// otherwise only the new tail is appended.
func (s *Sync) LoadOrRefresh(ctx context.Context, id string) (Outcome, error) {
	return s.refresh(ctx, id, 0, nil)
}

// refresh applies only while gen is current; gen 0 always applies. A
// missing transcript counts as running only when alive says so.
func (s *Sync) refresh(ctx context.Context, id string, gen uint64, alive Liveness) (Outcome, error) {
	log, err := s.src.GetLog(ctx, id)
	missing := err != nil && errors.Is(err, client.ErrNotFound)
	waiting := missing && alive != nil && alive(ctx, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != 0 && gen != s.gen {
		return OutcomeStale, nil
	}

	if err != nil {
		if missing {
			s.reset(id)
			s.running = waiting
			s.render.RenderWaiting(id)
			return OutcomeWaiting, nil
		}
		s.logger.Warn("transcript fetch failed", "execution_id", id, "error", err)
		s.render.RenderError(id, err)
		return OutcomeFailed, err
	}

	s.running = log.IsRunning()
	sameSession := s.loaded && s.id == id
	if sameSession && len(log.Messages) > s.count {
		fresh := log.Messages[s.count:]
		s.count = len(log.Messages)
		s.render.Append(log, fresh)
		s.render.UpdateHeader(log)
		return OutcomeAppend, nil
	}

	s.id = id
	s.loaded = true
	s.count = len(log.Messages)
	s.render.RenderFull(log)
	return OutcomeFull, nil
}

// Follow refreshes id every interval while it runs. After the execution is
// seen completed exactly one more refresh happens, then following stops.
// While the transcript is missing, alive decides whether id still runs; a
// nil alive treats it as finished. A new Follow replaces the previous one.
func (s *Sync) Follow(ctx context.Context, id string, alive Liveness) {
	s.StopFollow()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()

		timer := time.NewTimer(0)
		defer timer.Stop()
		finalPending := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			outcome, _ := s.refresh(ctx, id, gen, alive)
			if outcome == OutcomeStale {
				return
			}
			if finalPending {
				return
			}
			if !s.Running() && outcome != OutcomeFailed {
				finalPending = true
			}
			timer.Reset(s.interval)
		}
	}()
}

// StopFollow cancels the follow loop and waits for it to exit.
func (s *Sync) StopFollow() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.gen++
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Following reports whether a follow loop is still active.
func (s *Sync) Following() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (s *Sync) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sync) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Sync) reset(id string) {
	s.id = id
	s.loaded = false
	s.count = 0
}
