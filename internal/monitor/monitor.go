// Package monitor owns one live monitoring session: it serializes push
// messages, pulls and timer ticks onto a single goroutine that feeds the
// execution store and the graph model.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"hivewatch/internal/client"
	"hivewatch/internal/domain"
	"hivewatch/internal/execstate"
	"hivewatch/internal/graph"
	"hivewatch/internal/logging"
	"hivewatch/internal/refresh"
	"hivewatch/internal/session"
)

var ErrStopped = errors.New("monitor is not running")

type Backend interface {
	ListExecutions(ctx context.Context) (client.Snapshot, error)
	GetTree(ctx context.Context, id string) (domain.ExecutionTree, error)
}

// Push is the persistent channel; *session.Session implements it.
type Push interface {
	OnMessage(h session.Handler)
	Connect(ctx context.Context)
	Disconnect()
	Status() session.Status
}

type Notifier interface {
	Notify(msg string)
}

type NotifierFunc func(msg string)

func (f NotifierFunc) Notify(msg string) { f(msg) }

type Config struct {
	Refresh refresh.Config
	Layout  graph.Layout
	// NewPush builds a fresh push channel; the monitor rebuilds it whenever
	// the selected root changes. Nil disables push.
	NewPush  func() Push
	Notifier Notifier
	// OnFrame runs on the coordinator after every reconciliation.
	OnFrame func(root string, ops []graph.Op)
	Logger  *slog.Logger
	Buffer  int
}

type Monitor struct {
	cfg     Config
	backend Backend
	logger  *slog.Logger

	events chan func()
	done   chan struct{}
	ctx    context.Context

	// owned by the coordinator goroutine
	store    *execstate.Store
	model    *graph.Model
	sched    *refresh.Scheduler
	push     Push
	selected string
	pinned   bool
	lastTree *domain.ExecutionTree
	treeSeq  uint64
	applied  uint64
	failing  bool

	runOnce sync.Once
}

func New(cfg Config, backend Backend) *Monitor {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NotifierFunc(func(string) {})
	}
	m := &Monitor{
		cfg:     cfg,
		backend: backend,
		logger:  logging.OrDefault(cfg.Logger).With("component", "monitor"),
		events:  make(chan func(), cfg.Buffer),
		done:    make(chan struct{}),
		store:   execstate.New(),
		model:   graph.NewModel(cfg.Layout),
	}
	m.sched = refresh.New(cfg.Refresh, m, m.post)
	return m
}

// Run drains events until ctx ends, then stops timers and closes the push
// channel.
func (m *Monitor) Run(ctx context.Context) error {
	started := false
	m.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("monitor already ran")
	}
	m.ctx = ctx
	defer close(m.done)

	m.rebuildPush()
	m.sched.Start()
	m.doRefresh()

	for {
		select {
		case <-ctx.Done():
			m.sched.Stop()
			if m.push != nil {
				m.push.Disconnect()
			}
			return ctx.Err()
		case fn := <-m.events:
			fn()
		}
	}
}

// Call runs fn on the coordinator and waits for it.
func (m *Monitor) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case m.events <- wrapped:
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Select pins the view to a root execution. An empty id follows the latest
// root.
func (m *Monitor) Select(rootID string) {
	m.post(func() {
		if rootID == m.selected && m.pinned == (rootID != "") {
			return
		}
		m.selected = rootID
		m.pinned = rootID != ""
		m.lastTree = nil
		m.applied = m.treeSeq
		m.reconcile(m.model.Clear())
		m.rebuildPush()
		m.doRefresh()
	})
}

// Refresh starts an authoritative pull. It runs on the coordinator.
func (m *Monitor) Refresh() {
	m.doRefresh()
}

// Pulse updates the glow of running nodes. It runs on the coordinator.
func (m *Monitor) Pulse(glow float64) {
	m.model.Pulse(glow)
}

// HandlePush routes a push message onto the coordinator.
func (m *Monitor) HandlePush(msg domain.PushMessage) {
	m.post(func() { m.applyPush(msg) })
}

// Store and Model are only safe to use from inside Call.
func (m *Monitor) Store() *execstate.Store { return m.store }
func (m *Monitor) Model() *graph.Model      { return m.model }
func (m *Monitor) Selected() string         { return m.selected }

func (m *Monitor) post(fn func()) {
	select {
	case m.events <- fn:
	case <-m.done:
	default:
		// A full queue means the coordinator is behind; dropping a tick or
		// delta is safe because the next pull is authoritative.
		m.logger.Debug("coordinator queue full, dropping event")
	}
}

func (m *Monitor) rebuildPush() {
	if m.cfg.NewPush == nil {
		return
	}
	if m.push != nil {
		m.push.Disconnect()
	}
	m.push = m.cfg.NewPush()
	m.push.OnMessage(m.HandlePush)
	m.push.Connect(m.ctx)
}

func (m *Monitor) doRefresh() {
	ctx := m.ctx
	go func() {
		snap, err := m.backend.ListExecutions(ctx)
		m.post(func() {
			if err != nil {
				m.fail(err)
				return
			}
			m.recovered()
			if !m.store.ReplaceAll(snap.Revision, snap.Executions) {
				m.logger.Debug("dropping stale snapshot", "revision", snap.Revision, "current", m.store.Revision())
			}
			m.pullTree()
		})
	}()
}

func (m *Monitor) pullTree() {
	root := m.selected
	if !m.pinned {
		latest, ok := m.store.LatestRoot()
		if !ok {
			return
		}
		if latest.ID != m.selected {
			m.selected = latest.ID
			m.lastTree = nil
		}
		root = latest.ID
	}
	if root == "" {
		return
	}

	m.treeSeq++
	seq := m.treeSeq
	ctx := m.ctx
	go func() {
		tree, err := m.backend.GetTree(ctx, root)
		m.post(func() {
			if root != m.selected || seq <= m.applied {
				return
			}
			if err != nil {
				m.fail(err)
				return
			}
			m.recovered()
			m.applied = seq
			m.lastTree = &tree
			m.render()
		})
	}()
}

func (m *Monitor) applyPush(msg domain.PushMessage) {
	switch msg.Type {
	case domain.PushInitialState, domain.PushExecutionsUpdate:
		if m.store.ReplaceAll(msg.Revision, msg.Executions) {
			m.render()
			m.pullTree()
		}
	case domain.PushRunningAgents:
		partials := make([]execstate.Partial, 0, len(msg.Agents))
		for _, a := range msg.Agents {
			partials = append(partials, execstate.Partial{ID: a.ID, Name: a.Name, Phase: a.Phase})
		}
		if m.store.MergeRunning(partials) > 0 {
			m.render()
		}
	case domain.PushAgentUpdate, domain.PushAgentCompleted:
		m.doRefresh()
	case domain.PushError:
		m.cfg.Notifier.Notify(msg.Message)
	default:
		m.logger.Debug("ignoring push message", "type", msg.Type)
	}
}

// render is the single reconciliation entry point for both pull and push.
func (m *Monitor) render() {
	if m.lastTree == nil {
		return
	}
	frame := graph.FrameFromTree(*m.lastTree, m.store.Get)
	m.reconcile(m.model.ReconcileFrame(frame))
}

func (m *Monitor) reconcile(ops []graph.Op) {
	if m.cfg.OnFrame != nil {
		m.cfg.OnFrame(m.selected, ops)
	}
}

// fail reports the first error of a failure streak; the previous frame
// stays on screen.
func (m *Monitor) fail(err error) {
	if m.ctx != nil && m.ctx.Err() != nil {
		return
	}
	if m.failing {
		m.logger.Debug("pull failed again", "error", err)
		return
	}
	m.failing = true
	m.logger.Warn("pull failed", "error", err)
	m.cfg.Notifier.Notify("refresh failed: " + err.Error())
}

func (m *Monitor) recovered() {
	if m.failing {
		m.logger.Info("pull recovered")
	}
	m.failing = false
}
