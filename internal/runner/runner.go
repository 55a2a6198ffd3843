// Package runner drives simulated agent executions for the development
// backend. Each root execution runs in its own goroutine and writes every
// step through the store so the push hub can observe it.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"hivewatch/internal/domain"
	"hivewatch/internal/logging"
)

var ErrClosed = errors.New("runner is closed")

type Store interface {
	CreateExecution(ctx context.Context, rec domain.ExecutionRecord) error
	UpdatePhase(ctx context.Context, id string, phase domain.Phase) (bool, error)
	CompleteExecution(ctx context.Context, id string, finalResponse string) (bool, error)
	StopTree(ctx context.Context, rootID string) ([]string, error)
	StopAll(ctx context.Context) ([]string, error)
	CreateToolCall(ctx context.Context, call domain.ToolCall) error
	CompleteToolCall(ctx context.Context, id string, result string, failed bool) error
	AppendMessage(ctx context.Context, executionID string, msg domain.Message) (int, error)
	GetAgent(ctx context.Context, name string) (domain.AgentDetail, error)
	HasTool(ctx context.Context, name string) (bool, error)
}

type Bus interface {
	Publish(ev domain.ChangeEvent) int
}

type Config struct {
	StepDelay time.Duration
	MaxDepth  int
}

func (c Config) withDefaults() Config {
	if c.StepDelay <= 0 {
		c.StepDelay = 750 * time.Millisecond
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 4
	}
	return c
}

type Runner struct {
	store  Store
	bus    Bus
	cfg    Config
	logger *slog.Logger

	wg sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	cancels map[string]context.CancelFunc
}

func New(store Store, bus Bus, cfg Config, logger *slog.Logger) *Runner {
	return &Runner{
		store:   store,
		bus:     bus,
		cfg:     cfg.withDefaults(),
		logger:  logging.OrDefault(logger),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start creates a root execution for agentName and simulates it in the
// background. ctx only bounds the setup; the run outlives the request.
func (r *Runner) Start(ctx context.Context, agentName, message string) (domain.StartResponse, error) {
	agent, err := r.store.GetAgent(ctx, agentName)
	if err != nil {
		return domain.StartResponse{}, fmt.Errorf("start %s: %w", agentName, err)
	}

	id := uuid.NewString()
	if err := r.store.CreateExecution(ctx, domain.ExecutionRecord{
		ID:        id,
		Name:      agent.Name,
		StartedAt: time.Now().UTC(),
		Phase:     domain.PhaseGenerating,
		CallMode:  domain.CallModeSync,
	}); err != nil {
		return domain.StartResponse{}, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		_, _ = r.store.StopTree(ctx, id)
		return domain.StartResponse{}, ErrClosed
	}
	r.cancels[id] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	r.publish(domain.ChangeExecutionStarted, id)
	r.logger.Info("execution started", "id", id, "agent", agent.Name)

	go func() {
		defer r.wg.Done()
		defer r.forget(id)
		r.append(runCtx, id, domain.RoleUser, message, "")
		if _, err := r.run(runCtx, id, agent, message, 0); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("execution failed", "id", id, "error", err)
		}
	}()

	return domain.StartResponse{ID: id, AgentName: agent.Name, Status: "started"}, nil
}

// Stop cancels the run owning rootID and completes the subtree.
func (r *Runner) Stop(ctx context.Context, rootID string) (domain.StopResult, error) {
	r.mu.Lock()
	if cancel, ok := r.cancels[rootID]; ok {
		cancel()
	}
	r.mu.Unlock()

	ids, err := r.store.StopTree(ctx, rootID)
	if err != nil {
		return domain.StopResult{}, err
	}
	for _, id := range ids {
		r.publish(domain.ChangeExecutionCompleted, id)
	}
	return domain.StopResult{StoppedCount: len(ids), IDs: ids, Message: stopMessage(len(ids))}, nil
}

// StopAll cancels every run and completes everything still running.
func (r *Runner) StopAll(ctx context.Context) (domain.StopResult, error) {
	r.mu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()

	ids, err := r.store.StopAll(ctx)
	if err != nil {
		return domain.StopResult{}, err
	}
	for _, id := range ids {
		r.publish(domain.ChangeExecutionCompleted, id)
	}
	return domain.StopResult{StoppedCount: len(ids), IDs: ids, Message: stopMessage(len(ids))}, nil
}

// Running is the number of root runs still in flight.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}

func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close refuses new runs, cancels the active ones and waits for them.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[id]; ok {
		cancel()
		delete(r.cancels, id)
	}
}

// run walks the agent's references in order: sub-agents become child
// executions, everything else a tool call. It returns the final response.
func (r *Runner) run(ctx context.Context, id string, agent domain.AgentDetail, message string, depth int) (string, error) {
	if err := r.pause(ctx); err != nil {
		return "", err
	}
	r.append(ctx, id, domain.RoleAssistant, fmt.Sprintf("Working on: %s", trimText(message, 120)), "")

	for _, ref := range agent.Tools {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		sub, err := r.store.GetAgent(ctx, ref)
		if err == nil {
			if depth+1 >= r.cfg.MaxDepth {
				r.append(ctx, id, domain.RoleAssistant, fmt.Sprintf("Skipping %s: depth limit reached", ref), "")
				continue
			}
			if err := r.delegate(ctx, id, sub, message, depth); err != nil {
				return "", err
			}
			continue
		}
		if err := r.callTool(ctx, id, ref, message); err != nil {
			return "", err
		}
	}

	final := fmt.Sprintf("%s finished", agent.Name)
	r.append(ctx, id, domain.RoleAssistant, final, "")
	if err := ctx.Err(); err != nil {
		return "", err
	}
	done, err := r.store.CompleteExecution(ctx, id, final)
	if err != nil {
		return "", err
	}
	if done {
		r.publish(domain.ChangeExecutionCompleted, id)
	}
	return final, nil
}

func (r *Runner) delegate(ctx context.Context, parentID string, sub domain.AgentDetail, message string, depth int) error {
	r.setPhase(ctx, parentID, domain.PhaseWaiting)
	r.append(ctx, parentID, domain.RoleAssistant, fmt.Sprintf("Delegating to %s", sub.Name), "")

	childID := uuid.NewString()
	parent := parentID
	if err := r.store.CreateExecution(ctx, domain.ExecutionRecord{
		ID:        childID,
		Name:      sub.Name,
		ParentID:  &parent,
		StartedAt: time.Now().UTC(),
		Phase:     domain.PhaseGenerating,
		CallMode:  domain.CallModeSync,
	}); err != nil {
		return fmt.Errorf("create child %s: %w", sub.Name, err)
	}
	r.publish(domain.ChangeExecutionStarted, childID)
	r.append(ctx, childID, domain.RoleUser, message, "")

	result, err := r.run(ctx, childID, sub, message, depth+1)
	if err != nil {
		return err
	}
	r.append(ctx, parentID, domain.RoleTool, result, sub.Name)
	r.setPhase(ctx, parentID, domain.PhaseGenerating)
	return nil
}

func (r *Runner) callTool(ctx context.Context, executionID, tool, message string) error {
	r.setPhase(ctx, executionID, domain.PhaseExecutingTool)

	callID := uuid.NewString()
	params, _ := json.Marshal(map[string]string{"input": trimText(message, 80)})
	if err := r.store.CreateToolCall(ctx, domain.ToolCall{
		ID:          callID,
		ExecutionID: executionID,
		ToolName:    tool,
		Parameters:  params,
		CallMode:    domain.CallModeSync,
		StartedAt:   time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("create tool call %s: %w", tool, err)
	}
	r.publish(domain.ChangeExecutionUpdated, executionID)

	if err := r.pause(ctx); err != nil {
		return err
	}

	known, err := r.store.HasTool(ctx, tool)
	if err != nil {
		return err
	}
	result := fmt.Sprintf("%s returned ok", tool)
	if !known {
		result = fmt.Sprintf("unknown tool %q", tool)
	}
	if err := r.store.CompleteToolCall(ctx, callID, result, !known); err != nil {
		return err
	}
	r.append(ctx, executionID, domain.RoleTool, result, tool)
	r.setPhase(ctx, executionID, domain.PhaseGenerating)
	return nil
}

func (r *Runner) setPhase(ctx context.Context, id string, phase domain.Phase) {
	moved, err := r.store.UpdatePhase(ctx, id, phase)
	if err != nil {
		r.logger.Warn("update phase failed", "id", id, "phase", phase, "error", err)
		return
	}
	if moved {
		r.publish(domain.ChangeExecutionUpdated, id)
	}
}

func (r *Runner) append(ctx context.Context, id string, role domain.MessageRole, content, tool string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := r.store.AppendMessage(ctx, id, domain.Message{
		Role:      role,
		Content:   content,
		ToolName:  tool,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		r.logger.Warn("append message failed", "id", id, "error", err)
	}
}

func (r *Runner) publish(kind domain.ChangeKind, id string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(domain.ChangeEvent{Kind: kind, ExecutionID: id, At: time.Now().UTC()})
}

func (r *Runner) pause(ctx context.Context) error {
	timer := time.NewTimer(r.cfg.StepDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func stopMessage(n int) string {
	if n == 1 {
		return "stopped 1 execution"
	}
	return fmt.Sprintf("stopped %d executions", n)
}

func trimText(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
