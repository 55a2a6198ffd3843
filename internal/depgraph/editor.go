package depgraph

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"hivewatch/internal/domain"
	"hivewatch/internal/graph"
	"hivewatch/internal/logging"
)

// Backend is the agent-definition service the editor writes through.
type Backend interface {
	Source
	ListAgents(ctx context.Context) ([]domain.AgentDetail, error)
	ListTools(ctx context.Context) ([]domain.ToolInfo, error)
	UpdateAgent(ctx context.Context, agent domain.AgentDetail) (domain.AgentDetail, error)
}

// Editor applies reference edits to the backend first and to the local
// graph only once the backend accepted them.
type Editor struct {
	backend Backend
	model   *graph.Model
	logger  *slog.Logger

	graph     *Graph
	toolNames map[string]struct{}
}

func NewEditor(backend Backend, layout graph.Layout, logger *slog.Logger) *Editor {
	return &Editor{
		backend: backend,
		model:   graph.NewModel(layout),
		logger:  logging.OrDefault(logger).With("component", "depgraph"),
	}
}

// Open builds the graph for root, replacing whatever was shown before.
func (e *Editor) Open(ctx context.Context, root string) error {
	agents, err := e.backend.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	tools, err := e.backend.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	names := make([]string, 0, len(agents))
	for _, a := range agents {
		names = append(names, a.Name)
	}
	e.toolNames = make(map[string]struct{}, len(tools))
	for _, t := range tools {
		e.toolNames[t.Name] = struct{}{}
	}

	g, err := Build(ctx, e.backend, root, names)
	if err != nil {
		return err
	}
	e.model.Clear()
	e.graph = g
	ops := e.model.ReconcileFrame(g.Frame())
	e.logger.Debug("dependency graph opened", "root", root, "nodes", len(g.Nodes()), "ops", len(ops))
	return nil
}

// Close tears the view down.
func (e *Editor) Close() {
	e.model.Clear()
	e.graph = nil
}

func (e *Editor) Graph() *Graph {
	return e.graph
}

func (e *Editor) Model() *graph.Model {
	return e.model
}

// AddReference adds ref to parent's tool list on the backend and then to
// the graph.
func (e *Editor) AddReference(ctx context.Context, parent, ref string) error {
	g := e.graph
	if g == nil {
		return fmt.Errorf("add reference: %w", ErrUnknownAgent)
	}
	if !g.IsAgent(ref) {
		if _, ok := e.toolNames[ref]; !ok {
			return fmt.Errorf("add %s -> %s: %w", parent, ref, ErrUnknownReference)
		}
	}
	detail, ok := g.Detail(parent)
	if !ok || !g.HasNode(AgentNodeID(parent)) {
		return fmt.Errorf("add reference to %q: %w", parent, ErrUnknownAgent)
	}
	if slices.Contains(detail.Tools, ref) {
		return fmt.Errorf("add %s -> %s: %w", parent, ref, ErrAlreadyReferenced)
	}

	updated := detail
	updated.Tools = append(slices.Clone(detail.Tools), ref)
	if _, err := e.backend.UpdateAgent(ctx, updated); err != nil {
		return fmt.Errorf("update agent %q: %w", parent, err)
	}

	if err := g.AddEdge(ctx, e.backend, parent, ref); err != nil {
		e.model.ReconcileFrame(g.Frame())
		e.logger.Warn("reference added but not expanded", "parent", parent, "ref", ref, "error", err)
		return fmt.Errorf("add %s -> %s: %w: %w", parent, ref, ErrExpansionFailed, err)
	}
	e.model.ReconcileFrame(g.Frame())
	e.logger.Info("reference added", "parent", parent, "ref", ref)
	return nil
}

// RemoveReference removes ref from parent on the backend, then prunes the
// graph. It returns the node ids that disappeared.
func (e *Editor) RemoveReference(ctx context.Context, parent, ref string) ([]string, error) {
	g := e.graph
	if g == nil {
		return nil, fmt.Errorf("remove reference: %w", ErrUnknownAgent)
	}
	detail, ok := g.Detail(parent)
	if !ok || !g.HasNode(AgentNodeID(parent)) {
		return nil, fmt.Errorf("remove reference from %q: %w", parent, ErrUnknownAgent)
	}
	if !slices.Contains(detail.Tools, ref) {
		return nil, fmt.Errorf("remove %s -> %s: %w", parent, ref, ErrNotReferenced)
	}

	updated := detail
	updated.Tools = slices.DeleteFunc(slices.Clone(detail.Tools), func(t string) bool { return t == ref })
	if _, err := e.backend.UpdateAgent(ctx, updated); err != nil {
		return nil, fmt.Errorf("update agent %q: %w", parent, err)
	}

	removed, err := g.RemoveEdge(parent, ref)
	if err != nil {
		return nil, err
	}
	e.model.ReconcileFrame(g.Frame())
	e.logger.Info("reference removed", "parent", parent, "ref", ref, "pruned", len(removed))
	return removed, nil
}
