// Package depgraph models the static agent dependency graph edited in the
// design view.
package depgraph

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"hivewatch/internal/domain"
	"hivewatch/internal/graph"
)

var (
	ErrUnknownAgent      = errors.New("unknown agent")
	ErrAlreadyReferenced = errors.New("reference already present")
	ErrNotReferenced     = errors.New("reference not present")
	ErrUnknownReference  = errors.New("reference is neither an agent nor a tool")
	// ErrExpansionFailed means the backend accepted the reference but the
	// new agent's own references could not be loaded.
	ErrExpansionFailed = errors.New("reference added, expansion failed")
)

// Source returns agent definitions.
type Source interface {
	GetAgent(ctx context.Context, name string) (domain.AgentDetail, error)
}

func AgentNodeID(name string) string {
	return "agent::" + name
}

// ToolNodeID scopes a tool node to its caller; tool nodes are never shared.
func ToolNodeID(tool, parent string) string {
	return "tool::" + tool + "::from::" + parent
}

type Node struct {
	ID     string
	Kind   graph.Kind
	Name   string
	Parent string
}

type Edge struct {
	ID   string
	From string
	To   string
}

// Graph is rebuilt for every root selection. Agent definitions are fetched
// at most once per build.
type Graph struct {
	root       string
	agentNames map[string]struct{}

	nodes     map[string]Node
	nodeOrder []string
	edges     map[string]Edge
	edgeOrder []string

	details  map[string]domain.AgentDetail
	expanded map[string]bool
}

// Build expands the graph breadth-first from root.
func Build(ctx context.Context, src Source, root string, allAgentNames []string) (*Graph, error) {
	g := &Graph{
		root:       root,
		agentNames: make(map[string]struct{}, len(allAgentNames)),
		nodes:      make(map[string]Node),
		edges:      make(map[string]Edge),
		details:    make(map[string]domain.AgentDetail),
		expanded:   make(map[string]bool),
	}
	for _, name := range allAgentNames {
		g.agentNames[name] = struct{}{}
	}
	if !g.IsAgent(root) {
		return nil, fmt.Errorf("build graph for %q: %w", root, ErrUnknownAgent)
	}
	g.addNode(Node{ID: AgentNodeID(root), Kind: graph.KindRoot, Name: root})
	if err := g.expand(ctx, src, root); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) Root() string {
	return g.root
}

func (g *Graph) IsAgent(name string) bool {
	_, ok := g.agentNames[name]
	return ok
}

// Detail returns the cached definition of an expanded agent.
func (g *Graph) Detail(name string) (domain.AgentDetail, bool) {
	d, ok := g.details[name]
	return d, ok
}

func (g *Graph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

func (g *Graph) HasEdge(from, to string) bool {
	_, ok := g.edges[graph.EdgeID(from, to)]
	return ok
}

func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		out = append(out, g.nodes[id])
	}
	return out
}

func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edgeOrder))
	for _, id := range g.edgeOrder {
		out = append(out, g.edges[id])
	}
	return out
}

// Incoming counts edges pointing at id.
func (g *Graph) Incoming(id string) int {
	n := 0
	for _, eid := range g.edgeOrder {
		if g.edges[eid].To == id {
			n++
		}
	}
	return n
}

// AddEdge adds parent -> ref. An agent target that already has a node only
// gains the edge; a new agent target is expanded once.
func (g *Graph) AddEdge(ctx context.Context, src Source, parent, ref string) error {
	parentID := AgentNodeID(parent)
	if !g.HasNode(parentID) {
		return fmt.Errorf("add reference to %q: %w", parent, ErrUnknownAgent)
	}
	targetID := g.targetID(parent, ref)
	if g.HasEdge(parentID, targetID) {
		return fmt.Errorf("add %s -> %s: %w", parent, ref, ErrAlreadyReferenced)
	}

	if d, ok := g.details[parent]; ok && !slices.Contains(d.Tools, ref) {
		d.Tools = append(slices.Clone(d.Tools), ref)
		g.details[parent] = d
	}

	if !g.IsAgent(ref) {
		g.addNode(Node{ID: targetID, Kind: graph.KindTool, Name: ref, Parent: parent})
		g.addEdge(parentID, targetID)
		return nil
	}

	existed := g.HasNode(targetID)
	if !existed {
		g.addNode(Node{ID: targetID, Kind: graph.KindAgent, Name: ref})
	}
	g.addEdge(parentID, targetID)
	if existed && g.expanded[ref] {
		return nil
	}
	return g.expand(ctx, src, ref)
}

// RemoveEdge deletes parent -> ref and prunes every node no longer
// reachable from the root, walking breadth-first from the detached target.
// Shared nodes with another surviving path stay. It returns the removed
// node ids in removal order.
func (g *Graph) RemoveEdge(parent, ref string) ([]string, error) {
	parentID := AgentNodeID(parent)
	targetID := g.targetID(parent, ref)
	eid := graph.EdgeID(parentID, targetID)
	if _, ok := g.edges[eid]; !ok {
		return nil, fmt.Errorf("remove %s -> %s: %w", parent, ref, ErrNotReferenced)
	}

	g.removeEdge(eid)
	if d, ok := g.details[parent]; ok {
		d.Tools = slices.DeleteFunc(slices.Clone(d.Tools), func(t string) bool { return t == ref })
		g.details[parent] = d
	}

	reachable := g.reachable()
	var removed []string
	seen := map[string]bool{targetID: true}
	queue := []string{targetID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reachable[id] {
			continue
		}
		for _, child := range g.children(id) {
			if !seen[child] {
				seen[child] = true
				queue = append(queue, child)
			}
		}
		g.removeNode(id)
		removed = append(removed, id)
	}
	return removed, nil
}

// Frame exposes the graph to the reconciliation model.
func (g *Graph) Frame() graph.Frame {
	f := graph.Frame{
		Nodes: make([]graph.VisualNode, 0, len(g.nodeOrder)),
		Edges: make([]graph.VisualEdge, 0, len(g.edgeOrder)),
	}
	for _, id := range g.nodeOrder {
		n := g.nodes[id]
		f.Nodes = append(f.Nodes, graph.VisualNode{
			ID:    n.ID,
			Kind:  n.Kind,
			Label: n.Name,
			Style: graph.StaticStyle(n.Kind),
			Size:  graph.SizeFor(n.Kind),
			Shape: graph.ShapeFor(n.Kind),
		})
	}
	for _, id := range g.edgeOrder {
		e := g.edges[id]
		f.Edges = append(f.Edges, graph.NewEdge(e.From, e.To, graph.ModeSync))
	}
	return f
}

func (g *Graph) expand(ctx context.Context, src Source, start string) error {
	queue := []string{start}
	queued := map[string]bool{start: true}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if g.expanded[name] {
			continue
		}

		detail, err := g.definition(ctx, src, name)
		if err != nil {
			return err
		}
		g.expanded[name] = true

		parentID := AgentNodeID(name)
		for _, ref := range detail.Tools {
			if !g.IsAgent(ref) {
				toolID := ToolNodeID(ref, name)
				g.addNode(Node{ID: toolID, Kind: graph.KindTool, Name: ref, Parent: name})
				g.addEdge(parentID, toolID)
				continue
			}
			childID := AgentNodeID(ref)
			if !g.HasNode(childID) {
				g.addNode(Node{ID: childID, Kind: graph.KindAgent, Name: ref})
			}
			g.addEdge(parentID, childID)
			if !g.expanded[ref] && !queued[ref] {
				queued[ref] = true
				queue = append(queue, ref)
			}
		}
	}
	return nil
}

func (g *Graph) definition(ctx context.Context, src Source, name string) (domain.AgentDetail, error) {
	if d, ok := g.details[name]; ok {
		return d, nil
	}
	d, err := src.GetAgent(ctx, name)
	if err != nil {
		return domain.AgentDetail{}, fmt.Errorf("fetch agent %q: %w", name, err)
	}
	g.details[name] = d
	return d, nil
}

func (g *Graph) targetID(parent, ref string) string {
	if g.IsAgent(ref) {
		return AgentNodeID(ref)
	}
	return ToolNodeID(ref, parent)
}

func (g *Graph) reachable() map[string]bool {
	rootID := AgentNodeID(g.root)
	seen := map[string]bool{rootID: true}
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range g.children(id) {
			if !seen[child] {
				seen[child] = true
				queue = append(queue, child)
			}
		}
	}
	return seen
}

func (g *Graph) children(id string) []string {
	var out []string
	for _, eid := range g.edgeOrder {
		if e := g.edges[eid]; e.From == id {
			out = append(out, e.To)
		}
	}
	return out
}

func (g *Graph) addNode(n Node) {
	if _, ok := g.nodes[n.ID]; ok {
		return
	}
	g.nodes[n.ID] = n
	g.nodeOrder = append(g.nodeOrder, n.ID)
}

func (g *Graph) addEdge(from, to string) {
	id := graph.EdgeID(from, to)
	if _, ok := g.edges[id]; ok {
		return
	}
	g.edges[id] = Edge{ID: id, From: from, To: to}
	g.edgeOrder = append(g.edgeOrder, id)
}

func (g *Graph) removeEdge(id string) {
	if _, ok := g.edges[id]; !ok {
		return
	}
	delete(g.edges, id)
	g.edgeOrder = slices.DeleteFunc(g.edgeOrder, func(e string) bool { return e == id })
}

// removeNode drops the node with all its incident edges.
func (g *Graph) removeNode(id string) {
	for _, eid := range slices.Clone(g.edgeOrder) {
		if e := g.edges[eid]; e.From == id || e.To == id {
			g.removeEdge(eid)
		}
	}
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	delete(g.nodes, id)
	g.nodeOrder = slices.DeleteFunc(g.nodeOrder, func(x string) bool { return x == id })
	if n.Kind == graph.KindAgent {
		g.expanded[n.Name] = false
	}
}
