package graph

// Model keeps the previous frame and computes the minimal mutations needed
// to reach the next one. It is owned by one coordinator and is not safe
// for concurrent use.
type Model struct {
	nodes     map[string]VisualNode
	nodeOrder []string
	edges     map[string]VisualEdge
	edgeOrder []string
	layout    Layout
}

func NewModel(layout Layout) *Model {
	return &Model{
		nodes:  make(map[string]VisualNode),
		edges:  make(map[string]VisualEdge),
		layout: layout,
	}
}

// Reconcile diffs the wanted frame against the current one, applies the
// result to the layout and returns the operations in application order:
// edge removals, node removals, node additions, node updates, then edge
// additions and updates. Edges whose endpoints are not wanted are ignored.
func (m *Model) Reconcile(nodes []VisualNode, edges []VisualEdge) []Op {
	wantNodes := make(map[string]VisualNode, len(nodes))
	var wantNodeOrder []string
	for _, n := range nodes {
		if n.ID == "" {
			continue
		}
		if _, dup := wantNodes[n.ID]; !dup {
			wantNodeOrder = append(wantNodeOrder, n.ID)
		}
		wantNodes[n.ID] = n
	}

	wantEdges := make(map[string]VisualEdge, len(edges))
	var wantEdgeOrder []string
	for _, e := range edges {
		if _, ok := wantNodes[e.From]; !ok {
			continue
		}
		if _, ok := wantNodes[e.To]; !ok {
			continue
		}
		if e.ID == "" {
			e.ID = EdgeID(e.From, e.To)
		}
		if _, dup := wantEdges[e.ID]; !dup {
			wantEdgeOrder = append(wantEdgeOrder, e.ID)
		}
		wantEdges[e.ID] = e
	}

	var ops []Op

	keptEdges := m.edgeOrder[:0:0]
	for _, id := range m.edgeOrder {
		if _, ok := wantEdges[id]; ok {
			keptEdges = append(keptEdges, id)
			continue
		}
		delete(m.edges, id)
		ops = append(ops, Op{Type: OpRemoveEdge, ID: id})
	}
	m.edgeOrder = keptEdges

	keptNodes := m.nodeOrder[:0:0]
	for _, id := range m.nodeOrder {
		if _, ok := wantNodes[id]; ok {
			keptNodes = append(keptNodes, id)
			continue
		}
		delete(m.nodes, id)
		ops = append(ops, Op{Type: OpRemoveNode, ID: id})
	}
	m.nodeOrder = keptNodes

	var updates []Op
	for _, id := range wantNodeOrder {
		want := wantNodes[id]
		cur, exists := m.nodes[id]
		if !exists {
			want.Glow = 0
			m.nodes[id] = want
			m.nodeOrder = append(m.nodeOrder, id)
			n := want
			ops = append(ops, Op{Type: OpAddNode, ID: id, Node: &n})
			continue
		}
		if sameNode(cur, want) {
			continue
		}
		next := cur
		next.Kind = want.Kind
		next.Label = want.Label
		next.Style = want.Style
		next.Size = want.Size
		next.Shape = want.Shape
		next.Running = want.Running
		if !next.Running {
			next.Glow = 0
		}
		m.nodes[id] = next
		n := next
		updates = append(updates, Op{Type: OpUpdateNode, ID: id, Node: &n})
	}
	ops = append(ops, updates...)

	var edgeUpdates []Op
	for _, id := range wantEdgeOrder {
		want := wantEdges[id]
		cur, exists := m.edges[id]
		if !exists {
			m.edges[id] = want
			m.edgeOrder = append(m.edgeOrder, id)
			e := want
			ops = append(ops, Op{Type: OpAddEdge, ID: id, Edge: &e})
			continue
		}
		if cur == want {
			continue
		}
		m.edges[id] = want
		e := want
		edgeUpdates = append(edgeUpdates, Op{Type: OpUpdateEdge, ID: id, Edge: &e})
	}
	ops = append(ops, edgeUpdates...)

	m.apply(ops)
	return ops
}

// ReconcileFrame is Reconcile over a Frame.
func (m *Model) ReconcileFrame(f Frame) []Op {
	return m.Reconcile(f.Nodes, f.Edges)
}

// Clear removes everything, edges first.
func (m *Model) Clear() []Op {
	return m.Reconcile(nil, nil)
}

// Pulse sets the glow of every running node and leaves all other
// attributes alone. It returns the number of nodes touched.
func (m *Model) Pulse(glow float64) int {
	touched := 0
	for _, id := range m.nodeOrder {
		n := m.nodes[id]
		if !n.Running {
			continue
		}
		n.Glow = glow
		m.nodes[id] = n
		if m.layout != nil {
			m.layout.UpdateNode(n)
		}
		touched++
	}
	return touched
}

// SetPosition records a position assigned by the layout engine.
func (m *Model) SetPosition(id string, pos Position) bool {
	n, ok := m.nodes[id]
	if !ok {
		return false
	}
	p := pos
	n.Position = &p
	m.nodes[id] = n
	return true
}

func (m *Model) Node(id string) (VisualNode, bool) {
	n, ok := m.nodes[id]
	return n, ok
}

func (m *Model) Edge(id string) (VisualEdge, bool) {
	e, ok := m.edges[id]
	return e, ok
}

func (m *Model) Nodes() []VisualNode {
	out := make([]VisualNode, 0, len(m.nodeOrder))
	for _, id := range m.nodeOrder {
		out = append(out, m.nodes[id])
	}
	return out
}

func (m *Model) Edges() []VisualEdge {
	out := make([]VisualEdge, 0, len(m.edgeOrder))
	for _, id := range m.edgeOrder {
		out = append(out, m.edges[id])
	}
	return out
}

func (m *Model) apply(ops []Op) {
	if m.layout == nil {
		return
	}
	for _, op := range ops {
		switch op.Type {
		case OpRemoveEdge:
			m.layout.RemoveEdge(op.ID)
		case OpRemoveNode:
			m.layout.RemoveNode(op.ID)
		case OpAddNode:
			m.layout.AddNode(*op.Node)
		case OpUpdateNode:
			m.layout.UpdateNode(*op.Node)
		case OpAddEdge:
			m.layout.AddEdge(*op.Edge)
		case OpUpdateEdge:
			m.layout.UpdateEdge(*op.Edge)
		}
	}
}

func sameNode(cur, want VisualNode) bool {
	return cur.Kind == want.Kind &&
		cur.Label == want.Label &&
		cur.Style == want.Style &&
		cur.Size == want.Size &&
		cur.Shape == want.Shape &&
		cur.Running == want.Running
}
