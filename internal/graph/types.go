// Package graph turns execution state into stable visual node and edge
// mutations for an external layout engine.
package graph

import "fmt"

type Kind int

const (
	KindAgent Kind = iota
	KindTool
	KindRoot
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindTool:
		return "tool"
	default:
		return "agent"
	}
}

type Shape string

const (
	ShapeDot     Shape = "dot"
	ShapeDiamond Shape = "diamond"
)

type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

const (
	SizeRoot  = 30
	SizeAgent = 20
	SizeTool  = 15
)

type Position struct {
	X float64
	Y float64
}

type VisualNode struct {
	ID      string
	Kind    Kind
	Label   string
	Style   NodeStyle
	Size    int
	Shape   Shape
	Running bool
	// Glow is the pulsing shadow size; only the scheduler touches it.
	Glow     float64
	Position *Position
}

type VisualEdge struct {
	ID    string
	From  string
	To    string
	Mode  Mode
	Style EdgeStyle
}

func EdgeID(from, to string) string {
	return fmt.Sprintf("%s->%s", from, to)
}

// Frame is the full desired node and edge set for one reconciliation pass.
type Frame struct {
	Nodes []VisualNode
	Edges []VisualEdge
}

// Layout is the external layout engine. It receives mutation primitives
// only; positions flow back through Model.SetPosition.
type Layout interface {
	AddNode(n VisualNode)
	UpdateNode(n VisualNode)
	RemoveNode(id string)
	AddEdge(e VisualEdge)
	UpdateEdge(e VisualEdge)
	RemoveEdge(id string)
}

type OpType int

const (
	OpRemoveEdge OpType = iota
	OpRemoveNode
	OpAddNode
	OpUpdateNode
	OpAddEdge
	OpUpdateEdge
)

func (t OpType) String() string {
	switch t {
	case OpRemoveEdge:
		return "remove_edge"
	case OpRemoveNode:
		return "remove_node"
	case OpAddNode:
		return "add_node"
	case OpUpdateNode:
		return "update_node"
	case OpAddEdge:
		return "add_edge"
	case OpUpdateEdge:
		return "update_edge"
	default:
		return "unknown"
	}
}

type Op struct {
	Type OpType
	ID   string
	Node *VisualNode
	Edge *VisualEdge
}
