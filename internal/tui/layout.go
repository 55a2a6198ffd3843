// Package tui renders the monitor and the design view with tview.
package tui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"hivewatch/internal/graph"
)

// TreeLayout is the layout engine for the terminal: it places visual nodes
// in a tview.TreeView. The first edge into a node decides where it hangs;
// further incoming edges show up as reference rows.
type TreeLayout struct {
	view  *tview.TreeView
	root  *tview.TreeNode
	queue func(func())

	nodes   map[string]*tview.TreeNode
	visuals map[string]graph.VisualNode
	edges   map[string]graph.VisualEdge
	// rows holds the tree row each edge created.
	rows map[string]*tview.TreeNode
	// owner maps a node to the edge that currently holds it.
	owner map[string]string
	// bright marks running nodes whose glow is on the rising half of the pulse.
	bright map[string]bool
}

// NewTreeLayout wraps view. queue marshals work onto the UI goroutine; nil
// calls directly.
func NewTreeLayout(view *tview.TreeView, title string, queue func(func())) *TreeLayout {
	if queue == nil {
		queue = func(fn func()) { fn() }
	}
	root := tview.NewTreeNode(title).SetSelectable(false).SetColor(tcell.ColorGray)
	view.SetRoot(root).SetCurrentNode(root)
	return &TreeLayout{
		view:    view,
		root:    root,
		queue:   queue,
		nodes:   make(map[string]*tview.TreeNode),
		visuals: make(map[string]graph.VisualNode),
		edges:   make(map[string]graph.VisualEdge),
		rows:    make(map[string]*tview.TreeNode),
		owner:   make(map[string]string),
		bright:  make(map[string]bool),
	}
}

func (l *TreeLayout) AddNode(n graph.VisualNode) {
	l.queue(func() {
		tn := tview.NewTreeNode("").SetReference(n.ID).SetSelectable(true).SetExpanded(true)
		l.nodes[n.ID] = tn
		l.visuals[n.ID] = n
		l.root.AddChild(tn)
		l.repaint(n.ID)
	})
}

func (l *TreeLayout) UpdateNode(n graph.VisualNode) {
	l.queue(func() {
		prev, ok := l.visuals[n.ID]
		if !ok {
			return
		}
		switch {
		case !n.Running:
			delete(l.bright, n.ID)
		case n.Glow != prev.Glow:
			l.bright[n.ID] = n.Glow > prev.Glow
		}
		l.visuals[n.ID] = n
		l.repaint(n.ID)
		for eid, e := range l.edges {
			if e.To == n.ID && l.owner[n.ID] != eid {
				if row, ok := l.rows[eid]; ok {
					paintReference(row, n, e)
				}
			}
		}
	})
}

func (l *TreeLayout) RemoveNode(id string) {
	l.queue(func() {
		tn, ok := l.nodes[id]
		if !ok {
			return
		}
		l.root.RemoveChild(tn)
		delete(l.nodes, id)
		delete(l.visuals, id)
		delete(l.owner, id)
		delete(l.bright, id)
	})
}

func (l *TreeLayout) AddEdge(e graph.VisualEdge) {
	l.queue(func() {
		parent, ok := l.nodes[e.From]
		if !ok {
			return
		}
		child, ok := l.nodes[e.To]
		if !ok {
			return
		}
		l.edges[e.ID] = e
		if _, held := l.owner[e.To]; !held {
			l.root.RemoveChild(child)
			parent.AddChild(child)
			l.rows[e.ID] = child
			l.owner[e.To] = e.ID
			l.repaint(e.To)
			return
		}
		row := tview.NewTreeNode("").SetReference(e.To).SetSelectable(true)
		paintReference(row, l.visuals[e.To], e)
		parent.AddChild(row)
		l.rows[e.ID] = row
	})
}

func (l *TreeLayout) UpdateEdge(e graph.VisualEdge) {
	l.queue(func() {
		if _, ok := l.edges[e.ID]; !ok {
			return
		}
		l.edges[e.ID] = e
		if l.owner[e.To] == e.ID {
			l.repaint(e.To)
			return
		}
		if row, ok := l.rows[e.ID]; ok {
			paintReference(row, l.visuals[e.To], e)
		}
	})
}

func (l *TreeLayout) RemoveEdge(id string) {
	l.queue(func() {
		e, ok := l.edges[id]
		if !ok {
			return
		}
		delete(l.edges, id)
		row := l.rows[id]
		delete(l.rows, id)
		if parent, ok := l.nodes[e.From]; ok && row != nil {
			parent.RemoveChild(row)
		}
		if l.owner[e.To] == id {
			delete(l.owner, e.To)
			if child, ok := l.nodes[e.To]; ok {
				l.root.AddChild(child)
				l.repaint(e.To)
			}
		}
	})
}

// Selected returns the id of the node under the cursor.
func (l *TreeLayout) Selected() string {
	cur := l.view.GetCurrentNode()
	if cur == nil {
		return ""
	}
	id, _ := cur.GetReference().(string)
	return id
}

// NodeKind returns the kind of a placed node. Call it on the UI goroutine.
func (l *TreeLayout) NodeKind(id string) (graph.Kind, bool) {
	n, ok := l.visuals[id]
	return n.Kind, ok
}

// repaint redraws a node row, marking it async when the edge holding it is.
func (l *TreeLayout) repaint(id string) {
	tn, ok := l.nodes[id]
	if !ok {
		return
	}
	n := l.visuals[id]
	text := nodeText(n)
	color := tcell.GetColor(n.Style.Color)
	if bright, pulsing := l.bright[id]; pulsing {
		if bright {
			text = glowMarker(text)
		} else {
			color = dim(color)
		}
	}
	if eid, held := l.owner[id]; held {
		text += edgeSuffix(l.edges[eid])
	}
	tn.SetText(text).SetColor(color)
}

func glowMarker(text string) string {
	if rest, ok := strings.CutPrefix(text, "◆"); ok {
		return "◈" + rest
	}
	if rest, ok := strings.CutPrefix(text, "●"); ok {
		return "◉" + rest
	}
	return text
}

// dim darkens c for the falling half of the pulse.
func dim(c tcell.Color) tcell.Color {
	r, g, b := c.RGB()
	if r < 0 {
		return c
	}
	return tcell.NewRGBColor(r*3/5, g*3/5, b*3/5)
}

func paintReference(row *tview.TreeNode, n graph.VisualNode, e graph.VisualEdge) {
	row.SetText("↪ " + n.Label + edgeSuffix(e)).SetColor(tcell.GetColor(n.Style.Color))
}

func nodeText(n graph.VisualNode) string {
	var b strings.Builder
	if n.Shape == graph.ShapeDiamond {
		b.WriteString("◆ ")
	} else {
		b.WriteString("● ")
	}
	b.WriteString(n.Label)
	if n.Kind == graph.KindRoot {
		b.WriteString(" [root]")
	}
	return b.String()
}

func edgeSuffix(e graph.VisualEdge) string {
	if e.Mode == graph.ModeAsync {
		return " (async)"
	}
	return ""
}

// NodeLine is the plain text shown for a node, used by status lines.
func NodeLine(n graph.VisualNode) string {
	return fmt.Sprintf("%s %s", n.Kind, nodeText(n))
}
