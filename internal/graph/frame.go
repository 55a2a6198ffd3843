package graph

import "hivewatch/internal/domain"

// Lookup returns the freshest known record for an execution id.
type Lookup func(id string) (domain.ExecutionRecord, bool)

// FrameFromTree builds the monitor frame for an execution subtree. Records
// known to lookup overlay the tree's phase while both agree the execution
// is running; a completion seen by either side wins.
func FrameFromTree(tree domain.ExecutionTree, lookup Lookup) Frame {
	var f Frame
	addExecution(&f, tree, KindRoot, lookup)
	return f
}

func addExecution(f *Frame, tree domain.ExecutionTree, kind Kind, lookup Lookup) {
	rec := overlay(tree.ExecutionRecord, lookup)
	f.Nodes = append(f.Nodes, executionNode(rec, kind))

	childNames := make(map[string]struct{}, len(tree.Children))
	for _, child := range tree.Children {
		childNames[child.Name] = struct{}{}
	}

	for _, tc := range tree.Tools {
		if _, isAgent := childNames[tc.ToolName]; isAgent {
			continue
		}
		f.Nodes = append(f.Nodes, toolNode(tc))
		f.Edges = append(f.Edges, NewEdge(rec.ID, tc.ID, ModeFor(tc.CallMode)))
	}

	for _, child := range tree.Children {
		addExecution(f, child, KindAgent, lookup)
		f.Edges = append(f.Edges, NewEdge(rec.ID, child.ID, ModeFor(child.CallMode)))
	}
}

func NewEdge(from, to string, mode Mode) VisualEdge {
	return VisualEdge{
		ID:    EdgeID(from, to),
		From:  from,
		To:    to,
		Mode:  mode,
		Style: EdgeStyleFor(mode),
	}
}

func overlay(rec domain.ExecutionRecord, lookup Lookup) domain.ExecutionRecord {
	if lookup == nil {
		return rec
	}
	fresh, ok := lookup(rec.ID)
	if !ok {
		return rec
	}
	if !fresh.IsRunning {
		rec.IsRunning = false
		return rec
	}
	if rec.IsRunning && fresh.Phase != "" {
		rec.Phase = fresh.Phase
	}
	return rec
}

func executionNode(rec domain.ExecutionRecord, kind Kind) VisualNode {
	return VisualNode{
		ID:      rec.ID,
		Kind:    kind,
		Label:   DecorateLabel(rec.Name, kind, rec.IsRunning, rec.Phase, rec.ErrorCount),
		Style:   DeriveStyle(rec.IsRunning, rec.Phase, rec.ErrorCount),
		Size:    SizeFor(kind),
		Shape:   ShapeFor(kind),
		Running: rec.IsRunning,
	}
}

func toolNode(tc domain.ToolCall) VisualNode {
	errorCount := 0
	if tc.Failed {
		errorCount = 1
	}
	phase := domain.Phase("")
	if tc.IsRunning {
		phase = domain.PhaseExecutingTool
	}
	return VisualNode{
		ID:      tc.ID,
		Kind:    KindTool,
		Label:   DecorateLabel(tc.ToolName, KindTool, tc.IsRunning, phase, errorCount),
		Style:   DeriveStyle(tc.IsRunning, phase, errorCount),
		Size:    SizeTool,
		Shape:   ShapeDiamond,
		Running: tc.IsRunning,
	}
}
