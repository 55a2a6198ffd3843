package graph

import (
	"fmt"

	colorful "github.com/lucasb-eyer/go-colorful"

	"hivewatch/internal/domain"
)

type StyleState string

const (
	StyleError         StyleState = "error"
	StyleRunningError  StyleState = "running_error"
	StyleGenerating    StyleState = "generating"
	StyleWaiting       StyleState = "waiting"
	StyleExecutingTool StyleState = "executing_tool"
	StyleActive        StyleState = "active"
	StyleCompleted     StyleState = "completed"
	StyleStatic        StyleState = "static"
)

type NodeStyle struct {
	State  StyleState
	Color  string
	Border string
}

type EdgeStyle struct {
	Dashed  bool
	Width   int
	Color   string
	Opacity float64
}

const (
	colorError         = "#e74c3c"
	colorGenerating    = "#3498db"
	colorWaiting       = "#f1c40f"
	colorExecutingTool = "#9b59b6"
	colorActive        = "#2ecc71"
	colorCompleted     = "#7f8c8d"
	colorStaticAgent   = "#5dade2"
	colorStaticTool    = "#af7ac5"
	colorEdge          = "#ecf0f1"
	colorEdgeMuted     = "#95a5a6"

	runningErrorTint = 0.45
)

var phaseGlyphs = map[domain.Phase]string{
	domain.PhaseGenerating:    "✎",
	domain.PhaseWaiting:       "⏳",
	domain.PhaseExecutingTool: "⚙",
}

const activeGlyph = "▶"

// DeriveStyle picks the node style for an execution. Errors on a finished
// execution win; errors on a running one tint the running style.
func DeriveStyle(running bool, phase domain.Phase, errorCount int) NodeStyle {
	hasError := errorCount > 0
	switch {
	case hasError && !running:
		return NodeStyle{State: StyleError, Color: colorError, Border: colorError}
	case hasError && running:
		base := runningStyle(phase)
		tinted := blend(base.Color, colorError, runningErrorTint)
		return NodeStyle{State: StyleRunningError, Color: tinted, Border: colorError}
	case running:
		return runningStyle(phase)
	default:
		return NodeStyle{State: StyleCompleted, Color: colorCompleted, Border: colorCompleted}
	}
}

func runningStyle(phase domain.Phase) NodeStyle {
	switch phase {
	case domain.PhaseGenerating:
		return NodeStyle{State: StyleGenerating, Color: colorGenerating, Border: colorGenerating}
	case domain.PhaseWaiting:
		return NodeStyle{State: StyleWaiting, Color: colorWaiting, Border: colorWaiting}
	case domain.PhaseExecutingTool:
		return NodeStyle{State: StyleExecutingTool, Color: colorExecutingTool, Border: colorExecutingTool}
	default:
		return NodeStyle{State: StyleActive, Color: colorActive, Border: colorActive}
	}
}

// StaticStyle is used by the dependency editor, which has no live state.
func StaticStyle(kind Kind) NodeStyle {
	if kind == KindTool {
		return NodeStyle{State: StyleStatic, Color: colorStaticTool, Border: colorStaticTool}
	}
	return NodeStyle{State: StyleStatic, Color: colorStaticAgent, Border: colorStaticAgent}
}

// DecorateLabel prefixes the error badge and, for running non-tool nodes,
// the phase glyph.
func DecorateLabel(name string, kind Kind, running bool, phase domain.Phase, errorCount int) string {
	label := name
	if running && kind != KindTool {
		glyph, ok := phaseGlyphs[phase]
		if !ok {
			glyph = activeGlyph
		}
		label = glyph + " " + label
	}
	if errorCount > 0 {
		label = fmt.Sprintf("⚠%d %s", errorCount, label)
	}
	return label
}

func EdgeStyleFor(mode Mode) EdgeStyle {
	if mode == ModeAsync {
		return EdgeStyle{Dashed: true, Width: 1, Color: colorEdgeMuted, Opacity: 0.5}
	}
	return EdgeStyle{Dashed: false, Width: 3, Color: colorEdge, Opacity: 1}
}

func ModeFor(mode domain.CallMode) Mode {
	if mode == domain.CallModeAsync {
		return ModeAsync
	}
	return ModeSync
}

func SizeFor(kind Kind) int {
	switch kind {
	case KindRoot:
		return SizeRoot
	case KindTool:
		return SizeTool
	default:
		return SizeAgent
	}
}

func ShapeFor(kind Kind) Shape {
	if kind == KindTool {
		return ShapeDiamond
	}
	return ShapeDot
}

func blend(from, to string, t float64) string {
	a, err := colorful.Hex(from)
	if err != nil {
		return from
	}
	b, err := colorful.Hex(to)
	if err != nil {
		return from
	}
	return a.BlendRgb(b, t).Clamped().Hex()
}
