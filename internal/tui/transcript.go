package tui

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"

	"hivewatch/internal/domain"
)

// TranscriptView renders a transcript into a TextView. Appends write to the
// end of the buffer so earlier lines are left alone.
type TranscriptView struct {
	body   *tview.TextView
	header *tview.TextView
	queue  func(func())
}

func NewTranscriptView(body, header *tview.TextView, queue func(func())) *TranscriptView {
	if queue == nil {
		queue = func(fn func()) { fn() }
	}
	return &TranscriptView{body: body, header: header, queue: queue}
}

func (v *TranscriptView) RenderFull(log domain.ExecutionLog) {
	v.queue(func() {
		v.header.SetText(headerLine(log))
		v.body.Clear()
		for _, m := range log.Messages {
			fmt.Fprint(v.body, renderMessage(m))
		}
		v.body.ScrollToEnd()
	})
}

func (v *TranscriptView) Append(_ domain.ExecutionLog, msgs []domain.Message) {
	v.queue(func() {
		for _, m := range msgs {
			fmt.Fprint(v.body, renderMessage(m))
		}
		v.body.ScrollToEnd()
	})
}

func (v *TranscriptView) UpdateHeader(log domain.ExecutionLog) {
	v.queue(func() {
		v.header.SetText(headerLine(log))
	})
}

func (v *TranscriptView) RenderWaiting(executionID string) {
	v.queue(func() {
		v.header.SetText(fmt.Sprintf("[yellow]⏳ waiting[-] %s", shortID(executionID)))
		v.body.Clear()
		v.body.SetText("[gray]Waiting for the first message...[-]")
	})
}

func (v *TranscriptView) RenderError(executionID string, err error) {
	v.queue(func() {
		v.header.SetText(fmt.Sprintf("[red]error[-] %s: %s", shortID(executionID), tview.Escape(err.Error())))
	})
}

func headerLine(log domain.ExecutionLog) string {
	badge := "[green]● running[-]"
	if !log.IsRunning() {
		badge = "[gray]✓ completed[-]"
	}
	return fmt.Sprintf("%s %s (%s) | iterations: %d | messages: %d",
		badge, tview.Escape(log.Name), shortID(log.ExecutionID), log.TotalIterations, len(log.Messages))
}

func renderMessage(m domain.Message) string {
	color := "white"
	switch m.Role {
	case domain.RoleUser:
		color = "aqua"
	case domain.RoleAssistant:
		color = "green"
	case domain.RoleTool:
		color = "yellow"
	case domain.RoleSystem:
		color = "gray"
	}
	role := string(m.Role)
	if m.ToolName != "" {
		role += ":" + m.ToolName
	}
	return fmt.Sprintf("[%s]%s[-] %s\n", color, role, tview.Escape(strings.TrimSpace(m.Content)))
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
