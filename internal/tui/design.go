package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"hivewatch/internal/client"
	"hivewatch/internal/depgraph"
	"hivewatch/internal/logging"
)

// RunDesign shows the dependency graph of root and accepts reference edits:
//
//	add <parent> <ref>
//	rm <parent> <ref>
//	open <agent>
func RunDesign(ctx context.Context, c *client.Client, root string, logger *slog.Logger) error {
	logger = logging.OrDefault(logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app := tview.NewApplication()
	queue := uiQueue(ctx, app)

	treeView := tview.NewTreeView()
	treeView.SetBorder(true)
	statusView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	commandInput := tview.NewInputField().SetLabel("> ")
	commandInput.SetBorder(true).SetTitle("add <parent> <ref> | rm <parent> <ref> | open <agent>")

	setStatus := func(msg string) {
		queue(func() { statusView.SetText(tview.Escape(trimLine(msg, 200))) })
	}

	// The editor is not safe for concurrent use; edits run one at a time.
	var mu sync.Mutex
	var layout *TreeLayout
	var editor *depgraph.Editor
	open := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		if editor != nil {
			editor.Close()
		}
		layout = NewTreeLayout(treeView, name, queue)
		editor = depgraph.NewEditor(c, layout, logger)
		if err := editor.Open(ctx, name); err != nil {
			setStatus("Failed to open " + name + ": " + err.Error())
			return
		}
		queue(func() { treeView.SetTitle("Design: " + name) })
		setStatus(fmt.Sprintf("Loaded %s: %d nodes", name, len(editor.Graph().Nodes())))
	}

	run := func(line string) {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return
		}
		go func() {
			mu.Lock()
			ready := editor != nil
			mu.Unlock()
			if !ready && fields[0] != "open" {
				setStatus("no graph loaded; use open <agent>")
				return
			}
			switch {
			case fields[0] == "open" && len(fields) == 2:
				open(fields[1])
			case fields[0] == "add" && len(fields) == 3:
				mu.Lock()
				err := editor.AddReference(ctx, fields[1], fields[2])
				mu.Unlock()
				setStatus(editResult("Added", fields[1], fields[2], nil, err))
			case fields[0] == "rm" && len(fields) == 3:
				mu.Lock()
				removed, err := editor.RemoveReference(ctx, fields[1], fields[2])
				mu.Unlock()
				setStatus(editResult("Removed", fields[1], fields[2], removed, err))
			default:
				setStatus("unknown command: " + line)
			}
		}()
	}

	commandInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		run(commandInput.GetText())
		commandInput.SetText("")
	})

	layoutRoot := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(treeView, 0, 1, false).
		AddItem(commandInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyTAB:
			if app.GetFocus() == commandInput {
				app.SetFocus(treeView)
			} else {
				app.SetFocus(commandInput)
			}
			return nil
		}
		return event
	})

	go open(root)
	go func() {
		<-ctx.Done()
		app.Stop()
	}()

	if err := app.SetRoot(layoutRoot, true).EnableMouse(true).Run(); err != nil {
		return fmt.Errorf("design view failed: %w", err)
	}
	return nil
}

func editResult(verb, parent, ref string, removed []string, err error) string {
	if err != nil {
		if errors.Is(err, depgraph.ErrExpansionFailed) {
			return err.Error()
		}
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			return fmt.Sprintf("%s %s -> %s rejected: %s", verb, parent, ref, apiErr.Message)
		}
		return err.Error()
	}
	if len(removed) > 0 {
		return fmt.Sprintf("%s %s -> %s, pruned %s", verb, parent, ref, strings.Join(removed, ", "))
	}
	return fmt.Sprintf("%s %s -> %s", verb, parent, ref)
}
