package tui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"hivewatch/internal/client"
	"hivewatch/internal/config"
	"hivewatch/internal/graph"
	"hivewatch/internal/logging"
	"hivewatch/internal/monitor"
	"hivewatch/internal/refresh"
	"hivewatch/internal/session"
	"hivewatch/internal/transcript"
)

type WatchOptions struct {
	Monitor config.MonitorConfig
	RootID  string
	Logger  *slog.Logger
}

// RunWatch shows the live execution graph with the selected execution's
// transcript until the user quits or ctx ends.
func RunWatch(ctx context.Context, c *client.Client, opts WatchOptions) error {
	logger := logging.OrDefault(opts.Logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pushURL, err := c.PushURL()
	if err != nil {
		return err
	}

	app := tview.NewApplication()
	queue := uiQueue(ctx, app)

	treeView := tview.NewTreeView()
	treeView.SetTitle("Executions (Enter transcript, F5 refresh, Ctrl+S stop, Ctrl+X stop all, F10 quit)").SetBorder(true)
	layout := NewTreeLayout(treeView, "executions", queue)

	transcriptHeader := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	transcriptHeader.SetBorder(true).SetTitle("Execution")
	transcriptBody := tview.NewTextView().SetDynamicColors(true).SetWrap(true)
	transcriptBody.SetBorder(true).SetTitle("Transcript")
	transcriptView := NewTranscriptView(transcriptBody, transcriptHeader, queue)

	promptInput := tview.NewInputField().SetLabel("agent: message -> ")
	promptInput.SetBorder(true).SetTitle("Enter = start execution")

	connView := tview.NewTextView().SetDynamicColors(true)
	connView.SetBorder(true).SetTitle("Push")
	statusView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")

	setStatus := func(msg string) {
		queue(func() { statusView.SetText(tview.Escape(trimLine(msg, 200))) })
	}
	setStatus(fmt.Sprintf("Connected to %s | shortcuts: F10 quit, F5 refresh, Ctrl+L prompt, Ctrl+T tree", c.BaseURL()))

	mcfg := opts.Monitor
	m := monitor.New(monitor.Config{
		Refresh: refresh.Config{
			Interval:     mcfg.AnimationInterval(),
			RefreshEvery: mcfg.RefreshEveryTicks,
			Base:         mcfg.PulseBase,
			Amplitude:    mcfg.PulseAmplitude,
		},
		Layout:   layout,
		Notifier: monitor.NotifierFunc(setStatus),
		NewPush: func() monitor.Push {
			return session.New(session.Config{
				URL:               pushURL,
				KeepaliveInterval: mcfg.KeepaliveInterval(),
				MaxAttempts:       mcfg.ReconnectMaxAttempts,
				BaseDelay:         mcfg.ReconnectBase(),
				MaxDelay:          mcfg.ReconnectMax(),
				Logger:            logger,
				OnStateChange: func(st session.Status) {
					queue(func() { connView.SetText(connectivity(st)) })
				},
			})
		},
		OnFrame: func(root string, ops []graph.Op) {
			if len(ops) == 0 {
				return
			}
			queue(func() { treeView.SetTitle(fmt.Sprintf("Executions: %s (%d changes)", shortID(root), len(ops))) })
		},
		Logger: logger,
	}, c)
	if opts.RootID != "" {
		m.Select(opts.RootID)
	}

	follow := transcript.New(c, transcriptView, mcfg.TranscriptInterval(), logger)
	defer follow.StopFollow()

	alive := func(ctx context.Context, id string) bool {
		running := false
		err := m.Call(ctx, func() {
			rec, ok := m.Store().Get(id)
			running = ok && rec.IsRunning
		})
		return err == nil && running
	}
	treeView.SetSelectedFunc(func(node *tview.TreeNode) {
		id, _ := node.GetReference().(string)
		if id == "" {
			return
		}
		if kind, ok := layout.NodeKind(id); !ok || kind == graph.KindTool {
			return
		}
		follow.Follow(ctx, id, alive)
	})

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		agentName, message, ok := strings.Cut(promptInput.GetText(), ":")
		if !ok || strings.TrimSpace(agentName) == "" {
			setStatus("expected <agent>: <message>")
			return
		}
		promptInput.SetText("")
		go func() {
			started, err := c.StartExecution(ctx, strings.TrimSpace(agentName), strings.TrimSpace(message))
			if err != nil {
				setStatus("Failed to start execution: " + err.Error())
				return
			}
			m.Select("")
			setStatus("Execution started: " + started.ID)
		}()
	})

	stopSelected := func() {
		id := layout.Selected()
		if id == "" {
			return
		}
		go func() {
			res, err := c.StopExecution(ctx, id)
			if err != nil {
				setStatus("Failed to stop " + shortID(id) + ": " + err.Error())
				return
			}
			setStatus(fmt.Sprintf("Stopped %d execution(s)", res.StoppedCount))
		}()
	}
	stopAll := func() {
		go func() {
			res, err := c.StopAll(ctx)
			if err != nil {
				setStatus("Failed to stop all: " + err.Error())
				return
			}
			setStatus(fmt.Sprintf("Stopped %d execution(s): %s", res.StoppedCount, strings.Join(res.IDs, ", ")))
		}()
	}

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(transcriptHeader, 3, 0, false).
		AddItem(transcriptBody, 0, 1, false)
	mainLayout := tview.NewFlex().
		AddItem(treeView, 0, 1, true).
		AddItem(right, 0, 2, false)
	bottom := tview.NewFlex().
		AddItem(statusView, 0, 4, false).
		AddItem(connView, 24, 0, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, true).
		AddItem(promptInput, 3, 0, false).
		AddItem(bottom, 3, 0, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(treeView)
				return nil
			}
			return event
		}
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go func() {
				if err := m.Call(ctx, m.Refresh); err != nil {
					setStatus("refresh: " + err.Error())
				}
			}()
			return nil
		case tcell.KeyCtrlS:
			stopSelected()
			return nil
		case tcell.KeyCtrlX:
			stopAll()
			return nil
		case tcell.KeyCtrlL, tcell.KeyTAB:
			app.SetFocus(promptInput)
			return nil
		case tcell.KeyCtrlT:
			app.SetFocus(treeView)
			return nil
		}
		return event
	})

	monitorDone := make(chan error, 1)
	go func() { monitorDone <- m.Run(ctx) }()
	go func() {
		<-ctx.Done()
		app.Stop()
	}()

	runErr := app.SetRoot(root, true).EnableMouse(true).SetFocus(treeView).Run()
	cancel()
	<-monitorDone
	if runErr != nil {
		return fmt.Errorf("monitor failed: %w", runErr)
	}
	return nil
}

func connectivity(st session.Status) string {
	switch st.State {
	case session.StateOpen:
		return "[green]● live[-]"
	case session.StateConnecting:
		return fmt.Sprintf("[yellow]◌ connecting (%d)[-]", st.Attempt)
	default:
		return fmt.Sprintf("[red]○ %s (%d)[-]", st.State, st.Attempt)
	}
}

// uiQueue forwards view updates to the tview event loop in order without
// blocking the caller once ctx has ended.
func uiQueue(ctx context.Context, app *tview.Application) func(func()) {
	ch := make(chan func(), 1024)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-ch:
				app.QueueUpdateDraw(fn)
			}
		}
	}()
	return func(fn func()) {
		select {
		case ch <- fn:
		case <-ctx.Done():
		}
	}
}
