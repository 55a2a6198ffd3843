package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"hivewatch/internal/domain"
	"hivewatch/internal/logging"
)

const sample = `
agents:
  - name: orchestrator
    description: routes work
    system_prompt: You coordinate.
    tools: [researcher, calculator]
  - name: researcher
    tools: [web_search]
tools:
  - name: calculator
    description: arithmetic
  - name: web_search
`

type recordingSink struct {
	mu    sync.Mutex
	calls [][]domain.AgentDetail
}

func (s *recordingSink) ReplaceCatalog(_ context.Context, agents []domain.AgentDetail, _ []domain.ToolInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, agents)
	return nil
}

func (s *recordingSink) last() []domain.AgentDetail {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return nil
	}
	return s.calls[len(s.calls)-1]
}

func TestParseCatalog(t *testing.T) {
	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(c.Agents) != 2 || len(c.Tools) != 2 {
		t.Fatalf("unexpected catalog: %+v", c)
	}
	if c.Agents[0].SystemPrompt != "You coordinate." || len(c.Agents[0].Tools) != 2 {
		t.Fatalf("unexpected orchestrator: %+v", c.Agents[0])
	}
	if c.Agents[1].Tools[0] != "web_search" {
		t.Fatalf("unexpected researcher tools: %v", c.Agents[1].Tools)
	}
	if got := strings.Join(c.AgentNames(), ","); got != "orchestrator,researcher" {
		t.Fatalf("unexpected agent names: %s", got)
	}
}

func TestParseRejectsDuplicateNames(t *testing.T) {
	raw := "agents:\n  - name: calculator\ntools:\n  - name: calculator\n"
	if _, err := Parse([]byte(raw)); err == nil {
		t.Fatalf("expected duplicate name error")
	}
	if _, err := Parse([]byte("agents:\n  - description: nameless\n")); err == nil {
		t.Fatalf("expected empty name error")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, sink, logging.Discard())
	}()
	defer func() {
		cancel()
		<-done
	}()

	updated := sample + "  - name: translator\n"
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			t.Fatalf("rewrite catalog: %v", err)
		}
		time.Sleep(300 * time.Millisecond)
		if agents := sink.last(); agents != nil {
			if len(agents) != 2 {
				t.Fatalf("unexpected agents after reload: %+v", agents)
			}
			return
		}
	}
	t.Fatalf("catalog was not reloaded")
}
