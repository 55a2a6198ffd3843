package policy

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"hivewatch/internal/domain"
)

var errMissing = errors.New("missing")

type fakeStore struct {
	agents map[string]domain.AgentDetail
	tools  map[string]bool
	fail   error
}

func (f fakeStore) GetAgent(_ context.Context, name string) (domain.AgentDetail, error) {
	if f.fail != nil {
		return domain.AgentDetail{}, f.fail
	}
	a, ok := f.agents[name]
	if !ok {
		return domain.AgentDetail{}, fmt.Errorf("get agent %s: %w", name, errMissing)
	}
	return a, nil
}

func (f fakeStore) HasTool(_ context.Context, name string) (bool, error) {
	return f.tools[name], nil
}

func TestCheckAgent(t *testing.T) {
	store := fakeStore{
		agents: map[string]domain.AgentDetail{"researcher": {Name: "researcher"}},
		tools:  map[string]bool{"calculator": true},
	}
	engine := New(store, errMissing)
	ctx := context.Background()

	cases := []struct {
		name    string
		agent   domain.AgentDetail
		wantErr bool
	}{
		{"agent and tool refs", domain.AgentDetail{Name: "lead", Tools: []string{"researcher", "calculator"}}, false},
		{"no refs", domain.AgentDetail{Name: "lead"}, false},
		{"unknown ref", domain.AgentDetail{Name: "lead", Tools: []string{"teleport"}}, true},
		{"self ref", domain.AgentDetail{Name: "lead", Tools: []string{"lead"}}, true},
		{"duplicate ref", domain.AgentDetail{Name: "lead", Tools: []string{"calculator", "calculator"}}, true},
		{"name taken by tool", domain.AgentDetail{Name: "calculator"}, true},
		{"empty name", domain.AgentDetail{}, true},
	}
	for _, tc := range cases {
		err := engine.CheckAgent(ctx, tc.agent)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidReference) {
				t.Fatalf("%s: expected ErrInvalidReference, got %v", tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestCheckAgentPassesStoreErrors(t *testing.T) {
	boom := errors.New("disk on fire")
	engine := New(fakeStore{fail: boom}, errMissing)

	err := engine.CheckAgent(context.Background(), domain.AgentDetail{Name: "lead", Tools: []string{"x"}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}
