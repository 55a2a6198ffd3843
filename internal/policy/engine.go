package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"hivewatch/internal/domain"
)

var ErrInvalidReference = errors.New("invalid agent reference")

type Store interface {
	GetAgent(ctx context.Context, name string) (domain.AgentDetail, error)
	HasTool(ctx context.Context, name string) (bool, error)
}

// Engine checks agent definitions before they are written. Every entry in
// an agent's tool list must name an existing agent or tool, and agents and
// tools share one namespace.
type Engine struct {
	store    Store
	notFound error
}

// New builds an engine over store. notFound is the error the store wraps
// when an agent is missing.
func New(store Store, notFound error) *Engine {
	return &Engine{store: store, notFound: notFound}
}

func (e *Engine) CheckAgent(ctx context.Context, agent domain.AgentDetail) error {
	name := strings.TrimSpace(agent.Name)
	if name == "" {
		return fmt.Errorf("%w: agent name is required", ErrInvalidReference)
	}
	isTool, err := e.store.HasTool(ctx, name)
	if err != nil {
		return err
	}
	if isTool {
		return fmt.Errorf("%w: %q is already a tool", ErrInvalidReference, name)
	}

	seen := make(map[string]bool, len(agent.Tools))
	for _, ref := range agent.Tools {
		ref = strings.TrimSpace(ref)
		switch {
		case ref == "":
			return fmt.Errorf("%w: empty reference in %s", ErrInvalidReference, name)
		case ref == name:
			return fmt.Errorf("%w: %s cannot reference itself", ErrInvalidReference, name)
		case seen[ref]:
			return fmt.Errorf("%w: %s references %s twice", ErrInvalidReference, name, ref)
		}
		seen[ref] = true

		ok, err := e.known(ctx, ref)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s references unknown %q", ErrInvalidReference, name, ref)
		}
	}
	return nil
}

func (e *Engine) known(ctx context.Context, ref string) (bool, error) {
	isTool, err := e.store.HasTool(ctx, ref)
	if err != nil || isTool {
		return isTool, err
	}
	if _, err := e.store.GetAgent(ctx, ref); err != nil {
		if e.notFound != nil && errors.Is(err, e.notFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
