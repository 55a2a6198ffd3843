// Package catalog loads agent and tool definitions from a YAML file.
package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"hivewatch/internal/domain"
)

type Catalog struct {
	Agents []domain.AgentDetail `yaml:"agents"`
	Tools  []domain.ToolInfo    `yaml:"tools"`
}

// Sink receives a loaded catalog; the sqlite store implements it.
type Sink interface {
	ReplaceCatalog(ctx context.Context, agents []domain.AgentDetail, tools []domain.ToolInfo) error
}

func Load(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	for i := range c.Agents {
		c.Agents[i].Name = strings.TrimSpace(c.Agents[i].Name)
		if c.Agents[i].Tools == nil {
			c.Agents[i].Tools = []string{}
		}
	}
	for i := range c.Tools {
		c.Tools[i].Name = strings.TrimSpace(c.Tools[i].Name)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// Validate rejects empty or duplicate names. Agents and tools share one
// namespace since an agent's tool list mixes both.
func (c Catalog) Validate() error {
	seen := make(map[string]string, len(c.Agents)+len(c.Tools))
	check := func(kind, name string) error {
		if name == "" {
			return fmt.Errorf("catalog %s with empty name", kind)
		}
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("catalog name %q used by %s and %s", name, prev, kind)
		}
		seen[name] = kind
		return nil
	}
	for _, a := range c.Agents {
		if err := check("agent", a.Name); err != nil {
			return err
		}
	}
	for _, t := range c.Tools {
		if err := check("tool", t.Name); err != nil {
			return err
		}
	}
	return nil
}

func (c Catalog) Apply(ctx context.Context, sink Sink) error {
	if err := sink.ReplaceCatalog(ctx, c.Agents, c.Tools); err != nil {
		return fmt.Errorf("apply catalog: %w", err)
	}
	return nil
}

func (c Catalog) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for _, a := range c.Agents {
		names = append(names, a.Name)
	}
	return names
}
