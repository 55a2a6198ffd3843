package depgraph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivewatch/internal/client"
	"hivewatch/internal/domain"
	"hivewatch/internal/graph"
)

type fakeDefinitions struct {
	agents  map[string]domain.AgentDetail
	tools   []domain.ToolInfo
	fetches map[string]int
	updates []domain.AgentDetail
	failing error
	// getFailing makes GetAgent fail for the named agents.
	getFailing map[string]error
}

func newDefinitions(agents ...domain.AgentDetail) *fakeDefinitions {
	f := &fakeDefinitions{agents: map[string]domain.AgentDetail{}, fetches: map[string]int{}}
	for _, a := range agents {
		f.agents[a.Name] = a
	}
	return f
}

func (f *fakeDefinitions) GetAgent(_ context.Context, name string) (domain.AgentDetail, error) {
	f.fetches[name]++
	if err := f.getFailing[name]; err != nil {
		return domain.AgentDetail{}, err
	}
	a, ok := f.agents[name]
	if !ok {
		return domain.AgentDetail{}, client.ErrNotFound
	}
	return a, nil
}

func (f *fakeDefinitions) ListAgents(context.Context) ([]domain.AgentDetail, error) {
	out := make([]domain.AgentDetail, 0, len(f.agents))
	for _, a := range f.agents {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeDefinitions) ListTools(context.Context) ([]domain.ToolInfo, error) {
	return f.tools, nil
}

func (f *fakeDefinitions) UpdateAgent(_ context.Context, a domain.AgentDetail) (domain.AgentDetail, error) {
	if f.failing != nil {
		return domain.AgentDetail{}, f.failing
	}
	f.updates = append(f.updates, a)
	f.agents[a.Name] = a
	return a, nil
}

func (f *fakeDefinitions) names() []string {
	var out []string
	for n := range f.agents {
		out = append(out, n)
	}
	return out
}

func agent(name string, tools ...string) domain.AgentDetail {
	return domain.AgentDetail{Name: name, Tools: tools}
}

// A -> B, A -> C, C -> B, B -> D, B uses calculator.
func diamond() *fakeDefinitions {
	return newDefinitions(
		agent("A", "B", "C"),
		agent("B", "D", "calculator"),
		agent("C", "B", "calculator"),
		agent("D"),
	)
}

func TestBuildBreadthFirst(t *testing.T) {
	defs := diamond()
	g, err := Build(context.Background(), defs, "A", defs.names())
	require.NoError(t, err)

	for _, name := range []string{"A", "B", "C", "D"} {
		assert.Equal(t, 1, defs.fetches[name], "agent %s fetched once", name)
	}

	root, ok := g.Node(AgentNodeID("A"))
	require.True(t, ok)
	assert.Equal(t, graph.KindRoot, root.Kind)

	assert.True(t, g.HasNode(ToolNodeID("calculator", "B")))
	assert.True(t, g.HasNode(ToolNodeID("calculator", "C")))
	assert.Equal(t, 2, g.Incoming(AgentNodeID("B")))
	assert.Equal(t, 1, g.Incoming(ToolNodeID("calculator", "B")))
	assert.Len(t, g.Nodes(), 6)
	assert.Len(t, g.Edges(), 6)

	f := g.Frame()
	assert.Len(t, f.Nodes, 6)
	assert.Len(t, f.Edges, 6)
}

func TestBuildUnknownRoot(t *testing.T) {
	defs := diamond()
	_, err := Build(context.Background(), defs, "Z", defs.names())
	assert.True(t, errors.Is(err, ErrUnknownAgent))
}

func TestBuildHandlesCycles(t *testing.T) {
	defs := newDefinitions(agent("A", "B"), agent("B", "A"))
	g, err := Build(context.Background(), defs, "A", defs.names())
	require.NoError(t, err)
	assert.Len(t, g.Nodes(), 2)
	assert.Len(t, g.Edges(), 2)
	assert.Equal(t, 1, defs.fetches["A"])
}

func TestRemoveSharedEdgeKeepsNode(t *testing.T) {
	defs := diamond()
	g, err := Build(context.Background(), defs, "A", defs.names())
	require.NoError(t, err)

	removed, err := g.RemoveEdge("C", "B")
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.True(t, g.HasNode(AgentNodeID("B")))

	require.NoError(t, g.AddEdge(context.Background(), defs, "C", "B"))
	removed, err = g.RemoveEdge("A", "B")
	require.NoError(t, err)
	assert.Empty(t, removed, "B is still reachable through C")
	assert.True(t, g.HasNode(AgentNodeID("B")))
	assert.True(t, g.HasNode(AgentNodeID("D")))
}

func TestRemoveLastIncomingEdgePrunesRecursively(t *testing.T) {
	defs := diamond()
	g, err := Build(context.Background(), defs, "A", defs.names())
	require.NoError(t, err)

	_, err = g.RemoveEdge("C", "B")
	require.NoError(t, err)
	removed, err := g.RemoveEdge("A", "B")
	require.NoError(t, err)

	assert.Equal(t, []string{
		AgentNodeID("B"),
		AgentNodeID("D"),
		ToolNodeID("calculator", "B"),
	}, removed)
	assert.False(t, g.HasNode(AgentNodeID("D")))
	assert.True(t, g.HasNode(ToolNodeID("calculator", "C")), "per-parent tool of C survives")
	for _, e := range g.Edges() {
		assert.NotEqual(t, AgentNodeID("B"), e.From)
		assert.NotEqual(t, AgentNodeID("B"), e.To)
	}
}

func TestRemoveKeepsChildWithAnotherParent(t *testing.T) {
	defs := newDefinitions(
		agent("A", "B", "C"),
		agent("B", "S"),
		agent("C", "S"),
		agent("S"),
	)
	g, err := Build(context.Background(), defs, "A", defs.names())
	require.NoError(t, err)

	removed, err := g.RemoveEdge("A", "B")
	require.NoError(t, err)
	assert.Equal(t, []string{AgentNodeID("B")}, removed)
	assert.True(t, g.HasNode(AgentNodeID("S")))
	assert.Equal(t, 1, g.Incoming(AgentNodeID("S")))
}

func TestRemovePrunesUnreachableCycle(t *testing.T) {
	defs := newDefinitions(agent("A", "B"), agent("B", "D"), agent("D", "B"))
	g, err := Build(context.Background(), defs, "A", defs.names())
	require.NoError(t, err)

	removed, err := g.RemoveEdge("A", "B")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{AgentNodeID("B"), AgentNodeID("D")}, removed)
	assert.Len(t, g.Nodes(), 1)
	assert.Empty(t, g.Edges())
}

func TestRemoveMissingEdge(t *testing.T) {
	defs := diamond()
	g, err := Build(context.Background(), defs, "A", defs.names())
	require.NoError(t, err)
	_, err = g.RemoveEdge("D", "B")
	assert.True(t, errors.Is(err, ErrNotReferenced))
}

func TestAddEdgeToExistingAgentDoesNotReexpand(t *testing.T) {
	defs := diamond()
	g, err := Build(context.Background(), defs, "A", defs.names())
	require.NoError(t, err)
	edgesBefore := len(g.Edges())

	require.NoError(t, g.AddEdge(context.Background(), defs, "D", "C"))
	assert.Len(t, g.Edges(), edgesBefore+1)
	assert.Equal(t, 1, defs.fetches["C"])

	err = g.AddEdge(context.Background(), defs, "D", "C")
	assert.True(t, errors.Is(err, ErrAlreadyReferenced))
}

func TestAddEdgeExpandsNewAgentOnce(t *testing.T) {
	defs := newDefinitions(agent("A", "search"), agent("B", "C", "fetch"), agent("C"))
	g, err := Build(context.Background(), defs, "A", defs.names())
	require.NoError(t, err)
	assert.Len(t, g.Nodes(), 2)

	require.NoError(t, g.AddEdge(context.Background(), defs, "A", "B"))
	assert.True(t, g.HasNode(AgentNodeID("B")))
	assert.True(t, g.HasNode(AgentNodeID("C")))
	assert.True(t, g.HasNode(ToolNodeID("fetch", "B")))
	assert.Equal(t, 1, defs.fetches["B"])

	removed, err := g.RemoveEdge("A", "B")
	require.NoError(t, err)
	assert.Len(t, removed, 3)

	require.NoError(t, g.AddEdge(context.Background(), defs, "A", "B"))
	assert.Equal(t, 1, defs.fetches["B"], "definitions are cached for the build lifetime")
	assert.True(t, g.HasNode(AgentNodeID("C")))
}

func TestAddEdgeUnknownParent(t *testing.T) {
	defs := diamond()
	g, err := Build(context.Background(), defs, "A", defs.names())
	require.NoError(t, err)
	err = g.AddEdge(context.Background(), defs, "nobody", "calculator")
	assert.True(t, errors.Is(err, ErrUnknownAgent))
}
