package depgraph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivewatch/internal/client"
	"hivewatch/internal/domain"
	"hivewatch/internal/logging"
)

func openEditor(t *testing.T) (*Editor, *fakeDefinitions) {
	t.Helper()
	defs := diamond()
	defs.tools = []domain.ToolInfo{{Name: "calculator"}, {Name: "web_fetch"}}
	e := NewEditor(defs, nil, logging.Discard())
	require.NoError(t, e.Open(context.Background(), "A"))
	return e, defs
}

func TestEditorOpenReconcilesFrame(t *testing.T) {
	e, _ := openEditor(t)
	assert.Len(t, e.Model().Nodes(), 6)
	assert.Len(t, e.Model().Edges(), 6)
}

func TestEditorAddReferenceWritesThrough(t *testing.T) {
	e, defs := openEditor(t)

	require.NoError(t, e.AddReference(context.Background(), "D", "web_fetch"))
	require.Len(t, defs.updates, 1)
	assert.Equal(t, "D", defs.updates[0].Name)
	assert.Equal(t, []string{"web_fetch"}, defs.updates[0].Tools)

	_, ok := e.Model().Node(ToolNodeID("web_fetch", "D"))
	assert.True(t, ok)

	err := e.AddReference(context.Background(), "D", "web_fetch")
	assert.True(t, errors.Is(err, ErrAlreadyReferenced))
	assert.Len(t, defs.updates, 1)

	err = e.AddReference(context.Background(), "D", "no_such_thing")
	assert.True(t, errors.Is(err, ErrUnknownReference))
}

func TestEditorFailedMutationLeavesModelUntouched(t *testing.T) {
	e, defs := openEditor(t)
	nodesBefore := e.Model().Nodes()
	edgesBefore := e.Model().Edges()

	defs.failing = &client.APIError{Status: 409, Message: "agent is locked"}

	err := e.AddReference(context.Background(), "D", "calculator")
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "agent is locked", apiErr.Message)

	_, err = e.RemoveReference(context.Background(), "A", "B")
	require.Error(t, err)

	assert.Equal(t, nodesBefore, e.Model().Nodes())
	assert.Equal(t, edgesBefore, e.Model().Edges())
	assert.True(t, e.Graph().HasEdge(AgentNodeID("A"), AgentNodeID("B")))
}

func TestEditorAddReferenceReportsFailedExpansion(t *testing.T) {
	defs := diamond()
	defs.agents["E"] = agent("E", "calculator")
	defs.tools = []domain.ToolInfo{{Name: "calculator"}}
	e := NewEditor(defs, nil, logging.Discard())
	require.NoError(t, e.Open(context.Background(), "A"))

	boom := &client.APIError{Status: 500, Message: "catalog unavailable"}
	defs.getFailing = map[string]error{"E": boom}

	err := e.AddReference(context.Background(), "D", "E")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExpansionFailed))
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "reference added, expansion failed")

	require.Len(t, defs.updates, 1)
	assert.Equal(t, []string{"E"}, defs.updates[0].Tools)
	assert.True(t, e.Graph().HasEdge(AgentNodeID("D"), AgentNodeID("E")))
	_, ok := e.Model().Node(AgentNodeID("E"))
	assert.True(t, ok)
}

func TestEditorRemoveReferencePrunes(t *testing.T) {
	e, defs := openEditor(t)

	removed, err := e.RemoveReference(context.Background(), "C", "B")
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Equal(t, []string{"calculator"}, defs.agents["C"].Tools)

	removed, err = e.RemoveReference(context.Background(), "A", "B")
	require.NoError(t, err)
	assert.Len(t, removed, 3)
	_, ok := e.Model().Node(AgentNodeID("B"))
	assert.False(t, ok)
	assert.Len(t, e.Model().Nodes(), 3)

	e.Close()
	assert.Empty(t, e.Model().Nodes())
	assert.Nil(t, e.Graph())
}
