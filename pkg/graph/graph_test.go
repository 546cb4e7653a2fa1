package graph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() []Entry {
	return []Entry{
		{Key: "user_u1", Path: "users/u1", Mode: "value", RefCount: 1, Loaded: true},
		{Key: "msgs", Path: "chat/messages", Mode: "list", RefCount: 1, Loaded: true, Dependents: []string{"user_u2", "user_u1"}},
		{Key: "user_u2", Path: "users/u2", Mode: "value", RefCount: 2},
	}
}

func TestExportNodesAndEdges(t *testing.T) {
	g := Export(sample())

	require.Len(t, g.Nodes, 3)
	assert.Equal(t, []string{"msgs", "user_u1", "user_u2"}, []string{g.Nodes[0].ID, g.Nodes[1].ID, g.Nodes[2].ID})
	assert.Equal(t, []Edge{{From: "msgs", To: "user_u1"}, {From: "msgs", To: "user_u2"}}, g.Edges)
	assert.Equal(t, []string{"msgs"}, g.Roots())
}

func TestExportEmpty(t *testing.T) {
	g := Export(nil)
	assert.Empty(t, g.Nodes)
	assert.NotNil(t, g.Edges)
}

func TestViewCachesUnchangedGraph(t *testing.T) {
	var v View
	g, changed := v.Update(sample())
	assert.True(t, changed)
	assert.Len(t, g.Nodes, 3)

	_, changed = v.Update(sample())
	assert.False(t, changed)
	assert.Equal(t, uint64(1), v.Version())

	next := sample()
	next[2].RefCount = 1
	g, changed = v.Update(next)
	assert.True(t, changed)
	assert.Equal(t, 1, g.Nodes[2].RefCount)
}

func TestViewReturnsPrivateCopy(t *testing.T) {
	var v View
	g, _ := v.Update(sample())
	g.Nodes[0].RefCount = 99
	g.Edges[0].To = "nobody"

	again, changed := v.Update(sample())
	assert.False(t, changed)
	assert.Equal(t, 1, again.Nodes[0].RefCount)
	assert.Equal(t, "user_u1", again.Edges[0].To)

	again.Nodes[1].Loaded = false
	last, _ := v.Update(sample())
	assert.True(t, last.Nodes[1].Loaded)
}

func TestTableRendersRows(t *testing.T) {
	out := Table(Export(sample()))
	assert.Contains(t, out, "msgs")
	assert.Contains(t, out, "user_u1, user_u2")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "roots: msgs")
}

func TestDOT(t *testing.T) {
	out := DOT(Export(sample()))
	assert.True(t, strings.HasPrefix(out, "digraph nest {"))
	assert.Contains(t, out, `"msgs" -> "user_u1";`)
	assert.Contains(t, out, "style=dashed")
}
