package graph

import (
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Table renders the nodes of g with their dependents.
func Table(g Graph) string {
	deps := make(map[string][]string)
	for _, e := range g.Edges {
		deps[e.From] = append(deps[e.From], e.To)
	}

	tbl := table.NewWriter()
	tbl.SetTitle("Subscriptions")
	tbl.AppendHeader(table.Row{"key", "mode", "path", "refs", "state", "dependents"})
	for _, n := range g.Nodes {
		tbl.AppendRow(table.Row{
			n.Label,
			n.Mode,
			n.Path,
			n.RefCount,
			state(n),
			strings.Join(deps[n.ID], ", "),
		})
	}
	tbl.AppendFooter(table.Row{"", "", "", "", len(g.Nodes), len(g.Edges)})
	if roots := g.Roots(); len(roots) > 0 {
		tbl.SetCaption("roots: %s", strings.Join(roots, ", "))
	}
	return tbl.Render()
}

func state(n Node) string {
	switch {
	case n.Failed:
		return "failed"
	case n.Loaded:
		return "loaded"
	default:
		return "pending"
	}
}
