// Package graph derives a node/edge view of a subscription registry for
// diagnostics.
package graph

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Entry describes one live registry entry.
type Entry struct {
	Key        string
	Path       string
	Mode       string
	RefCount   int
	Loaded     bool
	Failed     bool
	Dependents []string
}

// Node is one registry entry in the graph.
type Node struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Path     string `json:"path,omitempty"`
	Mode     string `json:"mode,omitempty"`
	RefCount int    `json:"refCount"`
	Loaded   bool   `json:"loaded"`
	Failed   bool   `json:"failed,omitempty"`
}

// Edge links an owner entry to a dependent it subscribed.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is a point-in-time view of a registry.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Export builds a graph with one node per entry and one edge per owner to
// dependent relation. Output is sorted by key.
func Export(entries []Entry) Graph {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	g := Graph{Nodes: make([]Node, 0, len(sorted)), Edges: []Edge{}}
	for _, e := range sorted {
		g.Nodes = append(g.Nodes, Node{
			ID:       e.Key,
			Label:    e.Key,
			Path:     e.Path,
			Mode:     e.Mode,
			RefCount: e.RefCount,
			Loaded:   e.Loaded,
			Failed:   e.Failed,
		})
		deps := append([]string(nil), e.Dependents...)
		sort.Strings(deps)
		for _, d := range deps {
			g.Edges = append(g.Edges, Edge{From: e.Key, To: d})
		}
	}
	return g
}

// Roots returns the keys of nodes that no edge points at.
func (g Graph) Roots() []string {
	owned := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		owned[e.To] = true
	}
	var roots []string
	for _, n := range g.Nodes {
		if !owned[n.ID] {
			roots = append(roots, n.ID)
		}
	}
	return roots
}

// Hash fingerprints the graph contents.
func (g Graph) Hash() uint64 {
	h := xxhash.New()
	var buf [8]byte
	for _, n := range g.Nodes {
		h.WriteString(n.ID)
		h.WriteString("\x00")
		h.WriteString(n.Path)
		h.WriteString("\x00")
		h.WriteString(n.Mode)
		binary.LittleEndian.PutUint64(buf[:], uint64(n.RefCount))
		h.Write(buf[:])
		flags := byte(0)
		if n.Loaded {
			flags |= 1
		}
		if n.Failed {
			flags |= 2
		}
		h.Write([]byte{flags})
	}
	h.WriteString("\x01")
	for _, e := range g.Edges {
		h.WriteString(e.From)
		h.WriteString("\x00")
		h.WriteString(e.To)
		h.WriteString("\x00")
	}
	return h.Sum64()
}

func (g Graph) clone() Graph {
	return Graph{
		Nodes: append([]Node{}, g.Nodes...),
		Edges: append([]Edge{}, g.Edges...),
	}
}

// View caches the last exported graph. Callers get their own copy.
type View struct {
	mu      sync.Mutex
	last    Graph
	hash    uint64
	valid   bool
	version uint64
}

// Update exports entries and reports whether the result differs from the
// cached graph.
func (v *View) Update(entries []Entry) (Graph, bool) {
	g := Export(entries)
	h := g.Hash()

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.valid && h == v.hash {
		return v.last.clone(), false
	}
	v.last, v.hash, v.valid = g, h, true
	v.version++
	return g.clone(), true
}

// Version counts how many times the cached graph changed.
func (v *View) Version() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.version
}
