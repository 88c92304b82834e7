package graphstore

import (
	"context"
	"sort"
)

// SemanticBeam walks edgeTypes up to hops steps from each start entity,
// retaining the top beamWidth paths by cumulative path score (product of
// edge similarities). Bounded by hops*beamWidth, always finite — never an
// unbounded recursive client-side traversal (spec §9, "Cyclic graphs").
func (m *MemStore) SemanticBeam(_ context.Context, startEntities []string, hops, beamWidth int, edgeTypes []EdgeType, groupID string) ([]Path, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[EdgeType]bool, len(edgeTypes))
	for _, t := range edgeTypes {
		wanted[t] = true
	}

	outEdges := map[string][]SemanticEdge{}
	for _, se := range m.semanticEdges {
		if se.groupID != groupID || !wanted[se.edge.Type] {
			continue
		}
		outEdges[se.edge.From] = append(outEdges[se.edge.From], se.edge)
	}

	frontier := make([]Path, 0, len(startEntities))
	for _, id := range startEntities {
		frontier = append(frontier, Path{Nodes: []string{id}, Score: 1.0})
	}

	for hop := 0; hop < hops; hop++ {
		var candidates []Path
		for _, p := range frontier {
			last := p.Nodes[len(p.Nodes)-1]
			for _, e := range outEdges[last] {
				if containsString(p.Nodes, e.To) {
					continue // never revisit a node within one path
				}
				candidates = append(candidates, Path{
					Nodes: append(append([]string{}, p.Nodes...), e.To),
					Edges: append(append([]SemanticEdge{}, p.Edges...), e),
					Score: p.Score * e.Similarity,
				})
			}
		}
		if len(candidates) == 0 {
			break
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
		if len(candidates) > beamWidth {
			candidates = candidates[:beamWidth]
		}
		frontier = append(frontier, candidates...)
	}

	// Drop single-node paths (no expansion happened) unless nothing expanded at all.
	var out []Path
	for _, p := range frontier {
		if len(p.Nodes) > 1 {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = frontier
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > beamWidth {
		out = out[:beamWidth]
	}
	return out, nil
}

func containsString(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
