package graphstore

import (
	"context"
	"sort"
)

// PPR computes Personalized PageRank over the MENTIONS-induced entity
// co-occurrence graph: two entities are adjacent with weight equal to the
// number of chunks that mention both (spec §4.2). Power iteration runs
// in-process, bounded by a fixed iteration cap so it always terminates well
// inside the 10s PPR stage budget (spec §5) even at the 100,000-sentence
// benchmark scale (spec §8).
func (m *MemStore) PPR(_ context.Context, seedWeights map[string]float64, damping float64, topK int, groupID string) ([]ScoredNode, error) {
	m.mu.RLock()
	adjacency, entityIDs := m.entityCooccurrenceGraph(groupID)
	m.mu.RUnlock()

	if len(entityIDs) == 0 {
		return nil, nil
	}

	idx := make(map[string]int, len(entityIDs))
	for i, id := range entityIDs {
		idx[id] = i
	}

	n := len(entityIDs)
	teleport := make([]float64, n)
	for id, w := range seedWeights {
		if i, ok := idx[id]; ok {
			teleport[i] = w
		}
	}

	rank := make([]float64, n)
	copy(rank, teleport)

	const maxIterations = 60
	const convergenceEps = 1e-8

	for iter := 0; iter < maxIterations; iter++ {
		next := make([]float64, n)
		for i := 0; i < n; i++ {
			next[i] = (1 - damping) * teleport[i]
		}
		for i := 0; i < n; i++ {
			outWeight := adjacency[i].total
			if outWeight == 0 {
				// Dangling node: its damped mass is not passed on; only the
				// teleport term feeds the next iteration.
				continue
			}
			share := damping * rank[i] / outWeight
			for j, w := range adjacency[i].edges {
				next[j] += share * w
			}
		}
		delta := 0.0
		for i := range rank {
			d := next[i] - rank[i]
			if d < 0 {
				d = -d
			}
			delta += d
		}
		rank = next
		if delta < convergenceEps {
			break
		}
	}

	scored := make([]ScoredNode, 0, n)
	for i, id := range entityIDs {
		scored = append(scored, ScoredNode{NodeID: id, Score: rank[i]})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

type adjacencyRow struct {
	edges map[int]float64
	total float64
}

// entityCooccurrenceGraph builds the directed weighted adjacency used by PPR:
// an edge from entity A to entity B weighted by the number of chunks
// mentioning both. Caller must hold at least a read lock.
func (m *MemStore) entityCooccurrenceGraph(groupID string) ([]adjacencyRow, []string) {
	chunkEntities := map[string][]string{}
	entitySet := map[string]bool{}
	for chunkID, ents := range m.mentions {
		c, ok := m.chunks[chunkID]
		if !ok || c.GroupID != groupID {
			continue
		}
		for eid := range ents {
			if e, ok := m.entities[eid]; ok && e.GroupID == groupID {
				chunkEntities[chunkID] = append(chunkEntities[chunkID], eid)
				entitySet[eid] = true
			}
		}
	}

	entityIDs := make([]string, 0, len(entitySet))
	for id := range entitySet {
		entityIDs = append(entityIDs, id)
	}
	sort.Strings(entityIDs) // deterministic ordering for reproducible tie-breaks

	idx := make(map[string]int, len(entityIDs))
	for i, id := range entityIDs {
		idx[id] = i
	}

	rows := make([]adjacencyRow, len(entityIDs))
	for i := range rows {
		rows[i] = adjacencyRow{edges: map[int]float64{}}
	}

	for _, ents := range chunkEntities {
		for _, a := range ents {
			for _, b := range ents {
				if a == b {
					continue
				}
				ai, bi := idx[a], idx[b]
				rows[ai].edges[bi]++
				rows[ai].total++
			}
		}
	}
	// Also fold in explicit SEMANTICALLY_SIMILAR entity edges so
	// beam-discovered structure participates in PPR mass redistribution too
	// (RELATED_TO links sentences, not entities, so it is not used here).
	for _, se := range m.semanticEdges {
		if se.groupID != groupID || se.edge.Type != EdgeSemanticSimilar {
			continue
		}
		ai, aok := idx[se.edge.From]
		bi, bok := idx[se.edge.To]
		if !aok || !bok {
			continue
		}
		w := se.edge.Similarity
		rows[ai].edges[bi] += w
		rows[ai].total += w
	}

	return rows, entityIDs
}
