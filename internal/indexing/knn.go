package indexing

import (
	"context"
	"fmt"
	"sort"

	"github.com/skeinframe/graphrag/internal/graphstore"
)

const (
	sentenceKNNThreshold = 0.90
	sentenceKNNMaxK      = 2
	entityKNNThreshold   = 0.60
	entityKNNTopK        = 5
)

// buildSentenceKNN implements spec §4.2's "Key algorithm — Sparse sentence
// k-NN": for each sentence, emit RELATED_TO only to sentences in a different
// parent chunk, similarity >= 0.90, capped at 2 outgoing edges. The cap of 2
// per sentence directly enforces the sparsity budget tested by spec §8
// property 3 (|RELATED_TO| <= 2 x |Sentences|).
func (p *Pipeline) buildSentenceKNN(ctx context.Context, groupID string, _ []ParsedDocument) error {
	sentences, err := p.store.SentencesInGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("list sentences for group %s: %w", groupID, err)
	}

	threshold := sentenceKNNThreshold
	maxK := sentenceKNNMaxK
	if flags := p.flags; flags != nil {
		f := flags.Get()
		threshold = f.SentenceKNNThreshold
		maxK = f.SentenceKNNMaxK
	}

	for _, s := range sentences {
		type candidate struct {
			id         string
			similarity float64
		}
		var candidates []candidate
		for _, other := range sentences {
			if other.ID == s.ID || other.ChunkID == s.ChunkID {
				continue // cross-chunk only (spec §4.2)
			}
			sim := graphstore.CosineSimilarity(s.EmbeddingV2, other.EmbeddingV2)
			if sim >= threshold {
				candidates = append(candidates, candidate{id: other.ID, similarity: sim})
			}
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].similarity > candidates[j].similarity })
		if len(candidates) > maxK {
			candidates = candidates[:maxK]
		}
		for _, c := range candidates {
			if err := p.store.LinkSemanticEdge(ctx, groupID, graphstore.SemanticEdge{
				From: s.ID, To: c.id, Type: graphstore.EdgeRelatedTo, Method: "cosine-knn", Similarity: c.similarity,
			}); err != nil {
				return fmt.Errorf("link sentence knn %s->%s: %w", s.ID, c.id, err)
			}
		}
	}
	return nil
}

// buildEntityKNN implements spec §4.2's "Key algorithm — Entity-level
// semantic k-NN": top-k 5, threshold 0.60, used by Route 4 beam search. It
// runs during the detectCommunities stage, since community detection needs
// the same similarity graph as its clustering input.
func (p *Pipeline) buildEntityKNN(ctx context.Context, groupID string) error {
	entities, err := p.store.EntitiesInGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("list entities for group %s: %w", groupID, err)
	}

	threshold := entityKNNThreshold
	topK := entityKNNTopK
	if flags := p.flags; flags != nil {
		f := flags.Get()
		threshold = f.KNNSimilarityCutoff
		topK = f.KNNTopK
	}

	for _, e := range entities {
		type candidate struct {
			id         string
			similarity float64
		}
		var candidates []candidate
		for _, other := range entities {
			if other.ID == e.ID {
				continue
			}
			sim := graphstore.CosineSimilarity(e.Embedding, other.Embedding)
			if sim >= threshold {
				candidates = append(candidates, candidate{id: other.ID, similarity: sim})
			}
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].similarity > candidates[j].similarity })
		if len(candidates) > topK {
			candidates = candidates[:topK]
		}
		for _, c := range candidates {
			if err := p.store.LinkSemanticEdge(ctx, groupID, graphstore.SemanticEdge{
				From: e.ID, To: c.id, Type: graphstore.EdgeSemanticSimilar, Method: "cosine-knn", Similarity: c.similarity,
			}); err != nil {
				return fmt.Errorf("link entity knn %s->%s: %w", e.ID, c.id, err)
			}
		}
	}
	return nil
}
