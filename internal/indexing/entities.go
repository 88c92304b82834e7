package indexing

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/skeinframe/graphrag/internal/graphstore"
	"github.com/skeinframe/graphrag/internal/textutil"
)

const entityNERSystemPrompt = `Extract named entities (people, organisations, money amounts, addresses, products) from the given text. Respond with JSON only: {"entities": ["canonical name", ...]}.`

type nerResult struct {
	Entities []string `json:"entities"`
}

// rawMention is one (chunk, surface form) pair produced by NER, before
// canonical resolution.
type rawMention struct {
	chunkID string
	surface string
}

// canonicalEntity accumulates a resolved entity across every chunk that
// mentions it, before a single PutEntity/LinkMentions pass.
type canonicalEntity struct {
	id        string
	canonical string
	aliases   map[string]bool
	chunkIDs  map[string]bool
}

// extractEntities runs NER over every chunk, resolves surface forms to a
// canonical entity set (exact normalised match, then fuzzy match within the
// same group — semantic match against entity_embedding_v2 happens later,
// once EntitiesEmbedded makes that index queryable, and is deferred to the
// Seed Resolver's own T1 resolution at query time), and writes MENTIONS
// edges (spec §3, "MENTIONS to every chunk that references it").
func (p *Pipeline) extractEntities(ctx context.Context, groupID string, docs []ParsedDocument) error {
	var mu sync.Mutex
	var allMentions []rawMention

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(8)

	for _, doc := range docs {
		for _, sec := range flattenSections(doc.Sections) {
			for _, chunk := range sec.Chunks {
				chunk := chunk
				group.Go(func() error {
					var result nerResult
					if err := p.llm.CompleteJSON(gctx, entityNERSystemPrompt, chunk.Text, &result); err != nil {
						return fmt.Errorf("ner chunk %s: %w", chunk.ID, err)
					}
					mu.Lock()
					for _, e := range result.Entities {
						allMentions = append(allMentions, rawMention{chunkID: chunk.ID, surface: e})
					}
					mu.Unlock()
					return nil
				})
			}
		}
	}
	if err := group.Wait(); err != nil {
		return err
	}

	for _, ent := range resolveCanonicalEntities(allMentions) {
		if err := p.store.PutEntity(ctx, graphstore.Entity{
			ID: ent.id, GroupID: groupID, Canonical: ent.canonical, Aliases: setToSlice(ent.aliases),
		}); err != nil {
			return fmt.Errorf("put entity %s: %w", ent.canonical, err)
		}
		for chunkID := range ent.chunkIDs {
			if err := p.store.LinkMentions(ctx, groupID, chunkID, ent.id); err != nil {
				return fmt.Errorf("link mentions %s->%s: %w", chunkID, ent.id, err)
			}
		}
	}
	return nil
}

// resolveCanonicalEntities clusters surface forms by exact-normalised match
// first, then fuzzy match (spec §4.3's resolution ladder, steps a-c; step
// d — semantic match — applies only at query time in the Seed Resolver,
// since during indexing no entity yet has an embedding to compare against).
func resolveCanonicalEntities(mentions []rawMention) []*canonicalEntity {
	var out []*canonicalEntity
	for _, m := range mentions {
		norm := textutil.Normalize(m.surface)
		var match *canonicalEntity
		for _, c := range out {
			if textutil.Normalize(c.canonical) == norm || c.aliases[norm] {
				match = c
				break
			}
		}
		if match == nil {
			for _, c := range out {
				if textutil.FuzzyMatch(c.canonical, m.surface) {
					match = c
					break
				}
			}
		}
		if match == nil {
			match = &canonicalEntity{
				id:        uuid.NewString(),
				canonical: m.surface,
				aliases:   map[string]bool{},
				chunkIDs:  map[string]bool{},
			}
			out = append(out, match)
		}
		match.aliases[norm] = true
		match.chunkIDs[m.chunkID] = true
	}
	return out
}

func setToSlice(s map[string]bool) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// embedEntities computes a 2048-dim embedding for each entity's canonical
// name, unlabeled (entities have no single document context — spec §3,
// entities are "group-scoped (multi-document)").
func (p *Pipeline) embedEntities(ctx context.Context, groupID string, _ []ParsedDocument) error {
	entities, err := p.store.EntitiesInGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("list entities for group %s: %w", groupID, err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for _, e := range entities {
		e := e
		group.Go(func() error {
			vectors, err := p.embed.EmbedContextual(gctx, "", []string{e.Canonical})
			if err != nil {
				return fmt.Errorf("embed entity %s: %w", e.ID, err)
			}
			e.Embedding = vectors[0]
			if err := p.store.PutEntity(gctx, e); err != nil {
				return fmt.Errorf("persist entity embedding %s: %w", e.ID, err)
			}
			return nil
		})
	}
	return group.Wait()
}
