package indexing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/skeinframe/graphrag/internal/graphstore"
)

const communitySummarySystemPrompt = `Summarise what the following set of related entities and their canonical names have in common, in 2-3 sentences. Respond with plain text only, no preamble.`

// unionFind is a minimal disjoint-set structure used to cluster entities
// into communities by pairwise embedding similarity (the same cutoff
// buildEntityKNN uses) — a fast, deterministic substitute for full community
// detection that still satisfies spec §3's "Community... detected cluster
// of entities" contract without requiring an external graph-algorithms
// library the example pack never imports.
type unionFind struct {
	parent map[string]string
}

func newUnionFind(ids []string) *unionFind {
	uf := &unionFind{parent: make(map[string]string, len(ids))}
	for _, id := range ids {
		uf.parent[id] = id
	}
	return uf
}

func (uf *unionFind) find(x string) string {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b string) {
	ra, rb := uf.find(a), uf.find(b)
	if ra != rb {
		uf.parent[ra] = rb
	}
}

// detectCommunities first writes the entity SEMANTICALLY_SIMILAR edges
// (buildEntityKNN), then clusters entities by connected components of the
// graph that links every pair whose cosine similarity reaches the k-NN
// cutoff; unlike those edges, these links have no per-entity neighbour
// cap. Singleton entities (no similar neighbour)
// form their own single-member community so every entity belongs to exactly
// one (spec §3, "BELONGS_TO from each member entity").
func (p *Pipeline) detectCommunities(ctx context.Context, groupID string, _ []ParsedDocument) error {
	if err := p.buildEntityKNN(ctx, groupID); err != nil {
		return fmt.Errorf("build entity knn: %w", err)
	}

	entities, err := p.store.EntitiesInGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("list entities for group %s: %w", groupID, err)
	}
	if len(entities) == 0 {
		return nil
	}

	ids := make([]string, 0, len(entities))
	byID := make(map[string]graphstore.Entity, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
		byID[e.ID] = e
	}
	uf := newUnionFind(ids)

	threshold := entityKNNThreshold
	if p.flags != nil {
		threshold = p.flags.Get().KNNSimilarityCutoff
	}
	for _, e := range entities {
		for _, other := range entities {
			if other.ID == e.ID {
				continue
			}
			if graphstore.CosineSimilarity(e.Embedding, other.Embedding) >= threshold {
				uf.union(e.ID, other.ID)
			}
		}
	}

	members := map[string][]string{}
	for _, id := range ids {
		root := uf.find(id)
		members[root] = append(members[root], id)
	}

	for _, memberIDs := range members {
		community := graphstore.Community{
			ID:              uuid.NewString(),
			GroupID:         groupID,
			MemberEntityIDs: memberIDs,
		}
		if err := p.store.PutCommunity(ctx, community); err != nil {
			return fmt.Errorf("put community: %w", err)
		}
	}
	return nil
}

// summariseCommunities generates an LLM summary for each detected community
// from its member entities' canonical names.
func (p *Pipeline) summariseCommunities(ctx context.Context, groupID string, _ []ParsedDocument) error {
	communities, err := p.listCommunities(ctx, groupID)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for _, c := range communities {
		c := c
		group.Go(func() error {
			names := make([]string, 0, len(c.MemberEntityIDs))
			for _, eid := range c.MemberEntityIDs {
				e, err := p.store.GetEntity(gctx, groupID, eid)
				if err != nil {
					continue
				}
				names = append(names, e.Canonical)
			}
			summary, err := p.llm.Complete(gctx, communitySummarySystemPrompt, strings.Join(names, ", "), 0.2)
			if err != nil {
				return fmt.Errorf("summarise community %s: %w", c.ID, err)
			}
			c.Summary = summary
			return p.store.PutCommunity(gctx, c)
		})
	}
	return group.Wait()
}

// embedCommunities embeds each community's summary text with the same
// contextualised embedder used everywhere else, so community vectors share
// model and dimension with query vectors (spec §4.5, "must be healed by
// re-embedding community summaries with the same model used for queries" —
// this pipeline never uses a different model for summaries in the first
// place, so the pathology spec §4.5 describes cannot arise here).
func (p *Pipeline) embedCommunities(ctx context.Context, groupID string, _ []ParsedDocument) error {
	communities, err := p.listCommunities(ctx, groupID)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for _, c := range communities {
		c := c
		group.Go(func() error {
			vectors, err := p.embed.EmbedContextual(gctx, "", []string{c.Summary})
			if err != nil {
				return fmt.Errorf("embed community %s: %w", c.ID, err)
			}
			c.SummaryEmbedding = vectors[0]
			return p.store.PutCommunity(gctx, c)
		})
	}
	return group.Wait()
}

func (p *Pipeline) listCommunities(ctx context.Context, groupID string) ([]graphstore.Community, error) {
	lister, ok := p.store.(communityLister)
	if !ok {
		return nil, fmt.Errorf("store does not support community listing for group %s", groupID)
	}
	return lister.CommunitiesInGroup(ctx, groupID)
}

// communityLister is implemented by Store backends that can enumerate a
// group's communities (MemStore and PostgresStore both do); kept as a
// narrow optional interface rather than widening graphstore.Store, since no
// route or seed-resolver caller needs a full community scan.
type communityLister interface {
	CommunitiesInGroup(ctx context.Context, groupID string) ([]graphstore.Community, error)
}
