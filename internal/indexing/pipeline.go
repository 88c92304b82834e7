package indexing

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/skeinframe/graphrag/internal/config"
	"github.com/skeinframe/graphrag/internal/embedgw"
	"github.com/skeinframe/graphrag/internal/graphstore"
	"github.com/skeinframe/graphrag/internal/llmgw"
)

// Pipeline drives one group's graph through the indexing state machine
// (spec §4.2). Each Run call advances the group from its persisted state to
// Ready; a crash mid-run resumes from the last successfully persisted state
// because every stage's writes are idempotent upserts (spec §4.2, "a
// failure mid-transition is recoverable by restarting from the last
// successful state").
type Pipeline struct {
	store  graphstore.Store
	embed  *embedgw.Gateway
	llm    *llmgw.Client
	flags  *config.FlagStore
	log    *logrus.Entry
}

// New builds a Pipeline over the given collaborators.
func New(store graphstore.Store, embed *embedgw.Gateway, llm *llmgw.Client, flags *config.FlagStore, log *logrus.Entry) *Pipeline {
	return &Pipeline{store: store, embed: embed, llm: llm, flags: flags, log: log}
}

// Run ingests docs into groupID and advances the state machine to Ready.
// Calling Run again on an unchanged doc set is a no-op beyond re-upserting
// identical rows (spec §8, "re-ingesting an unchanged document produces no
// new nodes or edges").
func (p *Pipeline) Run(ctx context.Context, groupID string, docs []ParsedDocument) error {
	cur, err := p.store.GetIndexState(ctx, groupID)
	if err != nil {
		return fmt.Errorf("read index state: %w", err)
	}

	stages := map[graphstore.IndexState]func(context.Context, string, []ParsedDocument) error{
		graphstore.StateIngested:             p.partitionByGroup,
		graphstore.StatePartitionedByGroup:    p.embedChunks,
		graphstore.StateChunksEmbedded:        p.extractEntities,
		graphstore.StateEntitiesExtracted:     p.embedEntities,
		graphstore.StateEntitiesEmbedded:      p.buildSectionHierarchy,
		graphstore.StateSectionHierarchyBuilt: p.extractSentences,
		graphstore.StateSentencesExtracted:    p.embedSentences,
		graphstore.StateSentencesEmbedded:     p.buildSentenceKNN,
		graphstore.StateSentenceKnnEdgesBuilt: p.detectCommunities,
		graphstore.StateCommunitiesDetected:   p.summariseCommunities,
		graphstore.StateCommunitiesSummarised: p.embedCommunities,
	}

	for {
		if cur == graphstore.StateReady {
			p.log.WithField("group_id", groupID).Info("indexing reached Ready")
			return nil
		}
		stage, ok := stages[cur]
		if !ok {
			return fmt.Errorf("no stage registered for index state %q", cur)
		}
		if err := stage(ctx, groupID, docs); err != nil {
			return fmt.Errorf("stage from %s: %w", cur, err)
		}
		next, ok := graphstore.NextState(cur)
		if !ok {
			return fmt.Errorf("state %q has no successor", cur)
		}
		if err := p.store.SetIndexState(ctx, groupID, next); err != nil {
			return fmt.Errorf("persist state %s: %w", next, err)
		}
		p.log.WithField("group_id", groupID).WithField("state", next).Debug("indexing stage complete")
		cur = next
	}
}

// partitionByGroup materialises Document/Section/Chunk structure and the
// deterministic edges that structure implies (HAS_SECTION, SUBSECTION_OF,
// IN_DOCUMENT, IN_SECTION) as foreign-key relationships on the node rows
// themselves, per graphstore's relational layout — exact and complete,
// never similarity-derived (spec §3). Sentence nodes and their
// PART_OF/NEXT links are written later by extractSentences.
func (p *Pipeline) partitionByGroup(ctx context.Context, groupID string, docs []ParsedDocument) error {
	for _, doc := range docs {
		if err := p.store.PutDocument(ctx, graphstore.Document{
			ID: doc.ID, Title: doc.Title, GroupID: groupID, PageCount: doc.PageCount,
		}); err != nil {
			return fmt.Errorf("put document %s: %w", doc.ID, err)
		}

		for _, sec := range flattenSections(doc.Sections) {
			if err := p.store.PutSection(ctx, graphstore.Section{
				ID: sec.ID, DocumentID: doc.ID, GroupID: groupID, Title: sec.Title,
				PathKey: sec.pathKey, ParentID: sec.ParentID,
			}); err != nil {
				return fmt.Errorf("put section %s: %w", sec.ID, err)
			}
			for _, chunk := range sec.Chunks {
				if err := p.store.PutChunk(ctx, graphstore.TextChunk{
					ID: chunk.ID, DocumentID: doc.ID, GroupID: groupID, SectionID: sec.ID, Text: chunk.Text,
				}); err != nil {
					return fmt.Errorf("put chunk %s: %w", chunk.ID, err)
				}
			}
		}
	}
	return nil
}

// flatSection is a ParsedSection annotated with its materialised path_key.
type flatSection struct {
	ParsedSection
	pathKey string
}

// flattenSections computes each section's materialised ancestor path by
// chasing ParentID through the flat section list up to its root (spec §3,
// "path_key (materialised ancestor path)", e.g. "Terms > Payment >
// Schedule"). Sections arrive as a flat slice with parent pointers rather
// than a nested tree, so the path is built bottom-up per section instead of
// threaded down through recursion.
func flattenSections(sections []ParsedSection) []flatSection {
	byID := make(map[string]ParsedSection, len(sections))
	for _, s := range sections {
		byID[s.ID] = s
	}

	out := make([]flatSection, 0, len(sections))
	for _, s := range sections {
		out = append(out, flatSection{ParsedSection: s, pathKey: pathKeyFor(s, byID)})
	}
	return out
}

// pathKeyFor walks s's ParentID chain to the root, concatenating titles
// ancestor-first. A visited set guards against a malformed parent cycle
// turning this into an infinite loop.
func pathKeyFor(s ParsedSection, byID map[string]ParsedSection) string {
	titles := []string{s.Title}
	visited := map[string]bool{s.ID: true}

	for s.ParentID != "" {
		parent, ok := byID[s.ParentID]
		if !ok || visited[parent.ID] {
			break
		}
		titles = append(titles, parent.Title)
		visited[parent.ID] = true
		s = parent
	}

	path := titles[len(titles)-1]
	for i := len(titles) - 2; i >= 0; i-- {
		path += " > " + titles[i]
	}
	return path
}

// embedChunks computes embedding_v2 for every chunk, labeled with its
// document/section context (spec §4.1).
func (p *Pipeline) embedChunks(ctx context.Context, groupID string, docs []ParsedDocument) error {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(8)

	for _, doc := range docs {
		doc := doc
		for _, sec := range flattenSections(doc.Sections) {
			sec := sec
			group.Go(func() error {
				for _, chunk := range sec.Chunks {
					labeled := embedgw.Label(doc.Title, sec.pathKey, chunk.Text)
					vectors, err := p.embed.EmbedContextual(gctx, doc.ID, []string{labeled})
					if err != nil {
						return fmt.Errorf("embed chunk %s: %w", chunk.ID, err)
					}
					if err := p.store.PutChunk(gctx, graphstore.TextChunk{
						ID: chunk.ID, DocumentID: doc.ID, GroupID: groupID, SectionID: sec.ID,
						Text: chunk.Text, EmbeddingV2: vectors[0],
					}); err != nil {
						return fmt.Errorf("persist chunk embedding %s: %w", chunk.ID, err)
					}
				}
				return nil
			})
		}
	}
	return group.Wait()
}

// buildSectionHierarchy is a distinct state in spec §4.2's sequence even
// though partitionByGroup already wrote section rows; it exists so a
// resumed pipeline can re-validate parent linkage without re-running
// embeddings. Structure was already written deterministically, so this
// stage is a no-op validation pass.
func (p *Pipeline) buildSectionHierarchy(_ context.Context, _ string, _ []ParsedDocument) error {
	return nil
}

// extractSentences materialises Sentence nodes and their deterministic
// PART_OF/NEXT/PREV linkage (spec §3).
func (p *Pipeline) extractSentences(ctx context.Context, groupID string, docs []ParsedDocument) error {
	for _, doc := range docs {
		for _, sec := range flattenSections(doc.Sections) {
			for _, chunk := range sec.Chunks {
				for i, s := range chunk.Sentences {
					next, prev := "", ""
					if i+1 < len(chunk.Sentences) {
						next = chunk.Sentences[i+1].ID
					}
					if i > 0 {
						prev = chunk.Sentences[i-1].ID
					}
					if err := p.store.PutSentence(ctx, graphstore.Sentence{
						ID: s.ID, ChunkID: chunk.ID, GroupID: groupID, ParagraphID: s.ParagraphID,
						SectionPath: sec.pathKey, ParentParagraphText: s.ParentParagraphText,
						Page: s.Page, Confidence: s.Confidence, CharOffset: s.CharOffset, CharLength: s.CharLength,
						Geometry: s.Geometry, Source: s.Source, NextID: next, PrevID: prev,
					}); err != nil {
						return fmt.Errorf("put sentence %s: %w", s.ID, err)
					}
				}
			}
		}
	}
	return nil
}

// embedSentences computes embedding_v2 for every sentence, labeled the same
// way as chunks (spec §4.1).
func (p *Pipeline) embedSentences(ctx context.Context, groupID string, docs []ParsedDocument) error {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(8)

	for _, doc := range docs {
		doc := doc
		for _, sec := range flattenSections(doc.Sections) {
			sec := sec
			for _, chunk := range sec.Chunks {
				chunk := chunk
				group.Go(func() error {
					for _, s := range chunk.Sentences {
						labeled := embedgw.Label(doc.Title, sec.pathKey, s.Text)
						vectors, err := p.embed.EmbedContextual(gctx, doc.ID, []string{labeled})
						if err != nil {
							return fmt.Errorf("embed sentence %s: %w", s.ID, err)
						}
						existing, err := p.store.GetSentence(gctx, groupID, s.ID)
						if err != nil {
							return fmt.Errorf("reload sentence %s: %w", s.ID, err)
						}
						existing.EmbeddingV2 = vectors[0]
						if err := p.store.PutSentence(gctx, existing); err != nil {
							return fmt.Errorf("persist sentence embedding %s: %w", s.ID, err)
						}
					}
					return nil
				})
			}
		}
	}
	return group.Wait()
}
