package graphstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/skeinframe/graphrag/internal/apperr"
)

// MemStore is a fully in-memory Store, the reference implementation used by
// the unit tests of the seed resolver and the route packages. It
// guards its maps with a single RWMutex, the same "one contention point is
// acceptable" shape the teacher uses for EmbeddingCache
// (go-enhanced-rag-service/embedding_service.go).
type MemStore struct {
	mu sync.RWMutex

	documents  map[string]Document
	sections   map[string]Section
	chunks     map[string]TextChunk
	sentences  map[string]Sentence
	entities   map[string]Entity
	communities map[string]Community

	mentions     map[string]map[string]bool // chunkID -> entityID set
	semanticEdges []storedSemanticEdge        // RELATED_TO / SEMANTICALLY_SIMILAR

	builtIndexes map[string]map[string]bool // indexName -> groupID set that has been built
	indexState   map[string]IndexState      // groupID -> state
}

type storedSemanticEdge struct {
	groupID string
	edge    SemanticEdge
}

// NewMemStore builds an empty in-memory store. The four named vector
// indexes (spec §6) start out un-built for every group; call MarkIndexBuilt
// to simulate the Indexing Pipeline having run.
func NewMemStore() *MemStore {
	return &MemStore{
		documents:   make(map[string]Document),
		sections:    make(map[string]Section),
		chunks:      make(map[string]TextChunk),
		sentences:   make(map[string]Sentence),
		entities:    make(map[string]Entity),
		communities: make(map[string]Community),
		mentions:    make(map[string]map[string]bool),
		builtIndexes: map[string]map[string]bool{
			"sentence_embeddings_v2":         {},
			"entity_embedding_v2":            {},
			"chunk_embedding_v2":              {},
			"community_summary_embedding_v2": {},
		},
		indexState: make(map[string]IndexState),
	}
}

// MarkIndexBuilt simulates the Indexing Pipeline completing index
// construction for indexName in groupID. SearchVectors returns
// apperr.ErrIndexMissing for any (indexName, groupID) not marked built.
func (m *MemStore) MarkIndexBuilt(indexName, groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.builtIndexes[indexName] == nil {
		m.builtIndexes[indexName] = map[string]bool{}
	}
	m.builtIndexes[indexName][groupID] = true
}

func (m *MemStore) PutDocument(_ context.Context, d Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[d.ID] = d
	return nil
}

func (m *MemStore) PutSection(_ context.Context, s Section) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sections[s.ID] = s
	return nil
}

func (m *MemStore) PutChunk(_ context.Context, c TextChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[c.ID] = c
	return nil
}

func (m *MemStore) PutSentence(_ context.Context, s Sentence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentences[s.ID] = s
	return nil
}

func (m *MemStore) PutEntity(_ context.Context, e Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[e.ID] = e
	return nil
}

func (m *MemStore) PutCommunity(_ context.Context, c Community) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.communities[c.ID] = c
	return nil
}

// CommunitiesInGroup enumerates every community in groupID, used by the
// indexing pipeline's summarisation/embedding stages.
func (m *MemStore) CommunitiesInGroup(_ context.Context, groupID string) ([]Community, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Community
	for _, c := range m.communities {
		if c.GroupID == groupID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) LinkMentions(_ context.Context, _, chunkID, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mentions[chunkID] == nil {
		m.mentions[chunkID] = map[string]bool{}
	}
	m.mentions[chunkID][entityID] = true
	return nil
}

func (m *MemStore) LinkSemanticEdge(_ context.Context, groupID string, e SemanticEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.semanticEdges = append(m.semanticEdges, storedSemanticEdge{groupID: groupID, edge: e})
	return nil
}

func (m *MemStore) GetSentence(_ context.Context, groupID, id string) (Sentence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sentences[id]
	if !ok || s.GroupID != groupID {
		return Sentence{}, fmt.Errorf("sentence %s: %w", id, errNotFound)
	}
	return s, nil
}

func (m *MemStore) GetEntity(_ context.Context, groupID, id string) (Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok || e.GroupID != groupID {
		return Entity{}, fmt.Errorf("entity %s: %w", id, errNotFound)
	}
	return e, nil
}

func (m *MemStore) GetCommunity(_ context.Context, groupID, id string) (Community, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.communities[id]
	if !ok || c.GroupID != groupID {
		return Community{}, fmt.Errorf("community %s: %w", id, errNotFound)
	}
	return c, nil
}

func (m *MemStore) GetChunk(_ context.Context, groupID, id string) (TextChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chunks[id]
	if !ok || c.GroupID != groupID {
		return TextChunk{}, fmt.Errorf("chunk %s: %w", id, errNotFound)
	}
	return c, nil
}

func (m *MemStore) SentencesInChunk(_ context.Context, groupID, chunkID string) ([]Sentence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Sentence
	for _, s := range m.sentences {
		if s.ChunkID == chunkID && s.GroupID == groupID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CharOffset < out[j].CharOffset })
	return out, nil
}

// EntitiesMentionedInSection implements IN_SECTION <- TextChunk -> MENTIONS
// -> Entity (spec §4.3, T2 tier).
func (m *MemStore) EntitiesMentionedInSection(_ context.Context, groupID, sectionPath string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sectionIDs []string
	for _, sec := range m.sections {
		if sec.GroupID == groupID && sec.PathKey == sectionPath {
			sectionIDs = append(sectionIDs, sec.ID)
		}
	}
	sectionSet := toSet(sectionIDs)
	seen := map[string]bool{}
	var out []string
	for _, c := range m.chunks {
		if c.GroupID != groupID || !sectionSet[c.SectionID] {
			continue
		}
		for eid := range m.mentions[c.ID] {
			if !seen[eid] {
				seen[eid] = true
				out = append(out, eid)
			}
		}
	}
	return out, nil
}

func (m *MemStore) EntityDocumentMembership(_ context.Context, groupID, entityID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	var docs []string
	for chunkID, ents := range m.mentions {
		if !ents[entityID] {
			continue
		}
		c, ok := m.chunks[chunkID]
		if !ok || c.GroupID != groupID {
			continue
		}
		if !seen[c.DocumentID] {
			seen[c.DocumentID] = true
			docs = append(docs, c.DocumentID)
		}
	}
	sort.Strings(docs)
	return docs, nil
}

func (m *MemStore) ChunksMentioningEntity(_ context.Context, groupID, entityID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for chunkID, ents := range m.mentions {
		if !ents[entityID] {
			continue
		}
		if c, ok := m.chunks[chunkID]; ok && c.GroupID == groupID {
			out = append(out, chunkID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func toSet(ids []string) map[string]bool {
	s := make(map[string]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func (m *MemStore) SentencesInGroup(_ context.Context, groupID string) ([]Sentence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Sentence
	for _, s := range m.sentences {
		if s.GroupID == groupID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) EntitiesInGroup(_ context.Context, groupID string) ([]Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entity
	for _, e := range m.entities {
		if e.GroupID == groupID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) GetIndexState(_ context.Context, groupID string) (IndexState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.indexState[groupID]
	if !ok {
		return StateIngested, nil
	}
	return st, nil
}

func (m *MemStore) SetIndexState(_ context.Context, groupID string, state IndexState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexState[groupID] = state
	return nil
}

func (m *MemStore) CountSentences(_ context.Context, groupID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sentences {
		if s.GroupID == groupID {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) CountRelatedToEdges(_ context.Context, groupID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, se := range m.semanticEdges {
		if se.groupID == groupID && se.edge.Type == EdgeRelatedTo {
			n++
		}
	}
	return n, nil
}

var errNotFound = fmt.Errorf("not found")

// SearchVectors implements spec §4.2's cosine-similarity top-k, scanning the
// node type implied by indexName. It returns apperr.ErrIndexMissing rather
// than an empty slice when the index was never built for filter.GroupID —
// silent empty returns have historically masked catastrophic regressions
// (spec §4.2).
func (m *MemStore) SearchVectors(_ context.Context, indexName string, queryVector []float32, k int, filter VectorFilter) ([]ScoredNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	built, knownIndex := m.builtIndexes[indexName]
	if !knownIndex {
		return nil, apperr.New(apperr.KindIndexMissing, "search_vectors", indexName, apperr.ErrIndexMissing)
	}
	if !built[filter.GroupID] {
		return nil, apperr.New(apperr.KindIndexMissing, "search_vectors", fmt.Sprintf("%s/%s", indexName, filter.GroupID), apperr.ErrIndexMissing)
	}

	var scored []ScoredNode
	switch indexName {
	case "sentence_embeddings_v2":
		for _, s := range m.sentences {
			if s.GroupID != filter.GroupID {
				continue
			}
			scored = append(scored, ScoredNode{NodeID: s.ID, Score: CosineSimilarity(queryVector, s.EmbeddingV2)})
		}
	case "entity_embedding_v2":
		for _, e := range m.entities {
			if e.GroupID != filter.GroupID {
				continue
			}
			scored = append(scored, ScoredNode{NodeID: e.ID, Score: CosineSimilarity(queryVector, e.Embedding)})
		}
	case "chunk_embedding_v2":
		for _, c := range m.chunks {
			if c.GroupID != filter.GroupID {
				continue
			}
			if filter.DocumentID != "" && c.DocumentID != filter.DocumentID {
				continue
			}
			scored = append(scored, ScoredNode{NodeID: c.ID, Score: CosineSimilarity(queryVector, c.EmbeddingV2)})
		}
	case "community_summary_embedding_v2":
		for _, c := range m.communities {
			if c.GroupID != filter.GroupID {
				continue
			}
			scored = append(scored, ScoredNode{NodeID: c.ID, Score: CosineSimilarity(queryVector, c.SummaryEmbedding)})
		}
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// CosineSimilarity is the shared similarity function used by SearchVectors
// and the sentence/entity k-NN builders.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (m *MemStore) NextSentences(_ context.Context, groupID, sentenceID string, hops int) ([]Sentence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Sentence
	cur := sentenceID
	for i := 0; i < hops; i++ {
		s, ok := m.sentences[cur]
		if !ok || s.GroupID != groupID || s.NextID == "" {
			break
		}
		next, ok := m.sentences[s.NextID]
		if !ok {
			break
		}
		out = append(out, next)
		cur = next.ID
	}
	return out, nil
}

func (m *MemStore) PrevSentences(_ context.Context, groupID, sentenceID string, hops int) ([]Sentence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Sentence
	cur := sentenceID
	for i := 0; i < hops; i++ {
		s, ok := m.sentences[cur]
		if !ok || s.GroupID != groupID || s.PrevID == "" {
			break
		}
		prev, ok := m.sentences[s.PrevID]
		if !ok {
			break
		}
		out = append(out, prev)
		cur = prev.ID
	}
	return out, nil
}

func (m *MemStore) RelatedSentences(_ context.Context, groupID, sentenceID string, hops int) ([]SemanticEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	frontier := map[string]bool{sentenceID: true}
	var out []SemanticEdge
	for i := 0; i < hops; i++ {
		next := map[string]bool{}
		for _, se := range m.semanticEdges {
			if se.groupID != groupID || se.edge.Type != EdgeRelatedTo {
				continue
			}
			if frontier[se.edge.From] {
				out = append(out, se.edge)
				next[se.edge.To] = true
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}
	return out, nil
}
