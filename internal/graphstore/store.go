package graphstore

import "context"

// IndexState is one step of the indexing state machine named in spec §4.2.
// Transitions are idempotent and persisted per-group so a crash mid-transition
// resumes from the last successful state.
type IndexState string

const (
	StateIngested              IndexState = "Ingested"
	StatePartitionedByGroup     IndexState = "PartitionedByGroup"
	StateChunksEmbedded         IndexState = "ChunksEmbedded"
	StateEntitiesExtracted      IndexState = "EntitiesExtracted"
	StateEntitiesEmbedded       IndexState = "EntitiesEmbedded"
	StateSectionHierarchyBuilt  IndexState = "SectionHierarchyBuilt"
	StateSentencesExtracted     IndexState = "SentencesExtracted"
	StateSentencesEmbedded      IndexState = "SentencesEmbedded"
	StateSentenceKnnEdgesBuilt  IndexState = "SentenceKnnEdgesBuilt"
	StateCommunitiesDetected    IndexState = "CommunitiesDetected"
	StateCommunitiesSummarised  IndexState = "CommunitiesSummarised"
	StateCommunityEmbedded      IndexState = "CommunityEmbedded"
	StateReady                  IndexState = "Ready"
)

// stateOrder lists the state machine transitions in order, used to validate
// that a requested transition is the legal next step.
var stateOrder = []IndexState{
	StateIngested, StatePartitionedByGroup, StateChunksEmbedded, StateEntitiesExtracted,
	StateEntitiesEmbedded, StateSectionHierarchyBuilt, StateSentencesExtracted,
	StateSentencesEmbedded, StateSentenceKnnEdgesBuilt, StateCommunitiesDetected,
	StateCommunitiesSummarised, StateCommunityEmbedded, StateReady,
}

// NextState returns the state that legally follows cur, or ("", false) if cur
// is the terminal state or unrecognised.
func NextState(cur IndexState) (IndexState, bool) {
	for i, s := range stateOrder {
		if s == cur && i+1 < len(stateOrder) {
			return stateOrder[i+1], true
		}
	}
	return "", false
}

// VectorIndexNames are the four persisted vector indexes (spec §6).
var VectorIndexNames = []string{
	"sentence_embeddings_v2",
	"entity_embedding_v2",
	"chunk_embedding_v2",
	"community_summary_embedding_v2",
}

// Store is the Graph Store contract from spec §4.2: vector-top-k, PPR,
// semantic beam search, and parametric traversal, plus the deterministic
// write-side used by the Indexing Pipeline. Every read method filters by
// group_id (spec §3, "Multi-tenant partitioning") — callers must always
// supply one, and implementations must never leak a node whose stored
// group_id differs from the filter (spec §8, property 7).
type Store interface {
	// Write-side (Indexing Pipeline only; deterministic edges are exact and
	// complete, never emitted by similarity — spec §3).
	PutDocument(ctx context.Context, d Document) error
	PutSection(ctx context.Context, s Section) error
	PutChunk(ctx context.Context, c TextChunk) error
	PutSentence(ctx context.Context, s Sentence) error
	PutEntity(ctx context.Context, e Entity) error
	PutCommunity(ctx context.Context, c Community) error
	LinkMentions(ctx context.Context, groupID, chunkID, entityID string) error
	LinkSemanticEdge(ctx context.Context, groupID string, e SemanticEdge) error

	// Point reads used by route expand stages.
	GetSentence(ctx context.Context, groupID, id string) (Sentence, error)
	GetEntity(ctx context.Context, groupID, id string) (Entity, error)
	GetChunk(ctx context.Context, groupID, id string) (TextChunk, error)
	GetCommunity(ctx context.Context, groupID, id string) (Community, error)
	SentencesInChunk(ctx context.Context, groupID, chunkID string) ([]Sentence, error)
	// SentencesInGroup/EntitiesInGroup enumerate every node in a group, used
	// by the indexing pipeline's sparse k-NN edge builders (spec §4.2). The
	// worker never performs this kind of full scan at query time.
	SentencesInGroup(ctx context.Context, groupID string) ([]Sentence, error)
	EntitiesInGroup(ctx context.Context, groupID string) ([]Entity, error)
	EntitiesMentionedInSection(ctx context.Context, groupID, sectionPath string) ([]string, error)
	EntityDocumentMembership(ctx context.Context, groupID, entityID string) ([]string, error)
	// ChunksMentioningEntity is the reverse of LinkMentions, used by Route 4's
	// beam-expand stage to turn surviving entity paths into chunk evidence
	// (spec §4.6 stage 4).
	ChunksMentioningEntity(ctx context.Context, groupID, entityID string) ([]string, error)

	// search_vectors(index_name, query_vector, k, filter) -> [(node_id, score)]
	// Cosine similarity, descending. Fails with an IndexMissing-wrapped error
	// (never an empty list) when indexName is not built for filter.GroupID
	// (spec §4.2, "Failure semantics").
	SearchVectors(ctx context.Context, indexName string, queryVector []float32, k int, filter VectorFilter) ([]ScoredNode, error)

	// ppr(seed_weights, damping, top_k, group_id) -> [(node_id, score)].
	// seedWeights must already sum to 1.0 (the Seed Resolver normalises).
	PPR(ctx context.Context, seedWeights map[string]float64, damping float64, topK int, groupID string) ([]ScoredNode, error)

	// semantic_beam(start_entities, hops, beam_width, edge_types, group_id) -> paths.
	SemanticBeam(ctx context.Context, startEntities []string, hops, beamWidth int, edgeTypes []EdgeType, groupID string) ([]Path, error)

	// NextSentences/PrevSentences walk deterministic NEXT edges up to hops
	// steps (spec §4.4 stage 2, "follow NEXT ±2 hops").
	NextSentences(ctx context.Context, groupID, sentenceID string, hops int) ([]Sentence, error)
	PrevSentences(ctx context.Context, groupID, sentenceID string, hops int) ([]Sentence, error)
	// RelatedSentences walks RELATED_TO edges up to hops steps; Route 2
	// asks for one hop (spec §4.4 stage 2).
	RelatedSentences(ctx context.Context, groupID, sentenceID string, hops int) ([]SemanticEdge, error)

	// Indexing state machine (spec §4.2).
	GetIndexState(ctx context.Context, groupID string) (IndexState, error)
	SetIndexState(ctx context.Context, groupID string, state IndexState) error

	// CountSentences/CountRelatedToEdges back spec §8 properties 1-3.
	CountSentences(ctx context.Context, groupID string) (int, error)
	CountRelatedToEdges(ctx context.Context, groupID string) (int, error)
}
