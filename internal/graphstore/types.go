// Package graphstore implements the persistent labeled property graph plus
// vector indexes named in spec §4.2: Document, Section, TextChunk, Sentence,
// Entity, and Community nodes; deterministic and probabilistic edges;
// vector-top-k, PPR, and parametric traversal. Relational/vector storage is
// pgx + pgvector (spec's "exact and complete" deterministic edges sit
// naturally in foreign-key tables); graph traversal for PPR and beam search
// runs through the neo4j-go-driver against a mirrored property graph, since
// both are described in spec §4.2 as capabilities of "the Graph Store" and
// the teacher pack shows both storage shapes in active use
// (legal-gateway/worker.go for pgx, lex00-wetwire-neo4j-go for the driver).
package graphstore

import "time"

const EmbeddingDim = 2048

// SentenceSource enumerates spec §3's Sentence.source values.
type SentenceSource string

const (
	SourceParagraph        SentenceSource = "paragraph"
	SourceTableRow         SentenceSource = "table_row"
	SourceFigureCaption    SentenceSource = "figure_caption"
	SourceFigureDescription SentenceSource = "figure_description"
	SourceEquation         SentenceSource = "equation"
)

// EdgeType distinguishes deterministic (parsed, exact) edges from
// probabilistic (k-NN, similarity-scored) edges. The two kinds must never be
// conflated in scoring or traversal (spec §3, "Edge invariants").
type EdgeType string

const (
	EdgeHasSection       EdgeType = "HAS_SECTION"
	EdgeInSection        EdgeType = "IN_SECTION"
	EdgeInDocument       EdgeType = "IN_DOCUMENT"
	EdgePartOf           EdgeType = "PART_OF"
	EdgeNext             EdgeType = "NEXT"
	EdgeSubsectionOf     EdgeType = "SUBSECTION_OF"
	EdgeBelongsTo        EdgeType = "BELONGS_TO"
	EdgeMentions         EdgeType = "MENTIONS"
	EdgeRelatedTo        EdgeType = "RELATED_TO"        // probabilistic, sentence<->sentence
	EdgeSemanticSimilar  EdgeType = "SEMANTICALLY_SIMILAR" // probabilistic, entity<->entity
)

// Deterministic reports whether t is created only from parsed structure.
func (t EdgeType) Deterministic() bool {
	switch t {
	case EdgeHasSection, EdgeInSection, EdgeInDocument, EdgePartOf, EdgeNext, EdgeSubsectionOf, EdgeBelongsTo, EdgeMentions:
		return true
	default:
		return false
	}
}

// Document is a source file; immutable after ingestion (spec §3).
type Document struct {
	ID        string
	Title     string
	GroupID   string
	PageCount int
	CreatedAt time.Time
}

// Section is a logical region, nested arbitrarily deep. Titles are metadata
// only — never embedded independently (spec §4.3 rationale: the title is
// baked into chunk/sentence labels instead, see embedgw.Label).
type Section struct {
	ID         string
	DocumentID string
	GroupID    string
	Title      string
	PathKey    string // materialised ancestor path, e.g. "Terms > Payment > Schedule"
	ParentID   string // "" for a top-level section
}

// TextChunk is a ~500-700 token contiguous extraction unit.
type TextChunk struct {
	ID          string
	DocumentID  string
	GroupID     string
	SectionID   string // "" if the chunk belongs to no section
	Text        string
	EmbeddingV2 []float32
}

// Sentence is the precision retrieval unit (spec §3).
type Sentence struct {
	ID                  string
	ChunkID             string
	GroupID             string
	ParagraphID         string
	SectionPath         string // denormalised from the owning Section.PathKey
	ParentParagraphText string // denormalised
	Page                int
	Confidence          float64 // in [0,1], preserved from the upstream parser
	CharOffset          int
	CharLength          int
	Geometry            [][2]float64 // polygon vertices, flattened per-point
	EmbeddingV2         []float32
	Source              SentenceSource
	NextID              string // "" if this is the last sentence in its chunk
	PrevID              string
}

// Entity is a canonical mention cluster.
type Entity struct {
	ID          string
	GroupID     string
	Canonical   string
	Aliases     []string
	Embedding   []float32
}

// Community is a detected cluster of entities with an LLM-generated summary.
type Community struct {
	ID                string
	GroupID           string
	Summary           string
	SummaryEmbedding  []float32
	MemberEntityIDs   []string
}

// ScoredNode is a generic (node_id, score) pair returned by vector search,
// PPR, and beam search.
type ScoredNode struct {
	NodeID string
	Score  float64
}

// SemanticEdge is a probabilistic edge carrying its similarity (spec §3,
// "carry {method, similarity}").
type SemanticEdge struct {
	From       string
	To         string
	Type       EdgeType
	Method     string // e.g. "cosine-knn"
	Similarity float64
}

// Path is one beam-search result: the node sequence and its cumulative
// product-of-similarities score (spec §4.2).
type Path struct {
	Nodes []string
	Edges []SemanticEdge
	Score float64
}

// VectorFilter pins group_id and optionally node-type predicates for
// search_vectors (spec §4.2). GroupID is mandatory: every query filters by
// it (spec §3, "Multi-tenant partitioning").
type VectorFilter struct {
	GroupID    string
	NodeType   string // optional; not read by MemStore or PostgresStore
	DocumentID string // optional, restricts chunk_embedding_v2 search to one document
}
