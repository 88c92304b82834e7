// Package indexing implements the Indexing Pipeline (spec §4.2's "Indexing
// Pipeline" component and its state-machine sequence): it ingests already-
// parsed documents, builds the graph, computes embeddings, builds the two
// tiers of semantic edges under the sparsity budget, and materialises
// communities. Document ingestion itself (OCR, layout, table extraction) is
// out of scope (spec §1) — this package's input is a stream of parsed
// paragraphs/tables/figures with geometry, already split into sections,
// chunks, and sentences by an upstream collaborator.
package indexing

import "github.com/skeinframe/graphrag/internal/graphstore"

// ParsedDocument is the Indexing Pipeline's input unit: one document already
// segmented into a section tree, chunks, and sentences.
type ParsedDocument struct {
	ID        string
	Title     string
	GroupID   string
	PageCount int
	Sections  []ParsedSection
}

// ParsedSection mirrors graphstore.Section before it has an id-stable path
// key computed.
type ParsedSection struct {
	ID       string
	Title    string
	ParentID string // "" for a top-level section
	Chunks   []ParsedChunk
}

// ParsedChunk is a ~500-700 token extraction unit with its sentences.
type ParsedChunk struct {
	ID        string
	Text      string
	Sentences []ParsedSentence
}

// ParsedSentence carries everything the upstream parser preserves.
type ParsedSentence struct {
	ID                  string
	ParagraphID         string
	Page                int
	Confidence          float64
	CharOffset          int
	CharLength          int
	Geometry            [][2]float64
	Source              graphstore.SentenceSource
	Text                string
	ParentParagraphText string
}
