// Package routes defines the shared shape of the four retrieval routes
// (spec §9, "Polymorphic route handlers"): seed → retrieve → rank →
// synthesise, with a common capability set {ClassifyApplicable, Execute,
// CostEstimate}. Each concrete route lives in its own sibling package
// (internal/routes/{local,global,drift,unified}) so every algorithm version
// is a frozen, independently replaceable snapshot (spec §9, "Version
// migration") rather than a shared inheritance hierarchy.
package routes

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/skeinframe/graphrag/internal/llmgw"
)

// Per-stage timeouts (spec §5).
const (
	EmbedTimeout      = 5 * time.Second
	LLMTimeout        = 60 * time.Second
	VectorSearchTimeout = 2 * time.Second
	PPRTimeout        = 10 * time.Second
	TotalTimeout      = 120 * time.Second
)

// Paragraph is one deduplicated, scored unit of sentence-level evidence
// (spec §4.4 stage 3 — "Collapse sentences by parent_paragraph_id").
type Paragraph struct {
	ParagraphID string
	DocumentID  string
	SectionPath string
	Text        string
	SentenceIDs []string
	Score       float64
}

// Claim is one Route 3 MAP-stage output (spec §4.5 stage 2).
type Claim struct {
	CommunityID string
	Text        string
	EntityIDs   []string
	Relevance   float64
}

// Citation names one evidence unit a synthesised claim rests on (spec §8,
// property 8 — "every claim... names at least one sentence or chunk id").
type Citation struct {
	SentenceID string
	ChunkID    string
}

// Evidence is everything gathered before synthesis, carried through so the
// orchestrator can report non-empty thoughts even when the answer is empty
// (spec §7, "User-visible behaviour").
type Evidence struct {
	Paragraphs []Paragraph
	Claims     []Claim
	EntityIDs  []string
}

func (e Evidence) Empty() bool {
	return len(e.Paragraphs) == 0 && len(e.Claims) == 0
}

// Result is what a route returns to the Orchestrator (spec §4.8 contract,
// minus the fields — route_used, algorithm_version_used — the orchestrator
// itself fills in).
type Result struct {
	AnswerText string
	Citations  []Citation
	Thoughts   []string
	Confidence float64
	Evidence   Evidence
}

// Request is what the Orchestrator passes into every route.
type Request struct {
	Query   string
	GroupID string
	// WeightProfileName selects the Seed Resolver's (w1,w2,w3) row (spec
	// §4.3); only consulted by Route 5. Empty means "let the route choose
	// its own default".
	WeightProfileName string
	// CompetitiveRankingExpected flags that Route 5 should spend the
	// cross-encoder rerank pass on its top-20 merged evidence (spec §4.7
	// stage 5).
	CompetitiveRankingExpected bool
}

// Route is the shared capability set every route variant implements (spec
// §9). The orchestrator dispatches by route name and calls Execute; nothing
// outside the tests calls ClassifyApplicable or CostEstimate.
type Route interface {
	Name() string
	ClassifyApplicable(req Request) bool
	Execute(ctx context.Context, req Request) (Result, error)
	CostEstimate(req Request) time.Duration
}

const synthesisSystemPrompt = `You are answering a question strictly from the evidence provided below. Cite every factual claim by appending the sentence or chunk id it came from in the form [id:<id>]. Never cite an id that was not given to you. If the evidence does not support an answer, say so plainly and cite nothing.`

var citationPattern = regexp.MustCompile(`\[id:([^\]]+)\]`)

// Synthesise runs the shared synthesis contract every route ends with
// (spec §4.4 stage 5, reused verbatim by Routes 3/4/5): build a plain-text
// evidence block, strip structural labels (spec §4.4, "they leak otherwise
// on smaller models"), ask the LLM for a cited answer, and extract the
// citations the model actually used, discarding any id the model cites
// that was not in the evidence set (spec §8 property 8).
func Synthesise(ctx context.Context, llm *llmgw.Client, query string, paragraphs []Paragraph, claims []Claim) (string, []Citation, error) {
	known := map[string]Citation{}
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nEvidence:\n", query)
	for _, p := range paragraphs {
		fmt.Fprintf(&b, "- [sentences: %s] %s\n", strings.Join(p.SentenceIDs, ","), StripMetadataTags(p.Text))
		for _, sid := range p.SentenceIDs {
			known[sid] = Citation{SentenceID: sid}
		}
	}
	for _, c := range claims {
		fmt.Fprintf(&b, "- [community claim, entities: %s] %s\n", strings.Join(c.EntityIDs, ","), c.Text)
		for _, eid := range c.EntityIDs {
			known[eid] = Citation{ChunkID: eid}
		}
	}

	answer, err := llm.Complete(ctx, synthesisSystemPrompt, b.String(), 0.2)
	if err != nil {
		return "", nil, fmt.Errorf("synthesise: %w", err)
	}

	var citations []Citation
	seen := map[string]bool{}
	for _, m := range citationPattern.FindAllStringSubmatch(answer, -1) {
		id := m[1]
		if seen[id] {
			continue
		}
		if c, ok := known[id]; ok {
			citations = append(citations, c)
			seen[id] = true
		}
	}
	return answer, citations, nil
}

// StripMetadataTags removes structural labels the Embedding Gateway bakes
// into text before synthesis sees it (spec §4.4 stage 5, "Strip
// retrieval-metadata tags from the context before the LLM call — they leak
// otherwise on smaller models").
func StripMetadataTags(labeled string) string {
	start := 0
	for start < len(labeled) && labeled[start] == '[' {
		end := -1
		for i := start; i < len(labeled); i++ {
			if labeled[i] == ']' {
				end = i
				break
			}
		}
		if end == -1 {
			break
		}
		start = end + 1
		for start < len(labeled) && labeled[start] == ' ' {
			start++
		}
	}
	return labeled[start:]
}
