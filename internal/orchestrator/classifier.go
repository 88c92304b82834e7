package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/skeinframe/graphrag/internal/embedgw"
	"github.com/skeinframe/graphrag/internal/graphstore"
	"github.com/skeinframe/graphrag/internal/seedresolver"
)

// keywordRule is the deterministic fast path of the classifier: a profile
// fires when its query contains any of these substrings. Checked before the
// embedding-vs-prototype fallback so the common cases never pay for an
// embedding call.
type keywordRule struct {
	profile  string
	keywords []string
}

var keywordRules = []keywordRule{
	{profile: "cross_doc_comparison", keywords: []string{"compare", "versus", " vs ", "difference between", "which contract"}},
	{profile: "thematic_survey", keywords: []string{"summarize", "summarise", "overview", "across all documents", "main themes", "what are the themes"}},
	{profile: "clause_analysis", keywords: []string{"clause", "section", "paragraph", "exhibit", "schedule"}},
	{profile: "multi_hop", keywords: []string{"how does", "why does", "relationship between", "because of", "leads to"}},
}

// prototypeQueries gives the embedding-vs-prototype fallback a handful of
// canonical example questions per profile (spec §4.8, "keyword +
// embedding-vs-prototype").
var prototypeQueries = map[string][]string{
	"fact_extraction":      {"What is the payment amount?", "Who is the counterparty?", "When does this expire?"},
	"clause_analysis":      {"What does the termination clause say?", "Explain the indemnification section."},
	"cross_doc_comparison": {"How do these two contracts differ?", "Compare the liability caps across agreements."},
	"thematic_survey":      {"What are the recurring themes across all documents?", "Summarize the risk factors."},
	"multi_hop":            {"How does the vendor's breach affect the parent guarantee?", "Why did the dispute escalate?"},
}

// Classifier picks a query-intent profile deterministically where possible,
// falling back to nearest-prototype cosine similarity (spec §4.8).
type Classifier struct {
	embed      *embedgw.Gateway
	prototypes map[string][]float32 // mean embedding per profile
}

// NewClassifier embeds every prototype query once at construction time and
// keeps the per-profile mean vector; this runs once per process, not per
// query.
func NewClassifier(ctx context.Context, embed *embedgw.Gateway) (*Classifier, error) {
	prototypes := make(map[string][]float32, len(prototypeQueries))
	for profile, queries := range prototypeQueries {
		vectors, err := embed.EmbedContextual(ctx, "classification prototype", queries)
		if err != nil {
			return nil, fmt.Errorf("embed prototypes for %s: %w", profile, err)
		}
		prototypes[profile] = meanVector(vectors)
	}
	return &Classifier{embed: embed, prototypes: prototypes}, nil
}

// Classify returns the query-intent profile name (one of seedresolver's
// named profiles). Keyword rules are checked first in declaration order;
// the first match wins. Otherwise the query is embedded once and compared
// against every prototype's mean vector by cosine similarity; equal scores
// go to the alphabetically first profile name.
func (c *Classifier) Classify(ctx context.Context, query string) (string, error) {
	lower := strings.ToLower(query)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.profile, nil
			}
		}
	}

	vec, err := c.embed.EmbedQuery(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed query for classification: %w", err)
	}

	best := "fact_extraction"
	bestScore := -1.0
	for profile, proto := range c.prototypes {
		score := graphstore.CosineSimilarity(vec, proto)
		if score > bestScore || (score == bestScore && profile < best) {
			bestScore = score
			best = profile
		}
	}
	return best, nil
}

func meanVector(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	out := make([]float32, len(vectors[0]))
	for _, v := range vectors {
		for i, x := range v {
			out[i] += x
		}
	}
	for i := range out {
		out[i] /= float32(len(vectors))
	}
	return out
}

// profileToLegacyRoute maps a classified profile to the route label used
// when the v1 (non-unified) algorithm version is active (spec §9, "Version
// migration" — each version is a frozen snapshot of route dispatch logic).
func profileToLegacyRoute(profile string) string {
	switch profile {
	case "cross_doc_comparison", "multi_hop":
		return "route_4"
	case "thematic_survey":
		return "route_3"
	default:
		return "route_2"
	}
}

// validProfile reports whether profile names a known weight profile,
// guarding against a classifier bug silently feeding Route 5 a zero profile.
func validProfile(profile string) bool {
	_, ok := seedresolver.Profiles[profile]
	return ok
}
