// Command embedfixture is a deterministic stand-in for the Embedding
// Gateway's two upstream services (spec §4.1) during local development: it
// speaks internal/embedgw's exact wire contract (POST /embed, POST
// /rerank) instead of the CUDA gateway's /v1/embeddings shape this file
// started from, so EMBED_SERVICE_URL/RERANK_SERVICE_URL can point straight
// at it without a real embedding model running.
package main

import (
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type embedRequest struct {
	DocContext string   `json:"doc_context"`
	Units      []string `json:"units"`
	Dimensions int      `json:"dimensions"`
}

type embedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

type rerankInput struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type rerankRequest struct {
	Query    string        `json:"query"`
	Passages []rerankInput `json:"passages"`
}

type scoredPassage struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

type rerankResponse struct {
	Scored []scoredPassage `json:"scored"`
}

// graphTerms biases the fixture's embeddings so graph-shaped text (entity
// mentions, relationship language) lands closer together in vector space
// than unrelated text — enough to exercise KNN edge construction and
// reranking order without a real model.
var graphTerms = []string{"entity", "relationship", "community", "document", "section", "chunk", "graph", "node", "edge"}

// deterministicEmbedding hashes text into a seed so the same unit always
// produces the same vector, then normalizes it (spec §4.1's embeddings are
// unit vectors for cosine similarity).
func deterministicEmbedding(docContext, text string, dimensions int) []float32 {
	var seed int64
	for _, r := range docContext + "\x00" + text {
		seed = seed*31 + int64(r)
	}
	rng := rand.New(rand.NewSource(seed))

	vec := make([]float32, dimensions)
	for i := range vec {
		vec[i] = rng.Float32()*2 - 1
	}

	// Each graph term present adds weight along its own fixed axis, so texts
	// sharing terms share those components after normalisation.
	termWeight := float32(math.Sqrt(float64(dimensions) / 3))
	lower := strings.ToLower(text)
	for t, term := range graphTerms {
		if strings.Contains(lower, term) {
			vec[t%dimensions] += termWeight
		}
	}

	var magnitude float32
	for _, v := range vec {
		magnitude += v * v
	}
	magnitude = float32(math.Sqrt(float64(magnitude)))
	if magnitude > 0 {
		for i := range vec {
			vec[i] /= magnitude
		}
	}
	return vec
}

func embedHandler(c *gin.Context) {
	var req embedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if len(req.Units) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no units provided"})
		return
	}
	dims := req.Dimensions
	if dims == 0 {
		dims = 2048
	}

	vectors := make([][]float32, len(req.Units))
	for i, unit := range req.Units {
		vectors[i] = deterministicEmbedding(req.DocContext, unit, dims)
	}
	c.JSON(http.StatusOK, embedResponse{Vectors: vectors})
}

// rerankHandler scores each passage by cosine similarity between the
// fixture's deterministic embedding of the query and of the passage text,
// so reranked order is stable and exercises Stage 2's sort-by-score path.
func rerankHandler(c *gin.Context) {
	var req rerankRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	const dims = 256
	queryVec := deterministicEmbedding("", req.Query, dims)

	scored := make([]scoredPassage, len(req.Passages))
	for i, p := range req.Passages {
		passageVec := deterministicEmbedding("", p.Text, dims)
		scored[i] = scoredPassage{ID: p.ID, Score: cosineSimilarity(queryVec, passageVec)}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	c.JSON(http.StatusOK, rerankResponse{Scored: scored})
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": "fixture"})
}

func main() {
	logger := logrus.New()
	port := os.Getenv("PORT")
	if port == "" {
		port = "9001"
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	r.Use(cors.New(corsCfg))

	r.GET("/health", healthHandler)
	r.POST("/embed", embedHandler)
	r.POST("/rerank", rerankHandler)

	srv := &http.Server{Addr: ":" + port, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	logger.WithField("port", port).Info("embedding fixture listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("embedding fixture stopped")
	}
}
