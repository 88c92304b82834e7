package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/skeinframe/graphrag/internal/apperr"
	"github.com/skeinframe/graphrag/internal/orchestrator"
	"github.com/skeinframe/graphrag/internal/queue"
	"github.com/skeinframe/graphrag/internal/routes"
	"github.com/skeinframe/graphrag/internal/streaming"
)

// server holds everything the HTTP handlers need. Route 2 runs inline
// within syncBudget; Routes 3/4/5 are hard to bound to an HTTP request's
// lifetime (DRIFT's beam search and Route 5's full pipeline can run well
// past ten seconds), so anything the orchestrator would route elsewhere is
// enqueued instead (spec §5, "Sync vs async dispatch").
type server struct {
	orchestrator *orchestrator.Orchestrator
	queue        *queue.Queue
	route2       routes.Route
	syncBudget   time.Duration
	totalTimeout time.Duration
	logger       *logrus.Logger
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// chatRequest is the POST /chat and /chat/stream body (spec §6).
type chatRequest struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Context struct {
		RoutePreference  string `json:"route_preference"`
		AlgorithmVersion string `json:"algorithm_version"`
		CompetitiveRank  bool   `json:"competitive_rank"`
	} `json:"context"`
}

func (r chatRequest) lastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// chat runs Route 2 synchronously when the request's route preference is
// "route_2" or unset, answering within syncBudget; any other route is hard to bound to an HTTP
// request's lifetime, so it is enqueued and 202-returned with a job id
// (spec §5, §6).
func (s *server) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	query := req.lastUserMessage()
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no user message in messages"})
		return
	}
	groupID := c.GetString("groupID")

	if req.Context.RoutePreference == "route_2" || req.Context.RoutePreference == "" {
		result, ok, err := s.trySyncRoute2(c.Request.Context(), groupID, query, req.Context.AlgorithmVersion)
		if ok {
			if err != nil {
				writeJSONError(c, err)
				return
			}
			c.JSON(http.StatusOK, chatResponseOf(result))
			return
		}
	}

	jobID, err := s.queue.Enqueue(c.Request.Context(), queue.Job{
		GroupID:          groupID,
		Query:            query,
		RoutePreference:  req.Context.RoutePreference,
		AlgorithmVersion: req.Context.AlgorithmVersion,
		CompetitiveRank:  req.Context.CompetitiveRank,
	})
	if err != nil {
		s.logger.WithError(err).Error("enqueue job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue job"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": queue.StatusPending})
}

// trySyncRoute2 answers inline within syncBudget. Callers invoke it only
// when route_2 is explicitly requested or left unset; it always reports ok
// as true, and any other explicit route preference goes to the queue.
func (s *server) trySyncRoute2(ctx context.Context, groupID, query, algorithmVersion string) (orchestrator.Response, bool, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncBudget)
	defer cancel()

	resp, err := s.orchestrator.Answer(syncCtx, routes.Request{Query: query, GroupID: groupID}, orchestrator.Options{
		RoutePreference:  "route_2",
		AlgorithmVersion: algorithmVersion,
	})
	return resp, true, err
}

func chatResponseOf(r orchestrator.Response) gin.H {
	return gin.H{
		"message":                r.AnswerText,
		"data_points":            r.Citations,
		"thoughts":               r.Thoughts,
		"route_used":             r.RouteUsed,
		"algorithm_version_used": r.AlgorithmVersionUsed,
		"confidence":             r.Confidence,
	}
}

// chatStream streams the same answer as /chat over NDJSON (spec §6). A
// synchronous route_2 answer is written as a single final line; any other
// route is enqueued and its PublishThought events are relayed as they
// arrive.
func (s *server) chatStream(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	query := req.lastUserMessage()
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no user message in messages"})
		return
	}
	groupID := c.GetString("groupID")

	w, err := streaming.NewWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if req.Context.RoutePreference == "route_2" || req.Context.RoutePreference == "" {
		resp, ok, err := s.trySyncRoute2(c.Request.Context(), groupID, query, req.Context.AlgorithmVersion)
		if ok {
			if err != nil {
				var appErr *apperr.Error
				kind := "internal"
				if errors.As(err, &appErr) {
					kind = string(appErr.Kind)
				}
				w.WriteError(kind, resp.Thoughts)
				return
			}
			w.WriteFinal(resp.AnswerText, resp.Citations, resp.Thoughts)
			return
		}
	}

	jobID, err := s.queue.Enqueue(c.Request.Context(), queue.Job{
		GroupID:          groupID,
		Query:            query,
		RoutePreference:  req.Context.RoutePreference,
		AlgorithmVersion: req.Context.AlgorithmVersion,
		CompetitiveRank:  req.Context.CompetitiveRank,
	})
	if err != nil {
		w.WriteError("internal", nil)
		return
	}
	w.WriteThought(fmt.Sprintf("job %s queued", jobID))

	relayCtx, cancel := context.WithTimeout(c.Request.Context(), s.totalTimeout)
	defer cancel()
	s.relayJob(relayCtx, w, jobID)
}

// relayJob polls job status until it reaches a terminal state, emitting a
// thought each time progress changes, then writes the final answer or
// error. Thoughts are delivered by diffing the job's recorded thought list
// rather than subscribing to Redis Pub/Sub directly, since streaming stays
// decoupled from any particular broker client (internal/streaming.Writer
// only knows about a plain channel of strings). ctx is bounded by
// totalTimeout (spec §5's 120s end-to-end budget) so a stuck job does not
// hold the connection open forever.
func (s *server) relayJob(ctx context.Context, w *streaming.Writer, jobID string) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	sent := 0
	for {
		select {
		case <-ctx.Done():
			w.WriteError(string(apperr.KindTimeout), nil)
			return
		case <-ticker.C:
			status, err := s.queue.Status(ctx, jobID)
			if err != nil {
				w.WriteError("internal", nil)
				return
			}
			for ; sent < len(status.Thoughts); sent++ {
				w.WriteThought(status.Thoughts[sent])
			}
			switch status.Status {
			case queue.StatusComplete:
				if status.Result != nil {
					w.WriteFinal(status.Result.AnswerText, status.Result.Citations, status.Result.Thoughts)
				}
				return
			case queue.StatusFailed:
				w.WriteError(status.ErrorKind, status.Thoughts)
				return
			}
		}
	}
}

// chatStatus implements GET /chat/status/{job_id} (spec §6).
func (s *server) chatStatus(c *gin.Context) {
	status, err := s.queue.Status(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func writeJSONError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		c.JSON(apperr.HTTPStatus(appErr.Kind), gin.H{"error": appErr.Error(), "error_kind": string(appErr.Kind)})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
