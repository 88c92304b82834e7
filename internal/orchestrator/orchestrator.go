// Package orchestrator implements the query-level state machine spec §4.8
// describes: Classified → SeedsResolved → Retrieved → (ConfidenceLow →
// Retrieved) → Synthesised → Returned. It classifies intent, dispatches to
// one of the four routes behind the shared routes.Route interface, retries
// rate-limited provider calls with backoff, and escalates a low-confidence
// Route 4 answer to Route 5 once before returning.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skeinframe/graphrag/internal/apperr"
	"github.com/skeinframe/graphrag/internal/config"
	"github.com/skeinframe/graphrag/internal/obslog"
	"github.com/skeinframe/graphrag/internal/routes"
	"github.com/skeinframe/graphrag/internal/telemetry"
)

const (
	confidenceThreshold = 0.5
	maxRateLimitRetries  = 3
	retryBaseDelay       = 250 * time.Millisecond
)

// ErrDeprecatedVersion signals a request named an algorithm version the
// registry has retired (spec §6, HTTP 410). It is a distinct sentinel from
// the internal/apperr taxonomy because version deprecation is a gateway
// routing concern, not a retrieval-stage failure.
var ErrDeprecatedVersion = errors.New("algorithm version deprecated")

// VersionInfo is one row of the version registry (spec §9, "Version
// migration" — "a version registry maps version_id → handler_path").
type VersionInfo struct {
	ID         string
	Deprecated bool
	// UseUnified routes every query through Route 5 with the classified
	// profile instead of picking among Routes 2-4 individually.
	UseUnified bool
}

// Options carries the per-request overrides spec §6's /chat body exposes:
// context.route_preference and context.algorithm_version.
type Options struct {
	RoutePreference  string
	AlgorithmVersion string
	CompetitiveRank  bool
}

// Response is the orchestrator's answer(...) contract (spec §4.8).
type Response struct {
	AnswerText           string
	Citations            []routes.Citation
	Thoughts             []string
	RouteUsed            string
	AlgorithmVersionUsed string
	Confidence           float64
}

// Orchestrator wires the four route handlers behind routes.Route and drives
// the classify → dispatch → confidence-check → synthesise pipeline.
type Orchestrator struct {
	routes     map[string]routes.Route
	versions   map[string]VersionInfo
	classifier *Classifier
	flags      *config.FlagStore
	metrics    *telemetry.Metrics
	logger     *logrus.Logger
}

// New builds an Orchestrator. handlers must be keyed by Route.Name()
// ("route_2".."route_5"); classifier is typically built once at process
// startup via NewClassifier since it embeds prototype queries.
func New(handlers map[string]routes.Route, classifier *Classifier, flags *config.FlagStore, metrics *telemetry.Metrics, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		routes:     handlers,
		classifier: classifier,
		flags:      flags,
		metrics:    metrics,
		logger:     logger,
		versions: map[string]VersionInfo{
			"v0": {ID: "v0", Deprecated: true, UseUnified: false},
			"v1": {ID: "v1", Deprecated: false, UseUnified: false},
			"v2": {ID: "v2", Deprecated: false, UseUnified: true},
		},
	}
}

// Answer runs the full pipeline for one query (spec §4.8 contract).
func (o *Orchestrator) Answer(ctx context.Context, req routes.Request, opts Options) (Response, error) {
	version := opts.AlgorithmVersion
	if version == "" {
		version = o.flags.Get().DefaultAlgorithmVersion
	}
	info, ok := o.versions[version]
	if !ok {
		return Response{}, apperr.New(apperr.KindInvalidRequest, "orchestrator", fmt.Sprintf("unknown algorithm version %q", version), apperr.ErrInvalidRequest)
	}
	if info.Deprecated {
		return Response{}, fmt.Errorf("version %s: %w", version, ErrDeprecatedVersion)
	}

	queryLog := obslog.WithQuery(o.logger, req.GroupID+":"+version, req.GroupID, "")

	if err := ctx.Err(); err != nil {
		return Response{}, apperr.New(apperr.KindCancelled, "orchestrator", "before classification", fmt.Errorf("%w: %v", apperr.ErrCancelled, err))
	}

	profile, err := o.classifier.Classify(ctx, req.Query)
	if err != nil {
		return Response{}, fmt.Errorf("classify: %w", err)
	}
	queryLog = queryLog.WithField("profile", profile)
	queryLog.Info("state=Classified")

	routeName := opts.RoutePreference
	if routeName == "" {
		if info.UseUnified {
			routeName = "route_5"
		} else {
			routeName = profileToLegacyRoute(profile)
		}
	}

	req.WeightProfileName = profile
	if !validProfile(req.WeightProfileName) {
		req.WeightProfileName = "fact_extraction"
	}
	req.CompetitiveRankingExpected = opts.CompetitiveRank

	result, actualRoute, err := o.dispatchWithEscalation(ctx, routeName, req, queryLog)
	if err != nil {
		return Response{}, err
	}

	queryLog.WithField("route", actualRoute).Info("state=Returned")

	return Response{
		AnswerText:           result.AnswerText,
		Citations:            result.Citations,
		Thoughts:             result.Thoughts,
		RouteUsed:            actualRoute,
		AlgorithmVersionUsed: version,
		Confidence:           result.Confidence,
	}, nil
}

// dispatchWithEscalation runs routeName, and — if it is Route 4 and returns
// a low-confidence result — escalates once to Route 5 (spec §4.8's
// ConfidenceLow → Retrieved loop), since Route 5 is the target-state
// replacement for Route 4's multi-hop reasoning.
func (o *Orchestrator) dispatchWithEscalation(ctx context.Context, routeName string, req routes.Request, log *logrus.Entry) (routes.Result, string, error) {
	result, err := o.dispatch(ctx, routeName, req, log)
	if err != nil {
		return routes.Result{}, routeName, err
	}
	log.WithFields(logrus.Fields{"route": routeName, "confidence": result.Confidence}).Info("state=Retrieved")

	if routeName == "route_4" && result.Confidence < confidenceThreshold {
		log.WithField("route", routeName).Info("state=ConfidenceLow")
		unifiedReq := req
		escalated, err := o.dispatch(ctx, "route_5", unifiedReq, log)
		if err == nil {
			log.Info("state=Retrieved (escalated)")
			return escalated, "route_5", nil
		}
		// Escalation failing is not fatal: fall back to the original,
		// lower-confidence Route 4 answer rather than losing the request.
		log.WithError(err).Warn("escalation to route_5 failed, keeping route_4 result")
	}
	return result, routeName, nil
}

// dispatch runs one route with rate-limit retry/backoff and records
// latency/outcome metrics (spec §4.8 "Retries").
func (o *Orchestrator) dispatch(ctx context.Context, routeName string, req routes.Request, log *logrus.Entry) (routes.Result, error) {
	route, ok := o.routes[routeName]
	if !ok {
		return routes.Result{}, apperr.New(apperr.KindInvalidRequest, "orchestrator", fmt.Sprintf("unknown route %q", routeName), apperr.ErrInvalidRequest)
	}

	start := time.Now()
	result, err := o.executeWithRetry(ctx, route, req)
	elapsed := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if o.metrics != nil {
		o.metrics.RouteLatency.WithLabelValues(routeName).Observe(elapsed.Seconds())
		o.metrics.RouteRequests.WithLabelValues(routeName, outcome).Inc()
		if err == nil && len(result.Thoughts) > 0 && result.Evidence.Empty() {
			o.metrics.SeedSetEmpty.Inc()
		}
	}
	if err != nil {
		log.WithError(err).WithField("route", routeName).Warn("route execution failed")
		return routes.Result{}, err
	}
	return result, nil
}

// executeWithRetry retries RateLimited failures with exponential backoff,
// capped at maxRateLimitRetries; every other error kind surfaces
// immediately (spec §4.8 "Unrecoverable errors... surface immediately").
func (o *Orchestrator) executeWithRetry(ctx context.Context, route routes.Route, req routes.Request) (routes.Result, error) {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= maxRateLimitRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return routes.Result{}, apperr.New(apperr.KindCancelled, "orchestrator", "before dispatch", fmt.Errorf("%w: %v", apperr.ErrCancelled, err))
		}

		result, err := route.Execute(ctx, req)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, apperr.ErrRateLimited) {
			return routes.Result{}, err
		}
		lastErr = err
		if attempt == maxRateLimitRetries {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return routes.Result{}, apperr.New(apperr.KindCancelled, "orchestrator", "during backoff", fmt.Errorf("%w: %v", apperr.ErrCancelled, ctx.Err()))
		}
		delay *= 2
	}
	return routes.Result{}, lastErr
}
