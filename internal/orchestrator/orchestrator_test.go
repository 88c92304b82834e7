package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skeinframe/graphrag/internal/apperr"
	"github.com/skeinframe/graphrag/internal/config"
	"github.com/skeinframe/graphrag/internal/embedgw"
	"github.com/skeinframe/graphrag/internal/obslog"
	"github.com/skeinframe/graphrag/internal/ratelimit"
	"github.com/skeinframe/graphrag/internal/routes"
)

const testDims = 4

type fakeRoute struct {
	name  string
	fn    func(ctx context.Context, req routes.Request) (routes.Result, error)
	calls int
}

func (f *fakeRoute) Name() string                          { return f.name }
func (f *fakeRoute) ClassifyApplicable(routes.Request) bool { return true }
func (f *fakeRoute) CostEstimate(routes.Request) time.Duration { return time.Second }
func (f *fakeRoute) Execute(ctx context.Context, req routes.Request) (routes.Result, error) {
	f.calls++
	return f.fn(ctx, req)
}

func newEmbedGateway(t *testing.T) *embedgw.Gateway {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Units      []string `json:"units"`
			Dimensions int      `json:"dimensions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		vectors := make([][]float32, len(req.Units))
		for i := range vectors {
			v := make([]float32, req.Dimensions)
			v[0] = 1
			vectors[i] = v
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"vectors": vectors}))
	}))
	t.Cleanup(srv.Close)
	return embedgw.New(srv.URL, srv.URL, testDims, ratelimit.NewRegistry(1000, 10), nil)
}

func newTestOrchestrator(t *testing.T, handlers map[string]routes.Route) *Orchestrator {
	t.Helper()
	embed := newEmbedGateway(t)
	classifier, err := NewClassifier(context.Background(), embed)
	require.NoError(t, err)
	flags := config.NewFlagStore(0)
	logger := obslog.New("test", "test", "test")
	return New(handlers, classifier, flags, nil, logger)
}

func TestAnswerRejectsUnknownVersion(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	_, err := o.Answer(context.Background(), routes.Request{Query: "anything", GroupID: "g1"}, Options{AlgorithmVersion: "v99"})
	require.Error(t, err)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, apperr.KindInvalidRequest, appErr.Kind)
}

func TestAnswerRejectsDeprecatedVersion(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	_, err := o.Answer(context.Background(), routes.Request{Query: "anything", GroupID: "g1"}, Options{AlgorithmVersion: "v0"})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDeprecatedVersion))
}

func TestAnswerUnifiedVersionDispatchesToRoute5(t *testing.T) {
	var seenProfile string
	route5 := &fakeRoute{name: "route_5", fn: func(_ context.Context, req routes.Request) (routes.Result, error) {
		seenProfile = req.WeightProfileName
		return routes.Result{AnswerText: "ok", Confidence: 1.0}, nil
	}}
	o := newTestOrchestrator(t, map[string]routes.Route{"route_5": route5})

	resp, err := o.Answer(context.Background(), routes.Request{Query: "Summarize the main themes across all documents", GroupID: "g1"}, Options{AlgorithmVersion: "v2"})
	require.NoError(t, err)
	require.Equal(t, "route_5", resp.RouteUsed)
	require.Equal(t, "v2", resp.AlgorithmVersionUsed)
	require.Equal(t, "thematic_survey", seenProfile)
}

func TestAnswerLegacyVersionDispatchesByKeyword(t *testing.T) {
	route3 := &fakeRoute{name: "route_3", fn: func(_ context.Context, req routes.Request) (routes.Result, error) {
		return routes.Result{AnswerText: "ok", Confidence: 1.0}, nil
	}}
	o := newTestOrchestrator(t, map[string]routes.Route{"route_3": route3})

	resp, err := o.Answer(context.Background(), routes.Request{Query: "Give me an overview of the themes", GroupID: "g1"}, Options{AlgorithmVersion: "v1"})
	require.NoError(t, err)
	require.Equal(t, "route_3", resp.RouteUsed)
	require.Equal(t, 1, route3.calls)
}

func TestAnswerEscalatesLowConfidenceRoute4ToRoute5(t *testing.T) {
	route4 := &fakeRoute{name: "route_4", fn: func(_ context.Context, req routes.Request) (routes.Result, error) {
		return routes.Result{AnswerText: "weak", Confidence: 0.1}, nil
	}}
	route5 := &fakeRoute{name: "route_5", fn: func(_ context.Context, req routes.Request) (routes.Result, error) {
		return routes.Result{AnswerText: "strong", Confidence: 0.9}, nil
	}}
	o := newTestOrchestrator(t, map[string]routes.Route{"route_4": route4, "route_5": route5})

	resp, err := o.Answer(context.Background(), routes.Request{Query: "How does the breach affect the guarantee?", GroupID: "g1"}, Options{AlgorithmVersion: "v1"})
	require.NoError(t, err)
	require.Equal(t, "route_5", resp.RouteUsed)
	require.Equal(t, "strong", resp.AnswerText)
	require.Equal(t, 1, route4.calls)
	require.Equal(t, 1, route5.calls)
}

func TestAnswerRetriesRateLimitedUpToThreeTimes(t *testing.T) {
	attempts := 0
	route2 := &fakeRoute{name: "route_2", fn: func(_ context.Context, req routes.Request) (routes.Result, error) {
		attempts++
		if attempts < 3 {
			return routes.Result{}, apperr.New(apperr.KindRateLimited, "test", "", apperr.ErrRateLimited)
		}
		return routes.Result{AnswerText: "recovered", Confidence: 1.0}, nil
	}}
	o := newTestOrchestrator(t, map[string]routes.Route{"route_2": route2})

	resp, err := o.Answer(context.Background(), routes.Request{Query: "What is the payment amount?", GroupID: "g1"}, Options{AlgorithmVersion: "v1"})
	require.NoError(t, err)
	require.Equal(t, "recovered", resp.AnswerText)
	require.Equal(t, 3, attempts)
}

func TestAnswerSurfacesNonRateLimitedErrorsImmediately(t *testing.T) {
	attempts := 0
	route2 := &fakeRoute{name: "route_2", fn: func(_ context.Context, req routes.Request) (routes.Result, error) {
		attempts++
		return routes.Result{}, apperr.New(apperr.KindIndexMissing, "test", "", apperr.ErrIndexMissing)
	}}
	o := newTestOrchestrator(t, map[string]routes.Route{"route_2": route2})

	_, err := o.Answer(context.Background(), routes.Request{Query: "What is the payment amount?", GroupID: "g1"}, Options{AlgorithmVersion: "v1"})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}
