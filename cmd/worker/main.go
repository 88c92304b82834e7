// Command worker is the long-running retrieval worker (spec §5): it
// claims jobs Routes 3/4/5 left on internal/queue, dispatches them through
// the orchestrator, heartbeats the lease every 10s while the route runs,
// and reports completion or failure back onto the job's status record.
// Loop shape follows legal-gateway/worker.go's BLPOP-poll-dispatch
// structure, generalised to internal/queue's claim/lease/reclaim protocol
// and reframed onto structured logrus logging to match the rest of this
// module's ambient stack.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/skeinframe/graphrag/internal/apperr"
	"github.com/skeinframe/graphrag/internal/config"
	"github.com/skeinframe/graphrag/internal/embedgw"
	"github.com/skeinframe/graphrag/internal/graphstore"
	"github.com/skeinframe/graphrag/internal/llmgw"
	"github.com/skeinframe/graphrag/internal/obslog"
	"github.com/skeinframe/graphrag/internal/orchestrator"
	"github.com/skeinframe/graphrag/internal/queue"
	"github.com/skeinframe/graphrag/internal/ratelimit"
	"github.com/skeinframe/graphrag/internal/routes"
	"github.com/skeinframe/graphrag/internal/routes/drift"
	"github.com/skeinframe/graphrag/internal/routes/global"
	"github.com/skeinframe/graphrag/internal/routes/local"
	"github.com/skeinframe/graphrag/internal/routes/unified"
	"github.com/skeinframe/graphrag/internal/telemetry"
)

// concurrency is the number of jobs this process claims and runs at once.
// Each route already bounds its own provider calls via ratelimit, so the
// worker pool itself just needs enough goroutines that one slow DRIFT beam
// search doesn't stall every other queued job.
const concurrency = 4

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := obslog.New("graphrag-worker", "1.0.0", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint, "graphrag-worker", cfg.Environment)
	if err != nil {
		logger.WithError(err).Fatal("init tracing")
	}
	defer shutdownTracing(context.Background())

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.WithError(err).Fatal("parse redis url")
	}
	rdb := redis.NewClient(redisOpt)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		logger.WithError(err).Fatal("connect redis")
	}

	traversal, err := graphstore.NewNeo4jTraversal(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	if err != nil {
		logger.WithError(err).Fatal("connect neo4j")
	}
	store, err := graphstore.NewPostgresStore(ctx, cfg.PostgresDSN, traversal)
	if err != nil {
		logger.WithError(err).Fatal("connect postgres")
	}

	embedLimits := ratelimit.NewRegistry(cfg.EmbedProviderRPS, cfg.EmbedProviderBurst)
	embed := embedgw.New(cfg.EmbedServiceURL, cfg.RerankServiceURL, cfg.EmbedDimensions, embedLimits, rdb)

	llmLimits := ratelimit.NewRegistry(cfg.LLMProviderRPS, cfg.LLMProviderBurst)
	llm := llmgw.New(cfg.LLMServiceURL, cfg.LLMModel, llmLimits)

	flags := config.NewFlagStore(time.Minute)

	route2 := local.New(store, embed, llm, flags)
	route3 := global.New(store, embed, llm, flags)
	route4 := drift.New(store, embed, llm, flags)
	route5 := unified.New(store, embed, llm, flags)
	handlers := map[string]routes.Route{
		route2.Name(): route2,
		route3.Name(): route3,
		route4.Name(): route4,
		route5.Name(): route5,
	}

	classifier, err := orchestrator.NewClassifier(ctx, embed)
	if err != nil {
		logger.WithError(err).Fatal("build classifier")
	}
	orch := orchestrator.New(handlers, classifier, flags, metrics, logger)

	q := queue.New(rdb, metrics, cfg.HeartbeatTimeout)
	go q.RunReclaimLoop(ctx, 5*time.Second)

	w := &worker{queue: q, orchestrator: orch, logger: logger, heartbeat: cfg.HeartbeatInterval}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.run(ctx, id)
		}(i)
	}

	logger.WithField("concurrency", concurrency).Info("worker pool started")
	wg.Wait()
	logger.Info("worker pool stopped")
}

type worker struct {
	queue        *queue.Queue
	orchestrator *orchestrator.Orchestrator
	logger       *logrus.Logger
	heartbeat    time.Duration
}

// run claims jobs in a loop until ctx is cancelled. It blocks in Claim for
// up to five seconds at a time so shutdown is never more than that late.
func (w *worker) run(ctx context.Context, id int) {
	log := w.logger.WithField("worker_id", id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Claim(ctx, 5*time.Second)
		if err != nil {
			if err != queue.ErrNoJob {
				log.WithError(err).Warn("claim failed")
				time.Sleep(time.Second)
			}
			continue
		}
		w.process(ctx, log, job)
	}
}

// process runs one job end to end: a heartbeat goroutine keeps the lease
// alive (spec §5, "worker heartbeats every 10s") while the orchestrator
// runs the dispatched route, and the result or error is written back to
// the job's status record on exit.
func (w *worker) process(ctx context.Context, log *logrus.Entry, job *queue.Job) {
	jobLog := log.WithFields(logrus.Fields{"job_id": job.ID, "group_id": job.GroupID})
	jobLog.Info("claimed job")

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.heartbeatLoop(heartbeatCtx, jobLog, job.ID)

	resp, err := w.orchestrator.Answer(ctx, routes.Request{Query: job.Query, GroupID: job.GroupID}, orchestrator.Options{
		RoutePreference:  job.RoutePreference,
		AlgorithmVersion: job.AlgorithmVersion,
		CompetitiveRank:  job.CompetitiveRank,
	})
	if err != nil {
		jobLog.WithError(err).Warn("job failed")
		if ferr := w.queue.Fail(context.Background(), job.ID, errorKindOf(err), err.Error()); ferr != nil {
			jobLog.WithError(ferr).Error("record job failure")
		}
		return
	}

	result := queue.Result{
		AnswerText:           resp.AnswerText,
		Citations:            resp.Citations,
		Thoughts:             resp.Thoughts,
		RouteUsed:            resp.RouteUsed,
		AlgorithmVersionUsed: resp.AlgorithmVersionUsed,
		Confidence:           resp.Confidence,
	}
	if cerr := w.queue.Complete(context.Background(), job.ID, result); cerr != nil {
		jobLog.WithError(cerr).Error("record job completion")
		return
	}
	jobLog.WithField("route", resp.RouteUsed).Info("job complete")
}

func (w *worker) heartbeatLoop(ctx context.Context, log *logrus.Entry, jobID string) {
	interval := w.heartbeat
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(context.Background(), jobID); err != nil {
				log.WithError(err).Warn("heartbeat failed")
				return
			}
		}
	}
}

func errorKindOf(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return string(appErr.Kind)
	}
	return string(apperr.KindProviderError)
}
