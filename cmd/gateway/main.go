// Command gateway is the API Gateway / Job Queue entrypoint (spec §2.7,
// §6). It runs Route 2 synchronously within its HTTP budget, enqueues
// Routes 3/4/5 onto internal/queue for the worker pool, and exposes
// /chat, /chat/stream, and /chat/status/{job_id}. HTTP surface and CORS
// setup follow cuda-mock-gateway/server.go's gin + gin-contrib/cors
// pattern; group/tenant auth follows auth-handler.go's Redis-backed
// session store, extended with a Groups claim (spec §6, "validates
// membership against the bearer token's groups claim").
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

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

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := obslog.New("graphrag-gateway", "1.0.0", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint, "graphrag-gateway", cfg.Environment)
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

	srv := &server{
		orchestrator: orch,
		queue:        q,
		route2:       route2,
		syncBudget:   cfg.SyncRouteBudget,
		totalTimeout: cfg.TotalQueryTimeout,
		logger:       logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:5173", "http://localhost:3000"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"*"},
		AllowCredentials: true,
	}))

	auth := &authMiddleware{sessions: rdb, logger: logger}

	router.GET("/healthz", srv.health)
	router.GET("/metrics", gin.WrapH(telemetry.Handler(registry)))

	api := router.Group("/")
	api.Use(auth.requireGroup)
	api.POST("/chat", srv.chat)
	api.POST("/chat/stream", srv.chatStream)
	api.GET("/chat/status/:jobId", srv.chatStatus)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("gateway server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
}
