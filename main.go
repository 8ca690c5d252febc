package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/arbiter"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/config"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/db"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/embeddings"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/evidence"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/health"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/httpapi"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/oracle"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/resultcache"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/retrieval"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/retrieval/adapters"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/runstore"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/vectordb"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}

	hm := health.NewManager(5*time.Second, logger)
	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	adminMux.Handle("/metrics", promhttp.Handler())
	admin := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Service.AdminPort),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", cfg.Service.AdminPort))
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	st, err := openStores(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open stores", zap.Error(err))
	}
	defer st.close()
	if st.redis != nil {
		hm.Register(health.NewRedisChecker(st.redis, true))
	}
	if st.pg != nil {
		hm.Register(health.NewDatabaseChecker(st.pg.Wrapper(), true))
	}

	// Workflow catalog
	reg := workflow.NewRegistry(logger)
	if err := reg.LoadDirectory(cfg.Workflow.Dir); err != nil {
		logger.Warn("Some workflow definitions failed to load", zap.Error(err))
	}
	if cfg.Workflow.Watch {
		go func() {
			if err := reg.Watch(ctx, 500*time.Millisecond); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Workflow watcher stopped", zap.Error(err))
			}
		}()
	}
	hm.Register(health.NewFuncChecker("workflows", false, func(context.Context) error {
		if reg.Len() == 0 {
			return fmt.Errorf("no workflow definitions loaded from %s", cfg.Workflow.Dir)
		}
		return nil
	}))

	// Retrieval
	var embedCache embeddings.Cache
	if st.redis != nil {
		embedCache = embeddings.NewRedisCache(st.redis)
	}
	var embedder adapters.Embedder
	targets := []retrieval.Adapter{adapters.NewResults(st.results, cfg.Retrieval.MaxTopK)}
	if cfg.Vector.Enabled {
		svc := embeddings.NewService(cfg.Embeddings, embedCache, logger)
		embedder = svc
		vdb := vectordb.New(cfg.Vector, logger)
		targets = append(targets, adapters.NewDocs(svc, vdb, logger))
		hm.Register(health.NewFuncChecker("vector", false, vdb.Ping))
	}
	targets = append(targets, adapters.NewWorkflows(reg, embedder, logger))
	if cfg.Structured.Enabled {
		sdb, err := structuredDB(cfg, st, logger)
		if err != nil {
			logger.Fatal("Failed to open structured store", zap.Error(err))
		}
		structured, err := adapters.NewStructured(sdb, cfg.Structured.Table)
		if err != nil {
			logger.Fatal("Invalid structured adapter", zap.Error(err))
		}
		targets = append(targets, structured)
	}
	fusion := retrieval.New(cfg.Retrieval, cfg.Tenancy, logger, targets...)

	// Decision
	engine, err := policy.NewEngine(cfg.Policy, logger)
	if err != nil {
		logger.Fatal("Failed to compile risk policy", zap.Error(err))
	}
	var decisionOracle, answerOracle oracle.Oracle
	if g, err := oracle.New(cfg.LLM, oracle.PurposeDecision, cfg.Decision.OracleTimeout, logger); err == nil {
		decisionOracle = g
	} else {
		logger.Warn("Decision oracle unavailable; unsettled requests fall back", zap.Error(err))
	}
	if g, err := oracle.New(cfg.LLM, oracle.PurposeAnswer, cfg.Service.Timeout, logger); err == nil {
		answerOracle = g
	} else {
		logger.Warn("Answer generator unavailable; answers are built from evidence", zap.Error(err))
	}
	arb, err := arbiter.New(cfg.Decision, cfg.Tenancy, decisionOracle, engine, logger)
	if err != nil {
		logger.Fatal("Failed to build arbiter", zap.Error(err))
	}

	// Execution
	interp := workflow.NewInterpreter(st.runs, workflow.NewToolsFromConfig(cfg.Workflow.Tools, logger), logger,
		workflow.WithSearcher(pipeline.NestedSearch(fusion)),
		workflow.WithResults(st.results),
		workflow.WithConfig(cfg.Workflow),
		workflow.WithDefaultTTL(cfg.Results.DefaultTTL))

	p, err := pipeline.New(cfg, pipeline.Dependencies{
		Retriever: fusion,
		Decider:   arb,
		Executor:  interp,
		Catalog:   reg,
		Results:   st.results,
		Gate:      evidence.New(cfg.Evidence, logger),
		Generator: answerOracle,
		Traces:    st.traces,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to build pipeline", zap.Error(err))
	}

	mux := http.NewServeMux()
	httpapi.NewHandler(p, cfg.Service.Timeout, logger).RegisterRoutes(mux)
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		logger.Info("Resolver HTTP server listening",
			zap.Int("port", cfg.Service.Port),
			zap.String("store", cfg.Store.Backend),
			zap.Int("workflows", reg.Len()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Resolver HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down resolver service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin server shutdown failed", zap.Error(err))
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracer shutdown failed", zap.Error(err))
		}
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

// stores groups the persistence chosen by store.backend.
type stores struct {
	redis   *circuitbreaker.RedisWrapper
	pg      *db.Client
	runs    runstore.Store
	results *resultcache.Cache
	traces  pipeline.TraceStore
	closers []func() error
}

func (s *stores) close() {
	for _, c := range s.closers {
		_ = c()
	}
}

// openStores wires runs, results and traces. The postgres backend keeps
// runs and traces in Postgres; results always need a key-value store and use
// Redis outside the memory backend.
func openStores(cfg *config.Config, logger *zap.Logger) (*stores, error) {
	st := &stores{}
	switch cfg.Store.Backend {
	case "", "memory":
		st.runs = runstore.NewMemoryStore()
		st.results = resultcache.New(resultcache.NewMemoryStore(), logger)
		st.traces = pipeline.NewMemoryTraces()
		return st, nil
	case "redis", "postgres":
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	st.closers = append(st.closers, client.Close)
	st.redis = circuitbreaker.NewRedisWrapper(client, "resolver", logger)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.redis.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
	}
	st.results = resultcache.New(resultcache.NewRedisStore(st.redis), logger)

	if cfg.Store.Backend == "redis" {
		st.runs = runstore.NewRedisStore(st.redis, cfg.Store.TraceTTL)
		st.traces = pipeline.NewRedisTraces(st.redis)
		return st, nil
	}

	pg, err := db.NewClient(cfg.Postgres, logger)
	if err != nil {
		return nil, err
	}
	st.pg = pg
	st.closers = append(st.closers, pg.Close)
	for _, schema := range []string{runstore.Schema, pipeline.TraceSchema} {
		if err := pg.Wrapper().Do(pingCtx, func(x *sqlx.DB) error {
			_, err := x.ExecContext(pingCtx, schema)
			return err
		}); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	st.runs = runstore.NewPostgresStore(pg)
	st.traces = pipeline.NewPostgresTraces(pg)
	return st, nil
}

// structuredDB reuses the Postgres pool unless a separate DSN is configured.
func structuredDB(cfg *config.Config, st *stores, logger *zap.Logger) (*circuitbreaker.DatabaseWrapper, error) {
	if cfg.Structured.DSN == "" && st.pg != nil {
		return st.pg.Wrapper(), nil
	}
	dsn := cfg.Structured.DSN
	if dsn == "" {
		dsn = db.DSN(cfg.Postgres)
	}
	raw, err := sqlx.Open(cfg.Structured.Driver, dsn)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, raw.Close)
	return circuitbreaker.NewDatabaseWrapper(raw, "structured", logger), nil
}
