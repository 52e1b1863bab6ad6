package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loom-labs/loom-go/internal/cache"
	"github.com/loom-labs/loom-go/internal/domain"
	"github.com/loom-labs/loom-go/internal/integrity"
	"github.com/loom-labs/loom-go/internal/keyedlock"
	"github.com/loom-labs/loom-go/internal/platform/env"
	"github.com/loom-labs/loom-go/internal/platform/events"
	"github.com/loom-labs/loom-go/internal/platform/httpserver"
	"github.com/loom-labs/loom-go/internal/platform/objectstore"
	"github.com/loom-labs/loom-go/internal/platform/postgres"
	pgrepo "github.com/loom-labs/loom-go/internal/repo/postgres"
	"github.com/loom-labs/loom-go/internal/service/batch"
	"github.com/loom-labs/loom-go/internal/service/functions"
	"github.com/loom-labs/loom-go/internal/session"
	"github.com/loom-labs/loom-go/internal/taskgraph"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("LOOM_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("LOOM_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()
	store, err := objectstore.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("object store wrapper init failed", "error", err)
		os.Exit(2)
	}

	sessionCfg, err := session.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid session config", "error", err)
		os.Exit(2)
	}
	integrityCfg, err := integrity.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid integrity config", "error", err)
		os.Exit(2)
	}

	agentSecret := env.String("LOOM_AGENT_AUTH_SECRET", "")
	if agentSecret == "" {
		logger.Warn("agent auth disabled", "env", "LOOM_AGENT_AUTH_SECRET")
	}

	maxTasks, err := env.Int("LOOM_MAX_TASKS_PER_CONTEXT", 1000)
	if err != nil {
		logger.Error("invalid task ceiling", "error", err)
		os.Exit(2)
	}
	reconcileInterval, err := env.Duration("LOOM_RECONCILE_INTERVAL", 30*time.Second)
	if err != nil {
		logger.Error("invalid reconcile interval", "error", err)
		os.Exit(2)
	}
	functionCacheTTL, err := env.Duration("LOOM_FUNCTION_CACHE_TTL", 30*time.Second)
	if err != nil {
		logger.Error("invalid function cache ttl", "error", err)
		os.Exit(2)
	}
	retention, err := env.Duration("LOOM_DELETED_BATCH_RETENTION", 720*time.Hour)
	if err != nil {
		logger.Error("invalid deleted batch retention", "error", err)
		os.Exit(2)
	}
	retentionSchedule := env.String("LOOM_RETENTION_SCHEDULE", "@hourly")
	retentionSweepLimit, err := env.Int("LOOM_RETENTION_SWEEP_LIMIT", 100)
	if err != nil {
		logger.Error("invalid retention sweep limit", "error", err)
		os.Exit(2)
	}

	sink := events.NewDBSink(ctx, logger, db, 256)
	locks := keyedlock.NewRegistry()

	sourceStore := pgrepo.NewSourceCodeStore(db)
	batchStore := pgrepo.NewBatchStore(db)
	execStore := pgrepo.NewExecContextStore(db)
	taskStore := pgrepo.NewTaskStore(db)
	processorStore := pgrepo.NewProcessorStore(db)
	functionStore := pgrepo.NewFunctionStore(db)

	varStore := taskgraph.NewObjectVariableStore(store, storeCfg.BucketVariables)
	engine := taskgraph.NewEngine(locks, execStore, taskStore, varStore, maxTasks)

	protocol := session.NewProtocol(logger, locks, processorStore, sink, sessionCfg)
	reconciler := session.NewReconciler(logger, locks, taskStore, processorStore, sessionCfg)

	verifier := integrity.NewService(logger, integrityCfg)
	functionSvc := functions.NewService(logger, functionStore, store, storeCfg.BucketFunctions, verifier, sink)
	catalog := cache.NewFunctionInfo(functionCacheTTL, func(ctx context.Context) (map[string]domain.Function, error) {
		list, err := functionStore.List(ctx)
		if err != nil {
			return nil, err
		}
		byCode := make(map[string]domain.Function, len(list))
		for _, fn := range list {
			byCode[fn.Code] = fn
		}
		return byCode, nil
	})

	orchestrator := batch.NewOrchestrator(
		logger,
		locks,
		batchStore,
		execStore,
		sourceStore,
		taskStore,
		engine,
		store,
		storeCfg.BucketUploads,
		sink,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("dispatcher"))
	mux.HandleFunc(
		"/readyz",
		httpserver.Readyz(
			"dispatcher",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)

	api := newDispatcherAPI(
		logger,
		orchestrator,
		functionSvc,
		catalog,
		sourceStore,
		protocol,
		reconciler,
		agentSecret,
	)
	api.register(mux)

	startReconcileSyncer(ctx, logger, reconciler, reconcileSyncerConfig{
		Enabled:  true,
		Interval: reconcileInterval,
	})

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(retentionSchedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		removed, err := orchestrator.SweepDeleted(sweepCtx, retention, retentionSweepLimit)
		if err != nil {
			logger.Warn("retention sweep failed", "error", err)
			return
		}
		if removed > 0 {
			logger.Info("retention sweep removed batches", "count", removed)
		}
	}); err != nil {
		logger.Error("invalid retention schedule", "error", err)
		os.Exit(2)
	}
	scheduler.Start()
	defer scheduler.Stop()

	handler := httpserver.Wrap(logger, "dispatcher", mux)
	if err := httpserver.Run(ctx, logger, httpserver.Config{
		Service:         "dispatcher",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}, handler); err != nil {
		logger.Error("http server stopped", "error", err)
		os.Exit(1)
	}
}
