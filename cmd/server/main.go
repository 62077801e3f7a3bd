package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/jamcrm/api/internal/config"
	"github.com/jamcrm/api/internal/handler"
	"github.com/jamcrm/api/internal/logger"
	"github.com/jamcrm/api/internal/metrics"
	"github.com/jamcrm/api/internal/middleware"
	"github.com/jamcrm/api/internal/service"
	"github.com/jamcrm/api/internal/store"
	ws "github.com/jamcrm/api/internal/websocket"
	"github.com/jamcrm/api/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLog, err := logger.New(cfg.Server.Env, cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer appLog.Sync()

	// Database
	db, err := store.Open(cfg.Database, appLog)
	if err != nil {
		appLog.Fatal("failed to open database", "error", err)
	}
	if err := store.Migrate(db); err != nil {
		appLog.Fatal("failed to migrate database", "error", err)
	}

	// Redis backs the queue in asynq mode and the rate limiter when reachable
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		if cfg.Queue.Mode == config.QueueModeAsynq {
			appLog.Fatal("redis is required in asynq queue mode", "addr", cfg.Redis.Addr, "error", err)
		}
		appLog.Warn("redis not available, rate limiting falls back to memory", "addr", cfg.Redis.Addr, "error", err)
		_ = redisClient.Close()
		redisClient = nil
	}
	cancelPing()

	baseCtx, cancelBase := context.WithCancel(context.Background())

	rec := metrics.New()
	hub := ws.NewHub(appLog.With("component", "websocket"))
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	members := store.NewMembershipStore(db)
	jobs := store.NewJobStore(db)

	planner := service.NewPlanner(members, cfg.Jobs.BatchSize)
	executor := service.NewBatchExecutor(members, service.ExecutorConfig{
		MaxAttempts:     cfg.Jobs.MaxAttempts,
		InitialInterval: cfg.Jobs.RetryInitialInterval,
		MaxInterval:     cfg.Jobs.RetryMaxInterval,
	}, appLog.With("component", "executor"))

	var (
		dispatcher  service.Dispatcher
		pool           *worker.Pool
		asynqClient    *asynq.Client
		asynqInspector *asynq.Inspector
	)
	switch cfg.Queue.Mode {
	case config.QueueModeAsynq:
		asynqClient = asynq.NewClient(redisOpt)
		asynqInspector = asynq.NewInspector(redisOpt)
		dispatcher = service.NewAsynqDispatcher(asynqClient, asynqInspector, cfg.Queue.Name, cfg.Jobs.MaxAttempts, cfg.Jobs.Retention)
	default:
		pool = worker.NewPool(cfg.Queue.Concurrency, appLog.With("component", "pool"))
		dispatcher = pool
	}

	coord := service.NewCoordinator(service.Deps{
		BaseContext:  baseCtx,
		Jobs:         jobs,
		Members:      members,
		Planner:      planner,
		Executor:     executor,
		Dispatcher:   dispatcher,
		Notifier:     hub,
		Metrics:      rec,
		Logger:       appLog.With("component", "coordinator"),
		AllOrNothing: cfg.Jobs.AllOrNothing,
	})

	var asynqServer *asynq.Server
	if pool != nil {
		pool.SetRunner(coord.RunBatch)
	} else {
		asynqServer = startWorkerServer(cfg, redisOpt, coord, appLog)
	}

	if n, err := coord.Resume(baseCtx); err != nil {
		appLog.Error("failed to resume jobs", "error", err)
	} else if n > 0 {
		appLog.Info("resumed unfinished jobs", "count", n)
	}

	janitor := worker.NewJanitor(jobs, cfg.Jobs.Retention, cfg.Jobs.JanitorInterval, rec, appLog.With("component", "janitor")).
		WithReclaim(coord, cfg.Jobs.StaleAfter)
	go janitor.Run(baseCtx)

	app := handler.NewApp(handler.AppDeps{
		BulkMove:       coord,
		Collections:    members,
		Health:         handler.NewHealthHandler(db, redisClient, cfg.Queue.Mode),
		Hub:            hub,
		RateLimiter:    middleware.NewRateLimiter(redisClient, appLog.With("component", "ratelimit")),
		BulkMovePerMin: cfg.RateLimit.BulkMovePerMin,
		Metrics:        rec.Handler(),
		AccessLog:      true,
	})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		appLog.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			appLog.Error("server shutdown error", "error", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	appLog.Info("server starting", "addr", addr, "queue", cfg.Queue.Mode)
	if err := app.Listen(addr); err != nil {
		appLog.Error("server error", "error", err)
	}

	// Dispatch loops stop first so they do not see a closed pool as a failure.
	cancelBase()
	if pool != nil {
		pool.Shutdown()
	}
	if asynqServer != nil {
		asynqServer.Shutdown()
	}
	coord.Wait()
	stopHub()

	if asynqClient != nil {
		_ = asynqClient.Close()
	}
	if asynqInspector != nil {
		_ = asynqInspector.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	appLog.Info("server stopped")
}

func startWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, coord *service.Coordinator, appLog *logger.Logger) *asynq.Server {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Queue.Concurrency,
		Queues: map[string]int{
			cfg.Queue.Name: 1,
		},
		Logger:          appLog.With("component", "asynq").SugaredLogger,
		LogLevel:        asynqLogLevel,
		ShutdownTimeout: 10 * time.Second,
	})

	batchWorker := worker.NewBatchWorker(coord, appLog.With("component", "batch_worker"))

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeBulkMoveBatch, batchWorker.ProcessTask)

	if err := srv.Start(mux); err != nil {
		appLog.Fatal("failed to start asynq worker", "error", err)
	}
	return srv
}
