package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-assessment/internal/clock"
	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/database"
	"github.com/stemsi/exstem-assessment/internal/grading"
	"github.com/stemsi/exstem-assessment/internal/handler"
	"github.com/stemsi/exstem-assessment/internal/integrity"
	"github.com/stemsi/exstem-assessment/internal/logger"
	"github.com/stemsi/exstem-assessment/internal/middleware"
	"github.com/stemsi/exstem-assessment/internal/repository"
	"github.com/stemsi/exstem-assessment/internal/router"
	"github.com/stemsi/exstem-assessment/internal/scheduler"
	"github.com/stemsi/exstem-assessment/internal/service"
	"github.com/stemsi/exstem-assessment/internal/session"
	"github.com/stemsi/exstem-assessment/internal/validator"
	"github.com/stemsi/exstem-assessment/internal/worker"
)

// sessionStore is what the engine and the monitor need from durable storage.
type sessionStore interface {
	scheduler.Store
	service.SessionLister
}

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("store", cfg.StoreDriver).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Assessment Engine")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Storage ───────────────────────────────────────────────────────
	var (
		store         sessionStore
		persister     scheduler.Persister
		assessments   service.DefinitionSource
		db            handler.Pinger
		rdb           *redis.Client
		persistWorker *worker.SessionPersistWorker
		prewarmIDs    []string
	)

	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		defer pool.Close()
		db = pool

		// Redis carries the persistence queue, so it is required here.
		rdb, err = database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()

		sessionRepo := repository.NewSessionRepository(pool)
		store = sessionRepo
		assessments = repository.NewAssessmentRepository(pool)
		persister = worker.NewSessionPersister(rdb)
		persistWorker = worker.NewSessionPersistWorker(rdb, sessionRepo, cfg.PersistBatchSize, cfg.PersistBatchTimeout, log)

	case config.StoreDriverMemory:
		memSessions := repository.NewMemorySessionStore()
		store = memSessions
		persister = memSessions

		memAssessments := repository.NewMemoryAssessmentStore()
		n, err := memAssessments.LoadDir(cfg.AssessmentDir)
		if err != nil {
			log.Fatal().Err(err).Str("dir", cfg.AssessmentDir).Msg("Failed to load assessment definitions")
		}
		log.Info().Int("count", n).Str("dir", cfg.AssessmentDir).Msg("Assessment definitions loaded")
		assessments = memAssessments
		prewarmIDs = memAssessments.IDs()

		// Optional: live monitor events and the definition cache.
		if client, err := database.NewRedisClient(ctx, cfg, log); err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, running without live monitor events")
		} else {
			rdb = client
			defer rdb.Close()
		}

	default:
		log.Fatal().Str("store", cfg.StoreDriver).Msg("Unknown STORE_DRIVER")
	}

	// ─── Initialize Engine ─────────────────────────────────────────────
	defs := service.NewDefinitionCache(assessments, rdb, cfg.DefinitionCacheTTL, log)
	registry := grading.NewRegistry()
	clk := clock.System{}

	var publisher scheduler.Publisher
	if rdb != nil {
		publisher = service.NewRedisEventPublisher(rdb, log)
	}

	sched := scheduler.New(
		scheduler.Config{
			Tick:          cfg.SchedulerTick,
			Retention:     cfg.SessionRetention,
			EvictSchedule: cfg.EvictSchedule,
		},
		session.Deps{
			Clock:   clk,
			Grader:  registry,
			Monitor: integrity.NewMonitor(cfg.IntegrityMaxEvents, log),
		},
		store, persister, publisher, defs, log,
	)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	assessmentService := service.NewAssessmentService(sched, defs, registry, log)
	monitorService := service.NewMonitorService(store, sched, clk)

	// ─── Prewarm Caches ───────────────────────────────────────────────
	if len(prewarmIDs) > 0 {
		log.Info().Int("warmed", defs.Prewarm(ctx, prewarmIDs)).Msg("Definition cache prewarmed")
	}

	// ─── Recover Sessions ─────────────────────────────────────────────
	// Rebuild in-progress sessions BEFORE accepting traffic so deadlines
	// that passed while down are enforced first. Snapshots the previous
	// process left in the queue are written to the store before it is read.
	var pending scheduler.Flusher
	if persistWorker != nil {
		pending = persistWorker
	}
	report, err := assessmentService.Recover(ctx, pending)
	if err != nil {
		log.Fatal().Err(err).Msg("Session recovery failed")
	}
	log.Info().
		Int("rearmed", report.Rearmed).
		Int("expired", report.Expired).
		Int("failed", report.Failed).
		Msg("Session recovery complete")

	// ─── Start Background Workers ─────────────────────────────────────
	schedCtx, schedCancel := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(schedCtx); err != nil {
			log.Fatal().Err(err).Msg("Scheduler failed")
		}
	}()

	limiter := middleware.NewRateLimiter(cfg.IntegrityRatePerMin, time.Minute)
	go limiter.Run(schedCtx)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	if persistWorker != nil {
		go func() {
			defer close(workerDone)
			persistWorker.Start(workerCtx)
		}()
	} else {
		close(workerDone)
	}

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(assessmentService),
		Proctor: handler.NewProctorHandler(assessmentService),
		Stream:  handler.NewStreamHandler(assessmentService, limiter, log, cfg.AllowedOrigins, cfg.StatusPushInterval),
		Monitor: handler.NewMonitorHandler(rdb, defs, monitorService, log),
		System:  handler.NewSystemHandler(rdb, db, sched, log),
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(handlers, router.Deps{
		Auth:             authService,
		Sessions:         assessmentService,
		IntegrityLimiter: limiter,
		Log:              log,
	}, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop firing deadlines so no new snapshots are queued.
	schedCancel()
	<-schedDone

	// 3. Stop the persist worker, then flush whatever is still queued.
	workerCancel()
	<-workerDone
	if persistWorker != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.ShutdownFlushDeadline)
		n, err := persistWorker.Drain(flushCtx)
		flushCancel()
		if err != nil {
			log.Error().Err(err).Int("flushed", n).Msg("Snapshot flush incomplete")
		} else {
			log.Info().Int("flushed", n).Msg("Snapshot queue flushed")
		}
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
