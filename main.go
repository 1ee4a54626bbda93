package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/msomdec/user-admin/internal/config"
	"github.com/msomdec/user-admin/internal/cryptox"
	"github.com/msomdec/user-admin/internal/domain"
	"github.com/msomdec/user-admin/internal/handler"
	"github.com/msomdec/user-admin/internal/jobs"
	"github.com/msomdec/user-admin/internal/observability"
	"github.com/msomdec/user-admin/internal/repository/sqlite"
	"github.com/msomdec/user-admin/internal/repository/supabase"
	"github.com/msomdec/user-admin/internal/service"
)

// sweepSpec re-enqueues pending sync issues every ten minutes.
const sweepSpec = "*/10 * * * *"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logOpts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var logger *slog.Logger
	if cfg.LogFormat == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, logOpts))
	} else {
		logger = slog.New(slog.NewMultiHandler(
			slog.NewTextHandler(os.Stdout, logOpts),
			slog.NewJSONHandler(os.Stderr, logOpts),
		))
	}
	slog.SetDefault(logger)

	if !cfg.CookieSecure {
		slog.Warn("session cookies are not marked Secure; use only for local development")
	}

	sealer, err := cryptox.NewSealer(cfg.SessionSecret)
	if err != nil {
		slog.Error("failed to create token sealer", "error", err)
		os.Exit(1)
	}

	db, err := sqlite.New(cfg.DatabasePath, sealer)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database migrations applied")

	remote, err := supabase.New(supabase.Config{
		BaseURL:           cfg.SupabaseURL,
		APIKey:            cfg.SupabaseKey,
		DeleteFunction:    cfg.DeleteFunction,
		EmailSyncFunction: cfg.EmailSyncFunction,
		Timeout:           cfg.HTTPClientTimeout,
	})
	if err != nil {
		slog.Error("failed to create account service client", "error", err)
		os.Exit(1)
	}
	claims := supabase.NewTokenParser(cfg.SupabaseJWTSecret)
	if !claims.Verifies() {
		slog.Warn("SUPABASE_JWT_SECRET is not set; access token signatures are not verified locally")
	}

	metrics := observability.NewMetrics()

	sessionManager := service.NewSessionManager(remote, db.Sessions(), remote.Users(), claims, cfg.SessionTTL)
	defer sessionManager.Close()
	sessionManager.Subscribe(func(ev domain.AuthEvent) {
		metrics.CountAuthEvent(string(ev.Kind))
	})

	routes := handler.Config{
		Sessions:       sessionManager,
		Metrics:        metrics,
		SessionTTL:     cfg.SessionTTL,
		CookieSecure:   cfg.CookieSecure,
		LoginRateLimit: cfg.LoginRateLimit,
	}

	var (
		redisOpts  = asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		jobsClient *jobs.Client
		queue      service.Reconciler
		worker     *jobs.Worker
	)
	if cfg.WorkerEnabled() {
		jobsClient = jobs.NewClient(redisOpts)
		defer jobsClient.Close()
		queue = jobsClient

		inspector := asynq.NewInspector(redisOpts)
		defer inspector.Close()
		routes.JobsHealth = jobs.NewHandler(inspector, logger).Health

		pinger := jobs.NewRedisPinger(cfg.RedisAddr)
		defer pinger.Close()
		routes.QueuePinger = pinger
	}

	userService := service.NewUserService(remote, remote.Users(), remote, db.SyncIssues(), sessionManager, queue)
	routes.Users = userService

	if jobsClient != nil {
		worker, err = jobs.NewWorker(jobs.WorkerConfig{
			RedisOpts: redisOpts,
			Logger:    logger,
			Reconcile: jobs.NewReconcileJob(userService, metrics, logger),
			Sweep:     jobs.NewSweepJob(db.SyncIssues(), jobsClient, logger),
			SweepSpec: sweepSpec,
		})
		if err != nil {
			slog.Error("failed to create worker", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Info("REDIS_ADDR is not set; sync issues are recorded but not retried in the background")
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	routes.Throttle = service.NewAccountThrottle(gctx, cfg.LoginAccountRateLimit)

	streamsDone := make(chan struct{})
	routes.StreamsDone = streamsDone

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler.NewRouter(routes),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	// Event streams never go idle, so Shutdown would wait them out.
	srv.RegisterOnShutdown(func() { close(streamsDone) })

	g.Go(func() error {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if worker != nil {
		g.Go(func() error {
			return worker.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
