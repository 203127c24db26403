// Package main is the entry point for the automation engine service.
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

	"github.com/gorilla/mux"

	"github.com/Glacestorm/automation-engine/internal/actions"
	"github.com/Glacestorm/automation-engine/internal/api"
	"github.com/Glacestorm/automation-engine/internal/archive"
	"github.com/Glacestorm/automation-engine/internal/auth"
	"github.com/Glacestorm/automation-engine/internal/config"
	"github.com/Glacestorm/automation-engine/internal/definition"
	"github.com/Glacestorm/automation-engine/internal/engine"
	"github.com/Glacestorm/automation-engine/internal/events"
	"github.com/Glacestorm/automation-engine/internal/orchestrator"
	"github.com/Glacestorm/automation-engine/internal/scheduler"
	"github.com/Glacestorm/automation-engine/internal/store"
	"github.com/Glacestorm/automation-engine/internal/tracing"
	"github.com/Glacestorm/automation-engine/pkg/types"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting automation engine",
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
	)

	// Root context cancelled on shutdown; background loops hang off it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	if cfg.TracingEnabled {
		tp, err := tracing.Init(ctx, &tracing.Config{
			ServiceName:  "automation-engine",
			OTLPEndpoint: cfg.OTLPEndpoint,
			Enabled:      true,
			SampleRate:   cfg.TraceSample,
		}, logger)
		if err != nil {
			logger.Error("failed to initialize tracing", "error", err)
		} else {
			defer tp.Shutdown(context.Background())
		}
	}

	// Initialize store based on configuration
	var st store.Store
	switch cfg.StoreType {
	case "redis":
		redisCfg := store.DefaultRedisConfig()
		redisCfg.URL = cfg.RedisURL
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB
		redisCfg.TTL = cfg.StoreTTL
		redisCfg.MaxLogEntries = cfg.LogMaxEntries
		redisStore, err := store.NewRedisStore(redisCfg)
		if err != nil {
			logger.Error("failed to connect to Redis, falling back to memory store", "error", err)
			st = store.NewMemoryStore(&store.Config{MaxLogEntries: cfg.LogMaxEntries, TTL: cfg.StoreTTL})
		} else {
			st = redisStore
			logger.Info("using Redis store", slog.String("url", cfg.RedisURL))
		}
	default:
		st = store.NewMemoryStore(&store.Config{MaxLogEntries: cfg.LogMaxEntries, TTL: cfg.StoreTTL})
		logger.Info("using in-memory store")
	}
	defer st.Close()

	// Task orchestrator with built-in action handlers
	registry := orchestrator.NewRegistry()
	if err := actions.RegisterBuiltins(registry, logger); err != nil {
		logger.Error("failed to register built-in handlers", "error", err)
		os.Exit(1)
	}

	orch := orchestrator.New(st, registry, &orchestrator.Config{
		Workers:           cfg.Workers,
		DefaultQueue:      cfg.DefaultQueue,
		QueueCapacity:     cfg.QueueCapacity,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		DefaultBackoff:    cfg.DefaultBackoff,
		DefaultTimeout:    cfg.DefaultTimeout,
		PollInterval:      cfg.DispatchInterval,
	}, logger)

	// Workflow engine
	eng := engine.New(st, orch, nil, &engine.Config{
		TaskQueue:        cfg.WorkflowQueue,
		TaskPriority:     types.TaskPriorityMedium,
		TaskMaxRetries:   cfg.WorkflowMaxRetries,
		TaskTimeout:      cfg.WorkflowTimeout,
		SLACheckInterval: cfg.SLACheckInterval,
		WarningPercent:   cfg.SLAWarningPercent,
	}, logger)

	// Event processor
	proc := events.New(st, orch, logger)

	// Job scheduler
	sched := scheduler.New(st, orch, &scheduler.Config{
		ScanInterval:     cfg.ScanInterval,
		Queue:            cfg.ScheduledQueue,
		DefaultTimeout:   cfg.JobTimeout,
		FailureThreshold: cfg.FailureThreshold,
	}, logger)

	// Terminal tasks flow back to whichever service dispatched them,
	// identified by the trigger tag.
	orch.OnTaskTerminal(func(ctx context.Context, task *types.OrchestratedTask) {
		switch {
		case task.Tags["execution_id"] != "":
			eng.HandleTaskResult(ctx, task)
		case task.Tags["event_id"] != "":
			proc.HandleTaskResult(ctx, task)
		case task.Tags["job_execution_id"] != "":
			sched.HandleTaskResult(ctx, task)
		}
	})

	// Seed process definitions from disk
	if cfg.SeedDir != "" {
		seedDefinitions(ctx, st, cfg.SeedDir, logger)
	}

	// Background loops
	go orch.Start(ctx)
	go eng.RunSLAMonitor(ctx)
	go sched.Run(ctx)

	// NATS event ingress
	if cfg.NATSEnabled {
		ingressCfg := events.DefaultIngressConfig()
		ingressCfg.URL = cfg.NATSURL
		if cfg.EventStream != "" {
			ingressCfg.StreamName = cfg.EventStream
		}
		if cfg.EventSubject != "" {
			ingressCfg.Subjects = []string{cfg.EventSubject}
		}
		ingress, err := events.NewIngress(ctx, proc, ingressCfg, logger)
		if err != nil {
			logger.Error("failed to connect NATS ingress", "error", err)
		} else if err := ingress.Start(ctx); err != nil {
			logger.Error("failed to start NATS ingress", "error", err)
		} else {
			defer ingress.Close()
			logger.Info("NATS event ingress started", slog.String("url", cfg.NATSURL))
		}
	}

	// Archive sweeper
	if cfg.ArchiveEnabled {
		backend, err := archive.NewS3Backend(&archive.S3Config{
			Endpoint:        cfg.ArchiveEndpoint,
			Bucket:          cfg.ArchiveBucket,
			Region:          cfg.ArchiveRegion,
			AccessKeyID:     cfg.ArchiveAccessKey,
			SecretAccessKey: cfg.ArchiveSecretKey,
			UseSSL:          cfg.ArchiveUseSSL,
			PathPrefix:      cfg.ArchivePrefix,
		})
		if err != nil {
			logger.Error("failed to initialize archive backend", "error", err)
		} else {
			sweeper := archive.NewSweeper(st, backend, &archive.SweeperConfig{
				Retention: cfg.ArchiveRetention,
				Interval:  cfg.ArchiveInterval,
			}, logger)
			go sweeper.Run(ctx)
			logger.Info("archive sweeper started", slog.String("bucket", cfg.ArchiveBucket))
		}
	}

	// API server with optional OIDC auth and per-IP rate limiting
	handlers := api.NewHandlers(st, eng, orch, proc, sched, cfg, logger)

	var extra []mux.MiddlewareFunc
	if cfg.RateLimitRPS > 0 {
		extra = append(extra, auth.NewPerIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Handler)
	}
	if cfg.OIDCEnabled {
		provider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:       cfg.OIDCIssuer,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
		})
		if err != nil {
			logger.Error("failed to initialize OIDC provider", "error", err)
			os.Exit(1)
		}
		extra = append(extra, auth.NewMiddleware(provider, &auth.MiddlewareConfig{Enabled: true}).Handler)
	}

	server := api.NewServer(handlers, extra...)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

// seedDefinitions loads YAML process definitions from a directory.
// Already-known definition ids are left alone so restarts do not pile
// up versions.
func seedDefinitions(ctx context.Context, st store.Store, dir string, logger *slog.Logger) {
	files, err := definition.LoadDir(dir)
	if err != nil {
		logger.Error("failed to load seed definitions", "error", err, "dir", dir)
		return
	}
	for _, f := range files {
		if _, err := st.GetDefinition(ctx, f.Definition.ID); err == nil {
			continue
		}
		if result := definition.Validate(f.Definition); !result.Valid {
			logger.Warn("skipping invalid seed definition",
				"path", f.Path,
				"errors", result.Errors)
			continue
		}
		f.Definition.IsActive = true
		if err := st.CreateDefinition(ctx, f.Definition); err != nil {
			logger.Error("failed to seed definition", "error", err, "path", f.Path)
			continue
		}
		logger.Info("seeded definition",
			"definition_id", f.Definition.ID,
			"path", f.Path)
	}
}
