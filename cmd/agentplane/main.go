// Package main is the entry point for the agentplane control plane.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/artifacts"
	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/httpmw"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/common/tracing"
	"github.com/agentplane/agentplane/internal/db"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/lease"
	"github.com/agentplane/agentplane/internal/orchestrator/api"
	"github.com/agentplane/agentplane/internal/orchestrator/dispatcher"
	"github.com/agentplane/agentplane/internal/orchestrator/health"
	"github.com/agentplane/agentplane/internal/orchestrator/listener"
	"github.com/agentplane/agentplane/internal/orchestrator/projection"
	"github.com/agentplane/agentplane/internal/orchestrator/recovery"
	"github.com/agentplane/agentplane/internal/orchestrator/retention"
	"github.com/agentplane/agentplane/internal/runtime/docker"
	"github.com/agentplane/agentplane/internal/runtime/lifecycle"
	"github.com/agentplane/agentplane/internal/seed"
	"github.com/agentplane/agentplane/internal/store/sqlite"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentplane control plane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the database pool
	pool, err := openPool(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	st, err := sqlite.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}

	// 4. Event bus (NATS when configured, in-memory otherwise)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := provided.Bus

	// 5. Docker client
	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to create Docker client", zap.Error(err))
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Fatal("Docker daemon unreachable", zap.Error(err))
	}

	// 6. Runtime lifecycle manager
	lm := lifecycle.NewManager(cfg.Runtime, cfg.Docker, dockerClient, st, eventBus, log)
	if err := lm.Start(ctx); err != nil {
		log.Fatal("Failed to start lifecycle manager", zap.Error(err))
	}
	go func() {
		if err := lm.EnsureTaskRuntimeImageAvailable(ctx); err != nil {
			log.Warn("runtime image pre-pull failed", zap.Error(err))
		}
	}()

	// 7. Startup recovery runs before dispatch so orphaned state is settled
	// first.
	recoverer := recovery.New(cfg.Recovery, st, dockerClient, eventBus, log)
	if err := recoverer.Start(ctx); err != nil {
		log.Fatal("Startup recovery failed", zap.Error(err))
	}

	// 8. Seed tasks and repositories when configured
	if cfg.Tasks.SeedFile != "" {
		if err := seed.Load(ctx, cfg.Tasks.SeedFile, st, log); err != nil {
			log.Fatal("Failed to apply seed file", zap.Error(err))
		}
	}

	// 9. Dispatch pipeline
	disp := dispatcher.New(cfg.Runtime, st, lm, eventBus, log)
	drainer := dispatcher.NewDrainer(disp, st, cfg.Runtime.DrainInterval(), log)
	drainer.Start()

	// 10. Event listener
	projector := projection.New(st, log)
	blobs := artifacts.NewBlobStore(cfg.Artifacts.BasePath, st, log)
	lst := listener.New(cfg.Listener, st, lm, disp, projector, blobs, cfg.Artifacts, eventBus, log)
	if err := lst.Start(ctx); err != nil {
		log.Fatal("Failed to start event listener", zap.Error(err))
	}

	// 11. Health supervisor
	supervisor := health.New(cfg.Health, lm, st, eventBus, log)
	supervisor.Start()

	// 12. Retention cleanup, lease-guarded per instance
	leases := lease.NewCoordinator(pool, uuid.New().String())
	cleaner := retention.New(cfg.Retention, st, pool, leases, eventBus, log)
	cleaner.Start()

	// 13. Admin HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "agentplane"))
	router.Use(httpmw.OtelTracing("agentplane"))

	handler := api.NewHandler(lm, supervisor, lst, log)
	api.SetupRoutes(router, handler, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentplane...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop intake before the listener so in-flight completions still land.
	drainer.Stop()
	cleaner.Stop()
	supervisor.Stop()
	recoverer.Stop()
	lst.Stop()
	lm.Stop()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("agentplane stopped")
}

// openPool builds the reader/writer pool for the configured driver.
func openPool(cfg config.DatabaseConfig) (*db.Pool, error) {
	if cfg.Driver == "postgres" {
		raw, err := db.OpenPostgres(cfg.DSN(), 10, 2)
		if err != nil {
			return nil, err
		}
		conn := sqlx.NewDb(raw, "pgx")
		return db.NewPool(conn, conn), nil
	}

	writerRaw, err := db.OpenSQLite(cfg.Path)
	if err != nil {
		return nil, err
	}
	readerRaw, err := db.OpenSQLiteReader(cfg.Path)
	if err != nil {
		writerRaw.Close()
		return nil, err
	}
	return db.NewPool(sqlx.NewDb(writerRaw, "sqlite3"), sqlx.NewDb(readerRaw, "sqlite3")), nil
}
