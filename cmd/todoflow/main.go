// Package main is the unified entry point for Todoflow.
// This single binary runs the task gateway, recurrence worker, reminder
// scheduler, audit recorder and realtime fanout together with shared
// infrastructure.
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
	"go.uber.org/zap"

	// Common packages
	"github.com/todoflow/todoflow/internal/common/config"
	"github.com/todoflow/todoflow/internal/common/database"
	"github.com/todoflow/todoflow/internal/common/httpmw"
	"github.com/todoflow/todoflow/internal/common/logger"

	// Event bus
	"github.com/todoflow/todoflow/internal/events/bus"

	// Engine packages
	"github.com/todoflow/todoflow/internal/audit"
	"github.com/todoflow/todoflow/internal/auth"
	gateways "github.com/todoflow/todoflow/internal/gateway/websocket"
	"github.com/todoflow/todoflow/internal/recurrence"
	"github.com/todoflow/todoflow/internal/scheduler"

	// Task Service packages
	taskhandlers "github.com/todoflow/todoflow/internal/task/handlers"
	"github.com/todoflow/todoflow/internal/task/repository"
	taskservice "github.com/todoflow/todoflow/internal/task/service"
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

	log.Info("Starting Todoflow (unified mode)...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus. The sidecar is the production transport; NATS
	// is the direct-broker alternative; in-memory serves single-process
	// development. Selection: NATS when a URL is configured, sidecar when
	// SIDECAR_HTTP_PORT is present, in-memory otherwise.
	var eventBus bus.EventBus
	var sidecarBus *bus.SidecarBus
	switch {
	case cfg.NATS.URL != "":
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	case os.Getenv(bus.SidecarPortEnv) != "":
		log.Info("Using pub/sub sidecar event bus",
			zap.String("component", cfg.Sidecar.PubSubComponent))
		sidecarBus = bus.NewSidecarBus(cfg.Sidecar.PubSubComponent, cfg.Sidecar.DefaultPort, log)
		eventBus = sidecarBus
		defer sidecarBus.Close()
	default:
		log.Info("Using in-memory event bus")
		memBus := bus.NewMemoryEventBus(log)
		eventBus = memBus
		defer memBus.Close()
	}

	// 5. Initialize storage. An empty database URL selects the in-memory
	// repository for local development.
	var repo repository.Repository
	var auditStore audit.Store
	if cfg.Database.URL != "" {
		log.Info("Applying database migrations...")
		if err := database.Migrate(cfg.Database.URL); err != nil {
			log.Fatal("Failed to apply migrations", zap.Error(err))
		}

		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		log.Info("Connected to PostgreSQL")

		repo = repository.NewPostgresRepository(db)
		auditStore = audit.NewPostgresStore(db)
	} else {
		log.Info("Using in-memory repositories")
		repo = repository.NewMemoryRepository()
		auditStore = audit.NewMemoryStore()
	}
	defer repo.Close()
	defer auditStore.Close()

	// ============================================
	// TASK SERVICE
	// ============================================
	log.Info("Initializing Task Service...")

	authenticator := auth.NewAuthenticator(cfg.Auth)
	taskSvc := taskservice.NewService(repo, eventBus, log)
	taskHandlers := taskhandlers.NewTaskHandlers(taskSvc, log)

	// ============================================
	// RECURRENCE WORKER
	// ============================================
	log.Info("Initializing Recurrence Worker...")

	recurrenceWorker := recurrence.NewWorker(repo, eventBus, log)
	if err := recurrenceWorker.Start(); err != nil {
		log.Fatal("Failed to start recurrence worker", zap.Error(err))
	}
	defer recurrenceWorker.Stop()

	// ============================================
	// REMINDER SCHEDULER
	// ============================================
	log.Info("Initializing Reminder Scheduler...")

	var runner scheduler.JobRunner
	var jobRunner *scheduler.SidecarJobRunner
	if sidecarBus != nil {
		jobRunner = scheduler.NewSidecarJobRunner(cfg.Sidecar.JobsComponent, cfg.Sidecar.DefaultPort, log)
		runner = jobRunner
	} else {
		timerRunner := scheduler.NewTimerRunner()
		defer timerRunner.Close()
		runner = timerRunner
	}

	reminderScheduler := scheduler.NewScheduler(repo, eventBus, runner,
		cfg.Reminders.VarianceBudget(), log)
	if err := reminderScheduler.Start(); err != nil {
		log.Fatal("Failed to start reminder scheduler", zap.Error(err))
	}
	defer reminderScheduler.Stop()

	// Re-arm reminders that were pending when the previous process stopped.
	if err := reminderScheduler.RecoverPending(ctx); err != nil {
		log.Error("Failed to recover pending reminders", zap.Error(err))
	}

	// ============================================
	// AUDIT RECORDER
	// ============================================
	log.Info("Initializing Audit Recorder...")

	auditRecorder := audit.NewRecorder(auditStore, log)
	if err := auditRecorder.Start(eventBus); err != nil {
		log.Fatal("Failed to start audit recorder", zap.Error(err))
	}
	defer auditRecorder.Stop()

	// ============================================
	// REALTIME FANOUT
	// ============================================
	log.Info("Initializing Realtime Fanout...")

	hub := gateways.NewHub(log)
	defer hub.Close()

	fanout := gateways.NewFanout(hub, log)
	if err := fanout.Start(eventBus); err != nil {
		log.Fatal("Failed to start realtime fanout", zap.Error(err))
	}
	defer fanout.Stop()

	wsHandler := gateways.NewHandler(hub, authenticator, cfg.Fanout.SessionOutboundBuffer, log)

	// ============================================
	// HTTP SERVER (WebSocket + HTTP endpoints)
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "todoflow"))
	router.Use(corsMiddleware())

	// WebSocket endpoint - primary realtime transport
	wsHandler.RegisterRoutes(router)

	// Task mutation gateway
	taskHandlers.RegisterRoutes(router, auth.Middleware(authenticator))
	log.Info("Registered Task Service handlers")

	// Sidecar callback surface: subscription advertisement, event delivery
	// and scheduled-job callbacks all arrive over plain HTTP.
	if sidecarBus != nil {
		sidecarBus.RegisterRoutes(router)
	}
	if jobRunner != nil {
		jobRunner.RegisterRoutes(router)
	}

	// Health check (simple HTTP for load balancers/monitoring)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "todoflow",
		})
	})

	// Create HTTP server
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// Start server
	go func() {
		log.Info("Todoflow server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Print routes summary
	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"),
		zap.String("http", "/api/v1"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Todoflow...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Todoflow stopped")
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
