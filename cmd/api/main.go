package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/connect3/backend/internal/api/handlers"
	"github.com/connect3/backend/internal/app"
	"github.com/connect3/backend/internal/metrics"
	"github.com/connect3/backend/internal/middleware/ratelimit"
	"github.com/connect3/backend/internal/middleware/security"
	"github.com/connect3/backend/internal/middleware/validation"
	"github.com/connect3/backend/internal/sentry"
	"github.com/connect3/backend/pkg/config"
	appLogger "github.com/connect3/backend/pkg/logger"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	if err := sentry.Initialize(cfg.Sentry, version); err != nil {
		appLogger.Warn("Sentry disabled", zap.Error(err))
	}
	defer sentry.Flush(2 * time.Second)

	metrics.Init()

	appLogger.Info("Starting Connect3 search API", zap.String("version", version))

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	services, err := app.Build(startCtx, cfg)
	cancel()
	if err != nil {
		appLogger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close(context.Background())

	limiter := ratelimit.New(ratelimit.ConfigFrom(cfg.RateLimit, appLogger.Named("ratelimit")))
	defer limiter.Stop()

	fiberApp := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	fiberApp.Use(recover.New())
	fiberApp.Use(logger.New())
	fiberApp.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Join(cfg.Server.AllowedOrigins, ","),
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, Last-Event-ID, X-User-ID",
		AllowMethods:  "GET, POST, OPTIONS",
		ExposeHeaders: "Retry-After",
	}))
	fiberApp.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	checks := make(map[string]handlers.Check)
	for name, check := range services.Checks() {
		checks[name] = check
	}
	healthHandler := handlers.NewHealthHandler(checks)
	searchHandler := handlers.NewSearchHandler(services.Hub)
	wsHandler := handlers.NewWebSocketHandler(services.Hub)
	messageHandler := handlers.NewMessageHandler(services.SQLite)
	corpusHandler := handlers.NewCorpusHandler(services.Indexer)

	fiberApp.Get("/metrics", metrics.MetricsHandler())

	api := fiberApp.Group("/api/v1")

	api.Get("/health", healthHandler.Health)
	api.Get("/ready", healthHandler.Ready)

	api.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/ws/search/:messageId", validation.MessageID(), websocket.New(wsHandler.HandleConnection))

	limited := api.Group("", limiter.Middleware(), validation.Middleware(validation.Config{
		MaxDocumentSize: cfg.Server.BodyLimit,
		Logger:          appLogger.Named("validation"),
	}))

	limited.Post("/search/:messageId", validation.MessageID(), searchHandler.StartSearch)
	limited.Get("/search/:messageId/events", validation.MessageID(), searchHandler.ResumeSearch)
	limited.Get("/messages/:messageId", validation.MessageID(), messageHandler.GetMessage)

	limited.Post("/corpus/entities", corpusHandler.IndexEntities)
	limited.Post("/corpus/knowledge", corpusHandler.IndexKnowledge)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := fiberApp.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := fiberApp.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("Server shutdown incomplete", zap.Error(err))
	}

	// Runs are detached from client connections; let them persist their outcome.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Search.RunTimeoutSec)*time.Second)
	defer drainCancel()
	if err := services.Hub.Wait(drainCtx); err != nil {
		appLogger.Warn("Search runs still in flight at shutdown", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
