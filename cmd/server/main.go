package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryfiber "github.com/getsentry/sentry-go/fiber"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/bootstrap"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/config"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/database"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/handlers"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/logging"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/routes"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/services"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	fiberredis "github.com/gofiber/storage/redis"
)

func main() {
	cfg := config.Load()

	// Structured logging (JSON to stdout)
	stdoutHandler := logging.Setup(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	deps, err := bootstrap.Open(cfg)
	if err != nil {
		slog.Error("startup failed", "store_backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}

	// PostgreSQL log handler (ERROR+ async batch) and retention cleanup
	cleanupDone := make(chan struct{})
	var pgLogHandler *logging.PGHandler
	var storePing handlers.Pinger
	if cfg.StoreBackend == "postgres" {
		pgLogHandler = logging.NewPGHandler(database.DB)
		slog.SetDefault(slog.New(logging.NewMultiHandler(stdoutHandler, pgLogHandler)))
		logging.StartCleanup(database.DB, cfg.SystemLogRetention, cleanupDone)
		storePing = func(context.Context) error { return database.Ping() }
	}

	// Services
	manager := deps.Manager(cfg)
	receiver := services.NewWebhookReceiver(deps.Stores.Subscriptions, deps.Stores.Events, deps.Settings, nil)
	selfTest := services.NewSelfTest(deps.Stores.Subscriptions, deps.Settings, &http.Client{Timeout: cfg.ProviderTimeout})
	meetService := services.NewMeetService(manager, selfTest, deps.Stores.Events)

	sweeperDone := make(chan struct{})
	if cfg.RenewInterval > 0 {
		services.StartRenewalSweeper(manager, cfg.RenewInterval, cfg.RenewThreshold, sweeperDone)
		slog.Info("renewal sweeper started", "interval", cfg.RenewInterval.String(), "threshold", cfg.RenewThreshold.String())
	}

	// Handlers
	var redisPing handlers.Pinger
	var limiterStorage fiber.Storage
	if deps.Redis != nil {
		redisPing = func(ctx context.Context) error { return deps.Redis.Ping(ctx).Err() }
		port, _ := strconv.Atoi(cfg.RedisPort)
		limiterStorage = fiberredis.New(fiberredis.Config{
			Host:     cfg.RedisHost,
			Port:     port,
			Password: cfg.RedisPassword,
			Database: cfg.RedisDB,
			Reset:    false,
		})
	}
	healthHandler := handlers.NewHealthHandler(cfg.StoreBackend, storePing, redisPing)
	meetHandler := handlers.NewMeetHandler(meetService, meetService, cfg.RenewThreshold)
	webhookHandler, err := handlers.NewWebhookHandler(receiver)
	if err != nil {
		slog.Error("webhook handler init failed", "error", err)
		os.Exit(1)
	}

	// Sentry error tracking
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      cfg.Environment,
		}); err != nil {
			slog.Error("sentry init failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit:    4 * 1024 * 1024,
		ErrorHandler: customErrorHandler,
	})

	// Sentry middleware
	app.Use(sentryfiber.New(sentryfiber.Options{
		Repanic:         true,
		WaitForDelivery: false,
	}))

	// Global middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path}\n",
	}))
	app.Use(middleware.CORS(cfg))
	app.Use(middleware.SecurityHeaders())

	// Routes
	routes.Setup(app, cfg, limiterStorage, healthHandler, webhookHandler, meetHandler)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "port", cfg.Port, "store_backend", cfg.StoreBackend)
		if err := app.Listen(":" + cfg.Port); err != nil {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	slog.Info("shutting down server...")

	close(sweeperDone)
	close(cleanupDone)
	if pgLogHandler != nil {
		pgLogHandler.Stop()
	}
	sentry.Flush(2 * time.Second)

	if err := app.ShutdownWithTimeout(cfg.OperationTimeout); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if limiterStorage != nil {
		if err := limiterStorage.Close(); err != nil {
			slog.Error("limiter storage close error", "error", err)
		}
	}
	deps.Close()
	slog.Info("server stopped")
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	// Only expose error details for client errors (4xx), not server errors (5xx)
	if code >= 500 {
		slog.Error("unhandled server error", "method", c.Method(), "path", c.Path(), "error", err.Error())
		if hub := sentryfiber.GetHubFromContext(c); hub != nil {
			hub.CaptureException(err)
		}
		message = "Internal server error"
	}

	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": message,
	})
}
