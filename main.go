package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/foodlink/marketplace-core/internal/api"
	"github.com/foodlink/marketplace-core/internal/auth"
	"github.com/foodlink/marketplace-core/internal/db"
	"github.com/foodlink/marketplace-core/internal/metrics"
	"github.com/foodlink/marketplace-core/internal/scheduler"
	"github.com/foodlink/marketplace-core/internal/services"
	"github.com/foodlink/marketplace-core/internal/store"
	"github.com/foodlink/marketplace-core/pkg/config"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func main() {
	// Load configuration
	cfg := config.LoadConfig()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx := context.Background()

	// Initialize OpenTelemetry metrics and traces
	appMetrics := metrics.NewNoopMetrics()
	if cfg.OTELMetricsEnabled {
		m, meterProvider, err := metrics.InitMetrics(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to initialize metrics: %v", err)
		}
		appMetrics = m
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := meterProvider.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutting down meter provider", "error", err)
			}
		}()
	}
	if cfg.OTELTracesEnabled {
		tracerProvider, err := metrics.InitTracing(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to initialize tracing: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutting down tracer provider", "error", err)
			}
		}()
	}

	// Initialize database
	dialect, err := db.ParseDialect(cfg.DBDriver)
	if err != nil {
		log.Fatalf("Invalid database driver: %v", err)
	}
	database, err := db.NewDB(dialect, cfg.GetDSN(), cfg.OTELServiceName)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.InitSchema(ctx); err != nil {
		logger.Warn("could not initialize schema, assuming it already exists", "error", err)
	}

	policy, err := services.ParsePendingPolicy(cfg.PendingPurchasePolicy)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize services
	st := store.New(dialect, appMetrics)
	shops := store.NewDirectory(st, database)
	deps := services.Deps{
		DB:      database,
		Store:   st,
		Metrics: appMetrics,
		Clock:   services.SystemClock,
		Logger:  logger,
	}

	runCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	reaper := services.NewExpirationReaper(deps, cfg.PurchaseExpiration(), cfg.ExpirationSweepInterval)

	var sched scheduler.Scheduler
	switch cfg.SchedulerBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer client.Close()

		redisScheduler := scheduler.NewRedisScheduler(client, cfg.RedisScheduleKey, cfg.RedisPollInterval, reaper.ExpirePurchase, logger)
		go redisScheduler.Run(runCtx)
		sched = redisScheduler
	case "local", "":
		localScheduler := scheduler.NewLocalScheduler(reaper.ExpirePurchase, logger)
		defer localScheduler.Stop()
		sched = localScheduler
	default:
		log.Fatalf("Unknown scheduler backend %q", cfg.SchedulerBackend)
	}

	offerService := services.NewOfferService(deps)
	if err := offerService.SeedPricingStrategies(ctx); err != nil {
		log.Fatalf("Failed to seed pricing strategies: %v", err)
	}

	svc := api.Services{
		Reservations: services.NewReservationService(deps, sched, services.NewLogNotifier(logger), shops, services.ReservationConfig{
			Expiration:    cfg.PurchaseExpiration(),
			PendingPolicy: policy,
		}),
		Purchases:   services.NewPurchaseService(deps, auth.NewOrderTokens(cfg.OrderTokenSecret, cfg.OrderTokenTTL, nil), shops, cfg.PurchaseExpiration()),
		Reaper:      reaper,
		Fulfillment: services.NewFulfillmentService(deps, shops),
		Offers:      offerService,
	}

	// The sweep catches purchases whose scheduled check was lost
	go reaper.Run(runCtx)

	// Initialize app
	app := api.NewApp(cfg, database, appMetrics, logger, svc)

	router := mux.NewRouter()
	app.SetupRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			"port", cfg.AppPort,
			"db_driver", string(dialect),
			"scheduler", cfg.SchedulerBackend,
			"pending_policy", string(policy),
			"purchase_expiration", cfg.PurchaseExpiration().String(),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	stopWorkers()

	logger.Info("server exited")
}
