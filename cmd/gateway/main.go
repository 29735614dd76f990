package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"realtime-service/internal/config"
	"realtime-service/internal/database"
	"realtime-service/internal/gateway"
	"realtime-service/internal/job"
	"realtime-service/internal/livestream"
	"realtime-service/internal/metrics"
	"realtime-service/internal/middleware"
	"realtime-service/internal/router"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logger.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Auth.SecretKey == "" {
		logger.Fatal("JWT secret is not configured (auth.secret_key or JWT_SECRET)")
	}

	instanceID := uuid.NewString()
	logger.Info("Starting Realtime Gateway",
		zap.Int("port", cfg.Server.Port),
		zap.String("env", cfg.Server.Env),
		zap.String("base_path", cfg.Server.BasePath),
		zap.String("instance_id", instanceID),
	)

	m := metrics.New()
	logger.Info("Metrics initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hubOpts := gateway.Options{Logger: logger.Named("hub"), Metrics: m}

	// Redis is optional; without it the gateway serves a single instance
	var redisClient *redis.Client
	var presenceStore *database.PresenceStore
	var broadcaster *database.Broadcaster
	if cfg.Redis.URL != "" {
		rctx, rcancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient, err = database.NewRedis(rctx, cfg.Redis.URL, logger)
		rcancel()
		if err != nil {
			logger.Warn("Failed to connect to Redis, running without cross-instance fan-out", zap.Error(err))
		} else {
			broadcaster = database.NewBroadcaster(redisClient, cfg.Redis.Channel, instanceID, logger.Named("broadcast"))
			presenceStore = database.NewPresenceStore(redisClient, cfg.Redis.PresenceTTL, logger.Named("presence_store"))
			hubOpts.Relay = broadcaster
			hubOpts.Store = presenceStore
		}
	} else {
		logger.Info("Redis not configured, running without cross-instance fan-out")
	}

	hub := gateway.NewHub(hubOpts)

	if broadcaster != nil {
		go func() {
			if err := broadcaster.Subscribe(ctx, hub.DeliverRemote); err != nil {
				logger.Error("Broadcast subscription ended", zap.Error(err))
			}
		}()
	}

	deps := router.Deps{
		Hub:       hub,
		Validator: middleware.NewJWTValidator(cfg.Auth.SecretKey),
		Redis:     redisClient,
		Metrics:   m,
	}
	if presenceStore != nil {
		deps.Store = presenceStore
	}

	scheduler := job.NewScheduler(logger.Named("jobs"))
	if err := scheduler.Add("presence-snapshot", cfg.Jobs.SnapshotSpec, job.NewPresenceSnapshotJob(hub, logger)); err != nil {
		logger.Fatal("Failed to schedule job", zap.Error(err))
	}

	if cfg.LiveKit.Enabled() {
		lk := livestream.NewLiveKit(cfg.LiveKit.Host, cfg.LiveKit.APIKey, cfg.LiveKit.APISecret, logger.Named("livekit"))
		deps.Streams = lk
		reconcile := job.NewViewerReconcileJob(lk, hub, cfg.LiveKit.Streams, logger)
		if err := scheduler.Add("viewer-reconcile", cfg.Jobs.ViewersSpec, reconcile); err != nil {
			logger.Fatal("Failed to schedule job", zap.Error(err))
		}
		logger.Info("LiveKit initialized", zap.String("host", cfg.LiveKit.Host), zap.Strings("streams", cfg.LiveKit.Streams))
	} else {
		logger.Warn("LiveKit configuration incomplete, livestream reconciliation disabled")
	}
	scheduler.Start()

	r := router.Setup(cfg, deps, logger)

	// Create HTTP server
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WebSocket connections outlive any write timeout
	}

	// Start server in goroutine
	go func() {
		logger.Info("Realtime Gateway started successfully", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	scheduler.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	hub.Close()
	cancel()
	if redisClient != nil {
		redisClient.Close()
	}

	logger.Info("Server exited gracefully")
}

// initLogger initializes the zap logger with the specified level
func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      zapLevel == zapcore.DebugLevel,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return config.Build()
}
