// Command client runs one headless realtime session against a gateway and
// logs everything it observes. It is useful for load checks and for
// watching a room or livestream from a terminal.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"realtime-service/internal/config"
	"realtime-service/internal/domain"
	"realtime-service/internal/location"
	"realtime-service/internal/metrics"
	"realtime-service/internal/middleware"
	"realtime-service/internal/session"
)

const pingInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	userFlag := flag.String("user", "", "user id (overrides client.user_id)")
	statusFlag := flag.String("status", "", "presence status to set after login (online, away, busy, offline)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logger.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	userID := cfg.Client.UserID
	if *userFlag != "" {
		userID = *userFlag
	}
	if userID == "" {
		logger.Fatal("User id is not configured (client.user_id, REALTIME_USER_ID or -user)")
	}

	token := cfg.Client.Token
	if token == "" && cfg.Auth.SecretKey != "" {
		// development convenience: mint our own token from the shared secret
		token, err = middleware.SignToken(cfg.Auth.SecretKey, userID, 24*time.Hour)
		if err != nil {
			logger.Fatal("Failed to sign token", zap.Error(err))
		}
	}

	m := metrics.New()
	if cfg.Client.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("Metrics endpoint started", zap.String("address", cfg.Client.MetricsAddr))
			if err := http.ListenAndServe(cfg.Client.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	source := &location.StaticSource{
		Fix: location.Fix{
			Latitude:  cfg.Location.DeviceLat,
			Longitude: cfg.Location.DeviceLng,
			Accuracy:  cfg.Location.DeviceAccuracy,
		},
		Available: cfg.Location.DeviceAvailable,
	}

	s := session.New(cfg, session.Deps{
		Logger:  logger,
		Metrics: m,
		Source:  source,
	})
	watch(s, logger)

	logger.Info("Starting realtime client",
		zap.String("url", cfg.Client.URL),
		zap.String("user_id", userID),
		zap.Bool("location", cfg.Location.Enabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Login(ctx, userID, token); err != nil {
		logger.Warn("Login did not connect yet", zap.Error(err))
	}

	if *statusFlag != "" {
		status := domain.PresenceStatus(*statusFlag)
		if !s.Presence.SetOwnStatus(status) {
			logger.Warn("Presence status not sent", zap.String("status", *statusFlag))
		}
	}

	go pingLoop(ctx, s, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Logging out...")

	cancel()
	s.Logout()
	logger.Info("Client exited gracefully")
}

// watch logs every event the session's bus carries.
func watch(s *session.Session, logger *zap.Logger) {
	s.Bus.Presence.Subscribe(func(p domain.PeerPresence) {
		logger.Info("Presence changed", zap.String("user_id", p.UserID), zap.String("status", string(p.Status)))
	})
	s.Bus.Location.Subscribe(func(l domain.LocationSample) {
		logger.Info("Location updated",
			zap.Float64("lat", l.Latitude),
			zap.Float64("lng", l.Longitude),
			zap.Float64("accuracy", l.Accuracy),
			zap.String("method", string(l.Method)))
	})
	s.Bus.RoomCounts.Subscribe(func(rc domain.RoomCount) {
		logger.Info("Room count", zap.String("room_id", rc.RoomID), zap.Int("count", rc.Count))
	})
	s.Bus.CheckIns.Subscribe(func(ci domain.CheckIn) {
		logger.Info("Check-in", zap.String("user_id", ci.UserID), zap.String("room_id", ci.RoomID), zap.String("note", ci.Note))
	})
	s.Bus.Viewers.Subscribe(func(vc domain.ViewerCount) {
		logger.Info("Livestream viewers", zap.String("stream_id", vc.StreamID), zap.Int("viewers", vc.Viewers), zap.Int("delta", vc.Delta))
	})
	s.Bus.StreamStatus.Subscribe(func(st domain.LivestreamStatus) {
		logger.Info("Livestream status", zap.String("stream_id", st.StreamID), zap.Bool("live", st.Live))
	})
	s.Bus.Messages.Subscribe(func(msg domain.ChatMessage) {
		logger.Info("Message", zap.String("chat_id", msg.ChatID), zap.String("sender_id", msg.SenderID))
	})
	s.Bus.Notifications.Subscribe(func(n domain.Notification) {
		logger.Info("Notification", zap.String("id", n.ID), zap.String("kind", n.Kind))
	})
}

func pingLoop(ctx context.Context, s *session.Session, logger *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rtt, err := s.Ping(ctx)
			if err != nil {
				logger.Debug("Ping failed", zap.Error(err))
				continue
			}
			logger.Debug("Ping", zap.Duration("rtt", rtt))
		}
	}
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
