// Package session wires one realtime client session together. A Session
// owns its connection, presence cache, location tracking and event bus, so
// several sessions can live in one process without shared globals.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtime-service/internal/bus"
	"realtime-service/internal/config"
	"realtime-service/internal/location"
	"realtime-service/internal/metrics"
	"realtime-service/internal/presence"
	"realtime-service/internal/realtime"
)

var ErrAlreadyLoggedIn = errors.New("session: already logged in")

// Deps carries the collaborators a session cannot build from config alone.
// Every field is optional.
type Deps struct {
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Dialer   realtime.Dialer
	Source   location.Source
	Resolver presence.Resolver
}

type Session struct {
	cfg    *config.Config
	logger *zap.Logger

	Conn     *realtime.Manager
	Presence *presence.Tracker
	Location *location.Tracker
	Rooms    *location.Rooms
	Bus      *bus.Bus

	mu     sync.Mutex
	userID string
	cancel context.CancelFunc
}

func New(cfg *config.Config, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := deps.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: cfg.Client.HandshakeTimeout}
	}

	b := bus.New(logger.Named("bus"), deps.Metrics)
	conn := realtime.NewManager(realtime.Options{
		URL:         cfg.Client.URL,
		MaxAttempts: cfg.Client.MaxAttempts,
		BackoffBase: cfg.Client.BackoffBase,
		BackoffMax:  cfg.Client.BackoffMax,
		PingTimeout: cfg.Client.PingTimeout,
		Dialer:      dialer,
		Logger:      logger.Named("realtime"),
		Metrics:     deps.Metrics,
	})
	tracker := presence.NewTracker(presence.Options{
		Resolver: deps.Resolver,
		Changes:  b.Presence,
		Logger:   logger.Named("presence"),
	})
	rooms := location.NewRooms(logger.Named("rooms"))
	refiner := location.NewRefiner(location.Options{
		Source:      deps.Source,
		FallbackLat: cfg.Location.FallbackLat,
		FallbackLng: cfg.Location.FallbackLng,
		Logger:      logger.Named("location"),
		Metrics:     deps.Metrics,
	})

	return &Session{
		cfg:      cfg,
		logger:   logger,
		Conn:     conn,
		Presence: tracker,
		Location: location.NewTracker(refiner, rooms, b.Location, logger.Named("location")),
		Rooms:    rooms,
		Bus:      b,
	}
}

// Login attaches every consumer to the connection and connects. A failed
// first dial is returned, but the connection keeps retrying in the
// background and the consumers stay attached.
func (s *Session) Login(ctx context.Context, userID, token string) error {
	s.mu.Lock()
	if s.userID != "" {
		s.mu.Unlock()
		return ErrAlreadyLoggedIn
	}
	s.userID = userID
	lctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.Presence.SetSelf(userID)
	s.Presence.Attach(s.Conn)
	s.Bus.Attach(s.Conn)
	s.Rooms.Attach(s.Conn)

	err := s.Conn.Connect(ctx, token)
	if err != nil {
		s.logger.Warn("Initial realtime connect failed, retrying in background",
			zap.String("user_id", userID),
			zap.Error(err))
	} else {
		s.logger.Info("Session logged in", zap.String("user_id", userID))
	}

	if s.cfg.Location.Enabled {
		go s.Location.Start(lctx)
	}
	return err
}

// Logout leaves the current room, stops location tracking, detaches every
// consumer and closes the connection. Safe to call repeatedly.
func (s *Session) Logout() {
	s.mu.Lock()
	userID := s.userID
	cancel := s.cancel
	s.userID = ""
	s.cancel = nil
	s.mu.Unlock()

	if userID == "" {
		return
	}

	// stop the watch first so a late fix cannot re-enter a room after the leave
	s.Location.Stop()
	s.Rooms.Leave()
	if cancel != nil {
		cancel()
	}
	s.Presence.Detach()
	s.Bus.Detach()
	s.Rooms.Detach()
	s.Conn.Disconnect()
	s.Presence.Reset()

	s.logger.Info("Session logged out", zap.String("user_id", userID))
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Ping measures a round trip to the gateway.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	return s.Conn.Ping(ctx)
}
