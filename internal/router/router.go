package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"realtime-service/internal/config"
	"realtime-service/internal/gateway"
	"realtime-service/internal/handler"
	"realtime-service/internal/metrics"
	"realtime-service/internal/middleware"
)

// Deps carries what the routes are served from. Redis, Store, Streams and
// Gatherer are optional.
type Deps struct {
	Hub       *gateway.Hub
	Validator middleware.TokenValidator
	Redis     *redis.Client
	Store     handler.StatusStore
	Streams   handler.ViewerTokenIssuer
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
}

func Setup(cfg *config.Config, deps Deps, logger *zap.Logger) *gin.Engine {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	origins := middleware.ParseOrigins(cfg.Server.CORSOrigins)

	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(origins))
	r.Use(middleware.Metrics(deps.Metrics))

	wsHandler := gateway.NewHandler(deps.Hub, deps.Validator, logger).AllowOrigins(origins)
	presenceHandler := handler.NewPresenceHandler(deps.Hub, deps.Store, logger)
	roomHandler := handler.NewRoomHandler(deps.Hub)
	streamHandler := handler.NewStreamHandler(deps.Streams, logger)
	notifyHandler := handler.NewNotifyHandler(deps.Hub, logger)
	healthHandler := handler.NewHealthHandler(deps.Redis)

	metricsHandler := promhttp.Handler()
	if deps.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})
	}

	// Health endpoints (no auth)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	r.GET("/metrics", gin.WrapH(metricsHandler))

	api := r.Group(cfg.Server.BasePath)
	{
		api.GET("/health", healthHandler.Health)
		api.GET("/ready", healthHandler.Ready)

		// WebSocket authenticates its own handshake
		api.GET("/ws", wsHandler.HandleWebSocket)

		authenticated := api.Group("")
		authenticated.Use(middleware.Auth(deps.Validator))
		{
			authenticated.GET("/presence/online", presenceHandler.GetOnlineUsers)
			authenticated.GET("/presence/status/:userId", presenceHandler.GetUserStatus)

			authenticated.GET("/rooms/:roomId/count", roomHandler.GetRoomCount)

			authenticated.GET("/streams/:streamId/viewers", roomHandler.GetStreamViewers)
			authenticated.GET("/streams/:streamId/token", streamHandler.GetViewerToken)
		}

		// Backend services only, never end-user tokens
		internal := api.Group("/internal")
		internal.Use(middleware.InternalAuth(cfg.Auth.InternalAPIKey))
		{
			internal.POST("/notify", notifyHandler.Notify)
		}
	}

	return r
}
