package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtime-service/internal/middleware"
)

type Handler struct {
	hub       *Hub
	validator middleware.TokenValidator
	upgrader  websocket.Upgrader
	origins   []string
	logger    *zap.Logger
}

// NewHandler accepts handshakes from any origin until AllowOrigins narrows
// it.
func NewHandler(hub *Hub, validator middleware.TokenValidator, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:       hub,
		validator: validator,
		origins:   []string{"*"},
		logger:    logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h
}

// AllowOrigins restricts browser handshakes to origins.
func (h *Handler) AllowOrigins(origins []string) *Handler {
	h.origins = origins
	return h
}

// checkOrigin lets non-browser clients, which send no Origin, through.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || middleware.OriginAllowed(h.origins, origin)
}

// HandleWebSocket authenticates the handshake and upgrades it. Browsers
// cannot set headers on a WebSocket handshake, so the token may also come
// from the query string.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	token := middleware.TokenFromRequest(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "UNAUTHORIZED", "message": "token required"}})
		return
	}

	userID, err := h.validator.ValidateToken(c.Request.Context(), token)
	if err != nil {
		h.logger.Warn("WebSocket token rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "UNAUTHORIZED", "message": "invalid token"}})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	h.hub.Serve(conn, userID)
}
