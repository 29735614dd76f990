package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"realtime-service/internal/domain"
	"realtime-service/internal/gateway"
)

// StatusStore answers presence for users connected to other instances.
type StatusStore interface {
	Status(ctx context.Context, userID string) (domain.PeerPresence, bool, error)
}

type PresenceHandler struct {
	hub    *gateway.Hub
	store  StatusStore
	logger *zap.Logger
}

// NewPresenceHandler builds the presence routes. store may be nil.
func NewPresenceHandler(hub *gateway.Hub, store StatusStore, logger *zap.Logger) *PresenceHandler {
	return &PresenceHandler{
		hub:    hub,
		store:  store,
		logger: logger,
	}
}

// GetOnlineUsers returns online users
func (h *PresenceHandler) GetOnlineUsers(c *gin.Context) {
	users := h.hub.OnlineUsers(c.Request.Context())
	c.JSON(http.StatusOK, domain.OnlineSnapshot{Users: users})
}

// GetUserStatus returns a user's presence, answering from this instance
// first and the shared store second.
func (h *PresenceHandler) GetUserStatus(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   gin.H{"code": "BAD_REQUEST", "message": "Invalid user ID"},
		})
		return
	}

	if status, ok := h.hub.Status(userID); ok {
		c.JSON(http.StatusOK, domain.PeerPresence{UserID: userID, Status: status})
		return
	}

	if h.store != nil {
		p, ok, err := h.store.Status(c.Request.Context(), userID)
		if err != nil {
			h.logger.Error("failed to get user status", zap.String("user_id", userID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error":   gin.H{"code": "INTERNAL_ERROR", "message": "Failed to get user status"},
			})
			return
		}
		if ok {
			c.JSON(http.StatusOK, p)
			return
		}
	}

	c.JSON(http.StatusNotFound, gin.H{
		"success": false,
		"error":   gin.H{"code": "NOT_FOUND", "message": "User presence not found"},
	})
}
