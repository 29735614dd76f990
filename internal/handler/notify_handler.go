package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"realtime-service/internal/domain"
	"realtime-service/internal/gateway"
)

// NotifyRequest pushes a chat message or notification to every socket of
// one user. Data is forwarded untouched.
type NotifyRequest struct {
	UserID string                 `json:"userId" binding:"required"`
	Event  string                 `json:"event" binding:"required"`
	Data   map[string]interface{} `json:"data"`
}

type NotifyHandler struct {
	hub    *gateway.Hub
	logger *zap.Logger
}

func NewNotifyHandler(hub *gateway.Hub, logger *zap.Logger) *NotifyHandler {
	return &NotifyHandler{hub: hub, logger: logger}
}

// Notify is called by other backend services after they persist a message
// or notification. The route sits behind InternalAuth.
func (h *NotifyHandler) Notify(c *gin.Context) {
	var req NotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   gin.H{"code": "BAD_REQUEST", "message": err.Error()},
		})
		return
	}

	switch req.Event {
	case domain.EventMessageNew, domain.EventNotificationNew:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   gin.H{"code": "BAD_REQUEST", "message": "unsupported event"},
		})
		return
	}

	h.hub.Notify(req.UserID, req.Event, req.Data)
	h.logger.Debug("Notification pushed",
		zap.String("user_id", req.UserID),
		zap.String("event", req.Event))

	c.JSON(http.StatusAccepted, gin.H{"success": true})
}
