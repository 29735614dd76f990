package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"realtime-service/internal/livestream"
)

const viewerTokenTTL = 6 * time.Hour

// ViewerTokenIssuer mints media-server tokens for livestream viewers.
type ViewerTokenIssuer interface {
	ViewerToken(streamID, userID string, ttl time.Duration) (string, error)
}

type StreamHandler struct {
	tokens ViewerTokenIssuer
	logger *zap.Logger
}

func NewStreamHandler(tokens ViewerTokenIssuer, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{tokens: tokens, logger: logger}
}

// GetViewerToken issues a subscribe-only token for the authenticated user.
func (h *StreamHandler) GetViewerToken(c *gin.Context) {
	streamID := c.Param("streamId")
	userID := c.GetString("user_id")

	if h.tokens == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   gin.H{"code": "UNAVAILABLE", "message": "Livestreaming is not configured"},
		})
		return
	}

	token, err := h.tokens.ViewerToken(streamID, userID, viewerTokenTTL)
	if err != nil {
		status := http.StatusInternalServerError
		code := "INTERNAL_ERROR"
		if errors.Is(err, livestream.ErrNotConfigured) {
			status = http.StatusServiceUnavailable
			code = "UNAVAILABLE"
		}
		h.logger.Error("failed to issue viewer token", zap.String("stream_id", streamID), zap.Error(err))
		c.JSON(status, gin.H{
			"success": false,
			"error":   gin.H{"code": code, "message": "Failed to issue viewer token"},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"streamId":  streamID,
		"token":     token,
		"expiresIn": int(viewerTokenTTL.Seconds()),
	})
}
