package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"realtime-service/internal/domain"
	"realtime-service/internal/gateway"
)

type RoomHandler struct {
	hub *gateway.Hub
}

func NewRoomHandler(hub *gateway.Hub) *RoomHandler {
	return &RoomHandler{hub: hub}
}

// GetRoomCount returns how many connections on this instance are in a
// location room.
func (h *RoomHandler) GetRoomCount(c *gin.Context) {
	roomID := c.Param("roomId")
	if !strings.HasPrefix(roomID, "location_") {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   gin.H{"code": "BAD_REQUEST", "message": "Invalid room ID"},
		})
		return
	}
	c.JSON(http.StatusOK, domain.RoomCount{RoomID: roomID, Count: h.hub.RoomCount(roomID)})
}

// GetStreamViewers returns the current viewer count of a livestream.
func (h *RoomHandler) GetStreamViewers(c *gin.Context) {
	streamID := c.Param("streamId")
	c.JSON(http.StatusOK, domain.ViewerCount{StreamID: streamID, Viewers: h.hub.StreamViewers(streamID)})
}
