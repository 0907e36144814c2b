package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/corvino/fieldchat/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Handlers holds references needed by HTTP handlers.
type Handlers struct {
	Hub       *Hub
	StartTime time.Time
}

// Health handles GET /api/health.
func (h *Handlers) Health(c *gin.Context) {
	uptime := time.Since(h.StartTime)
	c.JSON(http.StatusOK, protocol.HealthResponse{
		Status:    "ok",
		Uptime:    uptime.Round(time.Second).String(),
		UptimeSec: uptime.Seconds(),
		Rooms:     h.Hub.RoomCount(),
	})
}

// ListRooms handles GET /api/rooms.
func (h *Handlers) ListRooms(c *gin.Context) {
	snapshots := h.Hub.ListRooms()
	rooms := make([]protocol.RoomInfo, len(snapshots))
	for i, s := range snapshots {
		rooms[i] = protocol.RoomInfo{
			Recording:    s.Recording,
			Clients:      s.Clients,
			MessageCount: s.MessageCount,
		}
	}
	c.JSON(http.StatusOK, protocol.RoomList{Rooms: rooms})
}

// GetMessages handles GET /api/rooms/:recording/messages.
func (h *Handlers) GetMessages(c *gin.Context) {
	room := h.Hub.GetRoom(c.Param("recording"))
	if room == nil {
		c.JSON(http.StatusOK, []protocol.Frame{})
		return
	}
	c.JSON(http.StatusOK, room.Messages())
}

// PostMessage handles POST /api/rooms/:recording/messages. It injects an
// admin message into the room, as the back office would.
func (h *Handlers) PostMessage(c *gin.Context) {
	var req protocol.AdminMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(c, http.StatusBadRequest, "message required")
		return
	}
	sender := req.Sender
	if sender == "" {
		sender = string(protocol.KindAdmin)
	}

	room := h.Hub.GetOrCreateRoom(c.Param("recording"))
	f := room.AddMessage(protocol.Frame{
		Message:    req.Message,
		SenderType: sender,
	}, nil)
	c.JSON(http.StatusCreated, f)
}

// Kick handles POST /api/rooms/:recording/kick?code=&reason=. It drops every
// device attached to the room.
func (h *Handlers) Kick(c *gin.Context) {
	code := websocket.CloseGoingAway
	if v := c.Query("code"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1000 || n > 4999 {
			writeError(c, http.StatusBadRequest, "invalid code parameter")
			return
		}
		code = n
	}
	reason := c.DefaultQuery("reason", "kicked")

	kicked := 0
	if room := h.Hub.GetRoom(c.Param("recording")); room != nil {
		kicked = room.Kick(code, reason)
	}
	c.JSON(http.StatusOK, gin.H{"kicked": kicked})
}

// Deny handles POST /api/devices/:device/deny.
func (h *Handlers) Deny(c *gin.Context) {
	h.Hub.Deny(c.Param("device"))
	c.Status(http.StatusNoContent)
}

// Allow handles DELETE /api/devices/:device/deny.
func (h *Handlers) Allow(c *gin.Context) {
	h.Hub.Allow(c.Param("device"))
	c.Status(http.StatusNoContent)
}

// HandleWS handles WS /ws/chat/:device/:recording. Denied devices get a 403
// before the upgrade.
func (h *Handlers) HandleWS(c *gin.Context) {
	deviceID := c.Param("device")
	recording := c.Param("recording")
	if deviceID == "" || recording == "" {
		writeError(c, http.StatusBadRequest, "device and recording required")
		return
	}
	if h.Hub.Denied(deviceID) {
		h.Hub.log.Info().Str("device_id", deviceID).Msg("handshake refused")
		writeError(c, http.StatusForbidden, "device not allowed")
		return
	}
	ServeWS(h.Hub, c.Writer, c.Request, recording, deviceID)
}

func writeError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
