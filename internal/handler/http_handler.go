package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/hub"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/service"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/log"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/middleware"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/response"
)

// HTTPHandler serves the REST snapshots of the realtime state.
type HTTPHandler struct {
	service    service.WatchService
	hub        *hub.Hub
	instanceID string
	version    string
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(svc service.WatchService, h *hub.Hub, instanceID, version string) *HTTPHandler {
	return &HTTPHandler{
		service:    svc,
		hub:        h,
		instanceID: instanceID,
		version:    version,
	}
}

// RegisterRoutes registers the REST and WebSocket routes. The WebSocket route
// authenticates on its own because browsers pass the token as a query parameter.
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine, ws *WSHandler, authMiddleware *middleware.AuthMiddleware) {
	r.GET("/health", h.Health)
	r.GET("/ws", ws.HandleWebSocket)

	api := r.Group("/api/v1")
	api.Use(authMiddleware.RequireAuth())
	{
		api.GET("/rooms/:id/presence", h.RoomPresence)
		api.GET("/rooms/:id/voice", h.VoiceParticipants)
		api.GET("/ice-servers", h.ICEServers)
	}
}

// Health reports liveness and the number of local connections.
func (h *HTTPHandler) Health(c *gin.Context) {
	response.Success(c, gin.H{
		"status":      "ok",
		"service":     "watchparty-service",
		"version":     h.version,
		"instance_id": h.instanceID,
		"connections": h.hub.ClientCount(),
	})
}

// authorizeRoom answers 403 or 503 and reports false when the caller may not
// read the room.
func (h *HTTPHandler) authorizeRoom(c *gin.Context, roomID string) bool {
	err := h.service.CheckRoomAccess(c.Request.Context(), middleware.GetUserID(c), roomID)
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, domain.ErrValidation):
		response.Error(c, http.StatusBadRequest, domain.ErrCodeBadRequest, err.Error())
		return false
	case errors.Is(err, domain.ErrAuthorization):
		response.Forbidden(c, "access to room denied")
		return false
	}
	l := log.Ctx(c.Request.Context())
	l.Error().Err(err).
		Str(log.FieldRoomID, roomID).
		Str(log.FieldUserID, middleware.GetUserID(c)).
		Msg("failed to check room access")
	response.ServiceUnavailable(c, "room access check is unavailable")
	return false
}

// RoomPresence handles GET /api/v1/rooms/:id/presence
func (h *HTTPHandler) RoomPresence(c *gin.Context) {
	roomID := c.Param("id")
	if !h.authorizeRoom(c, roomID) {
		return
	}
	members, err := h.service.RoomMembers(c.Request.Context(), roomID)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).
			Str(log.FieldRoomID, roomID).
			Str(log.FieldUserID, middleware.GetUserID(c)).
			Msg("failed to read presence")
		response.ServiceUnavailable(c, "presence is unavailable")
		return
	}
	response.Success(c, gin.H{
		"room_id": roomID,
		"members": members,
		"count":   len(members),
	})
}

// VoiceParticipants handles GET /api/v1/rooms/:id/voice
func (h *HTTPHandler) VoiceParticipants(c *gin.Context) {
	roomID := c.Param("id")
	if !h.authorizeRoom(c, roomID) {
		return
	}
	participants := h.service.VoiceParticipants(c.Request.Context(), roomID)
	response.Success(c, gin.H{
		"room_id":      roomID,
		"participants": participants,
		"count":        len(participants),
	})
}

func (h *HTTPHandler) ICEServers(c *gin.Context) {
	response.Success(c, gin.H{"ice_servers": h.service.ICEServers()})
}
