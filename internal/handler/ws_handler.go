package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/audit"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/auth"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/config"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/hub"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/service"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/throttle"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/log"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/response"
)

// WSHandler handles WebSocket connections.
type WSHandler struct {
	service  service.WatchService
	auth     auth.Authenticator
	wsCfg    config.WebSocketConfig
	limiter  *throttle.Window
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(svc service.WatchService, authenticator auth.Authenticator, wsCfg config.WebSocketConfig) *WSHandler {
	h := &WSHandler{
		service: svc,
		auth:    authenticator,
		wsCfg:   wsCfg,
		limiter: throttle.NewWindow(wsCfg.CommandsPerSecond, time.Second),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts every origin when none is configured.
func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if len(h.wsCfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.wsCfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket authenticates the request, upgrades it and serves the
// connection until it closes.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	r := c.Request
	l := log.Ctx(r.Context())

	identity, err := h.auth.Authenticate(auth.TokenFromRequest(r))
	if err != nil {
		audit.Log(r.Context(), audit.ActionAuthFailed, "", err.Error())
		response.Unauthorized(c, "invalid or missing access token")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, r, nil)
	if err != nil {
		l.Warn().Err(err).Str(log.FieldUserID, identity.UserID).Msg("websocket upgrade failed")
		return
	}

	clientID := uuid.New().String()
	client := hub.NewClient(clientID, conn, domain.NewSession(clientID, identity), h.wsCfg)

	// The request context ends with this handler; the connection context
	// keeps its logger but not its cancellation.
	ctx := log.WithConnection(context.WithoutCancel(r.Context()), clientID, identity.UserID)
	h.service.HandleConnect(ctx, client)

	go client.WritePump()
	client.ReadPump(func(cl *hub.Client, message []byte) {
		h.handleMessage(ctx, cl, message)
	})

	h.service.HandleDisconnect(ctx, client)
	h.limiter.Forget(clientID)
}

// handleMessage runs one inbound frame and reports its failure to the sender.
func (h *WSHandler) handleMessage(ctx context.Context, client *hub.Client, message []byte) {
	command := ""
	defer func() {
		if r := recover(); r != nil {
			l := log.Ctx(ctx)
			l.Error().Interface("panic", r).Str(log.FieldCommand, command).Msg("command handler panicked")
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeInternalError, "internal error", command))
		}
	}()

	if !h.limiter.Allow(client.ID) {
		h.reportError(ctx, client, "", domain.RateLimited())
		return
	}

	cmd, err := domain.DecodeCommand(message)
	if err != nil {
		h.reportError(ctx, client, "", err)
		return
	}
	command = cmd.CommandType()

	if err := h.dispatch(ctx, client, cmd); err != nil {
		h.reportError(ctx, client, command, err)
	}
}

func (h *WSHandler) dispatch(ctx context.Context, client *hub.Client, cmd domain.Command) error {
	switch cmd := cmd.(type) {
	case domain.JoinRoomCommand:
		return h.service.HandleJoinRoom(ctx, client, cmd)
	case domain.LeaveRoomCommand:
		return h.service.HandleLeaveRoom(ctx, client, cmd)
	case domain.PlaybackCommand:
		return h.service.HandlePlayback(ctx, client, cmd)
	case domain.VideoRateCommand:
		return h.service.HandleVideoRate(ctx, client, cmd)
	case domain.VideoChangeCommand:
		return h.service.HandleVideoChange(ctx, client, cmd)
	case domain.ChatMessageCommand:
		return h.service.HandleChatMessage(ctx, client, cmd)
	case domain.ChatTypingCommand:
		return h.service.HandleChatTyping(ctx, client, cmd)
	case domain.ChatReactionCommand:
		return h.service.HandleChatReaction(ctx, client, cmd)
	case domain.PlaylistAddCommand:
		return h.service.HandlePlaylistAdd(ctx, client, cmd)
	case domain.PlaylistRemoveCommand:
		return h.service.HandlePlaylistRemove(ctx, client, cmd)
	case domain.PlaylistReorderCommand:
		return h.service.HandlePlaylistReorder(ctx, client, cmd)
	case domain.VoiceJoinCommand:
		return h.service.HandleVoiceJoin(ctx, client, cmd)
	case domain.VoiceLeaveCommand:
		return h.service.HandleVoiceLeave(ctx, client, cmd)
	case domain.VoiceMuteCommand:
		return h.service.HandleVoiceMute(ctx, client, cmd)
	case domain.VoiceDeafenCommand:
		return h.service.HandleVoiceDeafen(ctx, client, cmd)
	case domain.VoiceSpeakingCommand:
		return h.service.HandleVoiceSpeaking(ctx, client, cmd)
	case domain.VoiceAudioLevelCommand:
		return h.service.HandleVoiceAudioLevel(ctx, client, cmd)
	case domain.SignalCommand:
		return h.service.HandleSignal(ctx, client, cmd)
	case domain.PingCommand:
		return client.SendMessage(&domain.PongMessage{Type: domain.MsgTypePong})
	default:
		return fmt.Errorf("unhandled command %T", cmd)
	}
}

func (h *WSHandler) reportError(ctx context.Context, client *hub.Client, command string, err error) {
	e := domain.AsError(err)
	l := log.Ctx(ctx)
	if errors.Is(e, domain.ErrTransient) {
		l.Error().Err(err).Str(log.FieldCommand, command).Msg("command failed")
	} else {
		l.Debug().Err(err).Str(log.FieldCommand, command).Msg("command rejected")
	}
	client.SendMessage(domain.NewErrorMessage(e.Code, e.Message, command))
}
