package service

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/hub"
)

// RoomService handles room membership, playback, chat and playlist commands.
// A handler either replies and broadcasts itself or returns a *domain.Error
// for the caller to report to the requesting connection.
type RoomService interface {
	HandleJoinRoom(ctx context.Context, c *hub.Client, cmd domain.JoinRoomCommand) error
	HandleLeaveRoom(ctx context.Context, c *hub.Client, cmd domain.LeaveRoomCommand) error

	// HandlePlayback handles video_play, video_pause and video_seek.
	HandlePlayback(ctx context.Context, c *hub.Client, cmd domain.PlaybackCommand) error
	HandleVideoRate(ctx context.Context, c *hub.Client, cmd domain.VideoRateCommand) error
	HandleVideoChange(ctx context.Context, c *hub.Client, cmd domain.VideoChangeCommand) error

	HandleChatMessage(ctx context.Context, c *hub.Client, cmd domain.ChatMessageCommand) error
	HandleChatTyping(ctx context.Context, c *hub.Client, cmd domain.ChatTypingCommand) error
	HandleChatReaction(ctx context.Context, c *hub.Client, cmd domain.ChatReactionCommand) error

	HandlePlaylistAdd(ctx context.Context, c *hub.Client, cmd domain.PlaylistAddCommand) error
	HandlePlaylistRemove(ctx context.Context, c *hub.Client, cmd domain.PlaylistRemoveCommand) error
	HandlePlaylistReorder(ctx context.Context, c *hub.Client, cmd domain.PlaylistReorderCommand) error

	// RoomMembers returns the cross-process member list of a room.
	RoomMembers(ctx context.Context, roomID string) ([]domain.Member, error)

	// CheckRoomAccess fails with an authorization error when userID may not
	// see roomID.
	CheckRoomAccess(ctx context.Context, userID, roomID string) error
}

// VoiceService handles voice rooms and the signaling relay.
type VoiceService interface {
	HandleVoiceJoin(ctx context.Context, c *hub.Client, cmd domain.VoiceJoinCommand) error
	HandleVoiceLeave(ctx context.Context, c *hub.Client, cmd domain.VoiceLeaveCommand) error
	HandleVoiceMute(ctx context.Context, c *hub.Client, cmd domain.VoiceMuteCommand) error
	HandleVoiceDeafen(ctx context.Context, c *hub.Client, cmd domain.VoiceDeafenCommand) error
	HandleVoiceSpeaking(ctx context.Context, c *hub.Client, cmd domain.VoiceSpeakingCommand) error
	HandleVoiceAudioLevel(ctx context.Context, c *hub.Client, cmd domain.VoiceAudioLevelCommand) error

	// HandleSignal forwards voice_offer, voice_answer and voice_ice_candidate
	// payloads to the target participant.
	HandleSignal(ctx context.Context, c *hub.Client, cmd domain.SignalCommand) error

	// VoiceParticipants returns the cross-process roster of a voice room.
	VoiceParticipants(ctx context.Context, roomID string) []domain.VoiceParticipant

	ICEServers() []webrtc.ICEServer
}

// WatchService is the sync core behind the WebSocket endpoint.
type WatchService interface {
	RoomService
	VoiceService

	// HandleConnect registers an authenticated connection.
	HandleConnect(ctx context.Context, c *hub.Client)

	// HandleDisconnect runs the leave paths for the connection's room and
	// voice room and unregisters it.
	HandleDisconnect(ctx context.Context, c *hub.Client)

	// DisconnectAll runs HandleDisconnect for every local connection so other
	// processes see the departures before this one exits.
	DisconnectAll(ctx context.Context)

	// Start subscribes to the fanout bus and starts the presence heartbeat.
	Start(ctx context.Context) error

	// Stop stops background goroutines.
	Stop() error
}
