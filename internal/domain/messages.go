package domain

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// WebSocket message types to client. Forwarded signaling frames reuse the
// inbound voice_offer, voice_answer and voice_ice_candidate types, and
// chat_message is reused for broadcast chat.
const (
	MsgTypeRoomJoined                 = "room_joined"
	MsgTypeRoomLeft                   = "room_left"
	MsgTypeMemberJoined               = "member_joined"
	MsgTypeMemberLeft                 = "member_left"
	MsgTypeVideoState                 = "video_state"
	MsgTypeChatMessageSent            = "chat_message_sent"
	MsgTypePlaylistUpdated            = "playlist_updated"
	MsgTypeVoiceParticipants          = "voice_participants"
	MsgTypeVoiceLeft                  = "voice_left"
	MsgTypeVoiceParticipantJoined     = "voice_participant_joined"
	MsgTypeVoiceParticipantLeft       = "voice_participant_left"
	MsgTypeVoiceParticipantMuted      = "voice_participant_muted"
	MsgTypeVoiceParticipantDeafened   = "voice_participant_deafened"
	MsgTypeVoiceParticipantSpeaking   = "voice_participant_speaking"
	MsgTypeVoiceParticipantAudioLevel = "voice_participant_audio_level"
	MsgTypeError                      = "error"
	MsgTypePong                       = "pong"
)

// Playback, reaction and playlist actions.
const (
	PlaybackActionPlay   = "play"
	PlaybackActionPause  = "pause"
	PlaybackActionSeek   = "seek"
	PlaybackActionRate   = "rate"
	PlaybackActionChange = "change"

	ReactionAdded   = "added"
	ReactionRemoved = "removed"

	PlaylistActionAdded     = "added"
	PlaylistActionRemoved   = "removed"
	PlaylistActionReordered = "reordered"
)

type RoomJoinedMessage struct {
	Type     string        `json:"type"`
	Room     *Room         `json:"room,omitempty"`
	RoomID   string        `json:"room_id"`
	Playback PlaybackState `json:"playback"`
	Members  []Member      `json:"members"`
}

type RoomLeftMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// MemberEventMessage is member_joined or member_left.
type MemberEventMessage struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type VideoStateMessage struct {
	Type     string        `json:"type"`
	RoomID   string        `json:"room_id"`
	Action   string        `json:"action"`
	Playback PlaybackState `json:"playback"`
}

type ChatMessageOut struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

type ChatTypingMessage struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

type ChatReactionMessage struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Emoji     string `json:"emoji"`
	Action    string `json:"action"`
}

type PlaylistUpdatedMessage struct {
	Type    string        `json:"type"`
	RoomID  string        `json:"room_id"`
	Action  string        `json:"action"`
	Item    *PlaylistItem `json:"item,omitempty"`
	ItemID  string        `json:"item_id,omitempty"`
	ItemIDs []string      `json:"item_ids,omitempty"`
	UserID  string        `json:"user_id"`
}

type VoiceParticipantsMessage struct {
	Type         string             `json:"type"`
	RoomID       string             `json:"room_id"`
	Participants []VoiceParticipant `json:"participants"`
	ICEServers   []webrtc.ICEServer `json:"ice_servers"`
}

type VoiceLeftMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// VoiceParticipantMessage is voice_participant_joined or voice_participant_left.
type VoiceParticipantMessage struct {
	Type        string           `json:"type"`
	RoomID      string           `json:"room_id"`
	Participant VoiceParticipant `json:"participant"`
}

// VoiceStateMessage is voice_participant_muted, _deafened or _speaking.
type VoiceStateMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Value  bool   `json:"value"`
}

type VoiceAudioLevelMessage struct {
	Type   string  `json:"type"`
	RoomID string  `json:"room_id"`
	UserID string  `json:"user_id"`
	Level  float64 `json:"level"`
}

// SignalMessage is a forwarded offer, answer or ICE candidate.
type SignalMessage struct {
	Type         string          `json:"type"`
	RoomID       string          `json:"room_id"`
	FromUserID   string          `json:"from_user_id"`
	FromUsername string          `json:"from_username"`
	TargetUserID string          `json:"target_user_id"`
	Payload      json.RawMessage `json:"payload"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Command string `json:"command,omitempty"`
}

func NewErrorMessage(code, message, command string) *ErrorMessage {
	return &ErrorMessage{
		Type:    MsgTypeError,
		Code:    code,
		Message: message,
		Command: command,
	}
}

type PongMessage struct {
	Type string `json:"type"`
}
