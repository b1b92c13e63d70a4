package domain

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"
)

// WebSocket message types from client.
const (
	MsgTypeJoinRoom          = "join_room"
	MsgTypeLeaveRoom         = "leave_room"
	MsgTypeVideoPlay         = "video_play"
	MsgTypeVideoPause        = "video_pause"
	MsgTypeVideoSeek         = "video_seek"
	MsgTypeVideoRate         = "video_rate"
	MsgTypeVideoChange       = "video_change"
	MsgTypeChatMessage       = "chat_message"
	MsgTypeChatTyping        = "chat_typing"
	MsgTypeChatReaction      = "chat_reaction"
	MsgTypePlaylistAdd       = "playlist_add"
	MsgTypePlaylistRemove    = "playlist_remove"
	MsgTypePlaylistReorder   = "playlist_reorder"
	MsgTypeVoiceJoin         = "voice_join"
	MsgTypeVoiceLeave        = "voice_leave"
	MsgTypeVoiceMute         = "voice_mute"
	MsgTypeVoiceDeafen       = "voice_deafen"
	MsgTypeVoiceSpeaking     = "voice_speaking"
	MsgTypeVoiceAudioLevel   = "voice_audio_level"
	MsgTypeVoiceOffer        = "voice_offer"
	MsgTypeVoiceAnswer       = "voice_answer"
	MsgTypeVoiceICECandidate = "voice_ice_candidate"
	MsgTypePing              = "ping"
)

// BaseMessage is the base structure for all WebSocket messages.
type BaseMessage struct {
	Type string `json:"type"`
}

// Command is an inbound client command. The set of implementations is closed;
// handlers switch over the concrete types.
type Command interface {
	CommandType() string
	validate() error
}

type JoinRoomCommand struct {
	RoomID string `json:"room_id"`
}

type LeaveRoomCommand struct {
	RoomID string `json:"room_id"`
}

// PlaybackCommand is video_play, video_pause or video_seek.
type PlaybackCommand struct {
	Type      string   `json:"type"`
	RoomID    string   `json:"room_id"`
	Timestamp *float64 `json:"timestamp"`
}

type VideoRateCommand struct {
	RoomID string   `json:"room_id"`
	Rate   *float64 `json:"rate"`
}

type VideoChangeCommand struct {
	RoomID  string `json:"room_id"`
	VideoID string `json:"video_id"`
}

type ChatMessageCommand struct {
	RoomID  string `json:"room_id"`
	Message string `json:"message"`
}

type ChatTypingCommand struct {
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

type ChatReactionCommand struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type PlaylistAddCommand struct {
	RoomID  string `json:"room_id"`
	VideoID string `json:"video_id"`
	Title   string `json:"title"`
}

type PlaylistRemoveCommand struct {
	RoomID string `json:"room_id"`
	ItemID string `json:"item_id"`
}

type PlaylistReorderCommand struct {
	RoomID  string   `json:"room_id"`
	ItemIDs []string `json:"item_ids"`
}

type VoiceJoinCommand struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
}

type VoiceLeaveCommand struct {
	RoomID string `json:"room_id,omitempty"`
}

type VoiceMuteCommand struct {
	Muted bool `json:"muted"`
}

type VoiceDeafenCommand struct {
	Deafened bool `json:"deafened"`
}

type VoiceSpeakingCommand struct {
	Speaking bool `json:"speaking"`
}

type VoiceAudioLevelCommand struct {
	Level *float64 `json:"level"`
}

// SignalCommand is voice_offer, voice_answer or voice_ice_candidate. Payload
// is forwarded to the target byte for byte.
type SignalCommand struct {
	Type         string          `json:"type"`
	RoomID       string          `json:"room_id"`
	TargetUserID string          `json:"target_user_id"`
	Payload      json.RawMessage `json:"payload"`
}

type PingCommand struct{}

func (JoinRoomCommand) CommandType() string        { return MsgTypeJoinRoom }
func (LeaveRoomCommand) CommandType() string       { return MsgTypeLeaveRoom }
func (c PlaybackCommand) CommandType() string      { return c.Type }
func (VideoRateCommand) CommandType() string       { return MsgTypeVideoRate }
func (VideoChangeCommand) CommandType() string     { return MsgTypeVideoChange }
func (ChatMessageCommand) CommandType() string     { return MsgTypeChatMessage }
func (ChatTypingCommand) CommandType() string      { return MsgTypeChatTyping }
func (ChatReactionCommand) CommandType() string    { return MsgTypeChatReaction }
func (PlaylistAddCommand) CommandType() string     { return MsgTypePlaylistAdd }
func (PlaylistRemoveCommand) CommandType() string  { return MsgTypePlaylistRemove }
func (PlaylistReorderCommand) CommandType() string { return MsgTypePlaylistReorder }
func (VoiceJoinCommand) CommandType() string       { return MsgTypeVoiceJoin }
func (VoiceLeaveCommand) CommandType() string      { return MsgTypeVoiceLeave }
func (VoiceMuteCommand) CommandType() string       { return MsgTypeVoiceMute }
func (VoiceDeafenCommand) CommandType() string     { return MsgTypeVoiceDeafen }
func (VoiceSpeakingCommand) CommandType() string   { return MsgTypeVoiceSpeaking }
func (VoiceAudioLevelCommand) CommandType() string { return MsgTypeVoiceAudioLevel }
func (c SignalCommand) CommandType() string        { return c.Type }
func (PingCommand) CommandType() string            { return MsgTypePing }

// idPattern bounds room and user IDs. They end up in bus channel names and
// cache keys, so glob metacharacters, ':' '/' and control bytes are excluded.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,128}$`)

// ValidID reports whether id may be used as a room or user ID.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

func requireRoom(roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return Validation("room_id is required")
	}
	if !ValidID(roomID) {
		return Validation("room_id contains unsupported characters")
	}
	return nil
}

func (c JoinRoomCommand) validate() error  { return requireRoom(c.RoomID) }
func (c LeaveRoomCommand) validate() error { return requireRoom(c.RoomID) }

// Value returns the validated timestamp.
func (c PlaybackCommand) Value() float64 {
	if c.Timestamp == nil {
		return 0
	}
	return *c.Timestamp
}

func (c PlaybackCommand) validate() error {
	if err := requireRoom(c.RoomID); err != nil {
		return err
	}
	if c.Timestamp == nil {
		return Validation("timestamp is required")
	}
	t := *c.Timestamp
	if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
		return Validation("timestamp must be a non-negative number")
	}
	return nil
}

func (c VideoRateCommand) validate() error {
	if err := requireRoom(c.RoomID); err != nil {
		return err
	}
	if c.Rate == nil {
		return Validation("rate is required")
	}
	if r := *c.Rate; math.IsNaN(r) || r < MinPlaybackRate || r > MaxPlaybackRate {
		return Validation("rate must be between %.2f and %.2f", MinPlaybackRate, MaxPlaybackRate)
	}
	return nil
}

func (c VideoChangeCommand) validate() error {
	if err := requireRoom(c.RoomID); err != nil {
		return err
	}
	if strings.TrimSpace(c.VideoID) == "" {
		return Validation("video_id is required")
	}
	return nil
}

func (c ChatMessageCommand) validate() error { return requireRoom(c.RoomID) }
func (c ChatTypingCommand) validate() error  { return requireRoom(c.RoomID) }

func (c ChatReactionCommand) validate() error {
	if err := requireRoom(c.RoomID); err != nil {
		return err
	}
	if c.MessageID == "" {
		return Validation("message_id is required")
	}
	if e := strings.TrimSpace(c.Emoji); e == "" || len(e) > 32 {
		return Validation("emoji must be 1-32 bytes")
	}
	return nil
}

func (c PlaylistAddCommand) validate() error {
	if err := requireRoom(c.RoomID); err != nil {
		return err
	}
	if c.VideoID == "" {
		return Validation("video_id is required")
	}
	return nil
}

func (c PlaylistRemoveCommand) validate() error {
	if err := requireRoom(c.RoomID); err != nil {
		return err
	}
	if c.ItemID == "" {
		return Validation("item_id is required")
	}
	return nil
}

func (c PlaylistReorderCommand) validate() error {
	if err := requireRoom(c.RoomID); err != nil {
		return err
	}
	if len(c.ItemIDs) == 0 {
		return Validation("item_ids is required")
	}
	seen := make(map[string]struct{}, len(c.ItemIDs))
	for _, id := range c.ItemIDs {
		if id == "" {
			return Validation("item_ids must not contain empty ids")
		}
		if _, dup := seen[id]; dup {
			return Validation("item_ids contains duplicate %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (c VoiceJoinCommand) validate() error   { return requireRoom(c.RoomID) }
func (VoiceLeaveCommand) validate() error    { return nil }
func (VoiceMuteCommand) validate() error     { return nil }
func (VoiceDeafenCommand) validate() error   { return nil }
func (VoiceSpeakingCommand) validate() error { return nil }

// Value returns the validated audio level.
func (c VoiceAudioLevelCommand) Value() float64 {
	if c.Level == nil {
		return 0
	}
	return *c.Level
}

func (c VoiceAudioLevelCommand) validate() error {
	if c.Level == nil {
		return Validation("level is required")
	}
	if l := *c.Level; math.IsNaN(l) || l < 0 || l > 1 {
		return Validation("level must be between 0 and 1")
	}
	return nil
}

func (c SignalCommand) validate() error {
	if err := requireRoom(c.RoomID); err != nil {
		return err
	}
	if c.TargetUserID == "" {
		return Validation("target_user_id is required")
	}
	if !ValidID(c.TargetUserID) {
		return Validation("target_user_id contains unsupported characters")
	}
	if len(c.Payload) == 0 || string(c.Payload) == "null" {
		return Validation("payload is required")
	}
	return nil
}

func (PingCommand) validate() error { return nil }

// DecodeCommand parses and validates one inbound frame. The returned error is
// always a *Error of kind ErrValidation.
func DecodeCommand(data []byte) (Command, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, Validation("invalid message format")
	}

	var cmd Command
	switch base.Type {
	case MsgTypeJoinRoom:
		cmd = decodeInto[JoinRoomCommand](data)
	case MsgTypeLeaveRoom:
		cmd = decodeInto[LeaveRoomCommand](data)
	case MsgTypeVideoPlay, MsgTypeVideoPause, MsgTypeVideoSeek:
		cmd = decodeInto[PlaybackCommand](data)
	case MsgTypeVideoRate:
		cmd = decodeInto[VideoRateCommand](data)
	case MsgTypeVideoChange:
		cmd = decodeInto[VideoChangeCommand](data)
	case MsgTypeChatMessage:
		cmd = decodeInto[ChatMessageCommand](data)
	case MsgTypeChatTyping:
		cmd = decodeInto[ChatTypingCommand](data)
	case MsgTypeChatReaction:
		cmd = decodeInto[ChatReactionCommand](data)
	case MsgTypePlaylistAdd:
		cmd = decodeInto[PlaylistAddCommand](data)
	case MsgTypePlaylistRemove:
		cmd = decodeInto[PlaylistRemoveCommand](data)
	case MsgTypePlaylistReorder:
		cmd = decodeInto[PlaylistReorderCommand](data)
	case MsgTypeVoiceJoin:
		cmd = decodeInto[VoiceJoinCommand](data)
	case MsgTypeVoiceLeave:
		cmd = decodeInto[VoiceLeaveCommand](data)
	case MsgTypeVoiceMute:
		cmd = decodeInto[VoiceMuteCommand](data)
	case MsgTypeVoiceDeafen:
		cmd = decodeInto[VoiceDeafenCommand](data)
	case MsgTypeVoiceSpeaking:
		cmd = decodeInto[VoiceSpeakingCommand](data)
	case MsgTypeVoiceAudioLevel:
		cmd = decodeInto[VoiceAudioLevelCommand](data)
	case MsgTypeVoiceOffer, MsgTypeVoiceAnswer, MsgTypeVoiceICECandidate:
		cmd = decodeInto[SignalCommand](data)
	case MsgTypePing:
		cmd = PingCommand{}
	case "":
		return nil, Validation("message type is required")
	default:
		return nil, Validation("unknown message type: %s", base.Type)
	}

	if cmd == nil {
		return nil, Validation("invalid %s payload", base.Type)
	}
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func decodeInto[T Command](data []byte) Command {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return v
}
