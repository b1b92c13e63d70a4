package domain

import "time"

// PresenceEntry records that a user is in a room through one connection.
// Entries are shared between processes through the presence cache.
type PresenceEntry struct {
	RoomID       string    `json:"room_id"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	ConnectionID string    `json:"connection_id"`
	InstanceID   string    `json:"instance_id"`
	JoinedAt     time.Time `json:"joined_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Member is the client view of a room member.
type Member struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}

func (e PresenceEntry) Member() Member {
	return Member{UserID: e.UserID, Username: e.Username, JoinedAt: e.JoinedAt}
}

// VoiceRosterEntry is the cross-process summary of a voice participant.
type VoiceRosterEntry struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	ConnectionID string    `json:"connection_id"`
	InstanceID   string    `json:"instance_id"`
	IsMuted      bool      `json:"is_muted"`
	IsDeafened   bool      `json:"is_deafened"`
	JoinedAt     time.Time `json:"joined_at"`
}

// VoiceParticipant is the client view of a voice participant.
type VoiceParticipant struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	IsMuted    bool      `json:"is_muted"`
	IsDeafened bool      `json:"is_deafened"`
	IsSpeaking bool      `json:"is_speaking"`
	AudioLevel float64   `json:"audio_level"`
	JoinedAt   time.Time `json:"joined_at"`
}

// Room is the durable room record the sync core reads.
type Room struct {
	ID             string `json:"id"`
	OwnerID        string `json:"owner_id"`
	Title          string `json:"title"`
	IsPrivate      bool   `json:"is_private"`
	Status         string `json:"status"`
	CurrentVideoID string `json:"current_video_id,omitempty"`
}

const (
	RoomStatusActive = "active"
	RoomStatusClosed = "closed"
)

type Video struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	StorageKey      string `json:"storage_key"`
	DurationSeconds int    `json:"duration_seconds"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type PlaylistItem struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	VideoID   string    `json:"video_id"`
	Title     string    `json:"title"`
	Position  int       `json:"position"`
	AddedBy   string    `json:"added_by"`
	CreatedAt time.Time `json:"created_at"`
}
