package domain

import (
	"time"

	"gorm.io/gorm"
)

// RoomModel is the GORM model for rooms table.
type RoomModel struct {
	ID             string         `gorm:"type:varchar(36);primaryKey"`
	OwnerID        string         `gorm:"type:varchar(36);index;not null"`
	Title          string         `gorm:"type:varchar(200);not null"`
	IsPrivate      bool           `gorm:"not null;default:false"`
	Status         string         `gorm:"type:varchar(20);index;not null;default:'active'"`
	CurrentVideoID string         `gorm:"type:varchar(36)"`
	CreatedAt      time.Time      `gorm:"autoCreateTime"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime"`
	DeletedAt      gorm.DeletedAt `gorm:"index"`
}

func (RoomModel) TableName() string {
	return "rooms"
}

func (m *RoomModel) ToDomain() *Room {
	return &Room{
		ID:             m.ID,
		OwnerID:        m.OwnerID,
		Title:          m.Title,
		IsPrivate:      m.IsPrivate,
		Status:         m.Status,
		CurrentVideoID: m.CurrentVideoID,
	}
}

// RoomMemberModel grants a user access to a private room.
type RoomMemberModel struct {
	RoomID    string    `gorm:"type:varchar(36);primaryKey"`
	UserID    string    `gorm:"type:varchar(36);primaryKey"`
	Role      string    `gorm:"type:varchar(20);not null;default:'member'"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (RoomMemberModel) TableName() string {
	return "room_members"
}

type VideoModel struct {
	ID              string    `gorm:"type:varchar(36);primaryKey"`
	Title           string    `gorm:"type:varchar(200);not null"`
	StorageKey      string    `gorm:"type:varchar(512);not null"`
	DurationSeconds int       `gorm:"default:0"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

func (VideoModel) TableName() string {
	return "videos"
}

func (m *VideoModel) ToDomain() *Video {
	return &Video{
		ID:              m.ID,
		Title:           m.Title,
		StorageKey:      m.StorageKey,
		DurationSeconds: m.DurationSeconds,
	}
}

// ChatMessageModel IDs are ULIDs, so ordering by ID is ordering by time.
type ChatMessageModel struct {
	ID        string    `gorm:"type:varchar(26);primaryKey"`
	RoomID    string    `gorm:"type:varchar(36);index;not null"`
	UserID    string    `gorm:"type:varchar(36);not null"`
	Username  string    `gorm:"type:varchar(50);not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (ChatMessageModel) TableName() string {
	return "chat_messages"
}

func (m *ChatMessageModel) ToDomain() *ChatMessage {
	return &ChatMessage{
		ID:        m.ID,
		RoomID:    m.RoomID,
		UserID:    m.UserID,
		Username:  m.Username,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

type ChatReactionModel struct {
	ID        uint      `gorm:"primaryKey"`
	MessageID string    `gorm:"type:varchar(26);not null;uniqueIndex:idx_reaction_unique"`
	UserID    string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_reaction_unique"`
	Emoji     string    `gorm:"type:varchar(32);not null;uniqueIndex:idx_reaction_unique"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (ChatReactionModel) TableName() string {
	return "chat_reactions"
}

type PlaylistItemModel struct {
	ID        string    `gorm:"type:varchar(36);primaryKey"`
	RoomID    string    `gorm:"type:varchar(36);index;not null"`
	VideoID   string    `gorm:"type:varchar(36);not null"`
	Title     string    `gorm:"type:varchar(200)"`
	Position  int       `gorm:"not null"`
	AddedBy   string    `gorm:"type:varchar(36);not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (PlaylistItemModel) TableName() string {
	return "playlist_items"
}

func (m *PlaylistItemModel) ToDomain() *PlaylistItem {
	return &PlaylistItem{
		ID:        m.ID,
		RoomID:    m.RoomID,
		VideoID:   m.VideoID,
		Title:     m.Title,
		Position:  m.Position,
		AddedBy:   m.AddedBy,
		CreatedAt: m.CreatedAt,
	}
}

// Models lists every table for auto-migration.
func Models() []interface{} {
	return []interface{}{
		&RoomModel{},
		&RoomMemberModel{},
		&VideoModel{},
		&ChatMessageModel{},
		&ChatReactionModel{},
		&PlaylistItemModel{},
	}
}
