package repository

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
)

var (
	ErrRoomNotFound         = errors.New("room not found")
	ErrVideoNotFound        = errors.New("video not found")
	ErrMessageNotFound      = errors.New("chat message not found")
	ErrPlaylistItemNotFound = errors.New("playlist item not found")
	// ErrPlaylistMismatch is returned when a reorder does not name exactly the
	// items currently in the playlist.
	ErrPlaylistMismatch = errors.New("item ids do not match the playlist")
)

// Authorizer decides whether a user may join a room.
type Authorizer interface {
	// CanAccess returns ErrRoomNotFound for unknown rooms.
	CanAccess(ctx context.Context, roomID, userID string) (bool, error)
}

// RoomRepository defines the interface for room data persistence.
type RoomRepository interface {
	Authorizer
	GetByID(ctx context.Context, id string) (*domain.Room, error)
	SetCurrentVideo(ctx context.Context, roomID, videoID string) error
}

type VideoRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Video, error)
}

// ChatRepository persists chat messages and reactions.
type ChatRepository interface {
	// SaveMessage assigns the message ID and creation time.
	SaveMessage(ctx context.Context, msg *domain.ChatMessage) error

	// ToggleReaction adds the reaction when absent and removes it when
	// present. It reports whether the reaction was added.
	ToggleReaction(ctx context.Context, roomID, messageID, userID, emoji string) (bool, error)
}

type PlaylistRepository interface {
	// Add appends an item to the end of the room's playlist, assigning ID and position.
	Add(ctx context.Context, item *domain.PlaylistItem) error
	Remove(ctx context.Context, roomID, itemID string) error
	// Reorder sets positions from the complete ordered list of item IDs.
	Reorder(ctx context.Context, roomID string, itemIDs []string) ([]domain.PlaylistItem, error)
	List(ctx context.Context, roomID string) ([]domain.PlaylistItem, error)
}

// NewMessageID returns a ULID for a chat message.
func NewMessageID(now time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate ULID: %w", err)
	}
	return id.String(), nil
}
