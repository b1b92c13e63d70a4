// Package presence is the cross-process view of who is in which room and
// voice room, plus the last committed playback snapshot of each room.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
)

// Cache is shared by every server process. Room presence holds one entry
// per connection, so a user with several tabs stays present until the last
// one leaves. The voice roster holds one entry per user that remembers the
// connection owning it; removal and heartbeats only act when the connection
// still matches, so a stale connection cannot remove the entry of a newer one.
type Cache interface {
	// AddMember records one connection of entry.UserID in entry.RoomID. It
	// reports whether this is the user's only live connection in the room.
	AddMember(ctx context.Context, entry domain.PresenceEntry) (bool, error)

	// RemoveMember removes the entry of connectionID. It reports whether the
	// user has no live connection left in the room.
	RemoveMember(ctx context.Context, roomID, userID, connectionID string) (bool, error)

	// Members returns one entry per user with a live connection: the earliest
	// joined one. Entries not seen within the TTL are pruned.
	Members(ctx context.Context, roomID string) ([]domain.PresenceEntry, error)

	// TouchMember refreshes lastSeen of the entry of connectionID.
	TouchMember(ctx context.Context, roomID, userID, connectionID string) error

	// SetPlayback stores the committed playback state of a room.
	SetPlayback(ctx context.Context, roomID string, state domain.PlaybackState) error

	// GetPlayback returns nil when no snapshot exists.
	GetPlayback(ctx context.Context, roomID string) (*domain.PlaybackState, error)

	DeletePlayback(ctx context.Context, roomID string) error

	// AddVoiceParticipant adds or replaces entry.UserID in the voice roster
	// unless the roster already holds max other participants. It reports
	// whether the participant was added.
	AddVoiceParticipant(ctx context.Context, roomID string, entry domain.VoiceRosterEntry, max int) (bool, error)

	// UpdateVoiceParticipant overwrites an existing roster entry owned by the
	// same connection; it is a no-op otherwise.
	UpdateVoiceParticipant(ctx context.Context, roomID string, entry domain.VoiceRosterEntry) error

	// RemoveVoiceParticipant removes the roster entry if it still belongs to
	// connectionID. It fails with ErrVoiceReplaced when another connection of
	// the user holds the entry, and reports false when there is no entry.
	RemoveVoiceParticipant(ctx context.Context, roomID, userID, connectionID string) (bool, error)

	VoiceParticipants(ctx context.Context, roomID string) ([]domain.VoiceRosterEntry, error)

	// TouchVoiceParticipant refreshes the roster entry owned by connectionID.
	TouchVoiceParticipant(ctx context.Context, roomID, userID, connectionID string) error

	Close() error
}

// ErrVoiceReplaced means a newer connection of the user took over the voice
// roster entry.
var ErrVoiceReplaced = errors.New("voice participant held by another connection")

// Config configures a Cache.
type Config struct {
	KeyPrefix string
	TTL       time.Duration
}

const (
	defaultKeyPrefix = "watch"
	defaultTTL       = 90 * time.Second
	// playbackTTL bounds snapshots of rooms whose last member never left cleanly.
	playbackTTL = 24 * time.Hour
)

// memberField keys one connection of a user in a room. The separator cannot
// appear in user IDs taken from tokens.
func memberField(userID, connectionID string) string {
	return userID + memberSep + connectionID
}

const memberSep = "\x00"

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	return c
}

// New returns the Cache for driver: "redis" (shared, default) or "memory"
// (single process).
func New(driver string, client *redis.Client, cfg Config) (Cache, error) {
	switch driver {
	case "redis", "":
		if client == nil {
			return nil, fmt.Errorf("redis presence cache requires a redis client")
		}
		return NewRedisCache(client, cfg), nil
	case "memory":
		return NewMemoryCache(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported presence driver: %s", driver)
	}
}
