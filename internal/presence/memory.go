package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
)

type memoryEntry[T any] struct {
	value        T
	connectionID string
	lastSeen     time.Time
}

type roster[T any] map[string]*memoryEntry[T]

func (r roster[T]) prune(cutoff time.Time) {
	for key, e := range r {
		if e.lastSeen.Before(cutoff) {
			delete(r, key)
		}
	}
}

// MemoryCache implements Cache inside one process. It backs single-node
// deployments and tests.
type MemoryCache struct {
	mu       sync.Mutex
	cfg      Config
	now      func() time.Time
	members  map[string]roster[domain.PresenceEntry]
	voice    map[string]roster[domain.VoiceRosterEntry]
	playback map[string]domain.PlaybackState
}

func NewMemoryCache(cfg Config) *MemoryCache {
	return &MemoryCache{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		members:  make(map[string]roster[domain.PresenceEntry]),
		voice:    make(map[string]roster[domain.VoiceRosterEntry]),
		playback: make(map[string]domain.PlaybackState),
	}
}

func (c *MemoryCache) cutoff() time.Time {
	return c.now().Add(-c.cfg.TTL)
}

func (c *MemoryCache) AddMember(_ context.Context, entry domain.PresenceEntry) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.members[entry.RoomID]
	if r == nil {
		r = make(roster[domain.PresenceEntry])
		c.members[entry.RoomID] = r
	}
	r.prune(c.cutoff())
	field := memberField(entry.UserID, entry.ConnectionID)
	delete(r, field)
	first := !userPresent(r, entry.UserID)

	now := c.now()
	if entry.LastSeen.IsZero() {
		entry.LastSeen = now
	}
	r[field] = &memoryEntry[domain.PresenceEntry]{value: entry, connectionID: entry.ConnectionID, lastSeen: now}
	return first, nil
}

func (c *MemoryCache) RemoveMember(_ context.Context, roomID, userID, connectionID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.members[roomID]
	if r == nil {
		return true, nil
	}
	r.prune(c.cutoff())
	delete(r, memberField(userID, connectionID))
	if len(r) == 0 {
		delete(c.members, roomID)
	}
	return !userPresent(r, userID), nil
}

func (c *MemoryCache) Members(_ context.Context, roomID string) ([]domain.PresenceEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.members[roomID]
	if r == nil {
		return []domain.PresenceEntry{}, nil
	}
	r.prune(c.cutoff())
	out := make([]domain.PresenceEntry, 0, len(r))
	for _, e := range r {
		v := e.value
		v.LastSeen = e.lastSeen
		out = append(out, v)
	}
	if len(r) == 0 {
		delete(c.members, roomID)
	}
	return distinctUsers(out), nil
}

func (c *MemoryCache) TouchMember(_ context.Context, roomID, userID, connectionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.members[roomID][memberField(userID, connectionID)]; ok {
		e.lastSeen = c.now()
	}
	return nil
}

func (c *MemoryCache) SetPlayback(_ context.Context, roomID string, state domain.PlaybackState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playback[roomID] = state
	return nil
}

func (c *MemoryCache) GetPlayback(_ context.Context, roomID string) (*domain.PlaybackState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.playback[roomID]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (c *MemoryCache) DeletePlayback(_ context.Context, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.playback, roomID)
	return nil
}

func (c *MemoryCache) AddVoiceParticipant(_ context.Context, roomID string, entry domain.VoiceRosterEntry, max int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.voice[roomID]
	if r == nil {
		r = make(roster[domain.VoiceRosterEntry])
		c.voice[roomID] = r
	}
	r.prune(c.cutoff())
	if _, exists := r[entry.UserID]; !exists && max > 0 && len(r) >= max {
		return false, nil
	}
	r[entry.UserID] = &memoryEntry[domain.VoiceRosterEntry]{value: entry, connectionID: entry.ConnectionID, lastSeen: c.now()}
	return true, nil
}

func (c *MemoryCache) UpdateVoiceParticipant(_ context.Context, roomID string, entry domain.VoiceRosterEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.voice[roomID][entry.UserID]; ok && e.connectionID == entry.ConnectionID {
		e.value = entry
	}
	return nil
}

func (c *MemoryCache) RemoveVoiceParticipant(_ context.Context, roomID, userID, connectionID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return removeOwned(c.voice, roomID, userID, connectionID)
}

func (c *MemoryCache) VoiceParticipants(_ context.Context, roomID string) ([]domain.VoiceRosterEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.voice[roomID]
	if r == nil {
		return []domain.VoiceRosterEntry{}, nil
	}
	r.prune(c.cutoff())
	out := make([]domain.VoiceRosterEntry, 0, len(r))
	for _, e := range r {
		out = append(out, e.value)
	}
	sortRoster(out)
	return out, nil
}

func (c *MemoryCache) TouchVoiceParticipant(_ context.Context, roomID, userID, connectionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.voice[roomID][userID]; ok && e.connectionID == connectionID {
		e.lastSeen = c.now()
	}
	return nil
}

func (c *MemoryCache) Close() error {
	return nil
}

func removeOwned[T any](rooms map[string]roster[T], roomID, userID, connectionID string) (bool, error) {
	r := rooms[roomID]
	e, ok := r[userID]
	if !ok {
		return false, nil
	}
	if e.connectionID != connectionID {
		return false, ErrVoiceReplaced
	}
	delete(r, userID)
	if len(r) == 0 {
		delete(rooms, roomID)
	}
	return true, nil
}

func userPresent(r roster[domain.PresenceEntry], userID string) bool {
	for _, e := range r {
		if e.value.UserID == userID {
			return true
		}
	}
	return false
}

// distinctUsers folds per-connection entries into one per user, keeping the
// earliest join and the latest heartbeat.
func distinctUsers(entries []domain.PresenceEntry) []domain.PresenceEntry {
	byUser := make(map[string]int, len(entries))
	out := make([]domain.PresenceEntry, 0, len(entries))
	for _, e := range entries {
		i, ok := byUser[e.UserID]
		if !ok {
			byUser[e.UserID] = len(out)
			out = append(out, e)
			continue
		}
		lastSeen := out[i].LastSeen
		if e.LastSeen.After(lastSeen) {
			lastSeen = e.LastSeen
		}
		if e.JoinedAt.Before(out[i].JoinedAt) {
			out[i] = e
		}
		out[i].LastSeen = lastSeen
	}
	sortEntries(out)
	return out
}

func sortEntries(entries []domain.PresenceEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
}

func sortRoster(entries []domain.VoiceRosterEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
}
