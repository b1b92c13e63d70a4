// Package voice tracks the voice participants held by this process.
package voice

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/throttle"
)

var (
	ErrRoomFull       = errors.New("voice room is full")
	ErrNotParticipant = errors.New("not a participant of the voice room")
)

// DefaultMaxParticipants is used when the manager is created with a cap below 1.
const DefaultMaxParticipants = 10

type Participant struct {
	UserID       string
	Username     string
	ConnectionID string
	IsMuted      bool
	IsDeafened   bool
	IsSpeaking   bool
	AudioLevel   float64
	JoinedAt     time.Time
	LastActivity time.Time
	// lastLevelBroadcast is the time of the last audio-level frame that passed
	// the throttle. It is separate from LastActivity, which every update bumps.
	lastLevelBroadcast time.Time
}

func (p *Participant) View() domain.VoiceParticipant {
	return domain.VoiceParticipant{
		UserID:     p.UserID,
		Username:   p.Username,
		IsMuted:    p.IsMuted,
		IsDeafened: p.IsDeafened,
		IsSpeaking: p.IsSpeaking,
		AudioLevel: p.AudioLevel,
		JoinedAt:   p.JoinedAt,
	}
}

// Room is one voice room. The room ID equals the video room ID.
type Room struct {
	ID              string
	MaxParticipants int
	IsActive        bool
	CreatedAt       time.Time

	mu           sync.Mutex
	participants map[string]*Participant // userID -> participant
}

func (r *Room) viewsLocked() []domain.VoiceParticipant {
	out := make([]domain.VoiceParticipant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p.View())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Manager owns the voice rooms of this process. Each room has its own lock;
// the manager lock only guards the room map.
type Manager struct {
	mu              sync.RWMutex
	rooms           map[string]*Room
	maxParticipants int
	levelGate       throttle.Gate
	now             func() time.Time
}

func NewManager(maxParticipants int, audioLevelInterval time.Duration) *Manager {
	if maxParticipants < 1 {
		maxParticipants = DefaultMaxParticipants
	}
	return &Manager{
		rooms:           make(map[string]*Room),
		maxParticipants: maxParticipants,
		levelGate:       throttle.Gate{Interval: audioLevelInterval},
		now:             time.Now,
	}
}

func (m *Manager) MaxParticipants() int {
	return m.maxParticipants
}

func (m *Manager) get(roomID string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[roomID]
}

// Join registers a participant with default state. A participant with the
// same user ID is replaced and its connection ID returned. Joining a full
// room fails with ErrRoomFull and changes nothing.
func (m *Manager) Join(roomID, userID, username, connectionID string) (domain.VoiceParticipant, string, error) {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok {
		room = &Room{
			ID:              roomID,
			MaxParticipants: m.maxParticipants,
			IsActive:        true,
			CreatedAt:       m.now(),
			participants:    make(map[string]*Participant),
		}
		m.rooms[roomID] = room
	}
	// Holding the manager lock while taking the room lock keeps a concurrent
	// eviction from removing the room between the two steps.
	room.mu.Lock()
	m.mu.Unlock()
	defer room.mu.Unlock()

	replaced := ""
	if existing, ok := room.participants[userID]; ok {
		replaced = existing.ConnectionID
	} else if len(room.participants) >= room.MaxParticipants {
		return domain.VoiceParticipant{}, "", ErrRoomFull
	}

	now := m.now()
	p := &Participant{
		UserID:       userID,
		Username:     username,
		ConnectionID: connectionID,
		JoinedAt:     now,
		LastActivity: now,
	}
	room.participants[userID] = p
	return p.View(), replaced, nil
}

// Leave removes the participant if it is still held by connectionID. The room
// is evicted once empty. It returns the removed participant and the number of
// participants left.
func (m *Manager) Leave(roomID, userID, connectionID string) (domain.VoiceParticipant, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return domain.VoiceParticipant{}, 0, ErrNotParticipant
	}
	room.mu.Lock()
	defer room.mu.Unlock()

	p, ok := room.participants[userID]
	if !ok || p.ConnectionID != connectionID {
		return domain.VoiceParticipant{}, len(room.participants), ErrNotParticipant
	}
	delete(room.participants, userID)
	remaining := len(room.participants)
	if remaining == 0 {
		room.IsActive = false
		delete(m.rooms, roomID)
	}
	return p.View(), remaining, nil
}

// update runs fn on a participant held by connectionID under the room lock.
func (m *Manager) update(roomID, userID, connectionID string, fn func(p *Participant)) (domain.VoiceParticipant, error) {
	room := m.get(roomID)
	if room == nil {
		return domain.VoiceParticipant{}, ErrNotParticipant
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	p, ok := room.participants[userID]
	if !ok || p.ConnectionID != connectionID {
		return domain.VoiceParticipant{}, ErrNotParticipant
	}
	fn(p)
	p.LastActivity = m.now()
	return p.View(), nil
}

func (m *Manager) SetMuted(roomID, userID, connectionID string, muted bool) (domain.VoiceParticipant, error) {
	return m.update(roomID, userID, connectionID, func(p *Participant) { p.IsMuted = muted })
}

// SetDeafened only changes the deafened flag; mute state is independent.
func (m *Manager) SetDeafened(roomID, userID, connectionID string, deafened bool) (domain.VoiceParticipant, error) {
	return m.update(roomID, userID, connectionID, func(p *Participant) { p.IsDeafened = deafened })
}

func (m *Manager) SetSpeaking(roomID, userID, connectionID string, speaking bool) (domain.VoiceParticipant, error) {
	return m.update(roomID, userID, connectionID, func(p *Participant) { p.IsSpeaking = speaking })
}

// ReportAudioLevel stores level and reports whether it should be broadcast:
// at most once per participant per audio-level interval.
func (m *Manager) ReportAudioLevel(roomID, userID, connectionID string, level float64) (bool, error) {
	broadcast := false
	_, err := m.update(roomID, userID, connectionID, func(p *Participant) {
		p.AudioLevel = level
		now := m.now()
		if m.levelGate.Pass(p.lastLevelBroadcast, now) {
			p.lastLevelBroadcast = now
			broadcast = true
		}
	})
	return broadcast, err
}

// CanJoin reports whether Join would currently admit userID: the user already
// holds a seat or the room has one free.
func (m *Manager) CanJoin(roomID, userID string) bool {
	room := m.get(roomID)
	if room == nil {
		return true
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if _, ok := room.participants[userID]; ok {
		return true
	}
	return len(room.participants) < room.MaxParticipants
}

// IsParticipant reports whether userID is in the voice room through connectionID.
func (m *Manager) IsParticipant(roomID, userID, connectionID string) bool {
	room := m.get(roomID)
	if room == nil {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	p, ok := room.participants[userID]
	return ok && p.ConnectionID == connectionID
}

// Get returns the participant held by connectionID.
func (m *Manager) Get(roomID, userID, connectionID string) (domain.VoiceParticipant, error) {
	room := m.get(roomID)
	if room == nil {
		return domain.VoiceParticipant{}, ErrNotParticipant
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	p, ok := room.participants[userID]
	if !ok || p.ConnectionID != connectionID {
		return domain.VoiceParticipant{}, ErrNotParticipant
	}
	return p.View(), nil
}

// ConnectionOf returns the local connection holding userID in the voice room.
func (m *Manager) ConnectionOf(roomID, userID string) (string, bool) {
	room := m.get(roomID)
	if room == nil {
		return "", false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	p, ok := room.participants[userID]
	if !ok {
		return "", false
	}
	return p.ConnectionID, true
}

func (m *Manager) Participants(roomID string) []domain.VoiceParticipant {
	room := m.get(roomID)
	if room == nil {
		return []domain.VoiceParticipant{}
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.viewsLocked()
}

func (m *Manager) Count(roomID string) int {
	room := m.get(roomID)
	if room == nil {
		return 0
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return len(room.participants)
}

// Rooms returns the IDs of active voice rooms.
func (m *Manager) Rooms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
