package domain

import (
	"sync"
	"time"
)

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID   string
	Username string
	Roles    []string
}

// Session tracks which video room and voice room a connection is attached to.
// A connection is in at most one of each.
type Session struct {
	ID            string
	UserID        string
	Username      string
	Roles         []string
	CurrentRoomID string
	VoiceRoomID   string
	CreatedAt     time.Time
	LastActiveAt  time.Time
	mu            sync.RWMutex
}

func NewSession(id string, identity Identity) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		UserID:       identity.UserID,
		Username:     identity.Username,
		Roles:        identity.Roles,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

func (s *Session) JoinRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentRoomID = roomID
	s.LastActiveAt = time.Now()
}

// LeaveRoom detaches the session from roomID. It reports false when the
// session was not attached to roomID.
func (s *Session) LeaveRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CurrentRoomID != roomID || roomID == "" {
		return false
	}
	s.CurrentRoomID = ""
	s.LastActiveAt = time.Now()
	return true
}

func (s *Session) GetCurrentRoom() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.CurrentRoomID
}

func (s *Session) JoinVoice(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.VoiceRoomID = roomID
	s.LastActiveAt = time.Now()
}

// LeaveVoice detaches the session from the voice room roomID.
func (s *Session) LeaveVoice(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.VoiceRoomID != roomID || roomID == "" {
		return false
	}
	s.VoiceRoomID = ""
	s.LastActiveAt = time.Now()
	return true
}

func (s *Session) GetVoiceRoom() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.VoiceRoomID
}

func (s *Session) GetUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.UserID
}

func (s *Session) GetUsername() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Username
}

func (s *Session) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActiveAt = time.Now()
}
