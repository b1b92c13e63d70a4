// Package registry owns the in-process room sessions: who is connected to a
// room through this process and the room's authoritative playback state.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
)

var ErrNotMember = errors.New("connection is not a member of the room")

// Member is one connection attached to a room session.
type Member struct {
	ConnectionID string
	UserID       string
	Username     string
	JoinedAt     time.Time
}

// Snapshot is a copy of a room session safe to use without locks.
type Snapshot struct {
	RoomID   string
	Members  []Member
	Playback domain.PlaybackState
}

// DistinctMembers returns one client view per user, earliest join first.
func (s Snapshot) DistinctMembers() []domain.Member {
	seen := make(map[string]struct{}, len(s.Members))
	out := make([]domain.Member, 0, len(s.Members))
	for _, m := range s.Members {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		out = append(out, domain.Member{UserID: m.UserID, Username: m.Username, JoinedAt: m.JoinedAt})
	}
	return out
}

type session struct {
	mu       sync.Mutex
	roomID   string
	members  map[string]Member
	playback domain.PlaybackState
	// evicted is set under mu once the session left the map; callers that
	// raced with the eviction retry against a fresh session.
	evicted bool
}

func (s *session) snapshotLocked() Snapshot {
	members := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ConnectionID < members[j].ConnectionID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return Snapshot{RoomID: s.roomID, Members: members, Playback: s.playback}
}

// Registry maps room IDs to sessions. The map lock only guards lookup, insert
// and eviction; each session has its own lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func New() *Registry {
	return &Registry{sessions: make(map[string]*session)}
}

func (r *Registry) get(roomID string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[roomID]
}

// Join attaches a connection to a room, creating the session on first join.
// seed supplies the initial playback state and is called without any lock
// held; it may be called even if a concurrent join creates the session first.
func (r *Registry) Join(roomID string, m Member, seed func() domain.PlaybackState) (Snapshot, bool) {
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now()
	}
	for {
		s := r.get(roomID)
		created := false
		if s == nil {
			initial := domain.NewPlaybackState("", "")
			if seed != nil {
				initial = seed()
			}
			r.mu.Lock()
			s = r.sessions[roomID]
			if s == nil {
				s = &session{roomID: roomID, members: make(map[string]Member), playback: initial}
				r.sessions[roomID] = s
				created = true
			}
			r.mu.Unlock()
		}

		s.mu.Lock()
		if s.evicted {
			s.mu.Unlock()
			continue
		}
		if existing, ok := s.members[m.ConnectionID]; ok {
			m.JoinedAt = existing.JoinedAt
		}
		s.members[m.ConnectionID] = m
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, created
	}
}

// Leave detaches a connection. The session is evicted when it becomes empty.
// It returns the number of connections left in the room.
func (r *Registry) Leave(roomID, connectionID string) (int, error) {
	s := r.get(roomID)
	if s == nil {
		return 0, ErrNotMember
	}

	s.mu.Lock()
	if _, ok := s.members[connectionID]; !ok || s.evicted {
		s.mu.Unlock()
		return 0, ErrNotMember
	}
	delete(s.members, connectionID)
	remaining := len(s.members)
	if remaining == 0 {
		s.evicted = true
	}
	s.mu.Unlock()

	if remaining == 0 {
		r.mu.Lock()
		if r.sessions[roomID] == s {
			delete(r.sessions, roomID)
		}
		r.mu.Unlock()
	}
	return remaining, nil
}

func (r *Registry) IsMember(roomID, connectionID string) bool {
	s := r.get(roomID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[connectionID]
	return ok && !s.evicted
}

func (r *Registry) Snapshot(roomID string) (Snapshot, bool) {
	s := r.get(roomID)
	if s == nil {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return Snapshot{}, false
	}
	return s.snapshotLocked(), true
}

// MutatePlayback runs fn on the room's playback state under the session lock
// and commits its result unless fn fails. Only members may mutate.
// fn must not call back into the registry for the same room.
func (r *Registry) MutatePlayback(roomID, connectionID string, fn func(domain.PlaybackState) (domain.PlaybackState, error)) (domain.PlaybackState, error) {
	s := r.get(roomID)
	if s == nil {
		return domain.PlaybackState{}, ErrNotMember
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[connectionID]; !ok || s.evicted {
		return domain.PlaybackState{}, ErrNotMember
	}
	next, err := fn(s.playback)
	if err != nil {
		return s.playback, err
	}
	s.playback = next
	return next, nil
}

// ApplyPlayback overwrites the playback state of an existing session with a
// state committed elsewhere. It reports false when the room has no session here.
func (r *Registry) ApplyPlayback(roomID string, state domain.PlaybackState) bool {
	s := r.get(roomID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return false
	}
	s.playback = state
	return true
}

// Rooms returns the IDs of all live sessions.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
