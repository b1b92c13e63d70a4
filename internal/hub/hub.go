// Package hub indexes this process's connections by ID, room, voice room and
// user, and delivers frames to them.
package hub

import (
	"sync"

	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/log"
)

type index map[string]map[string]*Client // key -> clientID -> client

func (ix index) add(key string, c *Client) {
	set, ok := ix[key]
	if !ok {
		set = make(map[string]*Client)
		ix[key] = set
	}
	set[c.ID] = c
}

func (ix index) remove(key string, c *Client) {
	if set, ok := ix[key]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(ix, key)
		}
	}
}

// Hub delivers synchronously: a broadcast returns after every recipient's
// queue accepted the frame or the recipient was closed for being too slow.
// Two broadcasts from one goroutine therefore reach each recipient in order.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   index
	voice   index
	users   index
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(index),
		voice:   make(index),
		users:   make(index),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.users.add(c.UserID(), c)
	h.mu.Unlock()
	l := log.L()
	l.Debug().Str(log.FieldConnectionID, c.ID).Str(log.FieldUserID, c.UserID()).Msg("client registered")
}

// Unregister removes the client from every index and closes its queue.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		h.users.remove(c.UserID(), c)
		for key := range h.rooms {
			h.rooms.remove(key, c)
		}
		for key := range h.voice {
			h.voice.remove(key, c)
		}
	}
	h.mu.Unlock()
	c.Close()
	l := log.L()
	l.Debug().Str(log.FieldConnectionID, c.ID).Msg("client unregistered")
}

func (h *Hub) Get(clientID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[clientID]
	return c, ok
}

func (h *Hub) JoinRoom(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms.add(roomID, c)
}

func (h *Hub) LeaveRoom(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms.remove(roomID, c)
}

func (h *Hub) JoinVoice(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.voice.add(roomID, c)
}

func (h *Hub) LeaveVoice(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.voice.remove(roomID, c)
}

func deliver(set map[string]*Client, data []byte, exclude string) int {
	n := 0
	for id, c := range set {
		if id == exclude {
			continue
		}
		if c.Send(data) {
			n++
		}
	}
	return n
}

// BroadcastToRoom sends data to every local connection in the room except
// exclude and returns the number of accepted deliveries.
func (h *Hub) BroadcastToRoom(roomID string, data []byte, exclude string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return deliver(h.rooms[roomID], data, exclude)
}

// BroadcastToVoice sends data to every local connection in the voice room except exclude.
func (h *Hub) BroadcastToVoice(roomID string, data []byte, exclude string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return deliver(h.voice[roomID], data, exclude)
}

// SendToUserInVoice delivers data to the local connections of userID that are
// in the voice room.
func (h *Hub) SendToUserInVoice(userID, roomID string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	members := h.voice[roomID]
	for id, c := range h.users[userID] {
		if _, ok := members[id]; !ok {
			continue
		}
		if c.Send(data) {
			n++
		}
	}
	return n
}

// Clients returns a snapshot of all registered clients.
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomClientCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
