package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/watchparty-service/internal/config"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/hub"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/presence"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/registry"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/repository"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/voice"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/pubsub"
)

type fakeRooms struct {
	mu     sync.Mutex
	rooms  map[string]*domain.Room
	denied map[string]bool
}

func newFakeRooms(ids ...string) *fakeRooms {
	f := &fakeRooms{rooms: make(map[string]*domain.Room), denied: make(map[string]bool)}
	for _, id := range ids {
		f.rooms[id] = &domain.Room{ID: id, OwnerID: "owner", Title: "Room " + id, Status: domain.RoomStatusActive}
	}
	return f
}

func (f *fakeRooms) CanAccess(_ context.Context, roomID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rooms[roomID]; !ok {
		return false, repository.ErrRoomNotFound
	}
	return !f.denied[userID], nil
}

func (f *fakeRooms) GetByID(_ context.Context, id string) (*domain.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[id]
	if !ok {
		return nil, repository.ErrRoomNotFound
	}
	copied := *room
	return &copied, nil
}

func (f *fakeRooms) SetCurrentVideo(_ context.Context, roomID, videoID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[roomID]
	if !ok {
		return repository.ErrRoomNotFound
	}
	room.CurrentVideoID = videoID
	return nil
}

type fakeChat struct {
	mu        sync.Mutex
	messages  []domain.ChatMessage
	reactions map[string]bool
}

func (f *fakeChat) SaveMessage(_ context.Context, msg *domain.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.ID = fmt.Sprintf("msg-%d", len(f.messages)+1)
	msg.CreatedAt = time.Now()
	f.messages = append(f.messages, *msg)
	return nil
}

func (f *fakeChat) ToggleReaction(_ context.Context, roomID, messageID, userID, emoji string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := false
	for _, m := range f.messages {
		if m.ID == messageID && m.RoomID == roomID {
			found = true
		}
	}
	if !found {
		return false, repository.ErrMessageNotFound
	}
	if f.reactions == nil {
		f.reactions = make(map[string]bool)
	}
	key := messageID + "|" + userID + "|" + emoji
	if f.reactions[key] {
		delete(f.reactions, key)
		return false, nil
	}
	f.reactions[key] = true
	return true, nil
}

type fakePlaylist struct {
	mu    sync.Mutex
	items []domain.PlaylistItem
}

func (f *fakePlaylist) Add(_ context.Context, item *domain.PlaylistItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.ID = fmt.Sprintf("item-%d", len(f.items)+1)
	item.Position = len(f.items)
	item.CreatedAt = time.Now()
	f.items = append(f.items, *item)
	return nil
}

func (f *fakePlaylist) Remove(_ context.Context, roomID, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, item := range f.items {
		if item.ID == itemID && item.RoomID == roomID {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return nil
		}
	}
	return repository.ErrPlaylistItemNotFound
}

func (f *fakePlaylist) Reorder(_ context.Context, roomID string, itemIDs []string) ([]domain.PlaylistItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byID := make(map[string]domain.PlaylistItem, len(f.items))
	for _, item := range f.items {
		if item.RoomID == roomID {
			byID[item.ID] = item
		}
	}
	if len(byID) != len(itemIDs) {
		return nil, repository.ErrPlaylistMismatch
	}
	out := make([]domain.PlaylistItem, 0, len(itemIDs))
	for i, id := range itemIDs {
		item, ok := byID[id]
		if !ok {
			return nil, repository.ErrPlaylistMismatch
		}
		item.Position = i
		out = append(out, item)
	}
	f.items = out
	return out, nil
}

func (f *fakePlaylist) List(_ context.Context, roomID string) ([]domain.PlaylistItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PlaylistItem(nil), f.items...), nil
}

type fakeVideos map[string]*domain.Video

func (f fakeVideos) Lookup(_ context.Context, videoID string) (*domain.Video, error) {
	v, ok := f[videoID]
	if !ok {
		return nil, repository.ErrVideoNotFound
	}
	return v, nil
}

func (f fakeVideos) Resolve(ctx context.Context, videoID string) (*domain.Video, string, error) {
	v, err := f.Lookup(ctx, videoID)
	if err != nil {
		return nil, "", err
	}
	return v, "https://cdn.example.com/" + v.StorageKey, nil
}

// flakyCache fails playback writes while failPlayback is set.
type flakyCache struct {
	presence.Cache
	mu           sync.Mutex
	failPlayback bool
}

func (c *flakyCache) setFailPlayback(v bool) {
	c.mu.Lock()
	c.failPlayback = v
	c.mu.Unlock()
}

func (c *flakyCache) SetPlayback(ctx context.Context, roomID string, state domain.PlaybackState) error {
	c.mu.Lock()
	fail := c.failPlayback
	c.mu.Unlock()
	if fail {
		return errors.New("redis: connection refused")
	}
	return c.Cache.SetPlayback(ctx, roomID, state)
}

// testEnv holds the collaborators shared by every node, standing in for
// Redis, the bus and the durable store.
type testEnv struct {
	broker   *pubsub.MemoryBroker
	presence presence.Cache
	rooms    *fakeRooms
	chat     *fakeChat
	playlist *fakePlaylist
	videos   fakeVideos
}

func newTestEnv() *testEnv {
	return &testEnv{
		broker:   pubsub.NewMemoryBroker(),
		presence: presence.NewMemoryCache(presence.Config{}),
		rooms:    newFakeRooms("room-1", "room-2"),
		chat:     &fakeChat{},
		playlist: &fakePlaylist{},
		videos: fakeVideos{
			"vid-1": {ID: "vid-1", Title: "Big Buck Bunny", StorageKey: "vid-1/index.m3u8"},
			"vid-2": {ID: "vid-2", Title: "Sintel", StorageKey: "vid-2/index.m3u8"},
		},
	}
}

// node is one server process.
type node struct {
	svc      *watchService
	hub      *hub.Hub
	registry *registry.Registry
	voice    *voice.Manager
}

type nodeOption func(*Dependencies, *Options)

func withVoice(maxParticipants int, levelInterval time.Duration) nodeOption {
	return func(d *Dependencies, _ *Options) {
		d.Voice = voice.NewManager(maxParticipants, levelInterval)
	}
}

func withPresence(cache presence.Cache) nodeOption {
	return func(d *Dependencies, _ *Options) {
		d.Presence = cache
	}
}

func (e *testEnv) startNode(t *testing.T, instanceID string, opts ...nodeOption) *node {
	t.Helper()
	deps := Dependencies{
		Hub:      hub.NewHub(),
		Registry: registry.New(),
		Voice:    voice.NewManager(10, 100*time.Millisecond),
		Presence: e.presence,
		PubSub:   e.broker.Client(),
		Rooms:    e.rooms,
		Chat:     e.chat,
		Playlist: e.playlist,
		Videos:   e.videos,
	}
	options := Options{
		InstanceID:    instanceID,
		MaxChatLength: 20,
		ICEServers:    []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	}
	for _, opt := range opts {
		opt(&deps, &options)
	}

	svc := NewWatchService(deps, options).(*watchService)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Stop() })
	return &node{svc: svc, hub: deps.Hub, registry: deps.Registry, voice: deps.Voice}
}

var connSeq struct {
	sync.Mutex
	n int
}

func (n *node) connect(t *testing.T, userID string) *hub.Client {
	t.Helper()
	connSeq.Lock()
	connSeq.n++
	id := fmt.Sprintf("conn-%s-%d", userID, connSeq.n)
	connSeq.Unlock()

	session := domain.NewSession(id, domain.Identity{UserID: userID, Username: "name-" + userID})
	c := hub.NewClient(id, nil, session, config.WebSocketConfig{SendBufferSize: 256})
	n.svc.HandleConnect(context.Background(), c)
	return c
}

func frameType(data []byte) string {
	var base domain.BaseMessage
	_ = json.Unmarshal(data, &base)
	return base.Type
}

// drain returns the frames queued for c without waiting.
func drain(c *hub.Client) [][]byte {
	var out [][]byte
	for {
		select {
		case data, ok := <-c.Outbound():
			if !ok {
				return out
			}
			out = append(out, data)
		default:
			return out
		}
	}
}

func ofType(frames [][]byte, msgType string) [][]byte {
	var out [][]byte
	for _, f := range frames {
		if frameType(f) == msgType {
			out = append(out, f)
		}
	}
	return out
}

// waitFrame returns the next frame of msgType, skipping others.
func waitFrame(t *testing.T, c *hub.Client, msgType string) []byte {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case data, ok := <-c.Outbound():
			require.True(t, ok, "connection %s closed while waiting for %s", c.ID, msgType)
			if frameType(data) == msgType {
				return data
			}
		case <-timeout:
			t.Fatalf("connection %s received no %s frame", c.ID, msgType)
			return nil
		}
	}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}
