package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/hub"
)

func ts(v float64) *float64 { return &v }

func TestJoinAndLeaveTrackMembers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1")

	alice := n.connect(t, "alice")
	bob := n.connect(t, "bob")
	carol := n.connect(t, "carol")

	for _, c := range []*hub.Client{alice, bob, carol} {
		require.NoError(t, n.svc.HandleJoinRoom(ctx, c, domain.JoinRoomCommand{RoomID: "room-1"}))
	}

	snap, ok := n.registry.Snapshot("room-1")
	require.True(t, ok)
	assert.Len(t, snap.Members, 3)

	joined := decode[domain.RoomJoinedMessage](t, ofType(drain(carol), domain.MsgTypeRoomJoined)[0])
	assert.Equal(t, "room-1", joined.RoomID)
	assert.Len(t, joined.Members, 3)
	require.NotNil(t, joined.Room)
	assert.Equal(t, domain.PlaybackStopped, joined.Playback.Status)

	assert.Len(t, ofType(drain(alice), domain.MsgTypeMemberJoined), 2)

	require.NoError(t, n.svc.HandleLeaveRoom(ctx, bob, domain.LeaveRoomCommand{RoomID: "room-1"}))
	assert.Len(t, ofType(drain(bob), domain.MsgTypeRoomLeft), 1)

	left := ofType(drain(alice), domain.MsgTypeMemberLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "bob", decode[domain.MemberEventMessage](t, left[0]).UserID)

	snap, _ = n.registry.Snapshot("room-1")
	assert.Len(t, snap.Members, 2)
	members, err := n.svc.RoomMembers(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	err = n.svc.HandleLeaveRoom(ctx, bob, domain.LeaveRoomCommand{RoomID: "room-1"})
	assert.ErrorIs(t, err, domain.ErrAuthorization)

	require.NoError(t, n.svc.HandleLeaveRoom(ctx, alice, domain.LeaveRoomCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleLeaveRoom(ctx, carol, domain.LeaveRoomCommand{RoomID: "room-1"}))
	assert.Equal(t, 0, n.registry.Count())

	state, err := env.presence.GetPlayback(ctx, "room-1")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestJoinDeniedRepliesOnlyToRequester(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	env.rooms.denied["mallory"] = true
	n := env.startNode(t, "node-1")

	alice := n.connect(t, "alice")
	require.NoError(t, n.svc.HandleJoinRoom(ctx, alice, domain.JoinRoomCommand{RoomID: "room-1"}))
	drain(alice)

	mallory := n.connect(t, "mallory")
	err := n.svc.HandleJoinRoom(ctx, mallory, domain.JoinRoomCommand{RoomID: "room-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthorization)
	assert.Equal(t, domain.ErrCodeForbidden, domain.AsError(err).Code)

	err = n.svc.HandleJoinRoom(ctx, mallory, domain.JoinRoomCommand{RoomID: "missing"})
	assert.ErrorIs(t, err, domain.ErrAuthorization)

	assert.Empty(t, drain(alice))
	snap, _ := n.registry.Snapshot("room-1")
	assert.Len(t, snap.Members, 1)
	assert.Empty(t, mallory.Session.GetCurrentRoom())
}

func TestCheckRoomAccess(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	env.rooms.denied["mallory"] = true
	n := env.startNode(t, "node-1")

	assert.NoError(t, n.svc.CheckRoomAccess(ctx, "alice", "room-1"))
	assert.ErrorIs(t, n.svc.CheckRoomAccess(ctx, "mallory", "room-1"), domain.ErrAuthorization)
	assert.ErrorIs(t, n.svc.CheckRoomAccess(ctx, "alice", "room-404"), domain.ErrAuthorization)
	assert.ErrorIs(t, n.svc.CheckRoomAccess(ctx, "alice", "room-*"), domain.ErrValidation)
}

func TestJoinSameRoomResendsSnapshot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1")

	alice := n.connect(t, "alice")
	bob := n.connect(t, "bob")
	require.NoError(t, n.svc.HandleJoinRoom(ctx, alice, domain.JoinRoomCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleJoinRoom(ctx, bob, domain.JoinRoomCommand{RoomID: "room-1"}))
	drain(alice)
	drain(bob)

	require.NoError(t, n.svc.HandleJoinRoom(ctx, bob, domain.JoinRoomCommand{RoomID: "room-1"}))
	assert.Len(t, ofType(drain(bob), domain.MsgTypeRoomJoined), 1)
	assert.Empty(t, drain(alice))
}

func TestSwitchingRoomsLeavesThePreviousOne(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1")

	alice := n.connect(t, "alice")
	bob := n.connect(t, "bob")
	require.NoError(t, n.svc.HandleJoinRoom(ctx, alice, domain.JoinRoomCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleJoinRoom(ctx, bob, domain.JoinRoomCommand{RoomID: "room-1"}))
	drain(alice)

	require.NoError(t, n.svc.HandleJoinRoom(ctx, bob, domain.JoinRoomCommand{RoomID: "room-2"}))
	assert.Len(t, ofType(drain(alice), domain.MsgTypeMemberLeft), 1)
	assert.Equal(t, "room-2", bob.Session.GetCurrentRoom())
	assert.False(t, n.registry.IsMember("room-1", bob.ID))
	assert.True(t, n.registry.IsMember("room-2", bob.ID))
}

func TestSecondTabLeavingKeepsUserPresent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1")

	tab1 := n.connect(t, "alice")
	tab2 := n.connect(t, "alice")
	bob := n.connect(t, "bob")
	require.NoError(t, n.svc.HandleJoinRoom(ctx, bob, domain.JoinRoomCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleJoinRoom(ctx, tab1, domain.JoinRoomCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleJoinRoom(ctx, tab2, domain.JoinRoomCommand{RoomID: "room-1"}))
	assert.Len(t, ofType(drain(bob), domain.MsgTypeMemberJoined), 1)

	require.NoError(t, n.svc.HandleLeaveRoom(ctx, tab2, domain.LeaveRoomCommand{RoomID: "room-1"}))
	assert.Empty(t, ofType(drain(bob), domain.MsgTypeMemberLeft))

	members, err := n.svc.RoomMembers(ctx, "room-1")
	require.NoError(t, err)
	var users []string
	for _, m := range members {
		users = append(users, m.UserID)
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)

	// The last tab leaving announces the departure.
	n.svc.HandleDisconnect(ctx, tab1)
	left := ofType(drain(bob), domain.MsgTypeMemberLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "alice", decode[domain.MemberEventMessage](t, left[0]).UserID)
}

func TestPlayThenSeekKeepsPlaying(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1")

	alice := n.connect(t, "alice")
	bob := n.connect(t, "bob")
	require.NoError(t, n.svc.HandleJoinRoom(ctx, alice, domain.JoinRoomCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleJoinRoom(ctx, bob, domain.JoinRoomCommand{RoomID: "room-1"}))
	drain(alice)
	drain(bob)

	require.NoError(t, n.svc.HandlePlayback(ctx, alice, domain.PlaybackCommand{Type: domain.MsgTypeVideoPlay, RoomID: "room-1", Timestamp: ts(10)}))
	require.NoError(t, n.svc.HandlePlayback(ctx, alice, domain.PlaybackCommand{Type: domain.MsgTypeVideoSeek, RoomID: "room-1", Timestamp: ts(42)}))

	snap, _ := n.registry.Snapshot("room-1")
	assert.Equal(t, domain.PlaybackPlaying, snap.Playback.Status)
	assert.True(t, snap.Playback.IsPlaying)
	assert.Equal(t, 42.0, snap.Playback.CurrentTime)
	assert.Equal(t, "alice", snap.Playback.UpdatedBy)

	states := ofType(drain(bob), domain.MsgTypeVideoState)
	require.Len(t, states, 2)
	first := decode[domain.VideoStateMessage](t, states[0])
	second := decode[domain.VideoStateMessage](t, states[1])
	assert.Equal(t, domain.PlaybackActionPlay, first.Action)
	assert.Equal(t, domain.PlaybackActionSeek, second.Action)
	assert.Equal(t, 42.0, second.Playback.CurrentTime)
	assert.Empty(t, ofType(drain(alice), domain.MsgTypeVideoState))

	cached, err := env.presence.GetPlayback(ctx, "room-1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, 42.0, cached.CurrentTime)

	require.NoError(t, n.svc.HandleVideoRate(ctx, bob, domain.VideoRateCommand{RoomID: "room-1", Rate: ts(1.5)}))
	snap, _ = n.registry.Snapshot("room-1")
	assert.Equal(t, 1.5, snap.Playback.PlaybackRate)
	assert.Equal(t, domain.PlaybackPlaying, snap.Playback.Status)
}

func TestChangeVideoResetsPlayback(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1")

	alice := n.connect(t, "alice")
	bob := n.connect(t, "bob")
	require.NoError(t, n.svc.HandleJoinRoom(ctx, alice, domain.JoinRoomCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleJoinRoom(ctx, bob, domain.JoinRoomCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandlePlayback(ctx, alice, domain.PlaybackCommand{Type: domain.MsgTypeVideoPlay, RoomID: "room-1", Timestamp: ts(30)}))
	drain(bob)

	require.NoError(t, n.svc.HandleVideoChange(ctx, alice, domain.VideoChangeCommand{RoomID: "room-1", VideoID: "vid-2"}))

	snap, _ := n.registry.Snapshot("room-1")
	assert.Equal(t, "vid-2", snap.Playback.VideoID)
	assert.Equal(t, "https://cdn.example.com/vid-2/index.m3u8", snap.Playback.StreamURL)
	assert.Equal(t, 0.0, snap.Playback.CurrentTime)
	assert.Equal(t, domain.PlaybackPaused, snap.Playback.Status)

	room, err := env.rooms.GetByID(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "vid-2", room.CurrentVideoID)

	states := ofType(drain(bob), domain.MsgTypeVideoState)
	require.Len(t, states, 1)
	assert.Equal(t, domain.PlaybackActionChange, decode[domain.VideoStateMessage](t, states[0]).Action)

	err = n.svc.HandleVideoChange(ctx, alice, domain.VideoChangeCommand{RoomID: "room-1", VideoID: "nope"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	snap, _ = n.registry.Snapshot("room-1")
	assert.Equal(t, "vid-2", snap.Playback.VideoID)
}

func TestJoinSeedsPlaybackFromCurrentVideo(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	env.rooms.rooms["room-1"].CurrentVideoID = "vid-1"
	n := env.startNode(t, "node-1")

	alice := n.connect(t, "alice")
	require.NoError(t, n.svc.HandleJoinRoom(ctx, alice, domain.JoinRoomCommand{RoomID: "room-1"}))

	joined := decode[domain.RoomJoinedMessage](t, waitFrame(t, alice, domain.MsgTypeRoomJoined))
	assert.Equal(t, "vid-1", joined.Playback.VideoID)
	assert.Equal(t, domain.PlaybackPaused, joined.Playback.Status)
	assert.Equal(t, "https://cdn.example.com/vid-1/index.m3u8", joined.Playback.StreamURL)
}

func TestPlaybackRequiresMembership(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1")

	alice := n.connect(t, "alice")
	require.NoError(t, n.svc.HandleJoinRoom(ctx, alice, domain.JoinRoomCommand{RoomID: "room-1"}))
	drain(alice)

	eve := n.connect(t, "eve")
	err := n.svc.HandlePlayback(ctx, eve, domain.PlaybackCommand{Type: domain.MsgTypeVideoPlay, RoomID: "room-1", Timestamp: ts(5)})
	assert.ErrorIs(t, err, domain.ErrAuthorization)

	snap, _ := n.registry.Snapshot("room-1")
	assert.Equal(t, domain.PlaybackStopped, snap.Playback.Status)
	assert.Empty(t, drain(alice))
}

func TestPlaybackCacheFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	cache := &flakyCache{Cache: env.presence}
	n := env.startNode(t, "node-1", withPresence(cache))

	alice := n.connect(t, "alice")
	bob := n.connect(t, "bob")
	require.NoError(t, n.svc.HandleJoinRoom(ctx, alice, domain.JoinRoomCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleJoinRoom(ctx, bob, domain.JoinRoomCommand{RoomID: "room-1"}))
	drain(bob)

	cache.setFailPlayback(true)
	err := n.svc.HandlePlayback(ctx, alice, domain.PlaybackCommand{Type: domain.MsgTypeVideoPlay, RoomID: "room-1", Timestamp: ts(12)})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, domain.ErrCodeInternalError, domain.AsError(err).Code)

	snap, _ := n.registry.Snapshot("room-1")
	assert.Equal(t, domain.PlaybackStopped, snap.Playback.Status)
	assert.Empty(t, drain(bob))

	cache.setFailPlayback(false)
	require.NoError(t, n.svc.HandlePlayback(ctx, alice, domain.PlaybackCommand{Type: domain.MsgTypeVideoPlay, RoomID: "room-1", Timestamp: ts(12)}))
	snap, _ = n.registry.Snapshot("room-1")
	assert.Equal(t, domain.PlaybackPlaying, snap.Playback.Status)
}

func TestPlaybackPropagatesAcrossNodes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n1 := env.startNode(t, "node-1")
	n2 := env.startNode(t, "node-2")

	alice := n1.connect(t, "alice")
	require.NoError(t, n1.svc.HandleJoinRoom(ctx, alice, domain.JoinRoomCommand{RoomID: "room-1"}))
	require.NoError(t, n1.svc.HandlePlayback(ctx, alice, domain.PlaybackCommand{Type: domain.MsgTypeVideoPlay, RoomID: "room-1", Timestamp: ts(12)}))

	bob := n2.connect(t, "bob")
	require.NoError(t, n2.svc.HandleJoinRoom(ctx, bob, domain.JoinRoomCommand{RoomID: "room-1"}))
	joined := decode[domain.RoomJoinedMessage](t, waitFrame(t, bob, domain.MsgTypeRoomJoined))
	assert.Equal(t, domain.PlaybackPlaying, joined.Playback.Status)
	assert.Equal(t, 12.0, joined.Playback.CurrentTime)
	assert.Len(t, joined.Members, 2)

	memberJoined := decode[domain.MemberEventMessage](t, waitFrame(t, alice, domain.MsgTypeMemberJoined))
	assert.Equal(t, "bob", memberJoined.UserID)

	require.NoError(t, n1.svc.HandlePlayback(ctx, alice, domain.PlaybackCommand{Type: domain.MsgTypeVideoPause, RoomID: "room-1", Timestamp: ts(20)}))
	state := decode[domain.VideoStateMessage](t, waitFrame(t, bob, domain.MsgTypeVideoState))
	assert.Equal(t, domain.PlaybackPaused, state.Playback.Status)

	snap, ok := n2.registry.Snapshot("room-1")
	require.True(t, ok)
	assert.Equal(t, domain.PlaybackPaused, snap.Playback.Status)
	assert.Equal(t, 20.0, snap.Playback.CurrentTime)
}

func TestChatMessageAndReaction(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1")

	alice := n.connect(t, "alice")
	bob := n.connect(t, "bob")
	require.NoError(t, n.svc.HandleJoinRoom(ctx, alice, domain.JoinRoomCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleJoinRoom(ctx, bob, domain.JoinRoomCommand{RoomID: "room-1"}))
	drain(alice)
	drain(bob)

	require.NoError(t, n.svc.HandleChatMessage(ctx, alice, domain.ChatMessageCommand{RoomID: "room-1", Message: "  hello  "}))

	sent := decode[domain.ChatMessageOut](t, ofType(drain(alice), domain.MsgTypeChatMessageSent)[0])
	assert.Equal(t, "msg-1", sent.MessageID)
	assert.Equal(t, "hello", sent.Content)
	assert.NotZero(t, sent.Timestamp)

	received := ofType(drain(bob), domain.MsgTypeChatMessage)
	require.Len(t, received, 1)
	assert.Equal(t, "msg-1", decode[domain.ChatMessageOut](t, received[0]).MessageID)

	err := n.svc.HandleChatMessage(ctx, alice, domain.ChatMessageCommand{RoomID: "room-1", Message: "this message is longer than twenty"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	err = n.svc.HandleChatMessage(ctx, alice, domain.ChatMessageCommand{RoomID: "room-1", Message: "   "})
	assert.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, n.svc.HandleChatReaction(ctx, bob, domain.ChatReactionCommand{RoomID: "room-1", MessageID: "msg-1", Emoji: "🎉"}))
	reaction := decode[domain.ChatReactionMessage](t, ofType(drain(alice), domain.MsgTypeChatReaction)[0])
	assert.Equal(t, domain.ReactionAdded, reaction.Action)
	assert.Len(t, ofType(drain(bob), domain.MsgTypeChatReaction), 1)

	require.NoError(t, n.svc.HandleChatReaction(ctx, bob, domain.ChatReactionCommand{RoomID: "room-1", MessageID: "msg-1", Emoji: "🎉"}))
	reaction = decode[domain.ChatReactionMessage](t, ofType(drain(alice), domain.MsgTypeChatReaction)[0])
	assert.Equal(t, domain.ReactionRemoved, reaction.Action)

	err = n.svc.HandleChatReaction(ctx, bob, domain.ChatReactionCommand{RoomID: "room-1", MessageID: "msg-404", Emoji: "🎉"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, n.svc.HandleChatTyping(ctx, bob, domain.ChatTypingCommand{RoomID: "room-1", IsTyping: true}))
	assert.Len(t, ofType(drain(alice), domain.MsgTypeChatTyping), 1)
	assert.Empty(t, ofType(drain(bob), domain.MsgTypeChatTyping))
}

func TestPlaylistUpdates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1")

	alice := n.connect(t, "alice")
	require.NoError(t, n.svc.HandleJoinRoom(ctx, alice, domain.JoinRoomCommand{RoomID: "room-1"}))
	drain(alice)

	require.NoError(t, n.svc.HandlePlaylistAdd(ctx, alice, domain.PlaylistAddCommand{RoomID: "room-1", VideoID: "vid-1"}))
	require.NoError(t, n.svc.HandlePlaylistAdd(ctx, alice, domain.PlaylistAddCommand{RoomID: "room-1", VideoID: "vid-2", Title: "Custom"}))

	updates := ofType(drain(alice), domain.MsgTypePlaylistUpdated)
	require.Len(t, updates, 2)
	first := decode[domain.PlaylistUpdatedMessage](t, updates[0])
	require.NotNil(t, first.Item)
	assert.Equal(t, "Big Buck Bunny", first.Item.Title)
	assert.Equal(t, "item-1", first.Item.ID)
	assert.Equal(t, "Custom", decode[domain.PlaylistUpdatedMessage](t, updates[1]).Item.Title)

	require.NoError(t, n.svc.HandlePlaylistReorder(ctx, alice, domain.PlaylistReorderCommand{RoomID: "room-1", ItemIDs: []string{"item-2", "item-1"}}))
	reordered := decode[domain.PlaylistUpdatedMessage](t, ofType(drain(alice), domain.MsgTypePlaylistUpdated)[0])
	assert.Equal(t, domain.PlaylistActionReordered, reordered.Action)
	assert.Equal(t, []string{"item-2", "item-1"}, reordered.ItemIDs)

	err := n.svc.HandlePlaylistReorder(ctx, alice, domain.PlaylistReorderCommand{RoomID: "room-1", ItemIDs: []string{"item-2"}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, n.svc.HandlePlaylistRemove(ctx, alice, domain.PlaylistRemoveCommand{RoomID: "room-1", ItemID: "item-1"}))
	err = n.svc.HandlePlaylistRemove(ctx, alice, domain.PlaylistRemoveCommand{RoomID: "room-1", ItemID: "item-1"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = n.svc.HandlePlaylistAdd(ctx, alice, domain.PlaylistAddCommand{RoomID: "room-1", VideoID: "missing"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
