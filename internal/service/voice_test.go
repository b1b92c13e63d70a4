package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/hub"
)

func TestVoiceJoinRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1", withVoice(2, 0))

	alice := n.connect(t, "alice")
	bob := n.connect(t, "bob")
	carol := n.connect(t, "carol")

	require.NoError(t, n.svc.HandleVoiceJoin(ctx, alice, domain.VoiceJoinCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, bob, domain.VoiceJoinCommand{RoomID: "room-1"}))

	participants := decode[domain.VoiceParticipantsMessage](t, ofType(drain(bob), domain.MsgTypeVoiceParticipants)[0])
	assert.Len(t, participants.Participants, 2)
	require.Len(t, participants.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, participants.ICEServers[0].URLs)

	joined := ofType(drain(alice), domain.MsgTypeVoiceParticipantJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "bob", decode[domain.VoiceParticipantMessage](t, joined[0]).Participant.UserID)

	err := n.svc.HandleVoiceJoin(ctx, carol, domain.VoiceJoinCommand{RoomID: "room-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCapacity))
	assert.Equal(t, domain.ErrCodeVoiceRoomFull, domain.AsError(err).Code)
	assert.Empty(t, drain(carol))
	assert.Empty(t, drain(alice))
	assert.Equal(t, 2, n.voice.Count("room-1"))
	assert.Empty(t, carol.Session.GetVoiceRoom())

	require.NoError(t, n.svc.HandleVoiceLeave(ctx, alice, domain.VoiceLeaveCommand{}))
	assert.Len(t, ofType(drain(alice), domain.MsgTypeVoiceLeft), 1)
	left := ofType(drain(bob), domain.MsgTypeVoiceParticipantLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "alice", decode[domain.VoiceParticipantMessage](t, left[0]).Participant.UserID)

	require.NoError(t, n.svc.HandleVoiceJoin(ctx, carol, domain.VoiceJoinCommand{RoomID: "room-1"}))
	assert.Equal(t, 2, n.voice.Count("room-1"))

	roster, err := env.presence.VoiceParticipants(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, roster, 2)
}

func TestVoiceCapacityIsSharedAcrossNodes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n1 := env.startNode(t, "node-1", withVoice(2, 0))
	n2 := env.startNode(t, "node-2", withVoice(2, 0))

	require.NoError(t, n1.svc.HandleVoiceJoin(ctx, n1.connect(t, "alice"), domain.VoiceJoinCommand{RoomID: "room-1"}))
	require.NoError(t, n2.svc.HandleVoiceJoin(ctx, n2.connect(t, "bob"), domain.VoiceJoinCommand{RoomID: "room-1"}))

	err := n1.svc.HandleVoiceJoin(ctx, n1.connect(t, "carol"), domain.VoiceJoinCommand{RoomID: "room-1"})
	assert.ErrorIs(t, err, domain.ErrCapacity)
	assert.Equal(t, 1, n1.voice.Count("room-1"))

	participants := n2.svc.VoiceParticipants(ctx, "room-1")
	assert.Len(t, participants, 2)
}

func TestVoiceJoinDenied(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	env.rooms.denied["mallory"] = true
	n := env.startNode(t, "node-1")

	mallory := n.connect(t, "mallory")
	err := n.svc.HandleVoiceJoin(ctx, mallory, domain.VoiceJoinCommand{RoomID: "room-1"})
	assert.ErrorIs(t, err, domain.ErrAuthorization)

	alice := n.connect(t, "alice")
	err = n.svc.HandleVoiceJoin(ctx, alice, domain.VoiceJoinCommand{RoomID: "room-1", UserID: "bob"})
	assert.ErrorIs(t, err, domain.ErrAuthorization)
	assert.Equal(t, 0, n.voice.Count("room-1"))
}

func TestVoiceRejoinReplacesOlderConnection(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1")

	bob := n.connect(t, "bob")
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, bob, domain.VoiceJoinCommand{RoomID: "room-1"}))

	first := n.connect(t, "alice")
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, first, domain.VoiceJoinCommand{RoomID: "room-1"}))
	drain(first)
	drain(bob)

	second := n.connect(t, "alice")
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, second, domain.VoiceJoinCommand{RoomID: "room-1"}))

	assert.Len(t, ofType(drain(first), domain.MsgTypeVoiceLeft), 1)
	assert.Empty(t, first.Session.GetVoiceRoom())
	conn, ok := n.voice.ConnectionOf("room-1", "alice")
	require.True(t, ok)
	assert.Equal(t, second.ID, conn)
	assert.Equal(t, 2, n.voice.Count("room-1"))

	bobFrames := drain(bob)
	assert.Len(t, ofType(bobFrames, domain.MsgTypeVoiceParticipantJoined), 1)
	assert.Empty(t, ofType(bobFrames, domain.MsgTypeVoiceParticipantLeft))

	n.svc.HandleDisconnect(ctx, first)
	assert.Empty(t, ofType(drain(bob), domain.MsgTypeVoiceParticipantLeft))
	assert.True(t, n.voice.IsParticipant("room-1", "alice", second.ID))

	roster, err := env.presence.VoiceParticipants(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, roster, 2)
}

// framesUntil collects the frame types sent to c up to and including the
// first frame accepted by last.
func framesUntil(t *testing.T, c *hub.Client, last func([]byte) bool) []string {
	t.Helper()
	var types []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case data, ok := <-c.Outbound():
			require.True(t, ok)
			types = append(types, frameType(data))
			if last(data) {
				return types
			}
		case <-timeout:
			t.Fatalf("connection %s did not receive the expected frame", c.ID)
			return nil
		}
	}
}

func TestVoiceRejoinOnAnotherNodeReleasesOldSeat(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n1 := env.startNode(t, "node-1")
	n2 := env.startNode(t, "node-2")

	old := n1.connect(t, "alice")
	require.NoError(t, n1.svc.HandleVoiceJoin(ctx, old, domain.VoiceJoinCommand{RoomID: "room-1"}))
	bob := n2.connect(t, "bob")
	require.NoError(t, n2.svc.HandleVoiceJoin(ctx, bob, domain.VoiceJoinCommand{RoomID: "room-1"}))
	drain(old)

	fresh := n2.connect(t, "alice")
	require.NoError(t, n2.svc.HandleVoiceJoin(ctx, fresh, domain.VoiceJoinCommand{RoomID: "room-1"}))

	waitFrame(t, old, domain.MsgTypeVoiceLeft)
	assert.False(t, n1.voice.IsParticipant("room-1", "alice", old.ID))
	assert.Empty(t, old.Session.GetVoiceRoom())
	assert.True(t, n2.voice.IsParticipant("room-1", "alice", fresh.ID))
	drain(bob)

	n1.svc.HandleDisconnect(ctx, old)

	// carol's join travels the same voice channel after any departure of old.
	require.NoError(t, n1.svc.HandleVoiceJoin(ctx, n1.connect(t, "carol"), domain.VoiceJoinCommand{RoomID: "room-1"}))
	types := framesUntil(t, bob, func(data []byte) bool {
		if frameType(data) != domain.MsgTypeVoiceParticipantJoined {
			return false
		}
		return decode[domain.VoiceParticipantMessage](t, data).Participant.UserID == "carol"
	})
	assert.NotContains(t, types, domain.MsgTypeVoiceParticipantLeft)

	roster, err := env.presence.VoiceParticipants(ctx, "room-1")
	require.NoError(t, err)
	owners := map[string]string{}
	for _, e := range roster {
		owners[e.UserID] = e.ConnectionID
	}
	assert.Equal(t, fresh.ID, owners["alice"])
}

func TestDisconnectAfterRemoteTakeoverIsSilent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1")

	alice := n.connect(t, "alice")
	bob := n.connect(t, "bob")
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, alice, domain.VoiceJoinCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, bob, domain.VoiceJoinCommand{RoomID: "room-1"}))
	drain(bob)

	// Another process took the seat over but its notice has not arrived.
	added, err := env.presence.AddVoiceParticipant(ctx, "room-1", domain.VoiceRosterEntry{
		UserID:       "alice",
		ConnectionID: "conn-elsewhere",
		InstanceID:   "node-9",
		JoinedAt:     time.Now(),
	}, 10)
	require.NoError(t, err)
	require.True(t, added)

	n.svc.HandleDisconnect(ctx, alice)
	assert.Empty(t, ofType(drain(bob), domain.MsgTypeVoiceParticipantLeft))
	assert.False(t, n.voice.IsParticipant("room-1", "alice", alice.ID))

	roster, err := env.presence.VoiceParticipants(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, roster, 2)
}

func TestVoiceJoinMovesBetweenRooms(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1")

	alice := n.connect(t, "alice")
	bob := n.connect(t, "bob")
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, alice, domain.VoiceJoinCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, bob, domain.VoiceJoinCommand{RoomID: "room-1"}))
	drain(alice)

	require.NoError(t, n.svc.HandleVoiceJoin(ctx, bob, domain.VoiceJoinCommand{RoomID: "room-2"}))
	assert.Len(t, ofType(drain(alice), domain.MsgTypeVoiceParticipantLeft), 1)
	assert.Equal(t, "room-2", bob.Session.GetVoiceRoom())
	assert.Equal(t, 1, n.voice.Count("room-1"))
	assert.Equal(t, 1, n.voice.Count("room-2"))
}

func TestVoiceMoveIntoFullRoomKeepsCurrentSeat(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1", withVoice(2, 0))

	alice := n.connect(t, "alice")
	bob := n.connect(t, "bob")
	carol := n.connect(t, "carol")
	dave := n.connect(t, "dave")
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, alice, domain.VoiceJoinCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, bob, domain.VoiceJoinCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, carol, domain.VoiceJoinCommand{RoomID: "room-2"}))
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, dave, domain.VoiceJoinCommand{RoomID: "room-2"}))
	drain(alice)

	// The shared roster lost carol, so only the local room knows it is full.
	_, err := env.presence.RemoveVoiceParticipant(ctx, "room-2", "carol", carol.ID)
	require.NoError(t, err)

	err = n.svc.HandleVoiceJoin(ctx, bob, domain.VoiceJoinCommand{RoomID: "room-2"})
	assert.ErrorIs(t, err, domain.ErrCapacity)

	assert.Equal(t, "room-1", bob.Session.GetVoiceRoom())
	assert.True(t, n.voice.IsParticipant("room-1", "bob", bob.ID))
	assert.Empty(t, ofType(drain(alice), domain.MsgTypeVoiceParticipantLeft))

	roster, err := env.presence.VoiceParticipants(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, roster, 2)
	roster, err = env.presence.VoiceParticipants(ctx, "room-2")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "dave", roster[0].UserID)
}

func TestVoiceMuteAndDeafen(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1")

	alice := n.connect(t, "alice")
	bob := n.connect(t, "bob")
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, alice, domain.VoiceJoinCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, bob, domain.VoiceJoinCommand{RoomID: "room-1"}))
	drain(alice)
	drain(bob)

	require.NoError(t, n.svc.HandleVoiceMute(ctx, alice, domain.VoiceMuteCommand{Muted: true}))
	for _, c := range [][]byte{
		ofType(drain(alice), domain.MsgTypeVoiceParticipantMuted)[0],
		ofType(drain(bob), domain.MsgTypeVoiceParticipantMuted)[0],
	} {
		msg := decode[domain.VoiceStateMessage](t, c)
		assert.Equal(t, "alice", msg.UserID)
		assert.True(t, msg.Value)
	}

	require.NoError(t, n.svc.HandleVoiceDeafen(ctx, alice, domain.VoiceDeafenCommand{Deafened: true}))
	assert.Len(t, ofType(drain(bob), domain.MsgTypeVoiceParticipantDeafened), 1)

	p, err := n.voice.Get("room-1", "alice", alice.ID)
	require.NoError(t, err)
	assert.True(t, p.IsMuted)
	assert.True(t, p.IsDeafened)

	roster, err := env.presence.VoiceParticipants(ctx, "room-1")
	require.NoError(t, err)
	for _, e := range roster {
		if e.UserID == "alice" {
			assert.True(t, e.IsMuted)
			assert.True(t, e.IsDeafened)
		}
	}

	carol := n.connect(t, "carol")
	err = n.svc.HandleVoiceMute(ctx, carol, domain.VoiceMuteCommand{Muted: true})
	assert.ErrorIs(t, err, domain.ErrAuthorization)
}

func TestVoiceSpeakingExcludesSender(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1")

	alice := n.connect(t, "alice")
	bob := n.connect(t, "bob")
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, alice, domain.VoiceJoinCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, bob, domain.VoiceJoinCommand{RoomID: "room-1"}))
	drain(alice)
	drain(bob)

	require.NoError(t, n.svc.HandleVoiceSpeaking(ctx, alice, domain.VoiceSpeakingCommand{Speaking: true}))
	assert.Len(t, ofType(drain(bob), domain.MsgTypeVoiceParticipantSpeaking), 1)
	assert.Empty(t, drain(alice))
}

func TestVoiceAudioLevelIsThrottled(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1", withVoice(10, time.Hour))

	alice := n.connect(t, "alice")
	bob := n.connect(t, "bob")
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, alice, domain.VoiceJoinCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, bob, domain.VoiceJoinCommand{RoomID: "room-1"}))
	drain(bob)

	for i := 0; i < 100; i++ {
		level := float64(i) / 100
		require.NoError(t, n.svc.HandleVoiceAudioLevel(ctx, alice, domain.VoiceAudioLevelCommand{Level: &level}))
	}

	levels := ofType(drain(bob), domain.MsgTypeVoiceParticipantAudioLevel)
	require.Len(t, levels, 1)
	assert.Equal(t, "alice", decode[domain.VoiceAudioLevelMessage](t, levels[0]).UserID)

	p, err := n.voice.Get("room-1", "alice", alice.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.99, p.AudioLevel, 1e-9)
}

func TestDisconnectAnnouncesDepartureOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1")

	alice := n.connect(t, "alice")
	bob := n.connect(t, "bob")
	require.NoError(t, n.svc.HandleJoinRoom(ctx, alice, domain.JoinRoomCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleJoinRoom(ctx, bob, domain.JoinRoomCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, alice, domain.VoiceJoinCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, bob, domain.VoiceJoinCommand{RoomID: "room-1"}))
	drain(bob)

	require.NoError(t, n.svc.HandleLeaveRoom(ctx, alice, domain.LeaveRoomCommand{RoomID: "room-1"}))
	n.svc.HandleDisconnect(ctx, alice)
	n.svc.HandleDisconnect(ctx, alice)

	frames := drain(bob)
	assert.Len(t, ofType(frames, domain.MsgTypeMemberLeft), 1)
	assert.Len(t, ofType(frames, domain.MsgTypeVoiceParticipantLeft), 1)

	assert.True(t, alice.IsClosed())
	_, ok := n.hub.Get(alice.ID)
	assert.False(t, ok)

	members, err := env.presence.Members(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "bob", members[0].UserID)
	roster, err := env.presence.VoiceParticipants(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "bob", roster[0].UserID)
}

func TestDisconnectWithoutLeaveAnnouncesOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1")

	alice := n.connect(t, "alice")
	bob := n.connect(t, "bob")
	for _, c := range []*hub.Client{alice, bob} {
		require.NoError(t, n.svc.HandleJoinRoom(ctx, c, domain.JoinRoomCommand{RoomID: "room-1"}))
		require.NoError(t, n.svc.HandleVoiceJoin(ctx, c, domain.VoiceJoinCommand{RoomID: "room-1"}))
	}
	drain(bob)

	n.svc.HandleDisconnect(ctx, alice)
	n.svc.HandleDisconnect(ctx, alice)

	frames := drain(bob)
	left := ofType(frames, domain.MsgTypeMemberLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "alice", decode[domain.MemberEventMessage](t, left[0]).UserID)
	voiceLeft := ofType(frames, domain.MsgTypeVoiceParticipantLeft)
	require.Len(t, voiceLeft, 1)
	assert.Equal(t, "alice", decode[domain.VoiceParticipantMessage](t, voiceLeft[0]).Participant.UserID)

	assert.False(t, n.registry.IsMember("room-1", alice.ID))
	assert.Equal(t, 1, n.voice.Count("room-1"))
}

func TestDisconnectAllAnnouncesDeparturesToOtherNodes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n1 := env.startNode(t, "node-1")
	n2 := env.startNode(t, "node-2")

	alice := n1.connect(t, "alice")
	bob := n2.connect(t, "bob")
	require.NoError(t, n2.svc.HandleJoinRoom(ctx, bob, domain.JoinRoomCommand{RoomID: "room-1"}))
	require.NoError(t, n2.svc.HandleVoiceJoin(ctx, bob, domain.VoiceJoinCommand{RoomID: "room-1"}))
	require.NoError(t, n1.svc.HandleJoinRoom(ctx, alice, domain.JoinRoomCommand{RoomID: "room-1"}))
	require.NoError(t, n1.svc.HandleVoiceJoin(ctx, alice, domain.VoiceJoinCommand{RoomID: "room-1"}))

	n1.svc.DisconnectAll(ctx)

	// Room and voice events travel on separate channels, in either order.
	departed := map[string]string{}
	framesUntil(t, bob, func(data []byte) bool {
		switch frameType(data) {
		case domain.MsgTypeMemberLeft:
			departed[domain.MsgTypeMemberLeft] = decode[domain.MemberEventMessage](t, data).UserID
		case domain.MsgTypeVoiceParticipantLeft:
			departed[domain.MsgTypeVoiceParticipantLeft] = decode[domain.VoiceParticipantMessage](t, data).Participant.UserID
		}
		return len(departed) == 2
	})
	assert.Equal(t, "alice", departed[domain.MsgTypeMemberLeft])
	assert.Equal(t, "alice", departed[domain.MsgTypeVoiceParticipantLeft])
	assert.True(t, alice.IsClosed())
	assert.Equal(t, 0, n1.hub.ClientCount())

	members, err := env.presence.Members(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "bob", members[0].UserID)
	roster, err := env.presence.VoiceParticipants(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "bob", roster[0].UserID)
}

func TestHeartbeatRefreshesPresence(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	n := env.startNode(t, "node-1")

	alice := n.connect(t, "alice")
	require.NoError(t, n.svc.HandleJoinRoom(ctx, alice, domain.JoinRoomCommand{RoomID: "room-1"}))
	require.NoError(t, n.svc.HandleVoiceJoin(ctx, alice, domain.VoiceJoinCommand{RoomID: "room-1"}))

	_, err := env.presence.RemoveVoiceParticipant(ctx, "room-1", "alice", alice.ID)
	require.NoError(t, err)
	n.svc.refreshPresence(ctx)

	members, err := env.presence.Members(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, members, 1)
	roster, err := env.presence.VoiceParticipants(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, roster)
}
