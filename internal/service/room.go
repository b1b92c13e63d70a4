package service

import (
	"context"
	"errors"
	"time"

	"github.com/weiawesome/wes-io-live/watchparty-service/internal/audit"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/hub"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/kafka"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/media"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/registry"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/repository"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/log"
)

func (s *watchService) HandleJoinRoom(ctx context.Context, c *hub.Client, cmd domain.JoinRoomCommand) error {
	roomID := cmd.RoomID
	userID := c.UserID()

	if err := s.checkAccess(ctx, userID, roomID, audit.ActionJoinDenied); err != nil {
		return err
	}
	room, err := s.rooms.GetByID(ctx, roomID)
	if errors.Is(err, repository.ErrRoomNotFound) {
		return domain.Forbidden("access to room %s denied", roomID)
	}
	if err != nil {
		return domain.Transient("failed to load room", err)
	}

	// Joining the current room again only refreshes the client.
	if c.Session.GetCurrentRoom() == roomID {
		if snap, ok := s.registry.Snapshot(roomID); ok && s.registry.IsMember(roomID, c.ID) {
			return c.SendMessage(s.joinedMessage(ctx, room, snap))
		}
	}

	now := time.Now()
	username := c.Session.GetUsername()
	entry := domain.PresenceEntry{
		RoomID:       roomID,
		UserID:       userID,
		Username:     username,
		ConnectionID: c.ID,
		InstanceID:   s.instanceID,
		JoinedAt:     now,
		LastSeen:     now,
	}
	first, err := s.presence.AddMember(ctx, entry)
	if err != nil {
		return domain.Transient("failed to record presence", err)
	}

	if current := c.Session.GetCurrentRoom(); current != "" && current != roomID {
		s.departRoom(ctx, c, current, s.removeRoomPresence(ctx, c, current))
	}

	snap, created := s.registry.Join(roomID, registry.Member{
		ConnectionID: c.ID,
		UserID:       userID,
		Username:     username,
		JoinedAt:     now,
	}, func() domain.PlaybackState {
		return s.seedPlayback(ctx, room)
	})
	if created {
		if err := s.presence.SetPlayback(ctx, roomID, snap.Playback); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to store initial playback state")
		}
	}

	s.hub.JoinRoom(c, roomID)
	c.Session.JoinRoom(roomID)

	if err := c.SendMessage(s.joinedMessage(ctx, room, snap)); err != nil {
		return err
	}
	audit.LogRoom(ctx, audit.ActionJoinRoom, userID, roomID, "joined room")
	// Further tabs of a user already in the room join silently.
	if !first {
		return nil
	}
	if err := s.broadcastRoom(ctx, roomID, &domain.MemberEventMessage{
		Type:     domain.MsgTypeMemberJoined,
		RoomID:   roomID,
		UserID:   userID,
		Username: username,
	}, c.ID); err != nil {
		return err
	}

	s.emit(ctx, kafka.EventMemberJoined, roomID, c, "")
	return nil
}

func (s *watchService) HandleLeaveRoom(ctx context.Context, c *hub.Client, cmd domain.LeaveRoomCommand) error {
	roomID := cmd.RoomID
	if c.Session.GetCurrentRoom() != roomID {
		return domain.Forbidden("not a member of room %s", roomID)
	}
	gone, err := s.presence.RemoveMember(ctx, roomID, c.UserID(), c.ID)
	if err != nil {
		return domain.Transient("failed to remove presence", err)
	}

	s.departRoom(ctx, c, roomID, gone)
	return c.SendMessage(&domain.RoomLeftMessage{
		Type:   domain.MsgTypeRoomLeft,
		RoomID: roomID,
	})
}

// removeRoomPresence drops c's presence entry and reports whether its user
// has no other connection in the room. Cache failures are only logged
// because the connection is leaving regardless; the user then counts as gone.
func (s *watchService) removeRoomPresence(ctx context.Context, c *hub.Client, roomID string) bool {
	gone, err := s.presence.RemoveMember(ctx, roomID, c.UserID(), c.ID)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to remove presence")
		return true
	}
	return gone
}

// departRoom detaches c from roomID. It is shared by leave_room, room
// switches and disconnects; the registry guarantees the departure is handled
// once per join, and member_left goes out only when userGone says the user
// has no connection left in the room.
func (s *watchService) departRoom(ctx context.Context, c *hub.Client, roomID string, userGone bool) {
	l := log.Ctx(ctx)
	userID := c.UserID()

	remaining, err := s.registry.Leave(roomID, c.ID)
	s.hub.LeaveRoom(c, roomID)
	c.Session.LeaveRoom(roomID)
	if err != nil {
		return
	}

	if remaining == 0 {
		s.dropPlaybackIfEmpty(ctx, roomID)
	}
	audit.LogRoom(ctx, audit.ActionLeaveRoom, userID, roomID, "left room")
	if !userGone {
		return
	}

	if err := s.broadcastRoom(ctx, roomID, &domain.MemberEventMessage{
		Type:     domain.MsgTypeMemberLeft,
		RoomID:   roomID,
		UserID:   userID,
		Username: c.Session.GetUsername(),
	}, c.ID); err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to announce member_left")
	}

	s.emit(ctx, kafka.EventMemberLeft, roomID, c, "")
}

// dropPlaybackIfEmpty removes the playback snapshot once no process has a
// member in the room.
func (s *watchService) dropPlaybackIfEmpty(ctx context.Context, roomID string) {
	l := log.Ctx(ctx)
	members, err := s.presence.Members(ctx, roomID)
	if err != nil {
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to read presence")
		return
	}
	if len(members) > 0 {
		return
	}
	if err := s.presence.DeletePlayback(ctx, roomID); err != nil {
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to delete playback state")
	}
}

// seedPlayback picks the initial state of a new session: the shared
// snapshot, else the room's current video paused at the start, else stopped.
func (s *watchService) seedPlayback(ctx context.Context, room *domain.Room) domain.PlaybackState {
	l := log.Ctx(ctx)
	cached, err := s.presence.GetPlayback(ctx, room.ID)
	if err != nil {
		l.Warn().Err(err).Str(log.FieldRoomID, room.ID).Msg("failed to read playback state")
	} else if cached != nil {
		return *cached
	}

	if room.CurrentVideoID == "" {
		return domain.NewPlaybackState("", "")
	}
	_, url, err := s.videos.Resolve(ctx, room.CurrentVideoID)
	if err != nil {
		l.Warn().Err(err).Str(log.FieldRoomID, room.ID).Str("video_id", room.CurrentVideoID).Msg("failed to resolve current video")
	}
	return domain.NewPlaybackState(room.CurrentVideoID, url)
}

func (s *watchService) joinedMessage(ctx context.Context, room *domain.Room, snap registry.Snapshot) *domain.RoomJoinedMessage {
	members, err := s.RoomMembers(ctx, snap.RoomID)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, snap.RoomID).Msg("falling back to local member list")
		members = snap.DistinctMembers()
	}
	return &domain.RoomJoinedMessage{
		Type:     domain.MsgTypeRoomJoined,
		Room:     room,
		RoomID:   snap.RoomID,
		Playback: snap.Playback,
		Members:  members,
	}
}

func (s *watchService) CheckRoomAccess(ctx context.Context, userID, roomID string) error {
	if !domain.ValidID(roomID) {
		return domain.Validation("room_id contains unsupported characters")
	}
	return s.checkAccess(ctx, userID, roomID, audit.ActionReadDenied)
}

func (s *watchService) RoomMembers(ctx context.Context, roomID string) ([]domain.Member, error) {
	entries, err := s.presence.Members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make([]domain.Member, 0, len(entries))
	for _, e := range entries {
		members = append(members, e.Member())
	}
	return members, nil
}

func (s *watchService) requireMember(c *hub.Client, roomID string) error {
	if !s.registry.IsMember(roomID, c.ID) {
		return domain.Forbidden("not a member of room %s", roomID)
	}
	return nil
}

func (s *watchService) HandlePlayback(ctx context.Context, c *hub.Client, cmd domain.PlaybackCommand) error {
	t := cmd.Value()
	userID := c.UserID()

	switch cmd.Type {
	case domain.MsgTypeVideoPlay:
		return s.mutatePlayback(ctx, c, cmd.RoomID, domain.PlaybackActionPlay, func(p domain.PlaybackState) domain.PlaybackState {
			return p.Play(t, userID)
		})
	case domain.MsgTypeVideoPause:
		return s.mutatePlayback(ctx, c, cmd.RoomID, domain.PlaybackActionPause, func(p domain.PlaybackState) domain.PlaybackState {
			return p.Pause(t, userID)
		})
	case domain.MsgTypeVideoSeek:
		return s.mutatePlayback(ctx, c, cmd.RoomID, domain.PlaybackActionSeek, func(p domain.PlaybackState) domain.PlaybackState {
			return p.Seek(t, userID)
		})
	default:
		return domain.Validation("unknown playback command: %s", cmd.Type)
	}
}

func (s *watchService) HandleVideoRate(ctx context.Context, c *hub.Client, cmd domain.VideoRateCommand) error {
	rate := *cmd.Rate
	userID := c.UserID()
	return s.mutatePlayback(ctx, c, cmd.RoomID, domain.PlaybackActionRate, func(p domain.PlaybackState) domain.PlaybackState {
		return p.WithRate(rate, userID)
	})
}

func (s *watchService) HandleVideoChange(ctx context.Context, c *hub.Client, cmd domain.VideoChangeCommand) error {
	roomID := cmd.RoomID
	userID := c.UserID()
	if err := s.requireMember(c, roomID); err != nil {
		return err
	}

	video, url, err := s.videos.Resolve(ctx, cmd.VideoID)
	switch {
	case errors.Is(err, repository.ErrVideoNotFound):
		return domain.Validation("video %s not found", cmd.VideoID)
	case errors.Is(err, media.ErrSourceMissing):
		return domain.Validation("video %s has no playable source", cmd.VideoID)
	case err != nil:
		return domain.Transient("failed to resolve video", err)
	}

	if err := s.rooms.SetCurrentVideo(ctx, roomID, video.ID); err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return domain.Forbidden("access to room %s denied", roomID)
		}
		return domain.Transient("failed to store current video", err)
	}

	if err := s.mutatePlayback(ctx, c, roomID, domain.PlaybackActionChange, func(p domain.PlaybackState) domain.PlaybackState {
		return p.ChangeVideo(video.ID, url, userID)
	}); err != nil {
		return err
	}

	audit.LogWithDetail(ctx, audit.ActionChangeVideo, userID, roomID, video.ID, "changed video")
	s.emit(ctx, kafka.EventVideoChanged, roomID, c, video.ID)
	return nil
}

// mutatePlayback commits a transition only after the shared snapshot accepted
// it, then echoes the new state to the rest of the room.
func (s *watchService) mutatePlayback(ctx context.Context, c *hub.Client, roomID, action string, transition func(domain.PlaybackState) domain.PlaybackState) error {
	next, err := s.registry.MutatePlayback(roomID, c.ID, func(current domain.PlaybackState) (domain.PlaybackState, error) {
		next := transition(current)
		if err := s.presence.SetPlayback(ctx, roomID, next); err != nil {
			return current, domain.Transient("failed to store playback state", err)
		}
		return next, nil
	})
	if errors.Is(err, registry.ErrNotMember) {
		return domain.Forbidden("not a member of room %s", roomID)
	}
	if err != nil {
		return err
	}

	return s.broadcastPlayback(ctx, roomID, &domain.VideoStateMessage{
		Type:     domain.MsgTypeVideoState,
		RoomID:   roomID,
		Action:   action,
		Playback: next,
	}, c.ID)
}
