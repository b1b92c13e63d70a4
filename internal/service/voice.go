package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/weiawesome/wes-io-live/watchparty-service/internal/audit"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/hub"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/kafka"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/presence"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/voice"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/log"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/pubsub"
)

func (s *watchService) HandleVoiceJoin(ctx context.Context, c *hub.Client, cmd domain.VoiceJoinCommand) error {
	roomID := cmd.RoomID
	userID := c.UserID()
	if cmd.UserID != "" && cmd.UserID != userID {
		return domain.Forbidden("user_id does not match the authenticated user")
	}
	username := strings.TrimSpace(cmd.Username)
	if username == "" {
		username = c.Session.GetUsername()
	}

	if err := s.checkAccess(ctx, userID, roomID, audit.ActionVoiceRejected); err != nil {
		return err
	}

	if c.Session.GetVoiceRoom() == roomID && s.voice.IsParticipant(roomID, userID, c.ID) {
		return c.SendMessage(s.participantsMessage(ctx, roomID))
	}

	limit := s.voice.MaxParticipants()
	entry := domain.VoiceRosterEntry{
		UserID:       userID,
		Username:     username,
		ConnectionID: c.ID,
		InstanceID:   s.instanceID,
		JoinedAt:     time.Now(),
	}
	added, err := s.presence.AddVoiceParticipant(ctx, roomID, entry, limit)
	if err != nil {
		return domain.Transient("failed to record voice participant", err)
	}
	if !added {
		audit.LogWithDetail(ctx, audit.ActionVoiceRejected, userID, roomID, "room_full", "voice room is full")
		return domain.Capacity(limit)
	}
	// A full local room must be refused before c leaves its current one.
	if !s.voice.CanJoin(roomID, userID) {
		return s.rejectVoiceJoin(ctx, c, roomID, limit)
	}

	if current := c.Session.GetVoiceRoom(); current != "" && current != roomID {
		s.departVoice(ctx, c, current, s.removeVoicePresence(ctx, c, current))
	}

	participant, replaced, err := s.voice.Join(roomID, userID, username, c.ID)
	if errors.Is(err, voice.ErrRoomFull) {
		return s.rejectVoiceJoin(ctx, c, roomID, limit)
	}
	if err != nil {
		return domain.Transient("failed to join voice room", err)
	}

	if replaced != "" && replaced != c.ID {
		s.detachReplaced(ctx, replaced, roomID)
	} else if replaced == "" {
		// The previous seat of the user, if any, is held by another process.
		s.publish(ctx, pubsub.UserSignalChannel(userID), pubsub.EventVoiceReplaced, roomID, nil, c.ID, userID)
	}

	s.hub.JoinVoice(c, roomID)
	c.Session.JoinVoice(roomID)

	if err := s.broadcastVoice(ctx, roomID, &domain.VoiceParticipantMessage{
		Type:        domain.MsgTypeVoiceParticipantJoined,
		RoomID:      roomID,
		Participant: participant,
	}, c.ID); err != nil {
		return err
	}
	if err := c.SendMessage(s.participantsMessage(ctx, roomID)); err != nil {
		return err
	}

	audit.LogRoom(ctx, audit.ActionVoiceJoin, userID, roomID, "joined voice room")
	s.emit(ctx, kafka.EventVoiceJoined, roomID, c, "")
	return nil
}

// rejectVoiceJoin undoes the roster entry of a join refused for capacity.
func (s *watchService) rejectVoiceJoin(ctx context.Context, c *hub.Client, roomID string, limit int) error {
	userID := c.UserID()
	if _, err := s.presence.RemoveVoiceParticipant(ctx, roomID, userID, c.ID); err != nil && !errors.Is(err, presence.ErrVoiceReplaced) {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to roll back voice participant")
	}
	audit.LogWithDetail(ctx, audit.ActionVoiceRejected, userID, roomID, "room_full", "voice room is full")
	return domain.Capacity(limit)
}

// detachReplaced moves an older local connection of the same user out of the
// voice room without announcing a departure.
func (s *watchService) detachReplaced(ctx context.Context, connectionID, roomID string) {
	old, ok := s.hub.Get(connectionID)
	if !ok {
		return
	}
	s.hub.LeaveVoice(old, roomID)
	old.Session.LeaveVoice(roomID)
	old.SendMessage(&domain.VoiceLeftMessage{
		Type:   domain.MsgTypeVoiceLeft,
		RoomID: roomID,
	})
	l := log.Ctx(ctx)
	l.Debug().Str(log.FieldRoomID, roomID).Str("replaced_connection_id", connectionID).Msg("voice connection replaced")
}

// releaseReplacedSeat drops the local seat of userID after a connection on
// another process took it over, then detaches the old connection.
func (s *watchService) releaseReplacedSeat(ctx context.Context, roomID, userID, newConnectionID string) {
	old, ok := s.voice.ConnectionOf(roomID, userID)
	if !ok || old == newConnectionID {
		return
	}
	if _, _, err := s.voice.Leave(roomID, userID, old); err != nil {
		return
	}
	s.detachReplaced(ctx, old, roomID)
}

func (s *watchService) HandleVoiceLeave(ctx context.Context, c *hub.Client, cmd domain.VoiceLeaveCommand) error {
	roomID := c.Session.GetVoiceRoom()
	if roomID == "" || (cmd.RoomID != "" && cmd.RoomID != roomID) {
		return domain.Forbidden("not in voice room")
	}
	_, err := s.presence.RemoveVoiceParticipant(ctx, roomID, c.UserID(), c.ID)
	if err != nil && !errors.Is(err, presence.ErrVoiceReplaced) {
		return domain.Transient("failed to remove voice participant", err)
	}

	s.departVoice(ctx, c, roomID, err == nil)
	return c.SendMessage(&domain.VoiceLeftMessage{
		Type:   domain.MsgTypeVoiceLeft,
		RoomID: roomID,
	})
}

// removeVoicePresence drops c's roster entry. It reports false when another
// connection of the user already took the entry over, in which case the
// departure must not be announced.
func (s *watchService) removeVoicePresence(ctx context.Context, c *hub.Client, roomID string) bool {
	_, err := s.presence.RemoveVoiceParticipant(ctx, roomID, c.UserID(), c.ID)
	if errors.Is(err, presence.ErrVoiceReplaced) {
		return false
	}
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to remove voice participant")
	}
	return true
}

// departVoice detaches c from the voice room and announces it when c still
// held the participant and announce is set.
func (s *watchService) departVoice(ctx context.Context, c *hub.Client, roomID string, announce bool) {
	l := log.Ctx(ctx)
	userID := c.UserID()

	participant, _, err := s.voice.Leave(roomID, userID, c.ID)
	s.hub.LeaveVoice(c, roomID)
	c.Session.LeaveVoice(roomID)
	if err != nil || !announce {
		return
	}

	if err := s.broadcastVoice(ctx, roomID, &domain.VoiceParticipantMessage{
		Type:        domain.MsgTypeVoiceParticipantLeft,
		RoomID:      roomID,
		Participant: participant,
	}, c.ID); err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to announce voice_participant_left")
	}

	audit.LogRoom(ctx, audit.ActionVoiceLeave, userID, roomID, "left voice room")
	s.emit(ctx, kafka.EventVoiceLeft, roomID, c, "")
}

// voiceRoomOf returns the voice room c currently holds a participant in.
func (s *watchService) voiceRoomOf(c *hub.Client) (string, error) {
	roomID := c.Session.GetVoiceRoom()
	if roomID == "" || !s.voice.IsParticipant(roomID, c.UserID(), c.ID) {
		return "", domain.Forbidden("not in a voice room")
	}
	return roomID, nil
}

func (s *watchService) HandleVoiceMute(ctx context.Context, c *hub.Client, cmd domain.VoiceMuteCommand) error {
	return s.setVoiceFlag(ctx, c, domain.MsgTypeVoiceParticipantMuted, cmd.Muted,
		func(e *domain.VoiceRosterEntry) { e.IsMuted = cmd.Muted },
		s.voice.SetMuted)
}

func (s *watchService) HandleVoiceDeafen(ctx context.Context, c *hub.Client, cmd domain.VoiceDeafenCommand) error {
	return s.setVoiceFlag(ctx, c, domain.MsgTypeVoiceParticipantDeafened, cmd.Deafened,
		func(e *domain.VoiceRosterEntry) { e.IsDeafened = cmd.Deafened },
		s.voice.SetDeafened)
}

// setVoiceFlag writes a mute or deafen change to the shared roster first so a
// cache failure leaves the local participant untouched.
func (s *watchService) setVoiceFlag(
	ctx context.Context,
	c *hub.Client,
	msgType string,
	value bool,
	apply func(*domain.VoiceRosterEntry),
	set func(roomID, userID, connectionID string, value bool) (domain.VoiceParticipant, error),
) error {
	roomID, err := s.voiceRoomOf(c)
	if err != nil {
		return err
	}
	userID := c.UserID()

	current, err := s.voice.Get(roomID, userID, c.ID)
	if err != nil {
		return domain.Forbidden("not in a voice room")
	}
	entry := domain.VoiceRosterEntry{
		UserID:       userID,
		Username:     current.Username,
		ConnectionID: c.ID,
		InstanceID:   s.instanceID,
		IsMuted:      current.IsMuted,
		IsDeafened:   current.IsDeafened,
		JoinedAt:     current.JoinedAt,
	}
	apply(&entry)
	if err := s.presence.UpdateVoiceParticipant(ctx, roomID, entry); err != nil {
		return domain.Transient("failed to update voice participant", err)
	}

	if _, err := set(roomID, userID, c.ID, value); err != nil {
		return domain.Forbidden("not in a voice room")
	}
	return s.broadcastVoice(ctx, roomID, &domain.VoiceStateMessage{
		Type:   msgType,
		RoomID: roomID,
		UserID: userID,
		Value:  value,
	}, "")
}

func (s *watchService) HandleVoiceSpeaking(ctx context.Context, c *hub.Client, cmd domain.VoiceSpeakingCommand) error {
	roomID, err := s.voiceRoomOf(c)
	if err != nil {
		return err
	}
	if _, err := s.voice.SetSpeaking(roomID, c.UserID(), c.ID, cmd.Speaking); err != nil {
		return domain.Forbidden("not in a voice room")
	}
	return s.broadcastVoice(ctx, roomID, &domain.VoiceStateMessage{
		Type:   domain.MsgTypeVoiceParticipantSpeaking,
		RoomID: roomID,
		UserID: c.UserID(),
		Value:  cmd.Speaking,
	}, c.ID)
}

func (s *watchService) HandleVoiceAudioLevel(ctx context.Context, c *hub.Client, cmd domain.VoiceAudioLevelCommand) error {
	roomID, err := s.voiceRoomOf(c)
	if err != nil {
		return err
	}
	level := cmd.Value()
	broadcast, err := s.voice.ReportAudioLevel(roomID, c.UserID(), c.ID, level)
	if err != nil {
		return domain.Forbidden("not in a voice room")
	}
	if !broadcast {
		return nil
	}
	return s.broadcastVoice(ctx, roomID, &domain.VoiceAudioLevelMessage{
		Type:   domain.MsgTypeVoiceParticipantAudioLevel,
		RoomID: roomID,
		UserID: c.UserID(),
		Level:  level,
	}, c.ID)
}

// VoiceParticipants merges the shared roster with the live state of
// participants held by this process. It falls back to the local view when
// the roster cannot be read.
func (s *watchService) VoiceParticipants(ctx context.Context, roomID string) []domain.VoiceParticipant {
	local := s.voice.Participants(roomID)
	roster, err := s.presence.VoiceParticipants(ctx, roomID)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("falling back to local voice roster")
		return local
	}

	byUser := make(map[string]domain.VoiceParticipant, len(local))
	for _, p := range local {
		byUser[p.UserID] = p
	}
	out := make([]domain.VoiceParticipant, 0, len(roster))
	for _, e := range roster {
		if p, ok := byUser[e.UserID]; ok {
			out = append(out, p)
			continue
		}
		out = append(out, domain.VoiceParticipant{
			UserID:     e.UserID,
			Username:   e.Username,
			IsMuted:    e.IsMuted,
			IsDeafened: e.IsDeafened,
			JoinedAt:   e.JoinedAt,
		})
	}
	return out
}

func (s *watchService) participantsMessage(ctx context.Context, roomID string) *domain.VoiceParticipantsMessage {
	return &domain.VoiceParticipantsMessage{
		Type:         domain.MsgTypeVoiceParticipants,
		RoomID:       roomID,
		Participants: s.VoiceParticipants(ctx, roomID),
		ICEServers:   s.iceServers,
	}
}
