package service

import (
	"context"
	"time"

	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/log"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/pubsub"
)

func (s *watchService) handleFanoutEvents(ctx context.Context, eventCh <-chan *pubsub.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			s.processFanoutEvent(event)
		}
	}
}

// processFanoutEvent delivers an event published by another process to the
// local connections it addresses. Events of this process were delivered
// locally before publishing.
func (s *watchService) processFanoutEvent(event *pubsub.Event) {
	if event.Origin == s.instanceID {
		return
	}

	switch event.Type {
	case pubsub.EventRoomBroadcast:
		s.hub.BroadcastToRoom(event.RoomID, event.Payload, event.Exclude)

	case pubsub.EventPlaybackState:
		var msg domain.VideoStateMessage
		if err := event.UnmarshalPayload(&msg); err != nil {
			l := log.L()
			l.Warn().Err(err).Str(log.FieldRoomID, event.RoomID).Msg("failed to unmarshal playback state")
			return
		}
		s.registry.ApplyPlayback(event.RoomID, msg.Playback)
		s.hub.BroadcastToRoom(event.RoomID, event.Payload, event.Exclude)

	case pubsub.EventVoiceBroadcast:
		s.hub.BroadcastToVoice(event.RoomID, event.Payload, event.Exclude)

	case pubsub.EventSignal:
		if event.Target == "" {
			return
		}
		if _, ok := s.voice.ConnectionOf(event.RoomID, event.Target); !ok {
			return
		}
		s.hub.SendToUserInVoice(event.Target, event.RoomID, event.Payload)

	case pubsub.EventVoiceReplaced:
		if event.Target == "" {
			return
		}
		s.releaseReplacedSeat(context.Background(), event.RoomID, event.Target, event.Exclude)

	default:
		l := log.L()
		l.Debug().Str("event_type", event.Type).Msg("ignoring unknown fanout event")
	}
}

// runHeartbeat keeps the presence entries of this process's connections
// from going stale.
func (s *watchService) runHeartbeat(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshPresence(ctx)
		}
	}
}

func (s *watchService) refreshPresence(ctx context.Context) {
	l := log.L()
	for _, c := range s.hub.Clients() {
		userID := c.UserID()
		if roomID := c.Session.GetCurrentRoom(); roomID != "" {
			if err := s.presence.TouchMember(ctx, roomID, userID, c.ID); err != nil {
				l.Warn().Err(err).Str(log.FieldRoomID, roomID).Str(log.FieldConnectionID, c.ID).Msg("failed to refresh presence")
			}
		}
		if roomID := c.Session.GetVoiceRoom(); roomID != "" {
			if err := s.presence.TouchVoiceParticipant(ctx, roomID, userID, c.ID); err != nil {
				l.Warn().Err(err).Str(log.FieldRoomID, roomID).Str(log.FieldConnectionID, c.ID).Msg("failed to refresh voice presence")
			}
		}
	}
}
