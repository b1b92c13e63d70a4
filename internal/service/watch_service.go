package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/audit"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/hub"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/kafka"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/presence"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/registry"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/repository"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/voice"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/log"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/pubsub"
)

// VideoResolver finds videos and their playable URLs.
type VideoResolver interface {
	Lookup(ctx context.Context, videoID string) (*domain.Video, error)
	Resolve(ctx context.Context, videoID string) (*domain.Video, string, error)
}

// Dependencies are the collaborators of the watch service. Access defaults to
// Rooms and Activity to kafka.NopProducer.
type Dependencies struct {
	Hub      *hub.Hub
	Registry *registry.Registry
	Voice    *voice.Manager
	Presence presence.Cache
	PubSub   pubsub.PubSub
	Rooms    repository.RoomRepository
	Access   repository.Authorizer
	Chat     repository.ChatRepository
	Playlist repository.PlaylistRepository
	Videos   VideoResolver
	Activity kafka.ActivityProducer
}

// Options tune the watch service.
type Options struct {
	InstanceID        string
	MaxChatLength     int
	HeartbeatInterval time.Duration
	ICEServers        []webrtc.ICEServer
}

type watchService struct {
	hub      *hub.Hub
	registry *registry.Registry
	voice    *voice.Manager
	presence presence.Cache
	pubsub   pubsub.PubSub
	rooms    repository.RoomRepository
	access   repository.Authorizer
	chat     repository.ChatRepository
	playlist repository.PlaylistRepository
	videos   VideoResolver
	activity kafka.ActivityProducer

	instanceID        string
	maxChatLength     int
	heartbeatInterval time.Duration
	iceServers        []webrtc.ICEServer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatchService creates a new WatchService instance.
func NewWatchService(deps Dependencies, opts Options) WatchService {
	access := deps.Access
	if access == nil {
		access = deps.Rooms
	}
	activity := deps.Activity
	if activity == nil {
		activity = kafka.NopProducer{}
	}
	if opts.MaxChatLength < 1 {
		opts.MaxChatLength = 2000
	}
	return &watchService{
		hub:               deps.Hub,
		registry:          deps.Registry,
		voice:             deps.Voice,
		presence:          deps.Presence,
		pubsub:            deps.PubSub,
		rooms:             deps.Rooms,
		access:            access,
		chat:              deps.Chat,
		playlist:          deps.Playlist,
		videos:            deps.Videos,
		activity:          activity,
		instanceID:        opts.InstanceID,
		maxChatLength:     opts.MaxChatLength,
		heartbeatInterval: opts.HeartbeatInterval,
		iceServers:        opts.ICEServers,
	}
}

func (s *watchService) HandleConnect(ctx context.Context, c *hub.Client) {
	s.hub.Register(c)
	audit.Log(ctx, audit.ActionConnect, c.UserID(), "connection opened")
}

func (s *watchService) HandleDisconnect(ctx context.Context, c *hub.Client) {
	if roomID := c.Session.GetVoiceRoom(); roomID != "" {
		s.departVoice(ctx, c, roomID, s.removeVoicePresence(ctx, c, roomID))
	}
	if roomID := c.Session.GetCurrentRoom(); roomID != "" {
		s.departRoom(ctx, c, roomID, s.removeRoomPresence(ctx, c, roomID))
	}
	s.hub.Unregister(c)
	audit.Log(ctx, audit.ActionDisconnect, c.UserID(), "connection closed")
}

func (s *watchService) DisconnectAll(ctx context.Context) {
	clients := s.hub.Clients()
	for _, c := range clients {
		s.HandleDisconnect(ctx, c)
	}
	l := log.Ctx(ctx)
	l.Info().Int("connections", len(clients)).Msg("disconnected local connections")
}

func (s *watchService) ICEServers() []webrtc.ICEServer {
	return s.iceServers
}

func (s *watchService) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	patterns := []string{pubsub.PatternRoomEvents, pubsub.PatternVoiceEvents, pubsub.PatternUserSignal}
	for _, pattern := range patterns {
		eventCh, err := s.pubsub.SubscribePattern(ctx, pattern)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
		}
		s.wg.Add(1)
		go s.handleFanoutEvents(ctx, eventCh)
	}

	if s.heartbeatInterval > 0 {
		s.wg.Add(1)
		go s.runHeartbeat(ctx)
	}

	l := log.L()
	l.Info().Str(log.FieldInstanceID, s.instanceID).Strs("patterns", patterns).Msg("watch service started")
	return nil
}

func (s *watchService) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

// checkAccess maps the authorizer result onto the error taxonomy. Unknown
// rooms are reported like denied ones.
func (s *watchService) checkAccess(ctx context.Context, userID, roomID, deniedAction string) error {
	ok, err := s.access.CanAccess(ctx, roomID, userID)
	if errors.Is(err, repository.ErrRoomNotFound) || (err == nil && !ok) {
		audit.LogRoom(ctx, deniedAction, userID, roomID, "room access denied")
		return domain.Forbidden("access to room %s denied", roomID)
	}
	if err != nil {
		return domain.Transient("failed to check room access", err)
	}
	return nil
}

// broadcastRoom delivers msg to local room members except exclude and
// publishes it for other processes.
func (s *watchService) broadcastRoom(ctx context.Context, roomID string, msg interface{}, exclude string) error {
	return s.fanout(ctx, pubsub.RoomEventsChannel(roomID), pubsub.EventRoomBroadcast, roomID, msg, exclude, func(data []byte) {
		s.hub.BroadcastToRoom(roomID, data, exclude)
	})
}

// broadcastPlayback is broadcastRoom for committed playback states; remote
// processes apply the state before forwarding the frame.
func (s *watchService) broadcastPlayback(ctx context.Context, roomID string, msg *domain.VideoStateMessage, exclude string) error {
	return s.fanout(ctx, pubsub.RoomEventsChannel(roomID), pubsub.EventPlaybackState, roomID, msg, exclude, func(data []byte) {
		s.hub.BroadcastToRoom(roomID, data, exclude)
	})
}

func (s *watchService) broadcastVoice(ctx context.Context, roomID string, msg interface{}, exclude string) error {
	return s.fanout(ctx, pubsub.VoiceEventsChannel(roomID), pubsub.EventVoiceBroadcast, roomID, msg, exclude, func(data []byte) {
		s.hub.BroadcastToVoice(roomID, data, exclude)
	})
}

func (s *watchService) fanout(ctx context.Context, channel, eventType, roomID string, msg interface{}, exclude string, local func([]byte)) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return domain.Transient("failed to encode message", err)
	}
	local(data)
	s.publish(ctx, channel, eventType, roomID, data, exclude, "")
	return nil
}

// publish hands a frame to the fanout bus. Failures are logged and dropped:
// local delivery already happened and the bus is best effort.
func (s *watchService) publish(ctx context.Context, channel, eventType, roomID string, data []byte, exclude, target string) {
	l := log.Ctx(ctx)
	event, err := pubsub.NewEvent(eventType, roomID, data)
	if err != nil {
		l.Error().Err(err).Str(log.FieldChannel, channel).Msg("failed to build fanout event")
		return
	}
	event.Origin = s.instanceID
	event.Exclude = exclude
	event.Target = target

	if err := s.pubsub.Publish(ctx, channel, event); err != nil {
		l.Warn().Err(err).Str(log.FieldChannel, channel).Str(log.FieldRoomID, roomID).Msg("failed to publish fanout event")
	}
}

// emit sends an activity event. The activity stream is non-critical.
func (s *watchService) emit(ctx context.Context, eventType, roomID string, c *hub.Client, videoID string) {
	event := &kafka.ActivityEvent{
		Type:       eventType,
		RoomID:     roomID,
		UserID:     c.UserID(),
		Username:   c.Session.GetUsername(),
		VideoID:    videoID,
		InstanceID: s.instanceID,
		Timestamp:  time.Now(),
	}
	if err := s.activity.ProduceActivity(ctx, event); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str("event_type", eventType).Str(log.FieldRoomID, roomID).Msg("failed to produce activity event")
	}
}
