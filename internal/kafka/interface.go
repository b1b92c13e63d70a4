package kafka

import (
	"context"
	"time"
)

// Activity event types.
const (
	EventMemberJoined = "member_joined"
	EventMemberLeft   = "member_left"
	EventVideoChanged = "video_changed"
	EventVoiceJoined  = "voice_joined"
	EventVoiceLeft    = "voice_left"
)

// ActivityEvent is one room activity record for downstream consumers
// (analytics, history). Keyed by room ID.
type ActivityEvent struct {
	Type       string    `json:"type"`
	RoomID     string    `json:"room_id"`
	UserID     string    `json:"user_id"`
	Username   string    `json:"username,omitempty"`
	VideoID    string    `json:"video_id,omitempty"`
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"timestamp"`
}

type ActivityProducer interface {
	ProduceActivity(ctx context.Context, event *ActivityEvent) error
	Close() error
}

// NopProducer drops every event. It is used when Kafka is disabled.
type NopProducer struct{}

func (NopProducer) ProduceActivity(context.Context, *ActivityEvent) error { return nil }
func (NopProducer) Close() error                                          { return nil }
