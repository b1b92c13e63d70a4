package pubsub

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPubSubPatternDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	pub := NewRedisPubSubFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	sub := NewRedisPubSubFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer pub.Close()
	defer sub.Close()

	ch, err := sub.SubscribePattern(ctx, PatternVoiceEvents)
	require.NoError(t, err)

	ev, err := NewEvent(EventVoiceBroadcast, "r7", map[string]int{"n": 1})
	require.NoError(t, err)
	ev.Origin = "node-a"
	ev.Exclude = "conn-1"
	require.NoError(t, pub.Publish(ctx, VoiceEventsChannel("r7"), ev))

	got := receive(t, ch)
	assert.Equal(t, EventVoiceBroadcast, got.Type)
	assert.Equal(t, "r7", got.RoomID)
	assert.Equal(t, "node-a", got.Origin)
	assert.Equal(t, "conn-1", got.Exclude)

	require.NoError(t, sub.Unsubscribe(ctx, PatternVoiceEvents))
	for range ch {
	}
}
