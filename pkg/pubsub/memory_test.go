package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, ch <-chan *Event) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBrokerFansOutAcrossClients(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker()
	a, b := broker.Client(), broker.Client()
	defer a.Close()
	defer b.Close()

	chA, err := a.SubscribePattern(ctx, PatternRoomEvents)
	require.NoError(t, err)
	chB, err := b.Subscribe(ctx, RoomEventsChannel("r1"))
	require.NoError(t, err)

	ev, err := NewEvent(EventRoomBroadcast, "r1", map[string]string{"hello": "world"})
	require.NoError(t, err)
	ev.Origin = "a"
	require.NoError(t, a.Publish(ctx, RoomEventsChannel("r1"), ev))

	gotA := receive(t, chA)
	gotB := receive(t, chB)
	assert.Equal(t, "r1", gotA.RoomID)
	assert.Equal(t, "a", gotB.Origin)
	assert.JSONEq(t, `{"hello":"world"}`, string(gotB.Payload))

	// Different room: only the pattern subscriber sees it.
	require.NoError(t, b.Publish(ctx, RoomEventsChannel("r2"), ev))
	assert.Equal(t, "r1", receive(t, chA).RoomID)
	assertNoEvent(t, chB)
}

func TestMemoryUnsubscribeAndContextCancel(t *testing.T) {
	broker := NewMemoryBroker()
	c := broker.Client()
	defer c.Close()

	ch, err := c.Subscribe(context.Background(), UserSignalChannel("u1"))
	require.NoError(t, err)
	require.NoError(t, c.Unsubscribe(context.Background(), UserSignalChannel("u1")))
	_, ok := <-ch
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err = c.SubscribePattern(ctx, PatternUserSignal)
	require.NoError(t, err)
	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
}

func TestMemoryClosedClientRejectsPublish(t *testing.T) {
	c := NewMemoryBroker().Client()
	require.NoError(t, c.Close())
	ev, _ := NewEvent(EventSignal, "r", []byte(`{}`))
	assert.Error(t, c.Publish(context.Background(), UserSignalChannel("u"), ev))
}

func TestNewEventKeepsRawPayload(t *testing.T) {
	raw := []byte(`{"type":"offer","sdp":"v=0"}`)
	ev, err := NewEvent(EventSignal, "r1", raw)
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(ev.Payload))

	var out map[string]string
	require.NoError(t, ev.UnmarshalPayload(&out))
	assert.Equal(t, "offer", out["type"])
}
