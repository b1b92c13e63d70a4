package pubsub

import "fmt"

// Channel naming conventions for watch-party fanout.
// Every channel has the form {prefix}:{scope}:{id}:{suffix} so the Kafka
// driver can map it onto a fixed topic keyed by id.
const (
	ChannelRoomEvents  = "watch:room:%s:events"
	ChannelVoiceEvents = "watch:voice:%s:events"
	ChannelUserSignal  = "watch:user:%s:signal"

	PatternRoomEvents  = "watch:room:*:events"
	PatternVoiceEvents = "watch:voice:*:events"
	PatternUserSignal  = "watch:user:*:signal"
)

// Event types carried on the fanout channels.
const (
	// EventRoomBroadcast wraps a client frame for every member of a room.
	EventRoomBroadcast = "room_broadcast"
	// EventPlaybackState carries a committed playback state; remote processes
	// apply it to their own session before forwarding the frame.
	EventPlaybackState = "playback_state"
	// EventVoiceBroadcast wraps a client frame for every voice participant.
	EventVoiceBroadcast = "voice_broadcast"
	// EventSignal carries a forwarded offer/answer/candidate for one user.
	EventSignal = "signal"
	// EventVoiceReplaced tells the process holding Target's voice seat that
	// the connection in Exclude took it over.
	EventVoiceReplaced = "voice_replaced"
)

// RoomEventsChannel returns the channel for room-scoped broadcasts.
func RoomEventsChannel(roomID string) string {
	return fmt.Sprintf(ChannelRoomEvents, roomID)
}

// VoiceEventsChannel returns the channel for voice-room broadcasts.
func VoiceEventsChannel(roomID string) string {
	return fmt.Sprintf(ChannelVoiceEvents, roomID)
}

// UserSignalChannel returns the channel for signaling payloads addressed to a user.
func UserSignalChannel(userID string) string {
	return fmt.Sprintf(ChannelUserSignal, userID)
}
