package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/hub"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/pubsub"
)

// validateSignalPayload checks that payload has the shape of its message
// type. The payload itself is forwarded untouched.
func validateSignalPayload(msgType string, payload json.RawMessage) error {
	switch msgType {
	case domain.MsgTypeVoiceOffer, domain.MsgTypeVoiceAnswer:
		want := webrtc.SDPTypeOffer
		if msgType == domain.MsgTypeVoiceAnswer {
			want = webrtc.SDPTypeAnswer
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(payload, &desc); err != nil {
			return domain.Validation("payload is not a session description")
		}
		if desc.Type != want {
			return domain.Validation("payload type must be %s", want)
		}
		if strings.TrimSpace(desc.SDP) == "" {
			return domain.Validation("payload sdp is required")
		}
	case domain.MsgTypeVoiceICECandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &candidate); err != nil {
			return domain.Validation("payload is not an ICE candidate")
		}
	default:
		return domain.Validation("unknown signal type: %s", msgType)
	}
	return nil
}

// HandleSignal relays without storing: a target that is not reachable right
// now never gets the payload.
func (s *watchService) HandleSignal(ctx context.Context, c *hub.Client, cmd domain.SignalCommand) error {
	userID := c.UserID()
	if cmd.TargetUserID == userID {
		return domain.Validation("target_user_id must not be the sender")
	}
	if err := validateSignalPayload(cmd.Type, cmd.Payload); err != nil {
		return err
	}
	if c.Session.GetVoiceRoom() != cmd.RoomID || !s.voice.IsParticipant(cmd.RoomID, userID, c.ID) {
		return domain.Forbidden("not a participant of voice room %s", cmd.RoomID)
	}

	data, err := json.Marshal(&domain.SignalMessage{
		Type:         cmd.Type,
		RoomID:       cmd.RoomID,
		FromUserID:   userID,
		FromUsername: c.Session.GetUsername(),
		TargetUserID: cmd.TargetUserID,
		Payload:      cmd.Payload,
	})
	if err != nil {
		return domain.Transient("failed to encode signal", err)
	}

	if _, ok := s.voice.ConnectionOf(cmd.RoomID, cmd.TargetUserID); ok {
		s.hub.SendToUserInVoice(cmd.TargetUserID, cmd.RoomID, data)
		return nil
	}
	s.publish(ctx, pubsub.UserSignalChannel(cmd.TargetUserID), pubsub.EventSignal, cmd.RoomID, data, "", cmd.TargetUserID)
	return nil
}
