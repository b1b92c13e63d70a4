package domain

import "time"

// PlaybackStatus is the play/pause state of a room's player.
type PlaybackStatus string

const (
	PlaybackStopped PlaybackStatus = "stopped"
	PlaybackPlaying PlaybackStatus = "playing"
	PlaybackPaused  PlaybackStatus = "paused"
)

// Playback rate bounds accepted from clients.
const (
	MinPlaybackRate = 0.25
	MaxPlaybackRate = 4.0
)

// PlaybackState is the authoritative player state of a room. Every transition
// sets absolute values, so applying the same command twice is harmless.
type PlaybackState struct {
	VideoID      string         `json:"video_id"`
	StreamURL    string         `json:"stream_url,omitempty"`
	Status       PlaybackStatus `json:"status"`
	IsPlaying    bool           `json:"is_playing"`
	CurrentTime  float64        `json:"current_time"`
	PlaybackRate float64        `json:"playback_rate"`
	UpdatedAt    time.Time      `json:"updated_at"`
	UpdatedBy    string         `json:"updated_by,omitempty"`
}

// NewPlaybackState returns the initial state of a room: paused at the start of
// videoID, or stopped when no video is selected.
func NewPlaybackState(videoID, streamURL string) PlaybackState {
	s := PlaybackState{
		VideoID:      videoID,
		StreamURL:    streamURL,
		PlaybackRate: 1,
		UpdatedAt:    time.Now(),
	}
	if videoID == "" {
		return s.withStatus(PlaybackStopped)
	}
	return s.withStatus(PlaybackPaused)
}

func (s PlaybackState) withStatus(status PlaybackStatus) PlaybackState {
	s.Status = status
	s.IsPlaying = status == PlaybackPlaying
	return s
}

func (s PlaybackState) touched(by string) PlaybackState {
	s.UpdatedAt = time.Now()
	s.UpdatedBy = by
	if s.PlaybackRate == 0 {
		s.PlaybackRate = 1
	}
	return s
}

// Play starts playback at t.
func (s PlaybackState) Play(t float64, by string) PlaybackState {
	s.CurrentTime = t
	return s.withStatus(PlaybackPlaying).touched(by)
}

// Pause pauses playback at t.
func (s PlaybackState) Pause(t float64, by string) PlaybackState {
	s.CurrentTime = t
	return s.withStatus(PlaybackPaused).touched(by)
}

// Seek moves to t and keeps the current play/pause state.
func (s PlaybackState) Seek(t float64, by string) PlaybackState {
	s.CurrentTime = t
	return s.touched(by)
}

// WithRate changes the playback rate.
func (s PlaybackState) WithRate(rate float64, by string) PlaybackState {
	s.PlaybackRate = rate
	return s.touched(by)
}

// ChangeVideo switches to a new video, paused at its start.
func (s PlaybackState) ChangeVideo(videoID, streamURL, by string) PlaybackState {
	s.VideoID = videoID
	s.StreamURL = streamURL
	s.CurrentTime = 0
	return s.withStatus(PlaybackPaused).touched(by)
}
