package models

import (
	"time"

	"github.com/google/uuid"
)

type StreamState string

const (
	StreamLive  StreamState = "live"
	StreamEnded StreamState = "ended"
)

// LiveStream is one physical broadcast, identified by its platform video id.
// State only moves forward: live -> ended.
type LiveStream struct {
	ID                 uuid.UUID   `json:"id" db:"id"`
	ChannelID          uuid.UUID   `json:"channel_id" db:"channel_id"`
	VideoID            string      `json:"video_id" db:"video_id"`
	Title              string      `json:"title" db:"title"`
	URL                string      `json:"url" db:"url"`
	State              StreamState `json:"state" db:"state"`
	StartedAt          time.Time   `json:"started_at" db:"started_at"`
	EndedAt            *time.Time  `json:"ended_at,omitempty" db:"ended_at"`
	DownloadDispatched bool        `json:"download_dispatched" db:"download_dispatched"`
	CaptureNotified    bool        `json:"capture_notified" db:"capture_notified"`
	CreatedAt          time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at" db:"updated_at"`
}

// Duration is the broadcast length, zero while still live.
func (s *LiveStream) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

type StreamFilter struct {
	ChannelID *uuid.UUID
	State     StreamState
	Limit     int
}
