package models

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventLiveStarted        EventType = "live.started"
	EventLiveEnded          EventType = "live.ended"
	EventDownloadCompleted  EventType = "download.completed"
	EventDownloadFailed     EventType = "download.failed"
	EventCaptureFinished    EventType = "capture.finished"
	EventChannelWarning     EventType = "channel.warning"
	EventChannelDeactivated EventType = "channel.deactivated"
	EventRetentionSwept     EventType = "retention.swept"
)

// Event is a state transition observed by the core. Side effects
// (notifications, download dispatch, fan-out to consoles) hang off events.
type Event struct {
	Type        EventType     `json:"type"`
	At          time.Time     `json:"at"`
	ChannelID   uuid.UUID     `json:"channel_id"`
	ChannelName string        `json:"channel_name,omitempty"`
	StreamID    uuid.UUID     `json:"stream_id,omitempty"`
	VideoID     string        `json:"video_id,omitempty"`
	Title       string        `json:"title,omitempty"`
	URL         string        `json:"url,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Quality     Quality       `json:"quality,omitempty"`
	FilePath    string        `json:"file_path,omitempty"`
	ByteSize    int64         `json:"byte_size,omitempty"`
	Failures    int           `json:"failures,omitempty"`
	Count       int           `json:"count,omitempty"`
	Error       string        `json:"error,omitempty"`
	Downloads   []Download    `json:"downloads,omitempty"`
}

// WSMessage is the envelope pushed to operator consoles.
type WSMessage struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}
