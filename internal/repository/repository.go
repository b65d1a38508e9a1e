package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tullo/streamly/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint rejects a write. Callers
	// treat it as "the existing row wins".
	ErrConflict = errors.New("conflict")
)

type ChannelRepository interface {
	CreateChannel(ctx context.Context, ch *models.Channel) error
	GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error)
	GetChannelByPlatformID(ctx context.Context, platformID string) (*models.Channel, error)
	ListChannels(ctx context.Context, activeOnly bool) ([]*models.Channel, error)
	UpdateChannel(ctx context.Context, ch *models.Channel) error
	RecordCheck(ctx context.Context, id uuid.UUID, checkedAt time.Time, failures int) error
	SetChannelActive(ctx context.Context, id uuid.UUID, active bool) error
	SetLastLive(ctx context.Context, id uuid.UUID, at time.Time) error
}

type StreamRepository interface {
	CreateStream(ctx context.Context, s *models.LiveStream) error
	GetStream(ctx context.Context, id uuid.UUID) (*models.LiveStream, error)
	GetStreamByVideoID(ctx context.Context, videoID string) (*models.LiveStream, error)
	ListStreams(ctx context.Context, f models.StreamFilter) ([]*models.LiveStream, error)
	// EndStream moves a live stream to ended. It reports false when the stream
	// was not live, so exactly one caller observes the transition.
	EndStream(ctx context.Context, id uuid.UUID, endedAt time.Time) (bool, error)
	ListUndispatched(ctx context.Context) ([]*models.LiveStream, error)
	// MarkCaptureNotified flips capture_notified once; later calls report false.
	MarkCaptureNotified(ctx context.Context, id uuid.UUID) (bool, error)
}

type DownloadRepository interface {
	// CreateDownloadPair inserts one pending row per quality tier and marks the
	// stream dispatched, all in one transaction. An existing pair yields
	// ErrConflict and no writes.
	CreateDownloadPair(ctx context.Context, streamID uuid.UUID, at time.Time) ([]*models.Download, error)
	GetDownload(ctx context.Context, id uuid.UUID) (*models.Download, error)
	ListDownloads(ctx context.Context, f models.DownloadFilter) ([]*models.Download, error)
	// ClaimDownload moves pending to running; false means someone else owns it.
	ClaimDownload(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error)
	CompleteDownload(ctx context.Context, id uuid.UUID, filePath string, size int64, completedAt, deleteAfter time.Time) error
	FailDownload(ctx context.Context, id uuid.UUID, u models.FailureUpdate) error
	// ResetDownload moves a failed row back to pending with a fresh retry count.
	ResetDownload(ctx context.Context, id uuid.UUID) (bool, error)
	// RequeueRunning returns running rows to pending, except those listed as
	// still owned by a live worker.
	RequeueRunning(ctx context.Context, except []uuid.UUID) (int, error)
	ListExpired(ctx context.Context, now time.Time) ([]*models.Download, error)
	DeleteDownload(ctx context.Context, id uuid.UUID) error
}

// Store is the full persistence surface used by the daemon.
type Store interface {
	ChannelRepository
	StreamRepository
	DownloadRepository
	Close() error
}
