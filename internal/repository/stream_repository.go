package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tullo/streamly/internal/models"
)

const streamColumns = `id, channel_id, video_id, title, url, state, started_at, ended_at,
        download_dispatched, capture_notified, created_at, updated_at`

func scanStream(row rowScanner) (*models.LiveStream, error) {
	var (
		s       models.LiveStream
		endedAt sql.NullTime
	)
	err := row.Scan(
		&s.ID,
		&s.ChannelID,
		&s.VideoID,
		&s.Title,
		&s.URL,
		&s.State,
		&s.StartedAt,
		&endedAt,
		&s.DownloadDispatched,
		&s.CaptureNotified,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.EndedAt = nullTime(endedAt)
	return &s, nil
}

// CreateStream inserts a live stream. A second insert for the same video id
// returns ErrConflict and leaves the first row untouched.
func (r *PostgresStore) CreateStream(ctx context.Context, s *models.LiveStream) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.State == "" {
		s.State = models.StreamLive
	}
	query := `
        INSERT INTO live_streams (id, channel_id, video_id, title, url, state, started_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (video_id) DO NOTHING
        RETURNING created_at, updated_at
    `
	err := r.db.QueryRowContext(ctx, query,
		s.ID,
		s.ChannelID,
		s.VideoID,
		s.Title,
		s.URL,
		s.State,
		s.StartedAt,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("failed to create stream: %w", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", mapErr(err))
	}
	return nil
}

func (r *PostgresStore) GetStream(ctx context.Context, id uuid.UUID) (*models.LiveStream, error) {
	query := `SELECT ` + streamColumns + ` FROM live_streams WHERE id = $1`
	s, err := scanStream(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", mapErr(err))
	}
	return s, nil
}

func (r *PostgresStore) GetStreamByVideoID(ctx context.Context, videoID string) (*models.LiveStream, error) {
	query := `SELECT ` + streamColumns + ` FROM live_streams WHERE video_id = $1`
	s, err := scanStream(r.db.QueryRowContext(ctx, query, videoID))
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", mapErr(err))
	}
	return s, nil
}

func (r *PostgresStore) ListStreams(ctx context.Context, f models.StreamFilter) ([]*models.LiveStream, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `
        SELECT ` + streamColumns + ` FROM live_streams
        WHERE ($1::uuid IS NULL OR channel_id = $1) AND ($2 = '' OR state = $2)
        ORDER BY started_at DESC LIMIT $3
    `
	rows, err := r.db.QueryContext(ctx, query, f.ChannelID, string(f.State), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	return collectStreams(rows)
}

func (r *PostgresStore) EndStream(ctx context.Context, id uuid.UUID, endedAt time.Time) (bool, error) {
	query := `UPDATE live_streams SET state = 'ended', ended_at = $1, updated_at = NOW() WHERE id = $2 AND state = 'live'`
	res, err := r.db.ExecContext(ctx, query, endedAt, id)
	if err != nil {
		return false, fmt.Errorf("failed to end stream: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to end stream: %w", err)
	}
	return n == 1, nil
}

// ListUndispatched returns ended streams whose download pair was never created.
func (r *PostgresStore) ListUndispatched(ctx context.Context) ([]*models.LiveStream, error) {
	query := `
        SELECT ` + streamColumns + ` FROM live_streams
        WHERE state = 'ended' AND download_dispatched = FALSE
        ORDER BY ended_at
    `
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list undispatched streams: %w", err)
	}
	return collectStreams(rows)
}

func (r *PostgresStore) MarkCaptureNotified(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `UPDATE live_streams SET capture_notified = TRUE, updated_at = NOW() WHERE id = $1 AND capture_notified = FALSE`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark capture notified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark capture notified: %w", err)
	}
	return n == 1, nil
}

func collectStreams(rows *sql.Rows) ([]*models.LiveStream, error) {
	defer rows.Close()

	var out []*models.LiveStream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stream: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
