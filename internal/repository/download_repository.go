package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/tullo/streamly/internal/models"
)

const downloadColumns = `id, stream_id, quality, status, file_path, byte_size, started_at, completed_at,
        retry_count, last_error, delete_after, created_at, updated_at`

func scanDownload(row rowScanner) (*models.Download, error) {
	var d models.Download
	var startedAt, completedAt, deleteAfter sql.NullTime
	err := row.Scan(
		&d.ID,
		&d.StreamID,
		&d.Quality,
		&d.Status,
		&d.FilePath,
		&d.ByteSize,
		&startedAt,
		&completedAt,
		&d.RetryCount,
		&d.LastError,
		&deleteAfter,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.StartedAt = nullTime(startedAt)
	d.CompletedAt = nullTime(completedAt)
	d.DeleteAfter = nullTime(deleteAfter)
	return &d, nil
}

func (r *PostgresStore) CreateDownloadPair(ctx context.Context, streamID uuid.UUID, at time.Time) ([]*models.Download, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The flag flip doubles as the lock: only one dispatcher gets a row back.
	res, err := tx.ExecContext(ctx,
		`UPDATE live_streams SET download_dispatched = TRUE, updated_at = NOW()
         WHERE id = $1 AND state = 'ended' AND download_dispatched = FALSE`, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark stream dispatched: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to mark stream dispatched: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("failed to create download pair: %w", ErrConflict)
	}

	query := `
        INSERT INTO downloads (id, stream_id, quality, status, created_at, updated_at)
        VALUES ($1,$2,$3,'pending',$4,$4)
        ON CONFLICT (stream_id, quality) DO NOTHING
        RETURNING ` + downloadColumns

	out := make([]*models.Download, 0, len(models.Qualities))
	for _, q := range models.Qualities {
		d, err := scanDownload(tx.QueryRowContext(ctx, query, uuid.New(), streamID, q, at))
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("failed to create %s download: %w", q, ErrConflict)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create %s download: %w", q, mapErr(err))
		}
		out = append(out, d)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit download pair: %w", err)
	}
	return out, nil
}

func (r *PostgresStore) GetDownload(ctx context.Context, id uuid.UUID) (*models.Download, error) {
	query := `SELECT ` + downloadColumns + ` FROM downloads WHERE id = $1`
	d, err := scanDownload(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get download: %w", mapErr(err))
	}
	return d, nil
}

func (r *PostgresStore) ListDownloads(ctx context.Context, f models.DownloadFilter) ([]*models.Download, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `
        SELECT ` + downloadColumns + ` FROM downloads
        WHERE ($1::uuid IS NULL OR stream_id = $1) AND ($2 = '' OR status = $2)
        ORDER BY created_at DESC, quality LIMIT $3
    `
	rows, err := r.db.QueryContext(ctx, query, f.StreamID, string(f.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	return collectDownloads(rows)
}

func (r *PostgresStore) ClaimDownload(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	query := `UPDATE downloads SET status = 'running', started_at = $1, updated_at = NOW() WHERE id = $2 AND status = 'pending'`
	res, err := r.db.ExecContext(ctx, query, startedAt, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim download: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim download: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresStore) CompleteDownload(ctx context.Context, id uuid.UUID, filePath string, size int64, completedAt, deleteAfter time.Time) error {
	query := `
        UPDATE downloads
        SET status = 'succeeded', file_path = $1, byte_size = $2, completed_at = $3, delete_after = $4,
            last_error = '', updated_at = NOW()
        WHERE id = $5 AND status = 'running'
    `
	return r.execOne(ctx, "complete download", query, filePath, size, completedAt, deleteAfter, id)
}

func (r *PostgresStore) FailDownload(ctx context.Context, id uuid.UUID, u models.FailureUpdate) error {
	status := models.DownloadPending
	if u.Permanent {
		status = models.DownloadFailed
	}
	query := `
        UPDATE downloads SET status = $1, retry_count = $2, last_error = $3, updated_at = NOW()
        WHERE id = $4 AND status = 'running'
    `
	return r.execOne(ctx, "fail download", query, status, u.RetryCount, u.Error, id)
}

func (r *PostgresStore) ResetDownload(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
        UPDATE downloads SET status = 'pending', retry_count = 0, last_error = '', started_at = NULL, updated_at = NOW()
        WHERE id = $1 AND status = 'failed'
    `
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to reset download: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to reset download: %w", err)
	}
	if n == 0 {
		if _, err := r.GetDownload(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

// RequeueRunning returns rows orphaned by a crash to pending.
func (r *PostgresStore) RequeueRunning(ctx context.Context, except []uuid.UUID) (int, error) {
	keep := make([]string, len(except))
	for i, id := range except {
		keep[i] = id.String()
	}
	query := `UPDATE downloads SET status = 'pending', updated_at = NOW() WHERE status = 'running' AND NOT (id::text = ANY($1))`
	res, err := r.db.ExecContext(ctx, query, pq.Array(keep))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue running downloads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to requeue running downloads: %w", err)
	}
	return int(n), nil
}

func (r *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]*models.Download, error) {
	query := `
        SELECT ` + downloadColumns + ` FROM downloads
        WHERE status = 'succeeded' AND delete_after IS NOT NULL AND delete_after < $1
        ORDER BY delete_after
    `
	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired downloads: %w", err)
	}
	return collectDownloads(rows)
}

func (r *PostgresStore) DeleteDownload(ctx context.Context, id uuid.UUID) error {
	return r.execOne(ctx, "delete download", `DELETE FROM downloads WHERE id = $1`, id)
}

func collectDownloads(rows *sql.Rows) ([]*models.Download, error) {
	defer rows.Close()

	var out []*models.Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
