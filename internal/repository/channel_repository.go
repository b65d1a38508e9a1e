package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tullo/streamly/internal/models"
)

const channelColumns = `id, platform_id, name, url, active, poll_interval_seconds, retention_days,
        last_checked_at, last_live_at, consecutive_failures, created_at, updated_at`

func scanChannel(row rowScanner) (*models.Channel, error) {
	var (
		ch          models.Channel
		seconds     int64
		retention   sql.NullInt64
		lastChecked sql.NullTime
		lastLive    sql.NullTime
	)
	err := row.Scan(
		&ch.ID,
		&ch.PlatformID,
		&ch.Name,
		&ch.URL,
		&ch.Active,
		&seconds,
		&retention,
		&lastChecked,
		&lastLive,
		&ch.ConsecutiveFailures,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ch.PollInterval = time.Duration(seconds) * time.Second
	if retention.Valid {
		days := int(retention.Int64)
		ch.RetentionDays = &days
	}
	ch.LastCheckedAt = nullTime(lastChecked)
	ch.LastLiveAt = nullTime(lastLive)
	return &ch, nil
}

func (r *PostgresStore) CreateChannel(ctx context.Context, ch *models.Channel) error {
	if ch.ID == uuid.Nil {
		ch.ID = uuid.New()
	}
	query := `
        INSERT INTO channels (id, platform_id, name, url, active, poll_interval_seconds, retention_days)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        RETURNING created_at, updated_at
    `
	err := r.db.QueryRowContext(ctx, query,
		ch.ID,
		ch.PlatformID,
		ch.Name,
		ch.URL,
		ch.Active,
		int64(ch.PollInterval/time.Second),
		ch.RetentionDays,
	).Scan(&ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", mapErr(err))
	}
	return nil
}

func (r *PostgresStore) GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE id = $1`
	ch, err := scanChannel(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", mapErr(err))
	}
	return ch, nil
}

func (r *PostgresStore) GetChannelByPlatformID(ctx context.Context, platformID string) (*models.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE platform_id = $1`
	ch, err := scanChannel(r.db.QueryRowContext(ctx, query, platformID))
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", mapErr(err))
	}
	return ch, nil
}

func (r *PostgresStore) ListChannels(ctx context.Context, activeOnly bool) ([]*models.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE ($1 = FALSE OR active) ORDER BY name`
	rows, err := r.db.QueryContext(ctx, query, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var out []*models.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (r *PostgresStore) UpdateChannel(ctx context.Context, ch *models.Channel) error {
	query := `
        UPDATE channels
        SET name = $1, url = $2, active = $3, poll_interval_seconds = $4, retention_days = $5, updated_at = NOW()
        WHERE id = $6
        RETURNING updated_at
    `
	err := r.db.QueryRowContext(ctx, query,
		ch.Name,
		ch.URL,
		ch.Active,
		int64(ch.PollInterval/time.Second),
		ch.RetentionDays,
		ch.ID,
	).Scan(&ch.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update channel: %w", mapErr(err))
	}
	return nil
}

func (r *PostgresStore) RecordCheck(ctx context.Context, id uuid.UUID, checkedAt time.Time, failures int) error {
	query := `UPDATE channels SET last_checked_at = $1, consecutive_failures = $2, updated_at = NOW() WHERE id = $3`
	return r.execOne(ctx, "record channel check", query, checkedAt, failures, id)
}

func (r *PostgresStore) SetChannelActive(ctx context.Context, id uuid.UUID, active bool) error {
	query := `UPDATE channels SET active = $1, consecutive_failures = CASE WHEN $1 THEN 0 ELSE consecutive_failures END, updated_at = NOW() WHERE id = $2`
	return r.execOne(ctx, "set channel active", query, active, id)
}

func (r *PostgresStore) SetLastLive(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE channels SET last_live_at = $1, updated_at = NOW() WHERE id = $2`
	return r.execOne(ctx, "set channel last live", query, at, id)
}

// execOne runs an update that must hit exactly one row.
func (r *PostgresStore) execOne(ctx context.Context, what, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to %s: %w", what, ErrNotFound)
	}
	return nil
}
