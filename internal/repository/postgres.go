package repository

import (
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/tullo/streamly/internal/database"
)

// PostgresStore implements Store on top of database/sql and lib/pq.
type PostgresStore struct {
	db *database.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (r *PostgresStore) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// mapErr folds driver errors into the package sentinels.
func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
