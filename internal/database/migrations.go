package database

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/tullo/streamly/internal/log"
	"go.uber.org/zap"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Up      string
	Down    string
}

// Migrations contains all database migrations
var Migrations = []Migration{
	{
		Version: 1,
		Up: `
			CREATE EXTENSION IF NOT EXISTS "uuid-ossp";

			CREATE TABLE IF NOT EXISTS channels (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				platform_id VARCHAR(64) UNIQUE NOT NULL,
				name VARCHAR(255) NOT NULL,
				url TEXT NOT NULL,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				poll_interval_seconds INT NOT NULL DEFAULT 60,
				retention_days INT,
				last_checked_at TIMESTAMPTZ,
				last_live_at TIMESTAMPTZ,
				consecutive_failures INT NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_channels_active ON channels(active);
		`,
		Down: `
			DROP TABLE IF EXISTS channels;
		`,
	},
	{
		Version: 2,
		Up: `
			CREATE TABLE IF NOT EXISTS live_streams (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				channel_id UUID NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
				video_id VARCHAR(64) UNIQUE NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				url TEXT NOT NULL DEFAULT '',
				state VARCHAR(16) NOT NULL DEFAULT 'live',
				started_at TIMESTAMPTZ NOT NULL,
				ended_at TIMESTAMPTZ,
				download_dispatched BOOLEAN NOT NULL DEFAULT FALSE,
				capture_notified BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				CHECK (state IN ('live', 'ended'))
			);

			CREATE INDEX IF NOT EXISTS idx_live_streams_channel ON live_streams(channel_id, state);
		`,
		Down: `
			DROP TABLE IF EXISTS live_streams;
		`,
	},
	{
		Version: 3,
		Up: `
			CREATE TABLE IF NOT EXISTS downloads (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				stream_id UUID NOT NULL REFERENCES live_streams(id) ON DELETE CASCADE,
				quality VARCHAR(8) NOT NULL,
				status VARCHAR(16) NOT NULL DEFAULT 'pending',
				file_path TEXT NOT NULL DEFAULT '',
				byte_size BIGINT NOT NULL DEFAULT 0,
				started_at TIMESTAMPTZ,
				completed_at TIMESTAMPTZ,
				retry_count INT NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				delete_after TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE(stream_id, quality),
				CHECK (quality IN ('low', 'high')),
				CHECK (status IN ('pending', 'running', 'succeeded', 'failed'))
			);

			CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
			CREATE INDEX IF NOT EXISTS idx_downloads_delete_after ON downloads(delete_after) WHERE status = 'succeeded';
		`,
		Down: `
			DROP TABLE IF EXISTS downloads;
		`,
	},
}

func RunMigrations(db *sql.DB) error {
	// Ensure migrations table exists
	if err := ensureMigrationsTable(db); err != nil {
		return err
	}

	// Get current version
	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return err
	}

	// Run pending migrations in ascending order by version
	sorted := make([]Migration, len(Migrations))
	copy(sorted, Migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	// Run pending migrations
	for _, migration := range sorted {
		if migration.Version <= currentVersion {
			continue
		}

		log.Info("running migration", zap.Int("version", migration.Version))

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(migration.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", migration.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		log.Info("migration completed", zap.Int("version", migration.Version))
	}

	return nil
}

// RollbackMigration reverts the most recently applied migration and returns
// its version, or 0 when nothing is applied.
func RollbackMigration(db *sql.DB) (int, error) {
	if err := ensureMigrationsTable(db); err != nil {
		return 0, err
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return 0, err
	}
	if currentVersion == 0 {
		return 0, nil
	}

	var migration *Migration
	for i := range Migrations {
		if Migrations[i].Version == currentVersion {
			migration = &Migrations[i]
			break
		}
	}
	if migration == nil {
		return 0, fmt.Errorf("migration %d is applied but unknown", currentVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	if _, err := tx.Exec(migration.Down); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to roll back migration %d: %w", migration.Version, err)
	}

	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = $1", migration.Version); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to unrecord migration %d: %w", migration.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rollback %d: %w", migration.Version, err)
	}

	log.Info("migration rolled back", zap.Int("version", migration.Version))
	return migration.Version, nil
}

func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}
