// Package retention deletes captured files once their retention deadline
// has passed.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/tullo/streamly/internal/events"
	"github.com/tullo/streamly/internal/log"
	"github.com/tullo/streamly/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// sidecars are the metadata files yt-dlp may leave next to a capture.
var sidecars = []string{".info.json", ".description", ".jpg", ".png", ".webp"}

type Store interface {
	ListExpired(ctx context.Context, now time.Time) ([]*models.Download, error)
	DeleteDownload(ctx context.Context, id uuid.UUID) error
}

// StorageIOError is a file that could not be removed for a reason other
// than it being gone already.
type StorageIOError struct {
	Path string
	Err  error
}

func (e *StorageIOError) Error() string {
	return fmt.Sprintf("storage io error on %s: %v", e.Path, e.Err)
}

func (e *StorageIOError) Unwrap() error {
	return e.Err
}

type Config struct {
	Interval    time.Duration
	Concurrency int
}

type Result struct {
	Expired    int   `json:"expired"`
	Deleted    int   `json:"deleted"`
	Missing    int   `json:"missing"`
	FileErrors int   `json:"file_errors"`
	RowErrors  int   `json:"row_errors"`
	FreedBytes int64 `json:"freed_bytes"`
	Skipped    bool  `json:"skipped"`
}

type Sweeper struct {
	store Store
	fs    afero.Fs
	pub   events.Publisher
	cfg   Config
	now   func() time.Time

	running sync.Mutex
}

func NewSweeper(store Store, fsys afero.Fs, pub events.Publisher, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Sweeper{
		store: store,
		fs:    fsys,
		pub:   pub,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Sweep removes every succeeded download past its deadline. A failure on one
// row never stops the others. A call that overlaps a running sweep returns
// immediately with Skipped set.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	if !s.running.TryLock() {
		log.Info("retention sweep already running, skipping")
		return Result{Skipped: true}, nil
	}
	defer s.running.Unlock()

	now := s.now()
	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list expired downloads: %w", err)
	}

	res := Result{Expired: len(expired)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, d := range expired {
		d := d
		g.Go(func() error {
			o := s.sweepOne(gctx, d)
			mu.Lock()
			res.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	log.Info("retention sweep finished",
		zap.Int("expired", res.Expired),
		zap.Int("deleted", res.Deleted),
		zap.Int("missing", res.Missing),
		zap.Int("file_errors", res.FileErrors),
		zap.Int("row_errors", res.RowErrors),
		zap.Int64("freed_bytes", res.FreedBytes))

	if res.Deleted > 0 {
		s.pub.Publish(ctx, models.Event{
			Type:     models.EventRetentionSwept,
			At:       now,
			Count:    res.Deleted,
			ByteSize: res.FreedBytes,
		})
	}
	return res, nil
}

type outcome struct {
	deleted bool
	missing bool
	fileErr bool
	freed   int64
}

func (r *Result) add(o outcome) {
	switch {
	case o.deleted:
		r.Deleted++
		r.FreedBytes += o.freed
	default:
		r.RowErrors++
	}
	if o.missing {
		r.Missing++
	}
	if o.fileErr {
		r.FileErrors++
	}
}

func (s *Sweeper) sweepOne(ctx context.Context, d *models.Download) outcome {
	var o outcome

	if d.FilePath != "" {
		freed, err := s.removeCapture(d.FilePath)
		var ioErr *StorageIOError
		switch {
		case errors.Is(err, fs.ErrNotExist):
			o.missing = true
			log.Warn("expired capture already gone", zap.String("download_id", d.ID.String()), zap.String("path", d.FilePath))
		case errors.As(err, &ioErr):
			o.fileErr = true
			log.Error("failed to delete expired capture", zap.String("download_id", d.ID.String()), zap.Error(err))
		}
		o.freed = freed
	}

	if err := s.store.DeleteDownload(ctx, d.ID); err != nil {
		log.Error("failed to delete download row", zap.String("download_id", d.ID.String()), zap.Error(err))
		return o
	}
	o.deleted = true
	return o
}

// removeCapture deletes path and its sidecars and reports the bytes freed.
func (s *Sweeper) removeCapture(path string) (int64, error) {
	var freed int64
	info, err := s.fs.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.removeSidecars(path)
		return 0, err
	case err != nil:
		return 0, &StorageIOError{Path: path, Err: err}
	}
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, &StorageIOError{Path: path, Err: err}
	}
	freed += info.Size()
	freed += s.removeSidecars(path)
	return freed, nil
}

func (s *Sweeper) removeSidecars(path string) int64 {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	var freed int64
	for _, ext := range sidecars {
		p := base + ext
		info, err := s.fs.Stat(p)
		if err != nil {
			continue
		}
		if err := s.fs.Remove(p); err != nil {
			log.Warn("failed to delete sidecar", zap.String("path", p), zap.Error(err))
			continue
		}
		freed += info.Size()
	}
	return freed
}

// Run sweeps once at start and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil {
			log.Error("retention sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
