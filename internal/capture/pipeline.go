// Package capture downloads every ended broadcast in two quality tiers.
package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tullo/streamly/internal/backoff"
	"github.com/tullo/streamly/internal/downloader"
	"github.com/tullo/streamly/internal/events"
	"github.com/tullo/streamly/internal/log"
	"github.com/tullo/streamly/internal/models"
	"github.com/tullo/streamly/internal/repository"
	"go.uber.org/zap"
)

// ErrNotRetryable is returned by Retry for downloads that are not failed.
var ErrNotRetryable = errors.New("download is not in failed state")

type Store interface {
	repository.ChannelRepository
	repository.StreamRepository
	repository.DownloadRepository
}

type Config struct {
	Workers        int
	QueueSize      int
	MaxRetries     int
	Retry          backoff.Policy
	Timeout        time.Duration
	RetentionDays  int
	RescanInterval time.Duration
	WriteRetry     backoff.Policy
}

// Attempts for the state write that ends a download attempt.
const writeAttempts = 3

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Retry.Base <= 0 {
		c.Retry = backoff.Policy{Base: 2 * time.Minute, Max: 10 * time.Minute}
	}
	if c.Timeout <= 0 {
		c.Timeout = 6 * time.Hour
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 14
	}
	if c.RescanInterval <= 0 {
		c.RescanInterval = time.Minute
	}
	if c.WriteRetry.Base <= 0 {
		c.WriteRetry = backoff.Policy{Base: 500 * time.Millisecond, Max: 5 * time.Second}
	}
}

// ReconcileResult reports what Reconcile found.
type ReconcileResult struct {
	Requeued   int `json:"requeued"`
	Dispatched int `json:"dispatched"`
	Enqueued   int `json:"enqueued"`
}

// Pipeline owns the download worker pool. Jobs are download ids; the row in
// storage is the source of truth, so a dropped job is picked up again by
// DispatchPending.
type Pipeline struct {
	store Store
	dl    downloader.Downloader
	pub   events.Publisher
	cfg   Config
	now   func() time.Time

	jobs chan uuid.UUID
	wg   sync.WaitGroup

	// Claims take the read side; requeueing running rows takes the write
	// side so no claim lands between the active snapshot and the requeue.
	claimMu sync.RWMutex

	mu      sync.Mutex
	queued  map[uuid.UUID]struct{}
	active  map[uuid.UUID]struct{}
	waiting map[uuid.UUID]struct{} // pending, backoff timer running
	runCtx  context.Context
}

func NewPipeline(store Store, dl downloader.Downloader, pub events.Publisher, cfg Config) *Pipeline {
	cfg.setDefaults()
	return &Pipeline{
		store:   store,
		dl:      dl,
		pub:     pub,
		cfg:     cfg,
		now:     time.Now,
		jobs:    make(chan uuid.UUID, cfg.QueueSize),
		queued:  make(map[uuid.UUID]struct{}),
		active:  make(map[uuid.UUID]struct{}),
		waiting: make(map[uuid.UUID]struct{}),
	}
}

// Start launches the workers. They stop when ctx is done; a download
// interrupted that way stays running in storage for the next Reconcile.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.wg.Add(1)
	go p.rescan(ctx)
	log.Info("capture pipeline started", zap.Int("workers", p.cfg.Workers))
}

// Wait blocks until every worker and pending retry timer has exited.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Enqueue hands a download to the workers without blocking. It reports false
// when the id is already queued, running or waiting out a retry delay, or the
// queue is full.
func (p *Pipeline) Enqueue(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.queued[id]; ok {
		return false
	}
	if _, ok := p.active[id]; ok {
		return false
	}
	if _, ok := p.waiting[id]; ok {
		return false
	}
	select {
	case p.jobs <- id:
		p.queued[id] = struct{}{}
		return true
	default:
		log.Warn("download queue full, leaving row pending", zap.String("download_id", id.String()))
		return false
	}
}

// HandleEvent is the bus handler for live.ended.
func (p *Pipeline) HandleEvent(ctx context.Context, ev models.Event) {
	if ev.Type != models.EventLiveEnded {
		return
	}
	s, err := p.store.GetStream(ctx, ev.StreamID)
	if err != nil {
		log.Error("failed to load ended stream", zap.String("stream_id", ev.StreamID.String()), zap.Error(err))
		return
	}
	if _, err := p.Dispatch(ctx, s); err != nil {
		log.Error("failed to dispatch downloads", zap.String("video_id", s.VideoID), zap.Error(err))
	}
}

// Dispatch creates the pending pair for an ended stream and queues both
// tiers. A stream that already has its pair is a no-op.
func (p *Pipeline) Dispatch(ctx context.Context, s *models.LiveStream) ([]*models.Download, error) {
	pair, err := p.store.CreateDownloadPair(ctx, s.ID, p.now())
	if errors.Is(err, repository.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	log.Info("downloads dispatched", zap.String("video_id", s.VideoID), zap.Int("tiers", len(pair)))
	for _, d := range pair {
		p.Enqueue(d.ID)
	}
	return pair, nil
}

// DispatchPending queues every pending download not already queued.
func (p *Pipeline) DispatchPending(ctx context.Context) (int, error) {
	pending, err := p.store.ListDownloads(ctx, models.DownloadFilter{Status: models.DownloadPending, Limit: 10000})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range pending {
		if p.Enqueue(d.ID) {
			n++
		}
	}
	return n, nil
}

// Reconcile repairs state left by a crash: running rows nobody works on go
// back to pending, ended streams that never got their pair are dispatched and
// everything pending is queued.
func (p *Pipeline) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult

	n, err := p.requeueOrphans(ctx)
	if err != nil {
		return res, err
	}
	res.Requeued = n

	streams, err := p.store.ListUndispatched(ctx)
	if err != nil {
		return res, err
	}
	for _, s := range streams {
		pair, err := p.Dispatch(ctx, s)
		if err != nil {
			log.Error("failed to dispatch downloads", zap.String("video_id", s.VideoID), zap.Error(err))
			continue
		}
		if pair != nil {
			res.Dispatched++
		}
	}

	res.Enqueued, err = p.DispatchPending(ctx)
	if err != nil {
		return res, err
	}
	log.Info("capture reconciled",
		zap.Int("requeued", res.Requeued),
		zap.Int("dispatched", res.Dispatched),
		zap.Int("enqueued", res.Enqueued))
	return res, nil
}

// Retry puts a permanently failed download back in the queue with a fresh
// retry budget.
func (p *Pipeline) Retry(ctx context.Context, id uuid.UUID) error {
	ok, err := p.store.ResetDownload(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRetryable
	}
	p.Enqueue(id)
	return nil
}

// requeueOrphans puts running rows that no worker of this pipeline owns back
// to pending.
func (p *Pipeline) requeueOrphans(ctx context.Context) (int, error) {
	p.claimMu.Lock()
	defer p.claimMu.Unlock()
	return p.store.RequeueRunning(ctx, p.activeIDs())
}

func (p *Pipeline) activeIDs() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.jobs:
			p.mu.Lock()
			delete(p.queued, id)
			p.active[id] = struct{}{}
			p.mu.Unlock()

			p.process(ctx, id)

			p.mu.Lock()
			delete(p.active, id)
			p.mu.Unlock()
		}
	}
}

func (p *Pipeline) process(ctx context.Context, id uuid.UUID) {
	p.claimMu.RLock()
	claimed, err := p.store.ClaimDownload(ctx, id, p.now())
	p.claimMu.RUnlock()
	if err != nil {
		log.Error("failed to claim download", zap.String("download_id", id.String()), zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	d, s, ch, err := p.load(ctx, id)
	if err != nil {
		p.fail(ctx, d, s, ch, &downloader.Error{Permanent: true, Err: err})
		return
	}

	dctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	res, err := p.dl.Download(dctx, downloader.Request{
		VideoID:     s.VideoID,
		URL:         s.URL,
		Quality:     d.Quality,
		ChannelName: ch.Name,
		Title:       s.Title,
		StartedAt:   s.StartedAt,
	})
	cancel()

	if ctx.Err() != nil {
		log.Info("download interrupted by shutdown", zap.String("download_id", id.String()))
		return
	}
	if err != nil {
		p.fail(ctx, d, s, ch, err)
		return
	}

	completed := p.now()
	days := ch.RetentionFor(p.cfg.RetentionDays)
	deleteAfter := completed.Add(time.Duration(days) * 24 * time.Hour)
	err = p.write(ctx, func(ctx context.Context) error {
		return p.store.CompleteDownload(ctx, id, res.FilePath, res.ByteSize, completed, deleteAfter)
	})
	if err != nil {
		log.Error("failed to record completed download, rescan will requeue it",
			zap.String("download_id", id.String()),
			zap.Error(err))
		return
	}

	log.Info("download completed",
		zap.String("video_id", s.VideoID),
		zap.String("quality", string(d.Quality)),
		zap.String("path", res.FilePath),
		zap.Int64("bytes", res.ByteSize))
	p.pub.Publish(ctx, models.Event{
		Type:        models.EventDownloadCompleted,
		At:          completed,
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		StreamID:    s.ID,
		VideoID:     s.VideoID,
		Title:       s.Title,
		Quality:     d.Quality,
		FilePath:    res.FilePath,
		ByteSize:    res.ByteSize,
	})
	p.finish(ctx, s, ch)
}

func (p *Pipeline) load(ctx context.Context, id uuid.UUID) (*models.Download, *models.LiveStream, *models.Channel, error) {
	d, err := p.store.GetDownload(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	s, err := p.store.GetStream(ctx, d.StreamID)
	if err != nil {
		return d, nil, nil, err
	}
	ch, err := p.store.GetChannel(ctx, s.ChannelID)
	if err != nil {
		return d, s, nil, err
	}
	return d, s, ch, nil
}

// fail records one failed attempt and either schedules the next one or
// marks the tier failed for good.
func (p *Pipeline) fail(ctx context.Context, d *models.Download, s *models.LiveStream, ch *models.Channel, derr error) {
	if d == nil {
		log.Error("download vanished while running", zap.Error(derr))
		return
	}
	attempt := d.RetryCount + 1
	permanent := downloader.IsPermanent(derr) || attempt >= p.cfg.MaxRetries

	err := p.write(ctx, func(ctx context.Context) error {
		return p.store.FailDownload(ctx, d.ID, models.FailureUpdate{RetryCount: attempt, Error: derr.Error(), Permanent: permanent})
	})
	if err != nil {
		log.Error("failed to record download failure, rescan will requeue it",
			zap.String("download_id", d.ID.String()),
			zap.Error(err))
		return
	}

	if !permanent {
		delay := p.cfg.Retry.Delay(attempt)
		log.Warn("download failed, will retry",
			zap.String("download_id", d.ID.String()),
			zap.String("quality", string(d.Quality)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(derr))
		p.retryAfter(d.ID, delay)
		return
	}

	log.Error("download failed permanently",
		zap.String("download_id", d.ID.String()),
		zap.String("quality", string(d.Quality)),
		zap.Int("attempts", attempt),
		zap.Error(derr))
	if s == nil || ch == nil {
		return
	}
	p.pub.Publish(ctx, models.Event{
		Type:        models.EventDownloadFailed,
		At:          p.now(),
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		StreamID:    s.ID,
		VideoID:     s.VideoID,
		Title:       s.Title,
		Quality:     d.Quality,
		Error:       derr.Error(),
	})
	p.finish(ctx, s, ch)
}

// write retries a state transition of a running row. ErrNotFound means the
// row is no longer running and is not retried.
func (p *Pipeline) write(ctx context.Context, fn func(context.Context) error) error {
	return backoff.Retry(ctx, p.cfg.WriteRetry, writeAttempts, func(err error) bool {
		return !errors.Is(err, repository.ErrNotFound)
	}, fn)
}

func (p *Pipeline) retryAfter(id uuid.UUID, delay time.Duration) {
	p.mu.Lock()
	ctx := p.runCtx
	if ctx == nil {
		p.mu.Unlock()
		return
	}
	p.waiting[id] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()

		select {
		case <-ctx.Done():
		case <-t.C:
		}
		p.mu.Lock()
		delete(p.waiting, id)
		p.mu.Unlock()
		if ctx.Err() == nil {
			p.Enqueue(id)
		}
	}()
}

func (p *Pipeline) rescan(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.requeueOrphans(ctx); err != nil {
				log.Error("failed to requeue orphaned downloads", zap.Error(err))
			} else if n > 0 {
				log.Warn("orphaned downloads requeued", zap.Int("count", n))
			}
			n, err := p.DispatchPending(ctx)
			if err != nil {
				log.Error("failed to rescan pending downloads", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("pending downloads picked up", zap.Int("count", n))
			}
		}
	}
}

// finish emits capture.finished once both tiers of s are terminal.
func (p *Pipeline) finish(ctx context.Context, s *models.LiveStream, ch *models.Channel) {
	rows, err := p.store.ListDownloads(ctx, models.DownloadFilter{StreamID: &s.ID})
	if err != nil {
		log.Error("failed to list stream downloads", zap.String("video_id", s.VideoID), zap.Error(err))
		return
	}
	if len(rows) < len(models.Qualities) {
		return
	}
	for _, d := range rows {
		if !d.Status.Terminal() {
			return
		}
	}

	flipped, err := p.store.MarkCaptureNotified(ctx, s.ID)
	if err != nil {
		log.Error("failed to mark capture notified", zap.String("video_id", s.VideoID), zap.Error(err))
		return
	}
	if !flipped {
		return
	}

	summary := make([]models.Download, 0, len(rows))
	for _, d := range rows {
		summary = append(summary, *d)
	}
	p.pub.Publish(ctx, models.Event{
		Type:        models.EventCaptureFinished,
		At:          p.now(),
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		StreamID:    s.ID,
		VideoID:     s.VideoID,
		Title:       s.Title,
		URL:         s.URL,
		Downloads:   summary,
	})
}
