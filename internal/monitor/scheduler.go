package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tullo/streamly/internal/backoff"
	"github.com/tullo/streamly/internal/events"
	"github.com/tullo/streamly/internal/log"
	"github.com/tullo/streamly/internal/models"
	"github.com/tullo/streamly/internal/platform"
	"github.com/tullo/streamly/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrProbeInFlight is returned by PollChannel when the channel is already
// being probed.
var ErrProbeInFlight = errors.New("probe already in flight")

type Config struct {
	DefaultPollInterval time.Duration
	MaxConcurrentProbes int
	ProbeTimeout        time.Duration
	MaxBackoff          time.Duration
	WarnThreshold       int
	TickInterval        time.Duration
	ShutdownGrace       time.Duration
}

func (c *Config) setDefaults() {
	if c.DefaultPollInterval <= 0 {
		c.DefaultPollInterval = time.Minute
	}
	if c.MaxConcurrentProbes <= 0 {
		c.MaxConcurrentProbes = 5
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Minute
	}
	if c.WarnThreshold <= 0 {
		c.WarnThreshold = 3
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

// CycleResult summarises one RunCycle.
type CycleResult struct {
	Active   int `json:"active"`
	Due      int `json:"due"`
	Probed   int `json:"probed"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
	Events   int `json:"events"`
}

// Scheduler decides which channels are due and probes them on a bounded
// pool. A channel is never probed twice at the same time.
type Scheduler struct {
	channels repository.ChannelRepository
	prober   platform.Prober
	tracker  *Tracker
	pub      events.Publisher
	gate     WarnGate
	cfg      Config
	now      func() time.Time

	sem      *semaphore.Weighted
	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
	wg       sync.WaitGroup
}

func NewScheduler(channels repository.ChannelRepository, prober platform.Prober, tracker *Tracker, pub events.Publisher, gate WarnGate, cfg Config) *Scheduler {
	cfg.setDefaults()
	if gate == nil {
		gate = NewMemoryGate()
	}
	return &Scheduler{
		channels: channels,
		prober:   prober,
		tracker:  tracker,
		pub:      pub,
		gate:     gate,
		cfg:      cfg,
		now:      time.Now,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentProbes)),
		inFlight: make(map[uuid.UUID]struct{}),
	}
}

// EffectiveInterval is PollInterval doubled per consecutive failure, capped
// at max(MaxBackoff, PollInterval). The configured interval is untouched.
func (s *Scheduler) EffectiveInterval(ch *models.Channel) time.Duration {
	base := ch.PollInterval
	if base <= 0 {
		base = s.cfg.DefaultPollInterval
	}
	p := backoff.Policy{Base: base, Max: s.cfg.MaxBackoff}
	return p.Delay(ch.ConsecutiveFailures + 1)
}

// NextCheckAt is the earliest time ch may be probed again. A channel that
// was never checked is due immediately.
func (s *Scheduler) NextCheckAt(ch *models.Channel) time.Time {
	if ch.LastCheckedAt == nil {
		return time.Time{}
	}
	return ch.LastCheckedAt.Add(s.EffectiveInterval(ch))
}

func (s *Scheduler) Due(ch *models.Channel, now time.Time) bool {
	return ch.Active && !now.Before(s.NextCheckAt(ch))
}

func (s *Scheduler) claim(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id uuid.UUID) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

type cycle struct {
	res    CycleResult
	failed atomic.Int32
	events atomic.Int32
	wg     sync.WaitGroup
}

// launch starts a probe for every due channel and returns without waiting.
func (s *Scheduler) launch(ctx context.Context) (*cycle, error) {
	chs, err := s.channels.ListChannels(ctx, true)
	if err != nil {
		return nil, err
	}

	c := &cycle{}
	c.res.Active = len(chs)
	now := s.now()
	for _, ch := range chs {
		if !s.Due(ch, now) {
			continue
		}
		c.res.Due++
		if !s.claim(ch.ID) {
			c.res.InFlight++
			continue
		}
		c.res.Probed++
		c.wg.Add(1)
		s.wg.Add(1)
		go func(ch *models.Channel) {
			defer s.wg.Done()
			defer c.wg.Done()
			defer s.release(ch.ID)

			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer s.sem.Release(1)

			evs, err := s.probe(ctx, ch)
			if err != nil && ctx.Err() == nil {
				c.failed.Add(1)
			}
			c.events.Add(int32(len(evs)))
		}(ch)
	}
	return c, nil
}

// RunCycle probes every due active channel and waits for those probes.
// Safe to call while Run is active; channels already in flight are skipped.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleResult, error) {
	c, err := s.launch(ctx)
	if err != nil {
		return CycleResult{}, err
	}
	c.wg.Wait()
	c.res.Failed = int(c.failed.Load())
	c.res.Events = int(c.events.Load())
	return c.res, nil
}

// PollChannel probes one channel now, ignoring its due time.
func (s *Scheduler) PollChannel(ctx context.Context, id uuid.UUID) ([]models.Event, error) {
	ch, err := s.channels.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.claim(ch.ID) {
		return nil, ErrProbeInFlight
	}
	defer s.release(ch.ID)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	return s.probe(ctx, ch)
}

// probe runs one probe under ProbeTimeout and records the outcome. The
// returned error is the probe failure, if any; storage errors are logged.
// A probe abandoned because ctx was cancelled records nothing.
func (s *Scheduler) probe(ctx context.Context, ch *models.Channel) ([]models.Event, error) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	res, err := s.prober.Probe(pctx, ch)
	timedOut := errors.Is(pctx.Err(), context.DeadlineExceeded)
	cancel()

	if ctx.Err() != nil {
		log.Debug("probe abandoned", zap.String("channel", ch.Name), zap.Error(ctx.Err()))
		return nil, ctx.Err()
	}
	if err == nil && timedOut {
		err = platform.Transient("probe", context.DeadlineExceeded)
	}

	now := s.now()
	if err != nil {
		return s.recordFailure(ctx, ch, now, err), err
	}

	if err := s.channels.RecordCheck(ctx, ch.ID, now, 0); err != nil {
		log.Error("failed to record check", zap.String("channel", ch.Name), zap.Error(err))
	}
	ch.LastCheckedAt, ch.ConsecutiveFailures = &now, 0

	evs, err := s.tracker.Observe(ctx, ch, res, now)
	if err != nil {
		log.Error("failed to apply observation", zap.String("channel", ch.Name), zap.Error(err))
	}
	return evs, nil
}

func (s *Scheduler) recordFailure(ctx context.Context, ch *models.Channel, now time.Time, perr error) []models.Event {
	failures := ch.ConsecutiveFailures + 1
	if err := s.channels.RecordCheck(ctx, ch.ID, now, failures); err != nil {
		log.Error("failed to record check", zap.String("channel", ch.Name), zap.Error(err))
	}
	ch.LastCheckedAt, ch.ConsecutiveFailures = &now, failures

	if platform.IsPermanent(perr) {
		log.Warn("deactivating channel",
			zap.String("channel", ch.Name),
			zap.String("platform_id", ch.PlatformID),
			zap.Error(perr))
		if err := s.channels.SetChannelActive(ctx, ch.ID, false); err != nil {
			log.Error("failed to deactivate channel", zap.String("channel", ch.Name), zap.Error(err))
			return nil
		}
		ch.Active = false
		ev := channelEvent(models.EventChannelDeactivated, ch, now, perr)
		s.pub.Publish(ctx, ev)
		return []models.Event{ev}
	}

	log.Warn("probe failed",
		zap.String("channel", ch.Name),
		zap.Int("failures", failures),
		zap.Error(perr))
	if failures < s.cfg.WarnThreshold {
		return nil
	}
	if !s.gate.Allow(ctx, ch.ID.String(), s.EffectiveInterval(ch)) {
		return nil
	}
	ev := channelEvent(models.EventChannelWarning, ch, now, perr)
	s.pub.Publish(ctx, ev)
	return []models.Event{ev}
}

func channelEvent(typ models.EventType, ch *models.Channel, at time.Time, err error) models.Event {
	return models.Event{
		Type:        typ,
		At:          at,
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		URL:         ch.URL,
		Failures:    ch.ConsecutiveFailures,
		Error:       err.Error(),
	}
}

// Run drives RunCycle-style dispatch every TickInterval without waiting for
// slow probes. On cancellation in-flight probes get ShutdownGrace to finish
// before their context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	log.Info("scheduler started",
		zap.Duration("tick", s.cfg.TickInterval),
		zap.Int("max_concurrent_probes", s.cfg.MaxConcurrentProbes))

	for {
		if _, err := s.launch(work); err != nil {
			log.Error("failed to list channels", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.drain(cancelWork)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) drain(cancelWork context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("scheduler stopped")
	case <-time.After(s.cfg.ShutdownGrace):
		log.Warn("probes still running after grace period, cancelling")
		cancelWork()
		<-done
	}
}
