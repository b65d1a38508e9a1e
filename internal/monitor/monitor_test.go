package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tullo/streamly/internal/events"
	"github.com/tullo/streamly/internal/models"
	"github.com/tullo/streamly/internal/platform"
	"github.com/tullo/streamly/internal/repository"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeProber struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, ch *models.Channel) (platform.Result, error)
	calls int
}

func (p *fakeProber) Probe(ctx context.Context, ch *models.Channel) (platform.Result, error) {
	p.mu.Lock()
	p.calls++
	fn := p.fn
	p.mu.Unlock()
	return fn(ctx, ch)
}

func (p *fakeProber) set(fn func(ctx context.Context, ch *models.Channel) (platform.Result, error)) {
	p.mu.Lock()
	p.fn = fn
	p.mu.Unlock()
}

func liveWith(ids ...string) func(context.Context, *models.Channel) (platform.Result, error) {
	return func(context.Context, *models.Channel) (platform.Result, error) {
		var res platform.Result
		for _, id := range ids {
			res.Broadcasts = append(res.Broadcasts, platform.Broadcast{VideoID: id, Title: "title " + id, URL: "https://yt.test/watch?v=" + id})
		}
		return res, nil
	}
}

func failWith(err error) func(context.Context, *models.Channel) (platform.Result, error) {
	return func(context.Context, *models.Channel) (platform.Result, error) {
		return platform.Result{}, err
	}
}

func newStore(t *testing.T) *repository.BoltStore {
	t.Helper()
	s, err := repository.NewBoltStore(filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func addChannel(t *testing.T, s *repository.BoltStore, platformID string) *models.Channel {
	t.Helper()
	ch := &models.Channel{PlatformID: platformID, Name: platformID, Active: true, PollInterval: time.Minute}
	require.NoError(t, s.CreateChannel(context.Background(), ch))
	return ch
}

type harness struct {
	store   *repository.BoltStore
	rec     *events.Recorder
	tracker *Tracker
	sched   *Scheduler
	prober  *fakeProber
	clock   *fakeClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:  newStore(t),
		rec:    &events.Recorder{},
		prober: &fakeProber{fn: liveWith()},
		clock:  &fakeClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)},
	}
	h.tracker = NewTracker(h.store, h.rec)
	gate := NewMemoryGate()
	gate.now = h.clock.Now
	h.sched = NewScheduler(h.store, h.prober, h.tracker, h.rec, gate, cfg)
	h.sched.now = h.clock.Now
	return h
}

func observe(t *testing.T, h *harness, ch *models.Channel, ids ...string) []models.Event {
	t.Helper()
	res, _ := liveWith(ids...)(context.Background(), ch)
	evs, err := h.tracker.Observe(context.Background(), ch, res, h.clock.Now())
	require.NoError(t, err)
	return evs
}

func TestTracker_RepeatedLiveObservationsCreateOneStream(t *testing.T) {
	h := newHarness(t, Config{})
	ch := addChannel(t, h.store, "C1")

	for i := 0; i < 3; i++ {
		observe(t, h, ch, "V1")
		h.clock.Advance(time.Minute)
	}

	streams, err := h.store.ListStreams(context.Background(), models.StreamFilter{})
	require.NoError(t, err)
	assert.Len(t, streams, 1)
	assert.Len(t, h.rec.OfType(models.EventLiveStarted), 1)
}

func TestTracker_LiveCycleScenario(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	ch := addChannel(t, h.store, "C1")

	// t=0 not live
	assert.Empty(t, observe(t, h, ch))
	h.clock.Advance(time.Minute)

	// t=1 live V1
	evs := observe(t, h, ch, "V1")
	require.Len(t, evs, 1)
	assert.Equal(t, models.EventLiveStarted, evs[0].Type)
	startedAt := h.clock.Now()
	h.clock.Advance(time.Minute)

	// t=2 still live
	assert.Empty(t, observe(t, h, ch, "V1"))
	h.clock.Advance(time.Minute)

	// t=3 not live
	evs = observe(t, h, ch)
	require.Len(t, evs, 1)
	assert.Equal(t, models.EventLiveEnded, evs[0].Type)
	assert.Equal(t, 2*time.Minute, evs[0].Duration)

	s, err := h.store.GetStreamByVideoID(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, models.StreamEnded, s.State)
	assert.True(t, s.StartedAt.Equal(startedAt))
	require.NotNil(t, s.EndedAt)
	assert.True(t, s.EndedAt.Equal(h.clock.Now()))

	// ended is terminal: no second end, no restart for the same id
	h.clock.Advance(time.Minute)
	assert.Empty(t, observe(t, h, ch))
	assert.Empty(t, observe(t, h, ch, "V1"))

	assert.Len(t, h.rec.OfType(models.EventLiveStarted), 1)
	assert.Len(t, h.rec.OfType(models.EventLiveEnded), 1)

	got, err := h.store.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastLiveAt)
}

func TestTracker_PlatformStartTimeWins(t *testing.T) {
	h := newHarness(t, Config{})
	ch := addChannel(t, h.store, "C1")
	started := h.clock.Now().Add(-45 * time.Minute)

	_, err := h.tracker.Observe(context.Background(), ch, platform.Result{Broadcasts: []platform.Broadcast{
		{VideoID: "V1", StartedAt: &started},
	}}, h.clock.Now())
	require.NoError(t, err)

	s, err := h.store.GetStreamByVideoID(context.Background(), "V1")
	require.NoError(t, err)
	assert.True(t, s.StartedAt.Equal(started))
}

func TestTracker_MultipleBroadcastsEndIndependently(t *testing.T) {
	h := newHarness(t, Config{})
	ch := addChannel(t, h.store, "C1")

	assert.Len(t, observe(t, h, ch, "A", "B"), 2)
	evs := observe(t, h, ch, "B")
	require.Len(t, evs, 1)
	assert.Equal(t, "A", evs[0].VideoID)
	assert.Equal(t, models.EventLiveEnded, evs[0].Type)
}

func TestTracker_ConcurrentDuplicateObservations(t *testing.T) {
	h := newHarness(t, Config{})
	ch := addChannel(t, h.store, "C1")
	// a second tracker shares storage but not locks, so the unique
	// constraint has to settle the race
	other := NewTracker(h.store, h.rec)

	res := platform.Result{Broadcasts: []platform.Broadcast{{VideoID: "V1"}}}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		tr := h.tracker
		if i%2 == 1 {
			tr = other
		}
		go func() {
			defer wg.Done()
			_, err := tr.Observe(context.Background(), ch, res, h.clock.Now())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	streams, err := h.store.ListStreams(context.Background(), models.StreamFilter{})
	require.NoError(t, err)
	assert.Len(t, streams, 1)
	assert.Len(t, h.rec.OfType(models.EventLiveStarted), 1)
}

func TestScheduler_EffectiveInterval(t *testing.T) {
	h := newHarness(t, Config{MaxBackoff: 10 * time.Minute})
	ch := &models.Channel{PollInterval: time.Minute}

	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 10 * time.Minute, 10 * time.Minute}
	for failures, w := range want {
		ch.ConsecutiveFailures = failures
		assert.Equal(t, w, h.sched.EffectiveInterval(ch), "failures=%d", failures)
	}
	assert.Equal(t, time.Minute, ch.PollInterval, "configured interval is not mutated")

	// a poll interval above the cap is never shortened
	slow := &models.Channel{PollInterval: time.Hour, ConsecutiveFailures: 3}
	assert.Equal(t, time.Hour, h.sched.EffectiveInterval(slow))
}

func TestScheduler_Due(t *testing.T) {
	h := newHarness(t, Config{})
	now := h.clock.Now()
	checked := now.Add(-90 * time.Second)

	fresh := &models.Channel{Active: true, PollInterval: time.Minute}
	assert.True(t, h.sched.Due(fresh, now), "never checked")

	ok := &models.Channel{Active: true, PollInterval: time.Minute, LastCheckedAt: &checked}
	assert.True(t, h.sched.Due(ok, now))

	backedOff := &models.Channel{Active: true, PollInterval: time.Minute, LastCheckedAt: &checked, ConsecutiveFailures: 1}
	assert.False(t, h.sched.Due(backedOff, now))
	assert.True(t, h.sched.Due(backedOff, checked.Add(2*time.Minute)))

	paused := &models.Channel{Active: false, PollInterval: time.Minute}
	assert.False(t, h.sched.Due(paused, now))
}

func TestScheduler_RunCycleProbesOnlyDueChannels(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	addChannel(t, h.store, "C1")
	addChannel(t, h.store, "C2")

	res, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Active)
	assert.Equal(t, 2, res.Probed)

	h.clock.Advance(30 * time.Second)
	res, err = h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Due)

	h.clock.Advance(30 * time.Second)
	res, err = h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Probed)
}

func TestScheduler_FailuresBackOffAndWarnOncePerWindow(t *testing.T) {
	h := newHarness(t, Config{MaxBackoff: time.Hour})
	ctx := context.Background()
	ch := addChannel(t, h.store, "C1")
	h.prober.set(failWith(platform.Transient("probe", errors.New("timeout"))))

	// failures 1..3, each exactly when its backoff window elapses
	for i, wait := range []time.Duration{0, 2 * time.Minute, 4 * time.Minute} {
		h.clock.Advance(wait)
		res, err := h.sched.RunCycle(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.Probed, "attempt %d", i+1)
		assert.Equal(t, 1, res.Failed)
	}

	got, err := h.store.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ConsecutiveFailures)
	assert.Equal(t, time.Minute, got.PollInterval)
	require.Len(t, h.rec.OfType(models.EventChannelWarning), 1)
	assert.Equal(t, 3, h.rec.OfType(models.EventChannelWarning)[0].Failures)

	// not due yet: the effective interval is now 8m
	h.clock.Advance(4 * time.Minute)
	res, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Due)

	// a manual check fails inside the warning window opened at failure 3
	_, err = h.sched.PollChannel(ctx, ch.ID)
	require.Error(t, err)
	assert.Len(t, h.rec.OfType(models.EventChannelWarning), 1)

	// success resets
	h.prober.set(liveWith())
	h.clock.Advance(16 * time.Minute)
	res, err = h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Failed)
	got, err = h.store.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.True(t, got.Active)
}

func TestScheduler_PermanentErrorDeactivates(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	ch := addChannel(t, h.store, "C1")
	h.prober.set(failWith(platform.Permanent("probe", errors.New("This channel does not exist"))))

	_, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)

	got, err := h.store.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Len(t, h.rec.OfType(models.EventChannelDeactivated), 1)

	h.clock.Advance(time.Hour)
	res, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Active, "inactive channels are not polled")
}

func TestScheduler_TimeoutCountsAsFailure(t *testing.T) {
	h := newHarness(t, Config{ProbeTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	ch := addChannel(t, h.store, "C1")
	h.prober.set(func(ctx context.Context, _ *models.Channel) (platform.Result, error) {
		<-ctx.Done()
		return platform.Result{}, platform.Transient("probe", ctx.Err())
	})

	res, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got, err := h.store.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConsecutiveFailures)
}

func TestScheduler_CancelledCycleRecordsNothing(t *testing.T) {
	h := newHarness(t, Config{ProbeTimeout: time.Minute, WarnThreshold: 1})
	ch := addChannel(t, h.store, "C1")
	h.prober.set(func(ctx context.Context, _ *models.Channel) (platform.Result, error) {
		<-ctx.Done()
		return platform.Result{}, platform.Transient("probe", ctx.Err())
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	res, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Probed)
	assert.Zero(t, res.Failed)

	got, err := h.store.GetChannel(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Nil(t, got.LastCheckedAt, "an abandoned probe is not a check")
	assert.True(t, got.Active)
	assert.Empty(t, h.rec.OfType(models.EventChannelWarning))
}

func TestScheduler_PollChannelCancelledByCaller(t *testing.T) {
	h := newHarness(t, Config{ProbeTimeout: time.Minute, WarnThreshold: 1})
	ch := addChannel(t, h.store, "C1")
	h.prober.set(func(ctx context.Context, _ *models.Channel) (platform.Result, error) {
		<-ctx.Done()
		return platform.Result{}, platform.Transient("probe", ctx.Err())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	evs, err := h.sched.PollChannel(ctx, ch.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, evs)

	got, err := h.store.GetChannel(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Empty(t, h.rec.Events())
}

func TestScheduler_NeverProbesChannelTwiceConcurrently(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	ch := addChannel(t, h.store, "C1")

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	h.prober.set(func(context.Context, *models.Channel) (platform.Result, error) {
		entered <- struct{}{}
		<-release
		return platform.Result{}, nil
	})

	done := make(chan CycleResult)
	go func() {
		res, _ := h.sched.RunCycle(ctx)
		done <- res
	}()
	<-entered

	res, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.InFlight)
	assert.Zero(t, res.Probed)

	_, err = h.sched.PollChannel(ctx, ch.ID)
	assert.ErrorIs(t, err, ErrProbeInFlight)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Probed)
	assert.Equal(t, 1, h.prober.calls)
}

func TestScheduler_BoundedConcurrency(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentProbes: 2})
	ctx := context.Background()
	for _, id := range []string{"C1", "C2", "C3", "C4", "C5"} {
		addChannel(t, h.store, id)
	}

	var cur, peak atomic.Int32
	h.prober.set(func(context.Context, *models.Channel) (platform.Result, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return platform.Result{}, nil
	})

	res, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Probed)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestScheduler_PollChannelFeedsTracker(t *testing.T) {
	h := newHarness(t, Config{})
	ch := addChannel(t, h.store, "C1")
	h.prober.set(liveWith("V1"))

	evs, err := h.sched.PollChannel(context.Background(), ch.ID)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, models.EventLiveStarted, evs[0].Type)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, Config{TickInterval: 10 * time.Millisecond, ShutdownGrace: time.Second})
	addChannel(t, h.store, "C1")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.sched.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, h.prober.calls, 1)
}

func TestScheduler_GraceExpiryIsNotAFailure(t *testing.T) {
	h := newHarness(t, Config{TickInterval: time.Hour, ShutdownGrace: 20 * time.Millisecond, ProbeTimeout: time.Minute, WarnThreshold: 1})
	ch := addChannel(t, h.store, "C1")
	started := make(chan struct{}, 1)
	h.prober.set(func(ctx context.Context, _ *models.Channel) (platform.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return platform.Result{}, platform.Transient("probe", ctx.Err())
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.sched.Run(ctx) }()
	<-started
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	got, err := h.store.GetChannel(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Empty(t, h.rec.OfType(models.EventChannelWarning))
}

func TestMemoryGate(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	g := NewMemoryGate()
	g.now = clock.Now

	assert.True(t, g.Allow(context.Background(), "k", time.Minute))
	assert.False(t, g.Allow(context.Background(), "k", time.Minute))
	assert.True(t, g.Allow(context.Background(), "other", time.Minute))
	clock.Advance(time.Minute)
	assert.True(t, g.Allow(context.Background(), "k", time.Minute))
}

type fakeOnce struct {
	ok  bool
	err error
}

func (f fakeOnce) AllowOnce(context.Context, string, time.Duration) (bool, error) {
	return f.ok, f.err
}

func TestRedisGate(t *testing.T) {
	assert.False(t, NewRedisGate(fakeOnce{ok: false}).Allow(context.Background(), "k", time.Minute))
	assert.True(t, NewRedisGate(fakeOnce{ok: true}).Allow(context.Background(), "k", time.Minute))
	assert.True(t, NewRedisGate(fakeOnce{err: errors.New("down")}).Allow(context.Background(), "k", time.Minute))
}
