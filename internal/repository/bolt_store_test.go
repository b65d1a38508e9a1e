package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tullo/streamly/internal/models"
)

func setupTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedChannel(t *testing.T, s *BoltStore, platformID string) *models.Channel {
	t.Helper()
	ch := &models.Channel{PlatformID: platformID, Name: "Channel " + platformID, Active: true, PollInterval: time.Minute}
	require.NoError(t, s.CreateChannel(context.Background(), ch))
	return ch
}

func seedEndedStream(t *testing.T, s *BoltStore, ch *models.Channel, videoID string) *models.LiveStream {
	t.Helper()
	ctx := context.Background()
	ls := &models.LiveStream{ChannelID: ch.ID, VideoID: videoID, Title: "stream " + videoID, StartedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, s.CreateStream(ctx, ls))
	ok, err := s.EndStream(ctx, ls.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	return ls
}

func TestBoltStore_ChannelUniqueness(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ch := seedChannel(t, s, "UC1")
	err := s.CreateChannel(ctx, &models.Channel{PlatformID: "UC1", Name: "dup"})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetChannelByPlatformID(ctx, "UC1")
	require.NoError(t, err)
	assert.Equal(t, ch.ID, got.ID)

	_, err = s.GetChannel(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_ListChannelsActiveOnly(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := seedChannel(t, s, "UCa")
	seedChannel(t, s, "UCb")
	require.NoError(t, s.SetChannelActive(ctx, a.ID, false))

	all, err := s.ListChannels(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := s.ListChannels(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "UCb", active[0].PlatformID)
}

func TestBoltStore_RecordCheckAndReactivate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "UC1")

	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordCheck(ctx, ch.ID, at, 4))
	require.NoError(t, s.SetChannelActive(ctx, ch.ID, false))

	got, err := s.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, 4, got.ConsecutiveFailures)
	require.NotNil(t, got.LastCheckedAt)
	assert.True(t, got.LastCheckedAt.Equal(at))

	require.NoError(t, s.SetChannelActive(ctx, ch.ID, true))
	got, err = s.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.Zero(t, got.ConsecutiveFailures)
}

func TestBoltStore_StreamVideoIDUnique(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "UC1")

	first := &models.LiveStream{ChannelID: ch.ID, VideoID: "V1", StartedAt: time.Now()}
	require.NoError(t, s.CreateStream(ctx, first))
	assert.Equal(t, models.StreamLive, first.State)

	err := s.CreateStream(ctx, &models.LiveStream{ChannelID: ch.ID, VideoID: "V1", StartedAt: time.Now()})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetStreamByVideoID(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestBoltStore_EndStreamOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "UC1")
	ls := &models.LiveStream{ChannelID: ch.ID, VideoID: "V1", StartedAt: time.Now()}
	require.NoError(t, s.CreateStream(ctx, ls))

	ok, err := s.EndStream(ctx, ls.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.EndStream(ctx, ls.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "ended is terminal")
}

func TestBoltStore_CreateDownloadPair(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "UC1")
	ls := seedEndedStream(t, s, ch, "V1")

	pair, err := s.CreateDownloadPair(ctx, ls.ID, time.Now())
	require.NoError(t, err)
	require.Len(t, pair, 2)
	assert.Equal(t, models.QualityLow, pair[0].Quality)
	assert.Equal(t, models.QualityHigh, pair[1].Quality)
	for _, d := range pair {
		assert.Equal(t, models.DownloadPending, d.Status)
	}

	got, err := s.GetStream(ctx, ls.ID)
	require.NoError(t, err)
	assert.True(t, got.DownloadDispatched)

	_, err = s.CreateDownloadPair(ctx, ls.ID, time.Now())
	assert.ErrorIs(t, err, ErrConflict)

	rows, err := s.ListDownloads(ctx, models.DownloadFilter{StreamID: &ls.ID})
	require.NoError(t, err)
	assert.Len(t, rows, 2, "second dispatch must not add rows")
}

func TestBoltStore_CreateDownloadPairConcurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "UC1")
	ls := seedEndedStream(t, s, ch, "V1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.CreateDownloadPair(ctx, ls.ID, time.Now()); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	rows, err := s.ListDownloads(ctx, models.DownloadFilter{StreamID: &ls.ID})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestBoltStore_DownloadPairNeedsEndedStream(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "UC1")
	ls := &models.LiveStream{ChannelID: ch.ID, VideoID: "V1", StartedAt: time.Now()}
	require.NoError(t, s.CreateStream(ctx, ls))

	_, err := s.CreateDownloadPair(ctx, ls.ID, time.Now())
	assert.ErrorIs(t, err, ErrConflict)
}

func TestBoltStore_DownloadLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "UC1")
	ls := seedEndedStream(t, s, ch, "V1")
	pair, err := s.CreateDownloadPair(ctx, ls.ID, time.Now())
	require.NoError(t, err)
	low, high := pair[0], pair[1]

	ok, err := s.ClaimDownload(ctx, low.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ClaimDownload(ctx, low.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "running rows cannot be claimed twice")

	completed := time.Now()
	deleteAfter := completed.Add(14 * 24 * time.Hour)
	require.NoError(t, s.CompleteDownload(ctx, low.ID, "/tmp/low.mp4", 1024, completed, deleteAfter))

	got, err := s.GetDownload(ctx, low.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DownloadSucceeded, got.Status)
	assert.Equal(t, int64(1024), got.ByteSize)
	require.NotNil(t, got.DeleteAfter)

	ok, err = s.ClaimDownload(ctx, high.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.FailDownload(ctx, high.ID, models.FailureUpdate{RetryCount: 1, Error: "boom"}))
	got, err = s.GetDownload(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DownloadPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	ok, err = s.ClaimDownload(ctx, high.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.FailDownload(ctx, high.ID, models.FailureUpdate{RetryCount: 2, Error: "gone", Permanent: true}))
	got, err = s.GetDownload(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DownloadFailed, got.Status)

	ok, err = s.ResetDownload(ctx, high.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = s.GetDownload(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DownloadPending, got.Status)
	assert.Zero(t, got.RetryCount)

	ok, err = s.ResetDownload(ctx, low.ID)
	require.NoError(t, err)
	assert.False(t, ok, "succeeded rows are not reset")
}

func TestBoltStore_RequeueRunning(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "UC1")
	ls := seedEndedStream(t, s, ch, "V1")
	pair, err := s.CreateDownloadPair(ctx, ls.ID, time.Now())
	require.NoError(t, err)

	for _, d := range pair {
		ok, err := s.ClaimDownload(ctx, d.ID, time.Now())
		require.NoError(t, err)
		require.True(t, ok)
	}

	n, err := s.RequeueRunning(ctx, []uuid.UUID{pair[1].ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := s.ListDownloads(ctx, models.DownloadFilter{Status: models.DownloadPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, pair[0].ID, pending[0].ID)

	n, err = s.RequeueRunning(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBoltStore_ListExpiredAndDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "UC1")
	ls := seedEndedStream(t, s, ch, "V1")
	pair, err := s.CreateDownloadPair(ctx, ls.ID, time.Now())
	require.NoError(t, err)

	now := time.Now()
	for i, d := range pair {
		ok, err := s.ClaimDownload(ctx, d.ID, now)
		require.NoError(t, err)
		require.True(t, ok)
		deadline := now.Add(-time.Hour)
		if i == 1 {
			deadline = now.Add(time.Hour)
		}
		require.NoError(t, s.CompleteDownload(ctx, d.ID, "/tmp/x", 1, now, deadline))
	}

	expired, err := s.ListExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, pair[0].ID, expired[0].ID)

	require.NoError(t, s.DeleteDownload(ctx, expired[0].ID))
	_, err = s.GetDownload(ctx, expired[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteDownload(ctx, expired[0].ID), ErrNotFound)
}

func TestBoltStore_CaptureNotifiedOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "UC1")
	ls := seedEndedStream(t, s, ch, "V1")

	ok, err := s.MarkCaptureNotified(ctx, ls.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkCaptureNotified(ctx, ls.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBoltStore_ListUndispatched(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "UC1")
	a := seedEndedStream(t, s, ch, "V1")
	b := seedEndedStream(t, s, ch, "V2")
	require.NoError(t, s.CreateStream(ctx, &models.LiveStream{ChannelID: ch.ID, VideoID: "V3", StartedAt: time.Now()}))

	_, err := s.CreateDownloadPair(ctx, a.ID, time.Now())
	require.NoError(t, err)

	out, err := s.ListUndispatched(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, b.ID, out[0].ID)
}
