package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tullo/streamly/internal/models"
	bolt "go.etcd.io/bbolt"
)

var (
	channelsBucket      = []byte("channels")
	channelIDsBucket    = []byte("channel_ids")
	streamsBucket       = []byte("streams")
	streamVideosBucket  = []byte("stream_videos")
	downloadsBucket     = []byte("downloads")
	downloadPairsBucket = []byte("download_pairs")
)

// BoltStore implements Store in a single bbolt file. Every write runs in one
// bbolt transaction, so the uniqueness indexes and the rows they guard never
// diverge.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

var _ Store = (*BoltStore)(nil)

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			channelsBucket, channelIDsBucket,
			streamsBucket, streamVideosBucket,
			downloadsBucket, downloadPairsBucket,
		} {
			if _, createErr := tx.CreateBucketIfNotExists(bucket); createErr != nil {
				return createErr
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func getJSON(b *bolt.Bucket, key []byte, v any) error {
	data := b.Get(key)
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func idKey(id uuid.UUID) []byte {
	return []byte(id.String())
}

func pairKey(streamID uuid.UUID, q models.Quality) []byte {
	return []byte(streamID.String() + "/" + string(q))
}

// channels

func (s *BoltStore) CreateChannel(_ context.Context, ch *models.Channel) error {
	if ch.ID == uuid.Nil {
		ch.ID = uuid.New()
	}
	now := s.now()
	ch.CreatedAt, ch.UpdatedAt = now, now

	err := s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(channelIDsBucket)
		if ids.Get([]byte(ch.PlatformID)) != nil {
			return ErrConflict
		}
		if err := ids.Put([]byte(ch.PlatformID), idKey(ch.ID)); err != nil {
			return err
		}
		return putJSON(tx.Bucket(channelsBucket), idKey(ch.ID), ch)
	})
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	return nil
}

func (s *BoltStore) GetChannel(_ context.Context, id uuid.UUID) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(channelsBucket), idKey(id), &ch)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return &ch, nil
}

func (s *BoltStore) GetChannelByPlatformID(_ context.Context, platformID string) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(channelIDsBucket).Get([]byte(platformID))
		if key == nil {
			return ErrNotFound
		}
		return getJSON(tx.Bucket(channelsBucket), key, &ch)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return &ch, nil
}

func (s *BoltStore) ListChannels(_ context.Context, activeOnly bool) ([]*models.Channel, error) {
	var out []*models.Channel
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(channelsBucket).ForEach(func(_ []byte, v []byte) error {
			var ch models.Channel
			if err := json.Unmarshal(v, &ch); err != nil {
				return err
			}
			if !activeOnly || ch.Active {
				out = append(out, &ch)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

// updateChannel loads, mutates and stores a channel in one transaction.
func (s *BoltStore) updateChannel(what string, id uuid.UUID, fn func(*models.Channel)) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(channelsBucket)
		if err := getJSON(b, idKey(id), &ch); err != nil {
			return err
		}
		fn(&ch)
		ch.UpdatedAt = s.now()
		return putJSON(b, idKey(id), &ch)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", what, err)
	}
	return &ch, nil
}

func (s *BoltStore) UpdateChannel(_ context.Context, ch *models.Channel) error {
	updated, err := s.updateChannel("update channel", ch.ID, func(stored *models.Channel) {
		stored.Name = ch.Name
		stored.URL = ch.URL
		stored.Active = ch.Active
		stored.PollInterval = ch.PollInterval
		stored.RetentionDays = ch.RetentionDays
	})
	if err != nil {
		return err
	}
	ch.UpdatedAt = updated.UpdatedAt
	return nil
}

func (s *BoltStore) RecordCheck(_ context.Context, id uuid.UUID, checkedAt time.Time, failures int) error {
	_, err := s.updateChannel("record channel check", id, func(ch *models.Channel) {
		ch.LastCheckedAt = &checkedAt
		ch.ConsecutiveFailures = failures
	})
	return err
}

func (s *BoltStore) SetChannelActive(_ context.Context, id uuid.UUID, active bool) error {
	_, err := s.updateChannel("set channel active", id, func(ch *models.Channel) {
		ch.Active = active
		if active {
			ch.ConsecutiveFailures = 0
		}
	})
	return err
}

func (s *BoltStore) SetLastLive(_ context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.updateChannel("set channel last live", id, func(ch *models.Channel) {
		ch.LastLiveAt = &at
	})
	return err
}

// streams

func (s *BoltStore) CreateStream(_ context.Context, ls *models.LiveStream) error {
	if ls.ID == uuid.Nil {
		ls.ID = uuid.New()
	}
	if ls.State == "" {
		ls.State = models.StreamLive
	}
	now := s.now()
	ls.CreatedAt, ls.UpdatedAt = now, now

	err := s.db.Update(func(tx *bolt.Tx) error {
		videos := tx.Bucket(streamVideosBucket)
		if videos.Get([]byte(ls.VideoID)) != nil {
			return ErrConflict
		}
		if err := videos.Put([]byte(ls.VideoID), idKey(ls.ID)); err != nil {
			return err
		}
		return putJSON(tx.Bucket(streamsBucket), idKey(ls.ID), ls)
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

func (s *BoltStore) GetStream(_ context.Context, id uuid.UUID) (*models.LiveStream, error) {
	var ls models.LiveStream
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(streamsBucket), idKey(id), &ls)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	return &ls, nil
}

func (s *BoltStore) GetStreamByVideoID(_ context.Context, videoID string) (*models.LiveStream, error) {
	var ls models.LiveStream
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(streamVideosBucket).Get([]byte(videoID))
		if key == nil {
			return ErrNotFound
		}
		return getJSON(tx.Bucket(streamsBucket), key, &ls)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	return &ls, nil
}

func (s *BoltStore) scanStreams(keep func(*models.LiveStream) bool) ([]*models.LiveStream, error) {
	var out []*models.LiveStream
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(streamsBucket).ForEach(func(_ []byte, v []byte) error {
			var ls models.LiveStream
			if err := json.Unmarshal(v, &ls); err != nil {
				return err
			}
			if keep(&ls) {
				out = append(out, &ls)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListStreams(_ context.Context, f models.StreamFilter) ([]*models.LiveStream, error) {
	out, err := s.scanStreams(func(ls *models.LiveStream) bool {
		if f.ChannelID != nil && ls.ChannelID != *f.ChannelID {
			return false
		}
		return f.State == "" || ls.State == f.State
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// updateStream applies fn under the write lock; fn reports whether it changed
// anything.
func (s *BoltStore) updateStream(what string, id uuid.UUID, fn func(*models.LiveStream) bool) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(streamsBucket)
		var ls models.LiveStream
		if err := getJSON(b, idKey(id), &ls); err != nil {
			return err
		}
		if !fn(&ls) {
			return nil
		}
		changed = true
		ls.UpdatedAt = s.now()
		return putJSON(b, idKey(id), &ls)
	})
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", what, err)
	}
	return changed, nil
}

func (s *BoltStore) EndStream(_ context.Context, id uuid.UUID, endedAt time.Time) (bool, error) {
	return s.updateStream("end stream", id, func(ls *models.LiveStream) bool {
		if ls.State != models.StreamLive {
			return false
		}
		ls.State = models.StreamEnded
		ls.EndedAt = &endedAt
		return true
	})
}

func (s *BoltStore) ListUndispatched(_ context.Context) ([]*models.LiveStream, error) {
	out, err := s.scanStreams(func(ls *models.LiveStream) bool {
		return ls.State == models.StreamEnded && !ls.DownloadDispatched
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list undispatched streams: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EndedAt.Before(*out[j].EndedAt)
	})
	return out, nil
}

func (s *BoltStore) MarkCaptureNotified(_ context.Context, id uuid.UUID) (bool, error) {
	return s.updateStream("mark capture notified", id, func(ls *models.LiveStream) bool {
		if ls.CaptureNotified {
			return false
		}
		ls.CaptureNotified = true
		return true
	})
}

// downloads

func (s *BoltStore) CreateDownloadPair(_ context.Context, streamID uuid.UUID, at time.Time) ([]*models.Download, error) {
	out := make([]*models.Download, 0, len(models.Qualities))
	err := s.db.Update(func(tx *bolt.Tx) error {
		streams := tx.Bucket(streamsBucket)
		var ls models.LiveStream
		if err := getJSON(streams, idKey(streamID), &ls); err != nil {
			return err
		}
		if ls.State != models.StreamEnded || ls.DownloadDispatched {
			return ErrConflict
		}

		pairs := tx.Bucket(downloadPairsBucket)
		downloads := tx.Bucket(downloadsBucket)
		for _, q := range models.Qualities {
			if pairs.Get(pairKey(streamID, q)) != nil {
				return ErrConflict
			}
			d := &models.Download{
				ID:        uuid.New(),
				StreamID:  streamID,
				Quality:   q,
				Status:    models.DownloadPending,
				CreatedAt: at,
				UpdatedAt: at,
			}
			if err := pairs.Put(pairKey(streamID, q), idKey(d.ID)); err != nil {
				return err
			}
			if err := putJSON(downloads, idKey(d.ID), d); err != nil {
				return err
			}
			out = append(out, d)
		}

		ls.DownloadDispatched = true
		ls.UpdatedAt = s.now()
		return putJSON(streams, idKey(streamID), &ls)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create download pair: %w", err)
	}
	return out, nil
}

func (s *BoltStore) GetDownload(_ context.Context, id uuid.UUID) (*models.Download, error) {
	var d models.Download
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(downloadsBucket), idKey(id), &d)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get download: %w", err)
	}
	return &d, nil
}

func (s *BoltStore) scanDownloads(keep func(*models.Download) bool) ([]*models.Download, error) {
	var out []*models.Download
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(downloadsBucket).ForEach(func(_ []byte, v []byte) error {
			var d models.Download
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if keep(&d) {
				out = append(out, &d)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListDownloads(_ context.Context, f models.DownloadFilter) ([]*models.Download, error) {
	out, err := s.scanDownloads(func(d *models.Download) bool {
		if f.StreamID != nil && d.StreamID != *f.StreamID {
			return false
		}
		return f.Status == "" || d.Status == f.Status
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Quality > out[j].Quality
	})
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *BoltStore) updateDownload(what string, id uuid.UUID, fn func(*models.Download) bool) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(downloadsBucket)
		var d models.Download
		if err := getJSON(b, idKey(id), &d); err != nil {
			return err
		}
		if !fn(&d) {
			return nil
		}
		changed = true
		d.UpdatedAt = s.now()
		return putJSON(b, idKey(id), &d)
	})
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", what, err)
	}
	return changed, nil
}

func (s *BoltStore) ClaimDownload(_ context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	return s.updateDownload("claim download", id, func(d *models.Download) bool {
		if d.Status != models.DownloadPending {
			return false
		}
		d.Status = models.DownloadRunning
		d.StartedAt = &startedAt
		return true
	})
}

func (s *BoltStore) CompleteDownload(_ context.Context, id uuid.UUID, filePath string, size int64, completedAt, deleteAfter time.Time) error {
	ok, err := s.updateDownload("complete download", id, func(d *models.Download) bool {
		if d.Status != models.DownloadRunning {
			return false
		}
		d.Status = models.DownloadSucceeded
		d.FilePath = filePath
		d.ByteSize = size
		d.CompletedAt = &completedAt
		d.DeleteAfter = &deleteAfter
		d.LastError = ""
		return true
	})
	if err == nil && !ok {
		err = fmt.Errorf("failed to complete download: %w", ErrNotFound)
	}
	return err
}

func (s *BoltStore) FailDownload(_ context.Context, id uuid.UUID, u models.FailureUpdate) error {
	ok, err := s.updateDownload("fail download", id, func(d *models.Download) bool {
		if d.Status != models.DownloadRunning {
			return false
		}
		d.Status = models.DownloadPending
		if u.Permanent {
			d.Status = models.DownloadFailed
		}
		d.RetryCount = u.RetryCount
		d.LastError = u.Error
		return true
	})
	if err == nil && !ok {
		err = fmt.Errorf("failed to fail download: %w", ErrNotFound)
	}
	return err
}

func (s *BoltStore) ResetDownload(_ context.Context, id uuid.UUID) (bool, error) {
	return s.updateDownload("reset download", id, func(d *models.Download) bool {
		if d.Status != models.DownloadFailed {
			return false
		}
		d.Status = models.DownloadPending
		d.RetryCount = 0
		d.LastError = ""
		d.StartedAt = nil
		return true
	})
}

func (s *BoltStore) RequeueRunning(_ context.Context, except []uuid.UUID) (int, error) {
	keep := make(map[uuid.UUID]bool, len(except))
	for _, id := range except {
		keep[id] = true
	}
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(downloadsBucket)
		var running []*models.Download
		if err := b.ForEach(func(_ []byte, v []byte) error {
			var d models.Download
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.Status == models.DownloadRunning && !keep[d.ID] {
				running = append(running, &d)
			}
			return nil
		}); err != nil {
			return err
		}
		now := s.now()
		for _, d := range running {
			d.Status = models.DownloadPending
			d.UpdatedAt = now
			if err := putJSON(b, idKey(d.ID), d); err != nil {
				return err
			}
		}
		n = len(running)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to requeue running downloads: %w", err)
	}
	return n, nil
}

func (s *BoltStore) ListExpired(_ context.Context, now time.Time) ([]*models.Download, error) {
	out, err := s.scanDownloads(func(d *models.Download) bool {
		return d.Status == models.DownloadSucceeded && d.DeleteAfter != nil && d.DeleteAfter.Before(now)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list expired downloads: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeleteAfter.Before(*out[j].DeleteAfter)
	})
	return out, nil
}

func (s *BoltStore) DeleteDownload(_ context.Context, id uuid.UUID) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(downloadsBucket)
		var d models.Download
		if err := getJSON(b, idKey(id), &d); err != nil {
			return err
		}
		if err := tx.Bucket(downloadPairsBucket).Delete(pairKey(d.StreamID, d.Quality)); err != nil {
			return err
		}
		return b.Delete(idKey(id))
	})
	if err != nil {
		return fmt.Errorf("failed to delete download: %w", err)
	}
	return nil
}
