package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tullo/streamly/internal/events"
	"github.com/tullo/streamly/internal/log"
	"github.com/tullo/streamly/internal/models"
	"github.com/tullo/streamly/internal/platform"
	"github.com/tullo/streamly/internal/repository"
	"go.uber.org/zap"
)

// TrackerStore is the slice of persistence the tracker needs.
type TrackerStore interface {
	repository.StreamRepository
	SetLastLive(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Tracker turns probe observations into LiveStream transitions. Per channel
// the state only moves forward: unknown -> live -> ended.
type Tracker struct {
	store TrackerStore
	pub   events.Publisher
	locks *keyedMutex
}

func NewTracker(store TrackerStore, pub events.Publisher) *Tracker {
	return &Tracker{store: store, pub: pub, locks: newKeyedMutex()}
}

// Observe applies one probe result for ch taken at time at, publishes the
// resulting events and returns them. Storage errors for one broadcast do not
// stop the others.
func (t *Tracker) Observe(ctx context.Context, ch *models.Channel, res platform.Result, at time.Time) ([]models.Event, error) {
	unlock := t.locks.Lock(ch.ID)
	defer unlock()

	var (
		out  []models.Event
		errs []error
	)
	live := make(map[string]bool, len(res.Broadcasts))

	for _, b := range res.Broadcasts {
		live[b.VideoID] = true
		ev, err := t.start(ctx, ch, b, at)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ev != nil {
			out = append(out, *ev)
		}
	}

	open, err := t.store.ListStreams(ctx, models.StreamFilter{ChannelID: &ch.ID, State: models.StreamLive, Limit: 1000})
	if err != nil {
		errs = append(errs, err)
	}
	for _, s := range open {
		if live[s.VideoID] {
			continue
		}
		changed, err := t.store.EndStream(ctx, s.ID, at)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !changed {
			continue
		}
		s.State = models.StreamEnded
		s.EndedAt = &at
		log.Info("live ended",
			zap.String("channel", ch.Name),
			zap.String("video_id", s.VideoID),
			zap.Duration("duration", s.Duration()))
		out = append(out, streamEvent(models.EventLiveEnded, ch, s, at))
	}

	for _, ev := range out {
		t.pub.Publish(ctx, ev)
	}
	return out, errors.Join(errs...)
}

func (t *Tracker) start(ctx context.Context, ch *models.Channel, b platform.Broadcast, at time.Time) (*models.Event, error) {
	_, err := t.store.GetStreamByVideoID(ctx, b.VideoID)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	s := &models.LiveStream{
		ChannelID: ch.ID,
		VideoID:   b.VideoID,
		Title:     b.Title,
		URL:       b.URL,
		State:     models.StreamLive,
		StartedAt: at,
	}
	if b.StartedAt != nil {
		s.StartedAt = *b.StartedAt
	}
	if err := t.store.CreateStream(ctx, s); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, nil
		}
		return nil, err
	}
	if err := t.store.SetLastLive(ctx, ch.ID, at); err != nil {
		log.Warn("failed to record last live", zap.String("channel", ch.Name), zap.Error(err))
	}

	log.Info("live started",
		zap.String("channel", ch.Name),
		zap.String("video_id", s.VideoID),
		zap.String("title", s.Title))
	ev := streamEvent(models.EventLiveStarted, ch, s, at)
	return &ev, nil
}

func streamEvent(typ models.EventType, ch *models.Channel, s *models.LiveStream, at time.Time) models.Event {
	return models.Event{
		Type:        typ,
		At:          at,
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		StreamID:    s.ID,
		VideoID:     s.VideoID,
		Title:       s.Title,
		URL:         s.URL,
		Duration:    s.Duration(),
	}
}
