// Package events fans state transitions out to side-effect handlers.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tullo/streamly/internal/log"
	"github.com/tullo/streamly/internal/models"
	"go.uber.org/zap"
)

// Handler must return quickly; slow sinks buffer on their own side.
type Handler func(ctx context.Context, ev models.Event)

// Publisher is what the core components depend on.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event)
}

// Bus delivers each event synchronously to the handlers subscribed to its
// type, then to the catch-all handlers, in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[models.EventType][]Handler
	all      []Handler
	now      func() time.Time
}

var _ Publisher = (*Bus)(nil)

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[models.EventType][]Handler),
		now:      time.Now,
	}
}

func (b *Bus) Subscribe(t models.EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

func (b *Bus) Publish(ctx context.Context, ev models.Event) {
	if ev.At.IsZero() {
		ev.At = b.now().UTC()
	}

	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[ev.Type])+len(b.all))
	hs = append(hs, b.handlers[ev.Type]...)
	hs = append(hs, b.all...)
	b.mu.RUnlock()

	log.Debug("event", zap.String("type", string(ev.Type)), zap.String("channel", ev.ChannelName), zap.String("video_id", ev.VideoID))
	for _, h := range hs {
		deliver(ctx, h, ev)
	}
}

func deliver(ctx context.Context, h Handler, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event handler panicked", zap.String("type", string(ev.Type)), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	h(ctx, ev)
}

// Recorder collects published events. Handy in tests and for dry runs.
type Recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *Recorder) Publish(_ context.Context, ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
