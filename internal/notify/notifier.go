// Package notify delivers operator notifications. Delivery is best effort:
// failures are logged and never feed back into the core.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tullo/streamly/internal/backoff"
	"github.com/tullo/streamly/internal/log"
	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Multi sends to every notifier and joins the errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes notifications to the process log. Used when nothing else is
// configured.
type Log struct{}

func (Log) Notify(_ context.Context, message string) error {
	log.Info("notification", zap.String("message", message))
	return nil
}

// Permanent marks a delivery error that retrying will not fix.
type Permanent struct {
	Err error
}

func (e *Permanent) Error() string { return e.Err.Error() }
func (e *Permanent) Unwrap() error { return e.Err }

func retryable(err error) bool {
	var p *Permanent
	return !errors.As(err, &p)
}

// QueueConfig tunes delivery of queued messages.
type QueueConfig struct {
	Size     int
	Attempts int
	Retry    backoff.Policy
	Timeout  time.Duration
}

// Queue decouples the event path from slow notifiers. Enqueue never blocks;
// when the buffer is full the message is dropped and logged.
type Queue struct {
	n    Notifier
	cfg  QueueConfig
	msgs chan string
	wg   sync.WaitGroup
	once sync.Once
}

func NewQueue(n Notifier, cfg QueueConfig) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = 100
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry = backoff.Policy{Base: time.Second, Max: 30 * time.Second}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Queue{n: n, cfg: cfg, msgs: make(chan string, cfg.Size)}
}

func (q *Queue) Enqueue(message string) bool {
	select {
	case q.msgs <- message:
		return true
	default:
		log.Warn("notification queue full, dropping message", zap.Int("size", q.cfg.Size))
		return false
	}
}

// Start runs the delivery loop until ctx is done or Close is called. Messages
// still buffered at Close are delivered before Wait returns.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-q.msgs:
				if !ok {
					return
				}
				q.deliver(ctx, msg)
			}
		}
	}()
}

func (q *Queue) deliver(ctx context.Context, msg string) {
	err := backoff.Retry(ctx, q.cfg.Retry, q.cfg.Attempts, retryable, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
		defer cancel()
		return q.n.Notify(ctx, msg)
	})
	if err != nil {
		log.Warn("notification delivery failed", zap.Error(err))
	}
}

func (q *Queue) Close() {
	q.once.Do(func() { close(q.msgs) })
}

func (q *Queue) Wait() {
	q.wg.Wait()
}
