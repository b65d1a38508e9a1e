// Package platform answers "is this channel live right now, and with which
// broadcasts" for a streaming platform.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tullo/streamly/internal/models"
)

// Broadcast is one live broadcast seen during a probe.
type Broadcast struct {
	VideoID string
	Title   string
	URL     string
	// StartedAt is the platform-reported start, nil when unknown.
	StartedAt *time.Time
}

// Result of a single probe. No broadcasts means the channel is not live.
type Result struct {
	Broadcasts []Broadcast
}

func (r Result) Live() bool {
	return len(r.Broadcasts) > 0
}

// ChannelInfo is what registration needs to know about a channel URL.
type ChannelInfo struct {
	PlatformID string
	Name       string
	URL        string
}

type Prober interface {
	Probe(ctx context.Context, ch *models.Channel) (Result, error)
}

type Resolver interface {
	Lookup(ctx context.Context, url string) (ChannelInfo, error)
}

type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error classifies a probe failure. Permanent errors (channel removed,
// terminated, private) deactivate the channel; everything else is retried on
// the next poll.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// IsPermanent reports whether err carries a permanent platform error.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindPermanent
}
