package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/tullo/streamly/internal/log"
	"go.uber.org/zap"
)

// WarnGate lets at most one warning per key through per window.
type WarnGate interface {
	Allow(ctx context.Context, key string, window time.Duration) bool
}

type MemoryGate struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

func NewMemoryGate() *MemoryGate {
	return &MemoryGate{until: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryGate) Allow(_ context.Context, key string, window time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if t, ok := g.until[key]; ok && now.Before(t) {
		return false
	}
	g.until[key] = now.Add(window)
	return true
}

// OnceSetter is satisfied by cache.RedisClient.
type OnceSetter interface {
	AllowOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisGate shares the warning window through Redis so it survives
// restarts. When Redis is unreachable the warning is let through.
type RedisGate struct {
	client OnceSetter
	prefix string
}

func NewRedisGate(client OnceSetter) *RedisGate {
	return &RedisGate{client: client, prefix: "streamly:warn:"}
}

func (g *RedisGate) Allow(ctx context.Context, key string, window time.Duration) bool {
	ok, err := g.client.AllowOnce(ctx, g.prefix+key, window)
	if err != nil {
		log.Warn("warn gate unavailable", zap.String("key", key), zap.Error(err))
		return true
	}
	return ok
}
