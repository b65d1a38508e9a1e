package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tullo/streamly/internal/models"
)

// EventsChannel is the pub/sub channel every core event is mirrored to.
const EventsChannel = "streamly:events"

type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// AllowOnce reports true for the first caller per key within ttl.
func (r *RedisClient) AllowOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set once key: %w", err)
	}
	return ok, nil
}

// Pub/Sub

// PublishEvent mirrors a core event to the events channel
func (r *RedisClient) PublishEvent(ctx context.Context, ev models.Event) error {
	data, err := json.Marshal(models.WSMessage{Event: string(ev.Type), Payload: ev})
	if err != nil {
		return err
	}

	return r.client.Publish(ctx, EventsChannel, data).Err()
}

// SubscribeToEvents subscribes to the events channel
func (r *RedisClient) SubscribeToEvents(ctx context.Context) *redis.PubSub {
	return r.client.Subscribe(ctx, EventsChannel)
}

// GetClient returns the underlying Redis client
func (r *RedisClient) GetClient() *redis.Client {
	return r.client
}

// AllowAction implements a Redis-backed token-bucket limiter per key (caller+action).
// Returns true if the action is allowed, false if rate-limited.
func (r *RedisClient) AllowAction(ctx context.Context, caller, action string, rate int, burst int) (bool, error) {
	key := fmt.Sprintf("streamly:rl:%s:%s", action, caller)
	// Lua script: manage tokens and last timestamp
	script := `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local vals = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(vals[1])
local last = tonumber(vals[2])
if tokens == nil then tokens = burst end
if last == nil then last = now end
local delta = math.max(0, now - last)
local new_tokens = math.min(burst, tokens + (delta * rate / 1000))
if new_tokens >= 1 then
	new_tokens = new_tokens - 1
	redis.call('HMSET', key, 'tokens', new_tokens, 'last', now)
	redis.call('PEXPIRE', key, 60000)
	return 1
else
	redis.call('HMSET', key, 'tokens', new_tokens, 'last', now)
	redis.call('PEXPIRE', key, 60000)
	return 0
end
`

	now := time.Now().UnixNano() / int64(time.Millisecond)
	res, err := r.client.Eval(ctx, script, []string{key}, rate, burst, now).Result()
	if err != nil {
		return false, err
	}
	// Eval returns int64 (1 or 0)
	switch v := res.(type) {
	case int64:
		return v == 1, nil
	case int:
		return v == 1, nil
	default:
		return false, fmt.Errorf("unexpected result from rate limiter: %T %v", res, res)
	}
}
