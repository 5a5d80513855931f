package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// JobStatusEntry is the cached view of a job used by the status polling endpoint.
// The owner is cached alongside the status so authorization needs no database read.
type JobStatusEntry struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetJobStatus(ctx context.Context, jobID uuid.UUID, entry JobStatusEntry, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (JobStatusEntry, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	PublishWakeup(ctx context.Context) error
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) SetJobStatus(ctx context.Context, jobID uuid.UUID, entry JobStatusEntry, ttl time.Duration) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, JobStatusKey(jobID), b, ttl).Err()
}

func (c *RedisCache) GetJobStatus(ctx context.Context, jobID uuid.UUID) (JobStatusEntry, bool, error) {
	val, err := c.client.Get(ctx, JobStatusKey(jobID)).Bytes()
	if err == redis.Nil {
		return JobStatusEntry{}, false, nil
	}
	if err != nil {
		return JobStatusEntry{}, false, err
	}
	var entry JobStatusEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return JobStatusEntry{}, false, err
	}
	return entry, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// PublishWakeup tells worker loops in any process that new work may be runnable.
func (c *RedisCache) PublishWakeup(ctx context.Context) error {
	return c.client.Publish(ctx, WakeupChannel, "1").Err()
}

// SubscribeWakeups returns a channel that receives a value for every wake-up published
// on WakeupChannel. Bursts are coalesced. The channel closes when ctx is done.
func (c *RedisCache) SubscribeWakeups(ctx context.Context) <-chan struct{} {
	sub := c.client.Subscribe(ctx, WakeupChannel)
	out := make(chan struct{}, 1)

	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out
}

var _ Cache = (*RedisCache)(nil)
