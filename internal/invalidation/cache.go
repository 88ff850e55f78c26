package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	versionPrefix = "atlas:version:"
	// Channel carries invalidations between API instances.
	Channel = "engagement.invalidate"
)

// Cache is a Redis read-through cache with per-view version counters.
// Bumping a view's version makes every previously cached payload for it unreachable.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Version returns the current version of key, initialising when missing.
func (c *Cache) Version(ctx context.Context, key Key) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, versionPrefix+key.String()).Int64()
	if errors.Is(err, redis.Nil) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
	}
	return ver, nil
}

// BuildKey composes the storage key for the current version of key.
func (c *Cache) BuildKey(ctx context.Context, key Key) (string, error) {
	if c == nil || c.client == nil {
		return key.String(), nil
	}
	ver, err := c.Version(ctx, key)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("atlas:%s:%d", key.String(), ver), nil
}

// FetchJSON loads a cached value or populates it using the loader.
func (c *Cache) FetchJSON(ctx context.Context, key Key, dest interface{}, loader func(context.Context) (interface{}, error)) (bool, error) {
	if loader == nil {
		return false, errors.New("invalidation: loader required")
	}
	if c == nil || c.client == nil {
		value, err := loader(ctx)
		if err != nil {
			return false, err
		}
		return false, roundTrip(value, dest)
	}
	storageKey, err := c.BuildKey(ctx, key)
	if err != nil {
		return false, err
	}
	payload, err := c.client.Get(ctx, storageKey).Bytes()
	if err == nil {
		return true, json.Unmarshal(payload, dest)
	}
	if !errors.Is(err, redis.Nil) {
		return false, err
	}
	value, err := loader(ctx)
	if err != nil {
		return false, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	if err := c.client.Set(ctx, storageKey, raw, c.ttl).Err(); err != nil {
		return false, err
	}
	return false, json.Unmarshal(raw, dest)
}

// Store writes value for the current version of key.
func (c *Cache) Store(ctx context.Context, key Key, value interface{}) error {
	if c == nil || c.client == nil {
		return nil
	}
	storageKey, err := c.BuildKey(ctx, key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, storageKey, raw, c.ttl).Err()
}

// Bump marks key stale by incrementing its version.
func (c *Cache) Bump(ctx context.Context, key Key) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	versionKey := versionPrefix + key.String()
	pipe := c.client.TxPipeline()
	// A missing version reads as 1, so the first bump must land on 2.
	pipe.SetNX(ctx, versionKey, 1, 0)
	incr := pipe.Incr(ctx, versionKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Publish announces an invalidation to other instances.
func (c *Cache) Publish(ctx context.Context, msg Message) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, Channel, raw).Err()
}

// Subscribe streams invalidation messages until ctx is done.
func (c *Cache) Subscribe(ctx context.Context, handle func(Message)) error {
	if c == nil || c.client == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var decoded Message
				if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
					continue
				}
				handle(decoded)
			}
		}
	}()
	return nil
}

// Message is the pub/sub payload for a remote invalidation.
type Message struct {
	Origin string `json:"origin"`
	Key    string `json:"key"`
}

func roundTrip(value, dest interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
