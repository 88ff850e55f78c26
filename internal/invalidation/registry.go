package invalidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Refetcher reloads a read-view after it has been marked stale.
type Refetcher func(ctx context.Context, key Key) error

// Enqueuer schedules background recomputation of aggregate counts.
type Enqueuer interface {
	EnqueueCountsRefresh(ctx context.Context, key Key) error
}

// Registry marks read-views stale and refetches the ones registered for a kind.
// It never retries failed mutations.
type Registry struct {
	cache    *Cache
	logger   *slog.Logger
	metrics  *Metrics
	instance string

	mu         sync.RWMutex
	refetchers map[Kind][]Refetcher
	enqueuer   Enqueuer

	group singleflight.Group
}

// NewRegistry constructs a Registry. cache and metrics may be nil.
func NewRegistry(cache *Cache, logger *slog.Logger, metrics *Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cache:      cache,
		logger:     logger,
		metrics:    metrics,
		instance:   uuid.NewString(),
		refetchers: make(map[Kind][]Refetcher),
	}
}

// Register adds a refetcher for views of kind.
func (r *Registry) Register(kind Kind, fn Refetcher) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refetchers[kind] = append(r.refetchers[kind], fn)
}

// SetEnqueuer wires background count refreshes.
func (r *Registry) SetEnqueuer(e Enqueuer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueuer = e
}

// Cache exposes the versioned cache backing the registry.
func (r *Registry) Cache() *Cache {
	return r.cache
}

// Metrics exposes the registry collectors.
func (r *Registry) Metrics() *Metrics {
	return r.metrics
}

// Invalidate marks every key stale, announces it to other instances and
// refetches registered views. Duplicate keys are processed once.
func (r *Registry) Invalidate(ctx context.Context, keys ...Key) error {
	seen := make(map[string]struct{}, len(keys))
	var errs []error
	for _, key := range keys {
		id := key.String()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		if _, err := r.cache.Bump(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("invalidation: bump %s: %w", id, err))
		}
		r.metrics.invalidated(key.Kind)
		if err := r.cache.Publish(ctx, Message{Origin: r.instance, Key: id}); err != nil {
			r.logger.Warn("publish invalidation", slog.String("key", id), slog.Any("error", err))
		}
		if err := r.refetch(ctx, key); err != nil {
			errs = append(errs, err)
		}
		if key.Kind.IsCount() {
			if err := r.enqueueCount(ctx, key); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Listen applies invalidations published by other instances until ctx is done.
// The version bump already happened in shared Redis, so only refetchers run.
func (r *Registry) Listen(ctx context.Context) error {
	return r.cache.Subscribe(ctx, func(msg Message) {
		if msg.Origin == r.instance {
			return
		}
		key, err := ParseKey(msg.Key)
		if err != nil {
			r.logger.Warn("discard invalidation message", slog.String("key", msg.Key))
			return
		}
		if err := r.refetch(ctx, key); err != nil {
			r.logger.Warn("remote refetch", slog.String("key", msg.Key), slog.Any("error", err))
		}
	})
}

func (r *Registry) refetch(ctx context.Context, key Key) error {
	r.mu.RLock()
	fns := append([]Refetcher(nil), r.refetchers[key.Kind]...)
	r.mu.RUnlock()
	if len(fns) == 0 {
		return nil
	}
	_, err, _ := r.group.Do(key.String(), func() (interface{}, error) {
		var errs []error
		for _, fn := range fns {
			if err := fn(ctx, key); err != nil {
				errs = append(errs, err)
			}
		}
		return nil, errors.Join(errs...)
	})
	if err != nil {
		r.metrics.refetchFailed(key.Kind)
		return fmt.Errorf("invalidation: refetch %s: %w", key.String(), err)
	}
	return nil
}

func (r *Registry) enqueueCount(ctx context.Context, key Key) error {
	r.mu.RLock()
	enqueuer := r.enqueuer
	r.mu.RUnlock()
	if enqueuer == nil {
		return nil
	}
	if err := enqueuer.EnqueueCountsRefresh(ctx, key); err != nil {
		return fmt.Errorf("invalidation: enqueue %s: %w", key.String(), err)
	}
	return nil
}
