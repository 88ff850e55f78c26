package engagement

import (
	"context"
	"log/slog"

	"github.com/creative-atlas/atlas/internal/invalidation"
)

// Invalidator marks read-views stale after a committed mutation.
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...invalidation.Key) error
}

// viewNotifier invalidates dependent views without failing the mutation
// that triggered it; the mutation is already committed.
type viewNotifier struct {
	views  Invalidator
	logger *slog.Logger
}

func (n viewNotifier) invalidate(ctx context.Context, keys ...invalidation.Key) {
	if n.views == nil || len(keys) == 0 {
		return
	}
	if err := n.views.Invalidate(ctx, keys...); err != nil {
		n.logger.Warn("invalidate views", slog.Any("error", err))
	}
}
