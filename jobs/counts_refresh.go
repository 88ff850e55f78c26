package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/creative-atlas/atlas/internal/engagement"
	"github.com/creative-atlas/atlas/internal/invalidation"
	jobmetrics "github.com/creative-atlas/atlas/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// CountsRefreshJob recomputes an invalidated count view and writes it under
// the view's current cache version, so readers hit a warm entry.
type CountsRefreshJob struct {
	Counts  engagement.CountsReader
	Cache   *invalidation.Cache
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCountsRefreshJob constructs the job handler.
func NewCountsRefreshJob(counts engagement.CountsReader, cache *invalidation.Cache, logger *slog.Logger, metrics *jobmetrics.Metrics) *CountsRefreshJob {
	return &CountsRefreshJob{Counts: counts, Cache: cache, Logger: logger, Metrics: metrics}
}

// Handle executes the counts refresh job. Payloads that can never succeed
// are discarded with asynq.SkipRetry; store failures are retried.
func (j *CountsRefreshJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.Counts == nil || j.Cache == nil {
		return errors.New("counts refresh: dependencies not configured")
	}
	tracker := j.metrics().Track(TaskCountsRefresh)
	defer func() {
		err = tracker.End(err)
	}()

	var payload CountsRefreshPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("counts refresh: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	key, err := invalidation.ParseKey(payload.Key)
	if err != nil || !key.Kind.IsCount() {
		j.log().Warn("discard refresh task", slog.String("key", payload.Key))
		return fmt.Errorf("counts refresh: bad key %q: %w", payload.Key, asynq.SkipRetry)
	}

	value, err := engagement.LoadCount(ctx, j.Counts, key)
	switch {
	case errors.Is(err, engagement.ErrInvalid):
		return fmt.Errorf("counts refresh: %w: %w", err, asynq.SkipRetry)
	case err != nil:
		j.log().Error("load count", slog.String("key", payload.Key), slog.Any("error", err))
		return err
	}
	if err := j.Cache.Store(ctx, key, value); err != nil {
		j.log().Error("store count", slog.String("key", payload.Key), slog.Any("error", err))
		return err
	}
	j.metrics().CountRefreshed(string(key.Kind))
	j.log().Debug("refreshed count view", slog.String("key", payload.Key))
	return nil
}

func (j *CountsRefreshJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *CountsRefreshJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskCountsRefresh))
	}
	return slog.Default().With(slog.String("job", TaskCountsRefresh))
}
