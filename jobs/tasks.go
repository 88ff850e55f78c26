package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/creative-atlas/atlas/internal/invalidation"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskCountsRefresh recomputes one aggregate count view.
	TaskCountsRefresh = "engagement:counts_refresh"
)

// countsRefreshWindow collapses bursts of invalidations for the same view.
const countsRefreshWindow = 5 * time.Second

// CountsRefreshPayload names the count view to recompute.
type CountsRefreshPayload struct {
	Key string `json:"key"`
}

// NewCountsRefreshTask constructs the refresh task for a count view key.
func NewCountsRefreshTask(key invalidation.Key) (*asynq.Task, error) {
	if !key.Kind.IsCount() {
		return nil, fmt.Errorf("jobs: %s is not a count view", key)
	}
	body, err := json.Marshal(CountsRefreshPayload{Key: key.String()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCountsRefresh, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(3),
		asynq.Unique(countsRefreshWindow),
	), nil
}
