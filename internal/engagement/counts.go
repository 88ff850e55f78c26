package engagement

import (
	"context"
	"fmt"

	"github.com/creative-atlas/atlas/internal/invalidation"
)

// CountsReader reads aggregate engagement counts.
type CountsReader interface {
	LikeCount(ctx context.Context, articleID string) (int, error)
	RSVPCounts(ctx context.Context, eventID string) (RSVPCounts, error)
}

// LikeCount is the cached like total of one article.
type LikeCount struct {
	ArticleID string `json:"article_id"`
	Count     int    `json:"count"`
}

// LoadCount reads the aggregate behind a count view key. The result is what
// the count cache stores for that key.
func LoadCount(ctx context.Context, reader CountsReader, key invalidation.Key) (any, error) {
	id := key.FirstScope()
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("engagement: count %s: %w", key, err)
	}
	switch key.Kind {
	case invalidation.KindLikeCount:
		n, err := reader.LikeCount(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("engagement: like count %s: %w", id, Classify(err))
		}
		return LikeCount{ArticleID: id, Count: n}, nil
	case invalidation.KindRSVPCount:
		counts, err := reader.RSVPCounts(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("engagement: rsvp counts %s: %w", id, Classify(err))
		}
		return counts, nil
	}
	return nil, fmt.Errorf("engagement: %s is not a count view: %w", key, ErrInvalid)
}
