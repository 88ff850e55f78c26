package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creative-atlas/atlas/internal/capability"
	"github.com/creative-atlas/atlas/internal/engagement"
)

// AdminRole is the user_roles value granting administrative capability.
const AdminRole = "admin"

// EntitlementRepository reads role and subscription records.
type EntitlementRepository struct {
	pool *pgxpool.Pool
}

// NewEntitlementRepository constructs an EntitlementRepository.
func NewEntitlementRepository(pool *pgxpool.Pool) *EntitlementRepository {
	return &EntitlementRepository{pool: pool}
}

// Entitlements reports admin role and active subscription in one round trip.
func (r *EntitlementRepository) Entitlements(ctx context.Context, userID string) (capability.Entitlements, error) {
	var ent capability.Entitlements
	err := r.pool.QueryRow(ctx, `SELECT
  EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role = $2),
  EXISTS (SELECT 1 FROM subscriptions WHERE user_id = $1 AND status = 'active'
          AND (expires_at IS NULL OR expires_at > now()))`, userID, AdminRole).Scan(&ent.Admin, &ent.Subscribed)
	if err != nil {
		return capability.Entitlements{}, err
	}
	return ent, nil
}

// CountsRepository aggregates likes and RSVPs.
type CountsRepository struct {
	pool *pgxpool.Pool
}

// NewCountsRepository constructs a CountsRepository.
func NewCountsRepository(pool *pgxpool.Pool) *CountsRepository {
	return &CountsRepository{pool: pool}
}

// LikeCount returns the number of likes on articleID.
func (r *CountsRepository) LikeCount(ctx context.Context, articleID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM article_likes WHERE article_id = $1`, articleID).Scan(&n)
	return n, err
}

// RSVPCounts returns going and interested totals for eventID.
func (r *CountsRepository) RSVPCounts(ctx context.Context, eventID string) (engagement.RSVPCounts, error) {
	var c engagement.RSVPCounts
	err := r.pool.QueryRow(ctx, `SELECT
  count(*) FILTER (WHERE status = 'going'),
  count(*) FILTER (WHERE status = 'interested')
FROM event_rsvps WHERE event_id = $1`, eventID).Scan(&c.Going, &c.Interested)
	return c, err
}

// ContactRepository reads raw business contact details.
type ContactRepository struct {
	pool *pgxpool.Pool
}

// NewContactRepository constructs a ContactRepository.
func NewContactRepository(pool *pgxpool.Pool) *ContactRepository {
	return &ContactRepository{pool: pool}
}

// Contact returns the stored contact of resourceID.
func (r *ContactRepository) Contact(ctx context.Context, resourceID string) (engagement.Contact, error) {
	var c engagement.Contact
	err := r.pool.QueryRow(ctx, `SELECT email, phone FROM business_contacts WHERE resource_id = $1`, resourceID).Scan(&c.Email, &c.Phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return engagement.Contact{}, engagement.ErrNotFound
	}
	if err != nil {
		return engagement.Contact{}, err
	}
	return c, nil
}

var (
	_ capability.Lookup        = (*EntitlementRepository)(nil)
	_ engagement.CountsReader  = (*CountsRepository)(nil)
	_ engagement.ContactReader = (*ContactRepository)(nil)
)
