package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creative-atlas/atlas/internal/engagement"
)

// MembershipRepository persists (user, resource) pairs in one table.
type MembershipRepository struct {
	pool   *pgxpool.Pool
	table  string
	column string
}

// NewFavoritesRepository stores favorites in membership_records.
func NewFavoritesRepository(pool *pgxpool.Pool) *MembershipRepository {
	return &MembershipRepository{pool: pool, table: "membership_records", column: "resource_id"}
}

// NewLikesRepository stores article likes in article_likes.
func NewLikesRepository(pool *pgxpool.Pool) *MembershipRepository {
	return &MembershipRepository{pool: pool, table: "article_likes", column: "article_id"}
}

// List returns the resource ids held by userID.
func (r *MembershipRepository) List(ctx context.Context, userID string) ([]string, error) {
	query := fmt.Sprintf(`SELECT %[2]s FROM %[1]s WHERE user_id = $1 ORDER BY %[2]s`, r.table, r.column)
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Insert adds the pair. A duplicate surfaces as a unique violation.
func (r *MembershipRepository) Insert(ctx context.Context, userID, resourceID string) error {
	query := fmt.Sprintf(`INSERT INTO %s (user_id, %s) VALUES ($1, $2)`, r.table, r.column)
	_, err := r.pool.Exec(ctx, query, userID, resourceID)
	return err
}

// Delete removes the pair; removing an absent pair is a no-op.
func (r *MembershipRepository) Delete(ctx context.Context, userID, resourceID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1 AND %s = $2`, r.table, r.column)
	_, err := r.pool.Exec(ctx, query, userID, resourceID)
	return err
}

var _ engagement.MembershipBackend = (*MembershipRepository)(nil)
