package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creative-atlas/atlas/internal/engagement"
	"github.com/creative-atlas/atlas/internal/platform/db"
)

// ListRepository persists favorite lists. Every statement is scoped to the
// owner; lists of other users behave as if they did not exist.
type ListRepository struct {
	pool *pgxpool.Pool
}

// NewListRepository constructs a ListRepository.
func NewListRepository(pool *pgxpool.Pool) *ListRepository {
	return &ListRepository{pool: pool}
}

// Lists returns the lists owned by ownerID.
func (r *ListRepository) Lists(ctx context.Context, ownerID string) ([]engagement.FavoriteList, error) {
	rows, err := r.pool.Query(ctx, `SELECT id::text, owner_id, name, created_at
FROM favorite_lists WHERE owner_id = $1 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lists []engagement.FavoriteList
	for rows.Next() {
		var l engagement.FavoriteList
		if err := rows.Scan(&l.ID, &l.OwnerID, &l.Name, &l.CreatedAt); err != nil {
			return nil, err
		}
		lists = append(lists, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lists, nil
}

// Items returns every item of every list owned by ownerID.
func (r *ListRepository) Items(ctx context.Context, ownerID string) ([]engagement.ListItem, error) {
	rows, err := r.pool.Query(ctx, `SELECT li.list_id::text, li.resource_id
FROM list_items li JOIN favorite_lists fl ON fl.id = li.list_id
WHERE fl.owner_id = $1`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []engagement.ListItem
	for rows.Next() {
		var it engagement.ListItem
		if err := rows.Scan(&it.ListID, &it.ResourceID); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// CreateList inserts a list with a fresh id.
func (r *ListRepository) CreateList(ctx context.Context, ownerID, name string) (engagement.FavoriteList, error) {
	l := engagement.FavoriteList{ID: uuid.NewString(), OwnerID: ownerID, Name: name}
	var created time.Time
	err := r.pool.QueryRow(ctx, `INSERT INTO favorite_lists (id, owner_id, name)
VALUES ($1, $2, $3) RETURNING created_at`, l.ID, ownerID, name).Scan(&created)
	if err != nil {
		return engagement.FavoriteList{}, err
	}
	l.CreatedAt = created
	return l, nil
}

// DeleteList removes the list and its items in one transaction.
func (r *ListRepository) DeleteList(ctx context.Context, ownerID, listID string) error {
	id, err := uuid.Parse(listID)
	if err != nil {
		return pgx.ErrNoRows
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var locked int
		if err := tx.QueryRow(ctx, `SELECT 1 FROM favorite_lists
WHERE id = $1 AND owner_id = $2 FOR UPDATE`, id, ownerID).Scan(&locked); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM list_items WHERE list_id = $1`, id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM favorite_lists WHERE id = $1`, id)
		return err
	})
}

// AddItem places resourceID in an owned list. A duplicate surfaces as a
// unique violation; a foreign or missing list as pgx.ErrNoRows.
func (r *ListRepository) AddItem(ctx context.Context, ownerID, listID, resourceID string) error {
	id, err := uuid.Parse(listID)
	if err != nil {
		return pgx.ErrNoRows
	}
	tag, err := r.pool.Exec(ctx, `INSERT INTO list_items (list_id, resource_id)
SELECT id, $3 FROM favorite_lists WHERE id = $1 AND owner_id = $2`, id, ownerID, resourceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// RemoveItem takes resourceID out of an owned list; an absent item is a no-op.
func (r *ListRepository) RemoveItem(ctx context.Context, ownerID, listID, resourceID string) error {
	id, err := uuid.Parse(listID)
	if err != nil {
		return pgx.ErrNoRows
	}
	var owned bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM favorite_lists WHERE id = $1 AND owner_id = $2)`, id, ownerID).Scan(&owned); err != nil {
		return err
	}
	if !owned {
		return pgx.ErrNoRows
	}
	_, err = r.pool.Exec(ctx, `DELETE FROM list_items WHERE list_id = $1 AND resource_id = $2`, id, resourceID)
	return err
}

var _ engagement.ListBackend = (*ListRepository)(nil)
