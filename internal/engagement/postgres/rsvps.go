package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creative-atlas/atlas/internal/engagement"
)

// RSVPRepository persists event RSVPs, at most one row per (user, event).
type RSVPRepository struct {
	pool *pgxpool.Pool
}

// NewRSVPRepository constructs an RSVPRepository.
func NewRSVPRepository(pool *pgxpool.Pool) *RSVPRepository {
	return &RSVPRepository{pool: pool}
}

const rsvpColumns = `id::text, event_id, user_id, status`

func scanRSVP(row pgx.Row) (engagement.RSVP, error) {
	var rec engagement.RSVP
	var status string
	if err := row.Scan(&rec.ID, &rec.EventID, &rec.UserID, &status); err != nil {
		return engagement.RSVP{}, err
	}
	rec.Status = engagement.Status(status)
	return rec, nil
}

// List returns every RSVP of userID.
func (r *RSVPRepository) List(ctx context.Context, userID string) ([]engagement.RSVP, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+rsvpColumns+` FROM event_rsvps WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []engagement.RSVP
	for rows.Next() {
		rec, err := scanRSVP(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Find returns the RSVP of userID for eventID, if any.
func (r *RSVPRepository) Find(ctx context.Context, userID, eventID string) (engagement.RSVP, bool, error) {
	rec, err := scanRSVP(r.pool.QueryRow(ctx, `SELECT `+rsvpColumns+`
FROM event_rsvps WHERE user_id = $1 AND event_id = $2`, userID, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return engagement.RSVP{}, false, nil
	}
	if err != nil {
		return engagement.RSVP{}, false, err
	}
	return rec, true, nil
}

// Insert creates the RSVP. A second row for the pair is a unique violation.
func (r *RSVPRepository) Insert(ctx context.Context, userID, eventID string, status engagement.Status) (engagement.RSVP, error) {
	return scanRSVP(r.pool.QueryRow(ctx, `INSERT INTO event_rsvps (id, user_id, event_id, status)
VALUES ($1, $2, $3, $4) RETURNING `+rsvpColumns, uuid.New(), userID, eventID, string(status)))
}

// Update changes the status of an existing row in place.
func (r *RSVPRepository) Update(ctx context.Context, userID, recordID string, status engagement.Status) error {
	id, err := uuid.Parse(recordID)
	if err != nil {
		return engagement.ErrRecordMissing
	}
	tag, err := r.pool.Exec(ctx, `UPDATE event_rsvps SET status = $3, updated_at = now()
WHERE id = $1 AND user_id = $2`, id, userID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return engagement.ErrRecordMissing
	}
	return nil
}

// Delete removes the row; an absent row is a no-op.
func (r *RSVPRepository) Delete(ctx context.Context, userID, recordID string) error {
	id, err := uuid.Parse(recordID)
	if err != nil {
		return nil
	}
	_, err = r.pool.Exec(ctx, `DELETE FROM event_rsvps WHERE id = $1 AND user_id = $2`, id, userID)
	return err
}

var _ engagement.RSVPBackend = (*RSVPRepository)(nil)
