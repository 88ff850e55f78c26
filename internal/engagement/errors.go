package engagement

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrAuthRequired indicates a mutation attempted without authentication.
	// Callers navigate to sign-in instead of showing an error.
	ErrAuthRequired = errors.New("engagement: authentication required")
	// ErrNotAuthorized indicates a row-level rejection, e.g. touching another user's list.
	ErrNotAuthorized = errors.New("engagement: not authorized")
	// ErrConflict indicates a unique-constraint violation; stores treat it as success.
	ErrConflict = errors.New("engagement: record already exists")
	// ErrTransient indicates a network or server failure; the change was rolled back.
	ErrTransient = errors.New("engagement: temporarily unavailable")
	// ErrInvalid indicates input rejected before any server call.
	ErrInvalid = errors.New("engagement: invalid input")
	// ErrPartial indicates a list was created but the follow-up item add failed.
	ErrPartial = errors.New("engagement: list created but item not added")
	// ErrDiscarded indicates the session was reset before the mutation settled.
	ErrDiscarded = errors.New("engagement: session reset before mutation settled")
	// ErrNotFound indicates a read of a resource that does not exist.
	ErrNotFound = errors.New("engagement: not found")
	// ErrRecordMissing is returned by backends when an update targets a vanished row.
	ErrRecordMissing = errors.New("engagement: record missing")
)

const (
	sqlStateUniqueViolation       = "23505"
	sqlStateInsufficientPrivilege = "42501"
	sqlStateForeignKeyViolation   = "23503"
)

// Classify maps a backend error onto the engagement taxonomy.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrAuthRequired, ErrNotAuthorized, ErrConflict, ErrTransient, ErrInvalid, ErrNotFound, ErrRecordMissing} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return wrap(ErrNotAuthorized, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateUniqueViolation:
			return wrap(ErrConflict, err)
		case sqlStateInsufficientPrivilege, sqlStateForeignKeyViolation:
			return wrap(ErrNotAuthorized, err)
		}
	}
	return wrap(ErrTransient, err)
}

func wrap(kind, cause error) error {
	return fmt.Errorf("%w: %w", kind, cause)
}
