package store

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound marks a lookup that matched no row. Callers treat it as a
	// valid state, not a failure.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a unique-constraint violation. For sheet creation this
	// means another session won the (user, date) race and the caller should
	// re-read instead of reporting an error.
	ErrConflict = errors.New("unique conflict")
)

const uniqueViolationCode = "23505"

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return ErrConflict
	}
	return err
}
