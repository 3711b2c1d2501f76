package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"juday/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureUserByEmail returns the user for an email address, creating the row on
// first sign-in. Magic-link auth has no separate sign-up step.
func (s *PostgresStore) EnsureUserByEmail(ctx context.Context, email string) (User, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))

	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, created_at FROM users WHERE email = $1`, normalized,
	).Scan(&user.ID, &user.Email, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email)
		VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, email, created_at
	`, util.NewID("usr"), normalized).Scan(&user.ID, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, created_at FROM users WHERE id = $1`, userID,
	).Scan(&user.ID, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, translate(err)
	}
	return user, nil
}

// Magic-link login tokens. Stored hashed, single use.

func (s *PostgresStore) CreateLoginToken(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO login_tokens (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create login token: %w", err)
	}
	return nil
}

// ConsumeLoginToken redeems an unexpired, unused login token and returns the
// owning user id. Redemption is a single UPDATE so a token can only ever be
// consumed once, even under concurrent redemption attempts.
func (s *PostgresStore) ConsumeLoginToken(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE login_tokens
		SET used_at = NOW()
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > NOW()
		RETURNING user_id
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", translate(err)
	}
	return userID, nil
}

// Refresh sessions in Postgres. A Redis-backed implementation of the same
// contract lives in internal/session; main picks one at startup.

// SaveRefreshSession stores a refresh token. The email parameter exists for
// interface parity with the Redis store; here the lookup joins users instead.
func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID, _ string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, translate(err)
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// Sheets.

const sheetColumns = `id, user_id, to_char(sheet_date, 'YYYY-MM-DD'), body, created_at, updated_at`

func scanSheet(row interface{ Scan(...any) error }) (Sheet, error) {
	var item Sheet
	err := row.Scan(&item.ID, &item.UserID, &item.SheetDate, &item.Body, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) GetSheetByDate(ctx context.Context, userID, date string) (Sheet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sheetColumns+`
		FROM sheets
		WHERE user_id = $1 AND sheet_date = $2
	`, userID, date)
	item, err := scanSheet(row)
	if err != nil {
		return Sheet{}, translate(err)
	}
	return item, nil
}

func (s *PostgresStore) GetSheetByID(ctx context.Context, userID, sheetID string) (Sheet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sheetColumns+`
		FROM sheets
		WHERE id = $1 AND user_id = $2
	`, sheetID, userID)
	item, err := scanSheet(row)
	if err != nil {
		return Sheet{}, translate(err)
	}
	return item, nil
}

// InsertSheet creates a sheet row. A concurrent creation for the same
// (user, date) surfaces as ErrConflict; callers resolve it with a re-read.
func (s *PostgresStore) InsertSheet(ctx context.Context, item Sheet) (Sheet, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sheets (id, user_id, sheet_date, body)
		VALUES ($1, $2, $3, $4)
		RETURNING `+sheetColumns+`
	`, item.ID, item.UserID, item.SheetDate, item.Body)
	created, err := scanSheet(row)
	if err != nil {
		return Sheet{}, translate(err)
	}
	return created, nil
}

// UpdateSheetBody overwrites the body and refreshes updated_at. The user id
// guard keeps one principal from writing another's rows.
func (s *PostgresStore) UpdateSheetBody(ctx context.Context, userID, sheetID, body string) (Sheet, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE sheets
		SET body = $3, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING `+sheetColumns+`
	`, sheetID, userID, body)
	item, err := scanSheet(row)
	if err != nil {
		return Sheet{}, translate(err)
	}
	return item, nil
}

// ListSheetsBefore returns sheets strictly older than the cursor date, newest
// first, limited to count.
func (s *PostgresStore) ListSheetsBefore(ctx context.Context, userID, before string, limit int) ([]Sheet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sheetColumns+`
		FROM sheets
		WHERE user_id = $1 AND sheet_date < $2
		ORDER BY sheet_date DESC
		LIMIT $3
	`, userID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list sheets before %s: %w", before, err)
	}
	defer rows.Close()

	items := make([]Sheet, 0)
	for rows.Next() {
		item, err := scanSheet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sheet: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sheets: %w", err)
	}
	return items, nil
}

// ListSheets returns every sheet for a user ordered by date ascending.
func (s *PostgresStore) ListSheets(ctx context.Context, userID string) ([]Sheet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sheetColumns+`
		FROM sheets
		WHERE user_id = $1
		ORDER BY sheet_date ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sheets: %w", err)
	}
	defer rows.Close()

	items := make([]Sheet, 0)
	for rows.Next() {
		item, err := scanSheet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sheet: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sheets: %w", err)
	}
	return items, nil
}

// SheetDates returns the set of dates that already have a sheet for the user.
// Import uses it to skip blocks whose day already exists.
func (s *PostgresStore) SheetDates(ctx context.Context, userID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(sheet_date, 'YYYY-MM-DD') FROM sheets WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sheet dates: %w", err)
	}
	defer rows.Close()

	dates := make(map[string]bool)
	for rows.Next() {
		var date string
		if err := rows.Scan(&date); err != nil {
			return nil, fmt.Errorf("scan sheet date: %w", err)
		}
		dates[date] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sheet dates: %w", err)
	}
	return dates, nil
}

// InsertSheets writes a batch of sheets in one transaction. Any failure rolls
// the whole batch back; import is all-or-nothing at this level.
func (s *PostgresStore) InsertSheets(ctx context.Context, items []Sheet) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sheet batch: %w", err)
	}
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sheets (id, user_id, sheet_date, body)
			VALUES ($1, $2, $3, $4)
		`, item.ID, item.UserID, item.SheetDate, item.Body); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert sheet %s: %w", item.SheetDate, translate(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sheet batch: %w", err)
	}
	return nil
}
