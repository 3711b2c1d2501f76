package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches sheets with PostgreSQL full-text search. It is the
// fallback when Meilisearch is not configured or unreachable.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is
// down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks the user's sheets against the query with ts_rank and
// renders snippets with ts_headline.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM sheets
		WHERE user_id = $1 AND fts @@ plainto_tsquery('english', $2)
	`, q.OwnerID, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, to_char(sheet_date, 'YYYY-MM-DD'),
			ts_headline('english', body, plainto_tsquery('english', $2), 'MaxFragments=1,MaxWords=30')
		FROM sheets
		WHERE user_id = $1 AND fts @@ plainto_tsquery('english', $2)
		ORDER BY ts_rank(fts, plainto_tsquery('english', $2)) DESC
		LIMIT %d OFFSET %d
	`, limit, offset), q.OwnerID, q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.SheetDate, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every sheet for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SheetRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, to_char(sheet_date, 'YYYY-MM-DD'), body FROM sheets
	`)
	if err != nil {
		return nil, fmt.Errorf("load sheets: %w", err)
	}
	defer rows.Close()

	records := make([]SheetRecord, 0)
	for rows.Next() {
		var r SheetRecord
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.SheetDate, &r.Body); err != nil {
			return nil, fmt.Errorf("scan sheet record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sheet records: %w", err)
	}
	return records, nil
}
