package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy is always true; without Postgres the whole API is down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks profiles with plainto_tsquery and ts_rank and builds the
// snippet with ts_headline over the pledge and bio.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = normalize(q)

	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM profiles WHERE fts @@ plainto_tsquery('english', $1)`, q.Text,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, slug, display_name, pledge,
			ts_headline('english', pledge || ' ' || bio, plainto_tsquery('english', $1),
				'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet
		FROM profiles
		WHERE fts @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(fts, plainto_tsquery('english', $1)) DESC, slug
		LIMIT $2 OFFSET $3
	`, q.Text, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ProfileID, &r.Slug, &r.DisplayName, &r.Pledge, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every profile for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ProfileRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, slug, display_name, pledge, bio FROM profiles`)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	defer rows.Close()

	records := make([]ProfileRecord, 0)
	for rows.Next() {
		var r ProfileRecord
		if err := rows.Scan(&r.ID, &r.Slug, &r.DisplayName, &r.Pledge, &r.Bio); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return records, nil
}
