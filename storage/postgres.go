package storage

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
)

const projectIDsQuery = `SELECT project_id::text FROM project_members WHERE user_id::text = $1 ORDER BY project_id`

// Postgres resolves membership from the project_members table.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres opens a pooled connection to dsn.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgres(db), nil
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) ProjectIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, projectIDsQuery, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) Close() error { return p.db.Close() }
