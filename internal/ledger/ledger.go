// Package ledger tracks in-flight dirtied-book backups in a durable side
// store, so an OPF backup pass interrupted by a crash resumes on the
// next boot instead of silently losing I8.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/pgxpoolprometheus"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Persister records dirtied books pending a metadata backup.
type Persister interface {
	Persist(ctx context.Context, bookID int64, payload []byte) error
	Persisted(ctx context.Context) ([]int64, error)
	Delete(ctx context.Context, bookID int64) error
}

// Nop no-ops persistence for tests and for deployments without a ledger
// database.
type Nop struct{}

var (
	_ Persister = (*Postgres)(nil)
	_ Persister = (*Nop)(nil)
)

func (*Nop) Persist(context.Context, int64, []byte) error { return nil }
func (*Nop) Persisted(context.Context) ([]int64, error)   { return nil, nil }
func (*Nop) Delete(context.Context, int64) error          { return nil }

// Postgres persists the dirty ledger in a small Postgres table.
type Postgres struct {
	db *pgxpool.Pool
}

// New connects to dsn, ensures the ledger table exists, and exports the
// pool's connection stats when a registry is given.
func New(ctx context.Context, dsn string, reg *prometheus.Registry) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse dsn: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour

	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ledger: connect: %w", err)
	}
	if reg != nil {
		reg.MustRegister(pgxpoolprometheus.NewCollector(db, map[string]string{"db_name": cfg.ConnConfig.Database}))
	}
	_, err = db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS dirtied_books (
    book_id    BIGINT PRIMARY KEY,
    payload    BYTEA,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ensure table: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close releases the pool.
func (p *Postgres) Close() { p.db.Close() }

// Persist records a book's backup as in-flight, keeping the newest
// payload on conflict.
func (p *Postgres) Persist(ctx context.Context, bookID int64, payload []byte) error {
	_, err := p.db.Exec(ctx, `
INSERT INTO dirtied_books (book_id, payload, updated_at) VALUES ($1, $2, now())
ON CONFLICT (book_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
		bookID, payload)
	return err
}

// Persisted returns every book whose backup was in-flight at last
// shutdown, oldest first.
func (p *Postgres) Persisted(ctx context.Context) ([]int64, error) {
	rows, err := p.db.Query(ctx, `SELECT book_id FROM dirtied_books ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			continue
		}
		bookIDs = append(bookIDs, id)
	}
	return bookIDs, rows.Err()
}

// Delete records a book's backup as completed.
func (p *Postgres) Delete(ctx context.Context, bookID int64) error {
	_, err := p.db.Exec(ctx, `DELETE FROM dirtied_books WHERE book_id = $1`, bookID)
	return err
}
