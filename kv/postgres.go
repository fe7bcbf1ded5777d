package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultPostgresTable is the table used when NewPostgres receives an empty name.
const DefaultPostgresTable = "fieldsync_kv"

// Postgres keeps the store in a single two-column table.
type Postgres struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgres returns a store backed by pool. Call Migrate once before use; reads
// against a database that has not been migrated yet behave like an empty store.
func NewPostgres(pool *pgxpool.Pool, table string) *Postgres {
	if table == "" {
		table = DefaultPostgresTable
	}
	return &Postgres{pool: pool, table: pgx.Identifier{table}.Sanitize()}
}

// Migrate creates the backing table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, p.table))
	if err != nil {
		return fmt.Errorf("kv: migrate %s: %w", p.table, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, p.table), key).Scan(&value)
	switch {
	case errors.Is(err, pgx.ErrNoRows), isUndefinedTable(err):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return value, true, nil
}

func (p *Postgres) Set(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, p.table), key, value)
	return err
}

func (p *Postgres) Remove(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, p.table), key)
	if isUndefinedTable(err) {
		return nil
	}
	return err
}

func (p *Postgres) MultiRemove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ANY($1)`, p.table), keys)
	if isUndefinedTable(err) {
		return nil
	}
	return err
}

func (p *Postgres) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`SELECT key FROM %s ORDER BY key`, p.table))
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, err
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if isUndefinedTable(err) {
		return nil, nil
	}
	return keys, err
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable
}
