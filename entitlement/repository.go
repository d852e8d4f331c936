package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository stores values in the kv_store table.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Get fetches the value stored under key.
func (r *PGRepository) Get(ctx context.Context, key string) ([]byte, error) {
	const query = `
		SELECT value
		FROM kv_store
		WHERE key = $1
	`

	var value []byte
	if err := r.pool.QueryRow(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("entitlement: query %s: %w", key, err)
	}

	return value, nil
}

// Put upserts value under key.
func (r *PGRepository) Put(ctx context.Context, key string, value []byte) error {
	const upsertSQL = `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    updated_at = EXCLUDED.updated_at
	`

	if _, err := r.pool.Exec(ctx, upsertSQL, key, string(value)); err != nil {
		return fmt.Errorf("entitlement: upsert %s: %w", key, err)
	}

	return nil
}
