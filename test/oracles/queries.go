package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the system is healthy.
type Oracle struct {
	Name string
	SQL  string
	Args []any
}

// All returns the kv_store oracles for the entitlement map stored under key.
func All(key string, productIDs []string) []Oracle {
	return []Oracle{
		{
			Name: "O1_value_is_object",
			SQL:  `SELECT key, jsonb_typeof(value) FROM kv_store WHERE jsonb_typeof(value) <> 'object'`,
		},
		{
			Name: "O2_values_are_booleans",
			SQL: `SELECT s.key, e.key, e.value FROM kv_store s, jsonb_each(s.value) e
                  WHERE jsonb_typeof(s.value) = 'object' AND jsonb_typeof(e.value) <> 'boolean'`,
		},
		{
			Name: "O3_every_product_present",
			SQL:  `SELECT key FROM kv_store WHERE key = $1 AND NOT (value ?& $2::text[])`,
			Args: []any{key, productIDs},
		},
		{
			Name: "O4_only_entitlement_key",
			SQL:  `SELECT key FROM kv_store WHERE key <> $1`,
			Args: []any{key},
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, key string, productIDs []string) (string, string, error) {
	for _, o := range All(key, productIDs) {
		rows, err := pool.Query(ctx, o.SQL, o.Args...)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
