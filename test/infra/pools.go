package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pools are the two connection pools of a stress run. Admin runs oracles and
// chaos; Store backs the entitlement repository and is the one chaos kills.
type Pools struct {
	Admin *pgxpool.Pool
	Store *pgxpool.Pool

	dsn    string
	schema string
}

// Open migrates target and connects both pools.
func Open(ctx context.Context, target *Target) (*Pools, error) {
	cfg, err := pgxpool.ParseConfig(target.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	p := &Pools{dsn: target.DSN}
	if target.Shared {
		p.schema = fmt.Sprintf("stress_run_%d", time.Now().UnixNano())
		if err := p.exec(ctx, "CREATE SCHEMA "+pgx.Identifier{p.schema}.Sanitize()); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
		cfg.ConnConfig.RuntimeParams["search_path"] = p.schema
	}

	if p.Admin, err = pgxpool.NewWithConfig(ctx, cfg); err != nil {
		p.Close(ctx)
		return nil, fmt.Errorf("connect admin pool: %w", err)
	}
	if err := migrate(ctx, p.Admin); err != nil {
		p.Close(ctx)
		return nil, err
	}

	storeCfg := cfg.Copy()
	storeCfg.ConnConfig.RuntimeParams["application_name"] = ApplicationName
	if p.Store, err = pgxpool.NewWithConfig(ctx, storeCfg); err != nil {
		p.Close(ctx)
		return nil, fmt.Errorf("connect store pool: %w", err)
	}
	return p, nil
}

// Close closes both pools and drops the run's schema on a shared database.
func (p *Pools) Close(ctx context.Context) error {
	if p.Store != nil {
		p.Store.Close()
	}
	if p.Admin != nil {
		p.Admin.Close()
	}
	if p.schema == "" {
		return nil
	}
	return p.exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{p.schema}.Sanitize()+" CASCADE")
}

func (p *Pools) exec(ctx context.Context, sql string) error {
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, sql)
	return err
}

// migrate applies migrations/*.sql in name order.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, file, _, _ := runtime.Caller(0)
	files, err := filepath.Glob(filepath.Join(filepath.Dir(file), "..", "..", "migrations", "*.sql"))
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no migrations found")
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", filepath.Base(f), err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply %s: %w", filepath.Base(f), err)
		}
	}
	return nil
}
