package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// ApplicationName tags the storefront's own connections so chaos only kills those.
const ApplicationName = "storefront-stress"

// Target is the Postgres a stress run talks to.
type Target struct {
	DSN string
	// Shared databases outlive the run, so Open isolates the run in a schema.
	Shared bool

	container *postgres.PostgresContainer
}

// Acquire uses dsn, then STRESS_TEST_PG_DSN, and otherwise starts a
// throwaway postgres:16 container.
func Acquire(ctx context.Context, dsn string) (*Target, error) {
	if dsn == "" {
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
	}
	if dsn != "" {
		return &Target{DSN: dsn, Shared: true}, nil
	}

	c, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("storefront"),
		postgres.WithUsername("storefront"),
		postgres.WithPassword("storefront"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}
	dsn, err = c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("container dsn: %w", err)
	}
	return &Target{DSN: dsn, container: c}, nil
}

// Release stops the container, if Acquire started one.
func (t *Target) Release(ctx context.Context) error {
	if t.container == nil {
		return nil
	}
	return t.container.Terminate(ctx)
}
