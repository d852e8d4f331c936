package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Kills counts terminated backends across the run.
var Kills atomic.Int64

// TerminateRandomBackend periodically kills one connection tagged with
// applicationName, so in-flight entitlement writes fail mid-run.
func TerminateRandomBackend(ctx context.Context, admin *pgxpool.Pool, applicationName string, stop <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(3) != 0 {
				continue
			}
			var killed bool
			err := admin.QueryRow(ctx, `SELECT COALESCE(bool_or(pg_terminate_backend(pid)), false) FROM (
                                          SELECT pid FROM pg_stat_activity
                                          WHERE datname = current_database()
                                            AND application_name = $1
                                            AND pid <> pg_backend_pid()
                                          ORDER BY random() LIMIT 1) victims`, applicationName).Scan(&killed)
			if err == nil && killed {
				Kills.Add(1)
			}
		}
	}
}
