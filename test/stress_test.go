package test

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"storefront/catalog"
	"storefront/entitlement"
	"storefront/sandbox"
	"storefront/storefront"
	"storefront/test/actors"
	"storefront/test/chaos"
	"storefront/test/infra"
	"storefront/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of concurrent buyers")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse instead of a container")
	flVerbose     = flag.Bool("stress.verbose", false, "log service output")
)

const stressCatalog = `
products:
  - id: adjustments
    price: "9.99"
    currency: USD
  - id: template2
    price: "2.99"
    currency: USD
  - id: template3
    price: "2.99"
    currency: USD
  - id: template4
    price: "4.99"
    currency: USD
`

func seedRNG(seed int64) { rand.Seed(seed) }

// TestEntitlementStress runs buyers, approvers, granters and refunders against
// a Postgres-backed storefront while chaos kills its connections. Persisted
// entitlements must stay well-formed and must never run ahead of, or lock
// anything behind, the in-memory map.
func TestEntitlementStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in short mode")
	}
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	target, err := infra.Acquire(ctx, *flDSN)
	if err != nil {
		t.Skipf("no postgres available: %v", err)
	}
	defer target.Release(context.Background())

	pools, err := infra.Open(ctx, target)
	if err != nil {
		t.Fatalf("open pools: %v", err)
	}
	defer func() {
		if err := pools.Close(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()
	admin := pools.Admin

	cat, err := sandbox.ParseCatalog([]byte(stressCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	logger := log.New(io.Discard, "", 0)
	if *flVerbose {
		logger = log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)
	}
	platform, err := sandbox.NewPlatform(cat, logger)
	if err != nil {
		t.Fatalf("new platform: %v", err)
	}

	productIDs := catalog.DefaultProductIDs
	repo := entitlement.NewRepository(pools.Store)
	svc := storefront.New(platform, repo, storefront.Options{
		ProductIDs: productIDs,
		InfoLog:    logger,
		ErrorLog:   logger,
	})
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start storefront: %v", err)
	}
	defer svc.Close()
	if _, ok := svc.LoadProducts(ctx).(catalog.Loaded); !ok {
		t.Fatalf("catalog did not load: %v", svc.Snapshot().Catalog)
	}

	// run actors
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Buyer(ctx2, svc, productIDs, stop) })
	}
	g.Go(func() error { return actors.Scripter(ctx2, platform, productIDs, stop) })
	g.Go(func() error { return actors.Approver(ctx2, svc, platform, productIDs, stop) })
	g.Go(func() error { return actors.Granter(ctx2, platform, productIDs, stop) })
	g.Go(func() error { return actors.Refunder(ctx2, platform, productIDs, stop) })
	g.Go(func() error { return actors.Browser(ctx2, svc, productIDs, stop) })
	// chaos: kill store connections
	go chaos.TerminateRandomBackend(ctx2, admin, infra.ApplicationName, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var (
		failed bool
		seen   = make(map[string]bool)
	)
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, admin, entitlement.DefaultKey, productIDs)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpStore(t, ctx2, admin)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
			if msg := checkMonotonic(ctx2, admin, svc, seen); msg != "" {
				failed = true
				dumpStore(t, ctx2, admin)
				t.Fatalf("%s (seed=%d)", msg, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}
	t.Logf("stress done: killed %d backends, unlocked %v (seed=%d)", chaos.Kills.Load(), svc.Snapshot().Entitlements, seed)
}

// checkMonotonic reads the persisted map before the in-memory one. A product
// persisted as unlocked must be unlocked in memory, and nothing unlocked in
// memory may ever lock again.
func checkMonotonic(ctx context.Context, pool *pgxpool.Pool, svc *storefront.Service, seen map[string]bool) string {
	var raw []byte
	err := pool.QueryRow(ctx, `SELECT value FROM kv_store WHERE key = $1`, entitlement.DefaultKey).Scan(&raw)
	persisted := map[string]bool{}
	if err == nil {
		_ = json.Unmarshal(raw, &persisted)
	}
	memory := svc.Snapshot().Entitlements

	for id, unlocked := range persisted {
		if unlocked && !memory[id] {
			return "persisted unlock " + id + " missing in memory"
		}
	}
	for id := range seen {
		if !memory[id] {
			return "product " + id + " locked again after unlock"
		}
	}
	for id, unlocked := range memory {
		if unlocked {
			seen[id] = true
		}
	}
	return ""
}

func dumpStore(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	rows, err := pool.Query(ctx, `SELECT key, value::text, updated_at FROM kv_store ORDER BY updated_at DESC LIMIT 20`)
	if err != nil {
		t.Logf("dump kv_store error: %v", err)
		return
	}
	defer rows.Close()
	t.Logf("-- kv_store --")
	for rows.Next() {
		var (
			key, value string
			updatedAt  time.Time
		)
		if err := rows.Scan(&key, &value, &updatedAt); err != nil {
			t.Logf("scan: %v", err)
			return
		}
		t.Logf("key=%s updated_at=%s value=%s", key, updatedAt.Format(time.RFC3339Nano), value)
	}
}
