package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront/config"
	"storefront/db"
	"storefront/entitlement"
	"storefront/sandbox"
	"storefront/storefront"
)

func main() {
	infoLog := log.New(os.Stdout, "INFO\t", log.Ldate|log.Ltime)
	errorLog := log.New(os.Stderr, "ERROR\t", log.Ldate|log.Ltime|log.Lshortfile)

	if err := run(infoLog, errorLog); err != nil {
		errorLog.Fatal(err)
	}
}

func run(infoLog, errorLog *log.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	cat, err := sandbox.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		return err
	}
	platform, err := sandbox.NewPlatform(cat, errorLog)
	if err != nil {
		return err
	}

	service := storefront.New(platform, repo, storefront.Options{
		ProductIDs:     cfg.ProductIDs,
		EntitlementKey: cfg.EntitlementKey,
		InfoLog:        infoLog,
		ErrorLog:       errorLog,
	})
	if err := service.Start(ctx); err != nil {
		return err
	}
	defer service.Close()
	service.LoadProducts(ctx)

	server := &Server{
		service:         service,
		corsOrigins:     cfg.CORSOrigins,
		purchaseTimeout: cfg.PurchaseTimeout,
		infoLog:         infoLog,
		errorLog:        errorLog,
	}
	if cfg.SandboxAdminEnabled() {
		server.sandbox = platform
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		ErrorLog:     errorLog,
		Handler:      server.routes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		infoLog.Printf("Starting server on %s (%s backend)", cfg.HTTPAddr, cfg.StoreBackend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	infoLog.Print("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openRepository(ctx context.Context, cfg config.Config) (entitlement.Repository, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap database pool: %w", err)
		}
		return entitlement.NewRepository(pool), pool.Close, nil
	case config.BackendRedis:
		rdb, err := db.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap redis client: %w", err)
		}
		return entitlement.NewRedisRepository(rdb), func() { _ = rdb.Close() }, nil
	default:
		return entitlement.NewMemoryRepository(), func() {}, nil
	}
}
