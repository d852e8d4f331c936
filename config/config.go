package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the process configuration decoded from the environment.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR,default=:8080"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT,default=10s"`
	PurchaseTimeout time.Duration `env:"PURCHASE_TIMEOUT,default=5m"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	StoreBackend    string        `env:"STORE_BACKEND,default=memory"`
	DatabaseURL     string        `env:"DATABASE_URL"`
	RedisURL        string        `env:"REDIS_URL"`
	EntitlementKey  string        `env:"ENTITLEMENT_KEY,default=UnlockedFeatures"`
	ProductIDs      []string      `env:"PRODUCT_IDS,default=adjustments;template2;template3;template4"`
	CatalogFile     string        `env:"CATALOG_FILE,default=products.yaml"`
	CORSOrigins     []string      `env:"CORS_ORIGINS"`
	SandboxAdmin    string        `env:"SANDBOX_ADMIN"`
}

// SandboxAdminEnabled reports whether the sandbox admin routes are mounted.
// Unset, they are only enabled on the memory backend.
func (c Config) SandboxAdminEnabled() bool {
	if c.SandboxAdmin == "" {
		return c.StoreBackend == BackendMemory
	}
	enabled, _ := strconv.ParseBool(c.SandboxAdmin)
	return enabled
}

// Load reads the optional dotenv files (".env" when none are given) and
// decodes the environment into a validated Config.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: decode environment: %w", err)
	}
	cfg.ProductIDs = compact(cfg.ProductIDs)
	cfg.CORSOrigins = compact(cfg.CORSOrigins)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks backend selection and required connection settings.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres backend")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("config: REDIS_URL is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.EntitlementKey == "" {
		return errors.New("config: ENTITLEMENT_KEY must not be empty")
	}
	if len(c.ProductIDs) == 0 {
		return errors.New("config: PRODUCT_IDS must list at least one product")
	}
	if c.SandboxAdmin != "" {
		if _, err := strconv.ParseBool(c.SandboxAdmin); err != nil {
			return fmt.Errorf("config: SANDBOX_ADMIN: %w", err)
		}
	}
	if c.PurchaseTimeout < c.WriteTimeout {
		return errors.New("config: PURCHASE_TIMEOUT must not be shorter than WRITE_TIMEOUT")
	}
	return nil
}

func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
