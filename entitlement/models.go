package entitlement

import (
	"context"
	"errors"
)

// DefaultKey is the storage key holding the serialized entitlement map.
const DefaultKey = "UnlockedFeatures"

// ErrNotFound signals that no value is stored under the requested key.
var ErrNotFound = errors.New("entitlement: key not found")

// Repository is the durable key-value storage behind the store.
type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Change describes a product that became unlocked.
type Change struct {
	ProductID string
	Unlocked  bool
}
