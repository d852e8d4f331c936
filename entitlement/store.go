package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"storefront/metrics"
)

const subscriberBuffer = 16

// Store keeps the product → unlocked map in memory and flushes the full map
// to the repository on every change. Entitlements only ever go from false to
// true.
type Store struct {
	repo     Repository
	key      string
	known    []string
	errorLog *log.Logger

	mu       sync.Mutex
	unlocked map[string]bool
	subs     map[int]chan Change
	nextSub  int
}

// NewStore creates a store for the given product identifiers. Every known id
// starts out locked until Restore reads the persisted map.
func NewStore(repo Repository, key string, productIDs []string, errorLog *log.Logger) *Store {
	if key == "" {
		key = DefaultKey
	}
	if errorLog == nil {
		errorLog = log.Default()
	}
	s := &Store{
		repo:     repo,
		key:      key,
		known:    append([]string(nil), productIDs...),
		errorLog: errorLog,
		unlocked: make(map[string]bool, len(productIDs)),
		subs:     make(map[int]chan Change),
	}
	for _, id := range s.known {
		s.unlocked[id] = false
	}
	return s
}

// Load reads the persisted map. Missing or undecodable data yields an empty map.
func (s *Store) Load(ctx context.Context) map[string]bool {
	data, err := s.repo.Get(ctx, s.key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.errorLog.Printf("entitlement: load %s: %v", s.key, err)
		}
		return map[string]bool{}
	}

	m := make(map[string]bool)
	if err := json.Unmarshal(data, &m); err != nil {
		s.errorLog.Printf("entitlement: decode %s: %v", s.key, err)
		return map[string]bool{}
	}
	return m
}

// Restore replaces the in-memory map with the persisted one, defaulting every
// known product to locked.
func (s *Store) Restore(ctx context.Context) {
	persisted := s.Load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.unlocked = make(map[string]bool, len(s.known)+len(persisted))
	for _, id := range s.known {
		s.unlocked[id] = false
	}
	for id, ok := range persisted {
		s.unlocked[id] = ok
	}
}

// Save serializes m and writes it under the store key. Failures are logged
// and otherwise ignored.
func (s *Store) Save(ctx context.Context, m map[string]bool) {
	err := s.write(ctx, m)
	metrics.RecordEntitlementSave(err)
	if err != nil {
		s.errorLog.Printf("entitlement: save %s: %v", s.key, err)
	}
}

func (s *Store) write(ctx context.Context, m map[string]bool) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("entitlement: encode: %w", err)
	}
	return s.repo.Put(ctx, s.key, data)
}

// Set unlocks productID and persists the map. Unlocking an already unlocked
// product changes nothing.
func (s *Store) Set(ctx context.Context, productID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unlocked[productID] {
		return
	}
	s.unlocked[productID] = true

	// Saving under the lock keeps writes ordered.
	s.Save(ctx, s.snapshotLocked())
	s.notifyLocked(Change{ProductID: productID, Unlocked: true})
}

// Unlocked reports whether productID is unlocked.
func (s *Store) Unlocked(productID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlocked[productID]
}

// Snapshot returns a copy of the entitlement map.
func (s *Store) Snapshot() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() map[string]bool {
	out := make(map[string]bool, len(s.unlocked))
	for id, ok := range s.unlocked {
		out[id] = ok
	}
	return out
}

// Subscribe returns a channel receiving every newly unlocked product. The
// returned func cancels the subscription and closes the channel.
func (s *Store) Subscribe() (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Change, subscriberBuffer)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

func (s *Store) notifyLocked(change Change) {
	for _, ch := range s.subs {
		select {
		case ch <- change:
		default:
			s.errorLog.Printf("entitlement: subscriber lagging, dropped change for %s", change.ProductID)
		}
	}
}
