package storefront

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"storefront/catalog"
	"storefront/commerce"
	"storefront/entitlement"
	"storefront/purchase"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("storefront: already started")
	// ErrPurchaseInProgress is returned while another purchase is awaiting its outcome.
	ErrPurchaseInProgress = errors.New("storefront: purchase in progress")
)

// Options tunes a Service. Zero values fall back to package defaults.
type Options struct {
	ProductIDs     []string
	EntitlementKey string
	InfoLog        *log.Logger
	ErrorLog       *log.Logger
}

// View is a point-in-time picture of the storefront for display.
type View struct {
	Catalog      catalog.LoadState
	Products     []commerce.Product
	Purchase     purchase.State
	Entitlements map[string]bool
	Selected     *commerce.Product
}

// Service owns one set of storefront components: entitlement store, catalog
// loader, purchase orchestrator and transaction listener.
type Service struct {
	store        *entitlement.Store
	loader       *catalog.Loader
	orchestrator *purchase.Orchestrator
	listener     *purchase.Listener
	infoLog      *log.Logger
	errorLog     *log.Logger

	mu       sync.Mutex
	selected string
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// New wires the components around platform and repo.
func New(platform commerce.Platform, repo entitlement.Repository, opts Options) *Service {
	if opts.InfoLog == nil {
		opts.InfoLog = log.Default()
	}
	if opts.ErrorLog == nil {
		opts.ErrorLog = log.Default()
	}
	ids := opts.ProductIDs
	if len(ids) == 0 {
		ids = catalog.DefaultProductIDs
	}

	store := entitlement.NewStore(repo, opts.EntitlementKey, ids, opts.ErrorLog)
	orchestrator := purchase.NewOrchestrator(platform, store, opts.InfoLog, opts.ErrorLog)
	return &Service{
		store:        store,
		loader:       catalog.NewLoader(platform, ids, opts.ErrorLog),
		orchestrator: orchestrator,
		listener:     purchase.NewListener(platform, store, orchestrator, opts.InfoLog, opts.ErrorLog),
		infoLog:      opts.InfoLog,
		errorLog:     opts.ErrorLog,
	}
}

// Start restores persisted entitlements, launches the transaction listener and
// reconciles with the platform's current entitlements. The listener runs
// until ctx is cancelled or Close is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.group != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = g
	s.mu.Unlock()

	s.store.Restore(ctx)
	g.Go(func() error { return s.listener.Run(gctx) })

	if err := s.listener.Reconcile(ctx); err != nil {
		s.errorLog.Printf("storefront: reconcile: %v", err)
	}
	s.infoLog.Printf("storefront: started with %d products", len(s.loader.IDs()))
	return nil
}

// Close stops the listener and waits for it to return.
func (s *Service) Close() error {
	s.mu.Lock()
	cancel, g := s.cancel, s.group
	s.mu.Unlock()

	if g == nil {
		return nil
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("storefront: listener: %w", err)
	}
	return nil
}

// LoadProducts fetches the catalog.
func (s *Service) LoadProducts(ctx context.Context) catalog.LoadState {
	return s.loader.LoadProducts(ctx)
}

// Purchase buys a product from the loaded catalog.
func (s *Service) Purchase(ctx context.Context, productID string) (purchase.State, error) {
	product, ok := s.loader.Product(productID)
	if !ok {
		return nil, purchase.ProductUnavailable(productID)
	}
	state, ok := s.orchestrator.TryPurchase(ctx, product)
	if !ok {
		return nil, ErrPurchaseInProgress
	}
	return state, nil
}

// ResetPurchase dismisses the last purchase outcome.
func (s *Service) ResetPurchase() {
	s.orchestrator.Reset()
}

// Select marks a loaded product as the one shown in detail.
func (s *Service) Select(productID string) error {
	if _, ok := s.loader.Product(productID); !ok {
		return fmt.Errorf("%w: %s", purchase.ErrProductUnavailable, productID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = productID
	return nil
}

// Deselect clears the detail selection.
func (s *Service) Deselect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = ""
}

// Selected returns the product shown in detail, if any.
func (s *Service) Selected() (commerce.Product, bool) {
	s.mu.Lock()
	id := s.selected
	s.mu.Unlock()

	if id == "" {
		return commerce.Product{}, false
	}
	return s.loader.Product(id)
}

// Unlocked reports whether productID is entitled.
func (s *Service) Unlocked(productID string) bool {
	return s.store.Unlocked(productID)
}

// SubscribeEntitlements streams entitlement unlocks.
func (s *Service) SubscribeEntitlements() (<-chan entitlement.Change, func()) {
	return s.store.Subscribe()
}

// SubscribePurchase streams the latest purchase state.
func (s *Service) SubscribePurchase() (<-chan purchase.State, func()) {
	return s.orchestrator.Subscribe()
}

// Snapshot returns the current view.
func (s *Service) Snapshot() View {
	v := View{
		Catalog:      s.loader.State(),
		Products:     s.loader.Products(),
		Purchase:     s.orchestrator.State(),
		Entitlements: s.store.Snapshot(),
	}
	if p, ok := s.Selected(); ok {
		v.Selected = &p
	}
	return v
}
