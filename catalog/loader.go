package catalog

import (
	"context"
	"log"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"storefront/commerce"
	"storefront/metrics"
)

// ProductFetcher is the part of the platform the loader needs.
type ProductFetcher interface {
	Products(ctx context.Context, ids []string) ([]commerce.Product, error)
}

// Loader fetches the configured products and keeps them in declared order.
type Loader struct {
	fetcher  ProductFetcher
	ids      []string
	errorLog *log.Logger
	group    singleflight.Group

	mu       sync.RWMutex
	state    LoadState
	products []commerce.Product
}

// NewLoader creates a loader for ids. A nil ids slice uses DefaultProductIDs.
func NewLoader(fetcher ProductFetcher, ids []string, errorLog *log.Logger) *Loader {
	if ids == nil {
		ids = DefaultProductIDs
	}
	if errorLog == nil {
		errorLog = log.Default()
	}
	return &Loader{
		fetcher:  fetcher,
		ids:      append([]string(nil), ids...),
		errorLog: errorLog,
		state:    Empty{},
	}
}

// IDs returns the configured product identifiers in declared order.
func (l *Loader) IDs() []string {
	return append([]string(nil), l.ids...)
}

// LoadProducts fetches the catalog and returns the resulting state. Concurrent
// calls share a single fetch, which outlives the cancellation of whichever
// caller started it. Calling it again retries after a failure.
func (l *Loader) LoadProducts(ctx context.Context) LoadState {
	shared := context.WithoutCancel(ctx)
	v, _, _ := l.group.Do("load", func() (interface{}, error) {
		return l.load(shared), nil
	})
	return v.(LoadState)
}

func (l *Loader) load(ctx context.Context) LoadState {
	l.setState(Loading{})

	fetched, err := l.fetcher.Products(ctx, l.ids)
	if err != nil {
		l.errorLog.Printf("catalog: fetch products: %v", err)
		metrics.RecordCatalogLoad("error")
		state := LoadError{Message: LoadErrorMessage}
		l.setState(state)
		return state
	}

	sorted := SortByRank(l.ids, fetched)

	var state LoadState = Loaded{}
	if len(sorted) == 0 {
		state = Empty{}
	}
	metrics.RecordCatalogLoad(state.String())

	l.mu.Lock()
	l.products = sorted
	l.state = state
	l.mu.Unlock()

	return state
}

func (l *Loader) setState(state LoadState) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

// State returns the current load state.
func (l *Loader) State() LoadState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Products returns the last successfully loaded products in display order.
func (l *Loader) Products() []commerce.Product {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]commerce.Product(nil), l.products...)
}

// Product looks up a loaded product by id.
func (l *Loader) Product(id string) (commerce.Product, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, p := range l.products {
		if p.ID == id {
			return p, true
		}
	}
	return commerce.Product{}, false
}

// SortByRank orders products by the position of their id in ids. Unknown ids
// go last; ties keep their fetched order.
func SortByRank(ids []string, products []commerce.Product) []commerce.Product {
	rank := make(map[string]int, len(ids))
	for i, id := range ids {
		if _, dup := rank[id]; !dup {
			rank[id] = i
		}
	}
	rankOf := func(id string) int {
		if r, ok := rank[id]; ok {
			return r
		}
		return len(ids)
	}

	out := append([]commerce.Product(nil), products...)
	sort.SliceStable(out, func(i, j int) bool {
		return rankOf(out[i].ID) < rankOf(out[j].ID)
	})
	return out
}
