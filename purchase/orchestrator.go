package purchase

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"storefront/commerce"
	"storefront/metrics"
)

// Purchaser is the part of the platform the orchestrator drives.
type Purchaser interface {
	Purchase(ctx context.Context, product commerce.Product, opts commerce.PurchaseOptions) (commerce.PurchaseResult, error)
	Finish(ctx context.Context, tx commerce.Transaction) error
}

// Entitlements records unlocked products.
type Entitlements interface {
	Set(ctx context.Context, productID string)
}

// Orchestrator drives a single product purchase through request,
// verification and entitlement update. Purchase does not guard against
// overlapping purchases; TryPurchase refuses to start while the state is
// Purchasing.
type Orchestrator struct {
	platform Purchaser
	store    Entitlements
	infoLog  *log.Logger
	errorLog *log.Logger
	newToken func() uuid.UUID

	mu      sync.Mutex
	state   State
	subs    map[int]chan State
	nextSub int
}

// NewOrchestrator creates an orchestrator in the Ready state.
func NewOrchestrator(platform Purchaser, store Entitlements, infoLog, errorLog *log.Logger) *Orchestrator {
	if infoLog == nil {
		infoLog = log.Default()
	}
	if errorLog == nil {
		errorLog = log.Default()
	}
	return &Orchestrator{
		platform: platform,
		store:    store,
		infoLog:  infoLog,
		errorLog: errorLog,
		newToken: uuid.New,
		state:    Ready{},
		subs:     make(map[int]chan State),
	}
}

// WithTokenGenerator overrides the app account token source.
func (o *Orchestrator) WithTokenGenerator(gen func() uuid.UUID) *Orchestrator {
	o.newToken = gen
	return o
}

// Purchase buys product and returns the state the flow settled in. A pending
// purchase leaves the state at Purchasing; the transaction listener resolves
// it later.
func (o *Orchestrator) Purchase(ctx context.Context, product commerce.Product) State {
	o.setState(Purchasing{ProductID: product.ID})
	return o.run(ctx, product)
}

// TryPurchase is Purchase unless another purchase is awaiting its outcome, in
// which case it returns the current state and false without contacting the
// platform.
func (o *Orchestrator) TryPurchase(ctx context.Context, product commerce.Product) (State, bool) {
	o.mu.Lock()
	if _, busy := o.state.(Purchasing); busy {
		state := o.state
		o.mu.Unlock()
		return state, false
	}
	o.publishLocked(Purchasing{ProductID: product.ID})
	o.mu.Unlock()

	return o.run(ctx, product), true
}

func (o *Orchestrator) run(ctx context.Context, product commerce.Product) State {
	result, err := o.platform.Purchase(ctx, product, commerce.PurchaseOptions{AppAccountToken: o.newToken()})
	if err != nil {
		o.errorLog.Printf("purchase: %s: %v", product.ID, err)
		metrics.RecordPurchase("error")
		return o.setState(purchaseFailed(err))
	}

	switch r := result.(type) {
	case commerce.PurchaseSuccess:
		state := o.apply(ctx, "purchase", r.Envelope)
		metrics.RecordPurchase(state.String())
		return state
	case commerce.PurchasePending:
		o.infoLog.Printf("purchase: %s pending approval", product.ID)
		metrics.RecordPurchase("pending")
		return o.setState(Purchasing{ProductID: product.ID})
	case commerce.PurchaseUserCancelled:
		metrics.RecordPurchase("cancelled")
		return o.setState(Ready{})
	default:
		o.errorLog.Printf("purchase: %s: unsupported outcome %T", product.ID, result)
		metrics.RecordPurchase("unsupported")
		return o.setState(unsupportedOutcome(result))
	}
}

// apply verifies env, records the entitlement and finishes the transaction.
// Both the purchase call and the transaction listener go through here.
func (o *Orchestrator) apply(ctx context.Context, source string, env commerce.Envelope) State {
	metrics.RecordTransaction(source, env.Verified())

	tx, err := env.Payload()
	if err != nil {
		o.errorLog.Printf("purchase: %s: rejected transaction %q for %q: %v", source, env.Transaction.ID, env.Transaction.ProductID, err)
		return o.setState(verificationFailed(err))
	}

	o.store.Set(ctx, tx.ProductID)
	state := o.setState(Completed{ProductID: tx.ProductID})

	if err := o.platform.Finish(ctx, tx); err != nil {
		o.errorLog.Printf("purchase: %s: finish transaction %s: %v", source, tx.ID, err)
	}
	return state
}

// Reset returns the flow to Ready, e.g. after the user dismisses a failure.
func (o *Orchestrator) Reset() {
	o.setState(Ready{})
}

// State returns the current purchase state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Subscribe returns a channel that always holds the latest state. Slow
// readers skip intermediate states.
func (o *Orchestrator) Subscribe() (<-chan State, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextSub
	o.nextSub++
	ch := make(chan State, 1)
	ch <- o.state
	o.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.subs, id)
			close(ch)
		})
	}
}

func (o *Orchestrator) setState(state State) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.publishLocked(state)
	return state
}

func (o *Orchestrator) publishLocked(state State) {
	o.state = state
	for _, ch := range o.subs {
		select {
		case <-ch:
		default:
		}
		ch <- state
	}
}
