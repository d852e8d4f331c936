package sandbox

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"storefront/commerce"
)

var (
	// ErrUnknownProduct signals a product missing from the sandbox catalog.
	ErrUnknownProduct = errors.New("sandbox: unknown product")
	// ErrPaymentDeclined is returned by purchases scripted to fail.
	ErrPaymentDeclined = errors.New("sandbox: payment declined")
	// ErrNoPendingPurchase signals an approval without a pending purchase.
	ErrNoPendingPurchase = errors.New("sandbox: no pending purchase")
	// ErrNotPurchased signals a refund of a product never bought.
	ErrNotPurchased = errors.New("sandbox: product not purchased")
	// ErrUnknownTransaction signals a finish of a transaction the sandbox never issued.
	ErrUnknownTransaction = errors.New("sandbox: unknown transaction")
)

const updateBuffer = 64

// Platform is an in-process commerce platform for local runs and tests. It
// signs transactions like the real store and replays unfinished ones to
// every new update subscriber.
type Platform struct {
	environment string
	signingKey  *ecdsa.PrivateKey
	foreignKey  *ecdsa.PrivateKey
	verifier    *commerce.Verifier
	now         func() time.Time
	newID       func() string
	errorLog    *log.Logger

	mu         sync.Mutex
	catalog    []ProductConfig
	outcomes   map[string]Outcome
	pending    map[string]commerce.PurchaseOptions
	history    []commerce.Transaction
	unfinished map[string]bool
	subs       map[int]chan commerce.Envelope
	nextSub    int
	fetchErr   error
}

// NewPlatform creates a sandbox serving cat.
func NewPlatform(cat Catalog, errorLog *log.Logger) (*Platform, error) {
	signingKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sandbox: generate signing key: %w", err)
	}
	foreignKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sandbox: generate foreign key: %w", err)
	}
	if errorLog == nil {
		errorLog = log.Default()
	}

	p := &Platform{
		environment: cat.Environment,
		signingKey:  signingKey,
		foreignKey:  foreignKey,
		verifier:    commerce.NewVerifier(&signingKey.PublicKey),
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
		errorLog:    errorLog,
		catalog:     append([]ProductConfig(nil), cat.Products...),
		outcomes:    make(map[string]Outcome, len(cat.Products)),
		pending:     make(map[string]commerce.PurchaseOptions),
		unfinished:  make(map[string]bool),
		subs:        make(map[int]chan commerce.Envelope),
	}
	for _, pc := range cat.Products {
		p.outcomes[pc.ID] = pc.Outcome
	}
	return p, nil
}

// WithClock overrides the transaction timestamp source.
func (p *Platform) WithClock(now func() time.Time) *Platform {
	p.now = now
	return p
}

// WithIDGenerator overrides the transaction id source.
func (p *Platform) WithIDGenerator(gen func() string) *Platform {
	p.newID = gen
	return p
}

// PublicKey returns the key transactions are signed with.
func (p *Platform) PublicKey() *ecdsa.PublicKey {
	return &p.signingKey.PublicKey
}

// SetFetchError makes catalog fetches fail with err until cleared with nil.
func (p *Platform) SetFetchError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchErr = err
}

// SetOutcome scripts the result of future purchases of productID.
func (p *Platform) SetOutcome(productID string, outcome Outcome) error {
	if !outcome.valid() {
		return fmt.Errorf("sandbox: unknown outcome %q", outcome)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.outcomes[productID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
	}
	p.outcomes[productID] = outcome
	return nil
}

// Products returns the catalog entries among ids in catalog file order.
func (p *Platform) Products(ctx context.Context, ids []string) ([]commerce.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fetchErr != nil {
		return nil, p.fetchErr
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	out := make([]commerce.Product, 0, len(ids))
	for _, pc := range p.catalog {
		if wanted[pc.ID] {
			out = append(out, pc.product())
		}
	}
	return out, nil
}

// Purchase runs the scripted outcome for product.
func (p *Platform) Purchase(ctx context.Context, product commerce.Product, opts commerce.PurchaseOptions) (commerce.PurchaseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	outcome, ok := p.outcomes[product.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, product.ID)
	}

	switch outcome {
	case OutcomePending:
		p.pending[product.ID] = opts
		return commerce.PurchasePending{}, nil
	case OutcomeCancelled:
		return commerce.PurchaseUserCancelled{}, nil
	case OutcomeError:
		return nil, ErrPaymentDeclined
	case OutcomeUnverified:
		tx := p.newTransactionLocked(product.ID, opts)
		return commerce.PurchaseSuccess{Envelope: p.envelopeLocked(tx, p.foreignKey)}, nil
	default:
		tx := p.newTransactionLocked(product.ID, opts)
		p.recordLocked(tx)
		return commerce.PurchaseSuccess{Envelope: p.envelopeLocked(tx, p.signingKey)}, nil
	}
}

// ApprovePending approves an ask-to-buy purchase. The transaction arrives
// through the update feed.
func (p *Platform) ApprovePending(productID string) (commerce.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	opts, ok := p.pending[productID]
	if !ok {
		return commerce.Transaction{}, fmt.Errorf("%w: %s", ErrNoPendingPurchase, productID)
	}
	delete(p.pending, productID)

	tx := p.newTransactionLocked(productID, opts)
	p.recordLocked(tx)
	p.broadcastLocked(p.envelopeLocked(tx, p.signingKey))
	return tx, nil
}

// DeclinePending drops a pending purchase. Nothing is delivered.
func (p *Platform) DeclinePending(productID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pending[productID]; !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingPurchase, productID)
	}
	delete(p.pending, productID)
	return nil
}

// Grant issues a transaction the user did not initiate on this device, such
// as a family sharing grant or a purchase restored from another device.
func (p *Platform) Grant(productID string) (commerce.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.outcomes[productID]; !ok {
		return commerce.Transaction{}, fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
	}
	tx := p.newTransactionLocked(productID, commerce.PurchaseOptions{})
	p.recordLocked(tx)
	p.broadcastLocked(p.envelopeLocked(tx, p.signingKey))
	return tx, nil
}

// Refund revokes the latest transaction for productID and pushes the revoked
// transaction through the update feed.
func (p *Platform) Refund(productID string) (commerce.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := len(p.history) - 1; i >= 0; i-- {
		tx := p.history[i]
		if tx.ProductID != productID || tx.Revoked() {
			continue
		}
		revokedAt := p.now().UTC()
		tx.RevocationDate = &revokedAt
		p.history[i] = tx
		p.unfinished[tx.ID] = true
		p.broadcastLocked(p.envelopeLocked(tx, p.signingKey))
		return tx, nil
	}
	return commerce.Transaction{}, fmt.Errorf("%w: %s", ErrNotPurchased, productID)
}

// CurrentEntitlements returns the latest transaction of every purchased
// product, revoked ones included.
func (p *Platform) CurrentEntitlements(ctx context.Context) ([]commerce.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	latest := make(map[string]int)
	order := make([]string, 0)
	for i, tx := range p.history {
		if _, ok := latest[tx.ProductID]; !ok {
			order = append(order, tx.ProductID)
		}
		latest[tx.ProductID] = i
	}

	out := make([]commerce.Envelope, 0, len(order))
	for _, productID := range order {
		out = append(out, p.envelopeLocked(p.history[latest[productID]], p.signingKey))
	}
	return out, nil
}

// TransactionUpdates subscribes to the update feed. Unfinished transactions
// are replayed first.
func (p *Platform) TransactionUpdates(ctx context.Context) <-chan commerce.Envelope {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	ch := make(chan commerce.Envelope, updateBuffer)
	replayed := 0
	for _, tx := range p.history {
		if !p.unfinished[tx.ID] || replayed == updateBuffer {
			continue
		}
		ch <- p.envelopeLocked(tx, p.signingKey)
		replayed++
	}
	p.subs[id] = ch
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
		close(ch)
	}()
	return ch
}

// Finish acknowledges tx so it is no longer replayed.
func (p *Platform) Finish(_ context.Context, tx commerce.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.unfinished[tx.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, tx.ID)
	}
	delete(p.unfinished, tx.ID)
	return nil
}

// Unfinished returns the ids of transactions awaiting Finish.
func (p *Platform) Unfinished() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.unfinished))
	for _, tx := range p.history {
		if p.unfinished[tx.ID] {
			out = append(out, tx.ID)
		}
	}
	return out
}

func (p *Platform) newTransactionLocked(productID string, opts commerce.PurchaseOptions) commerce.Transaction {
	id := p.newID()
	tx := commerce.Transaction{
		ID:           id,
		OriginalID:   id,
		ProductID:    productID,
		PurchaseDate: p.now().UTC(),
		Environment:  p.environment,
	}
	if opts.AppAccountToken != uuid.Nil {
		tx.AppAccountToken = opts.AppAccountToken.String()
	}
	return tx
}

func (p *Platform) recordLocked(tx commerce.Transaction) {
	p.history = append(p.history, tx)
	p.unfinished[tx.ID] = true
}

func (p *Platform) envelopeLocked(tx commerce.Transaction, key *ecdsa.PrivateKey) commerce.Envelope {
	signed, err := commerce.SignTransaction(key, tx)
	if err != nil {
		return commerce.Envelope{Transaction: tx, Err: err}
	}
	return p.verifier.Verify(signed)
}

func (p *Platform) broadcastLocked(env commerce.Envelope) {
	for _, ch := range p.subs {
		select {
		case ch <- env:
		default:
			p.errorLog.Printf("sandbox: update subscriber full, transaction %s left for replay", env.Transaction.ID)
		}
	}
}
