package purchase

import (
	"context"
	"fmt"
	"log"

	"storefront/commerce"
	"storefront/metrics"
)

// UpdateSource is the part of the platform pushing transactions.
type UpdateSource interface {
	TransactionUpdates(ctx context.Context) <-chan commerce.Envelope
	CurrentEntitlements(ctx context.Context) ([]commerce.Envelope, error)
}

// Listener applies transactions delivered by the platform outside of any
// user-initiated purchase: renewals, family sharing, restores and approvals
// of pending purchases.
type Listener struct {
	source       UpdateSource
	store        Entitlements
	orchestrator *Orchestrator
	infoLog      *log.Logger
	errorLog     *log.Logger
}

// NewListener creates a listener writing through orchestrator.
func NewListener(source UpdateSource, store Entitlements, orchestrator *Orchestrator, infoLog, errorLog *log.Logger) *Listener {
	if infoLog == nil {
		infoLog = log.Default()
	}
	if errorLog == nil {
		errorLog = log.Default()
	}
	return &Listener{
		source:       source,
		store:        store,
		orchestrator: orchestrator,
		infoLog:      infoLog,
		errorLog:     errorLog,
	}
}

// Run consumes the transaction update feed until ctx is cancelled or the
// feed closes.
func (l *Listener) Run(ctx context.Context) error {
	updates := l.source.TransactionUpdates(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-updates:
			if !ok {
				return nil
			}
			l.Handle(ctx, env)
		}
	}
}

// Handle applies a single update. Verified transactions unlock the product,
// complete the purchase state and are finished.
func (l *Listener) Handle(ctx context.Context, env commerce.Envelope) State {
	state := l.orchestrator.apply(ctx, "update", env)
	if c, ok := state.(Completed); ok {
		l.infoLog.Printf("purchase: update unlocked %s (transaction %s)", c.ProductID, env.Transaction.ID)
	}
	return state
}

// Reconcile unlocks every product the platform currently entitles, skipping
// revoked entitlements. Nothing is finished.
func (l *Listener) Reconcile(ctx context.Context) error {
	current, err := l.source.CurrentEntitlements(ctx)
	if err != nil {
		return fmt.Errorf("purchase: current entitlements: %w", err)
	}

	for _, env := range current {
		metrics.RecordTransaction("entitlement", env.Verified())
		tx, err := env.Payload()
		if err != nil {
			l.errorLog.Printf("purchase: skip unverified entitlement %q: %v", env.Transaction.ProductID, err)
			continue
		}
		if tx.Revoked() {
			continue
		}
		l.store.Set(ctx, tx.ProductID)
	}
	return nil
}
