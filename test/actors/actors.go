package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"storefront/purchase"
	"storefront/sandbox"
	"storefront/storefront"
)

// Buyer keeps buying random products. Overlapping purchases are rejected by
// the service, and failures are dismissed so the next attempt can run.
func Buyer(ctx context.Context, svc *storefront.Service, productIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := productIDs[rand.Intn(len(productIDs))]
		state, err := svc.Purchase(ctx, id)
		switch {
		case errors.Is(err, storefront.ErrPurchaseInProgress):
			// expected under contention
		case err != nil:
			return fmt.Errorf("buyer purchase %s: %w", id, err)
		default:
			if _, failed := state.(purchase.Failed); failed {
				svc.ResetPurchase()
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Scripter flips the sandbox outcome of random products, so buyers hit every
// purchase path.
func Scripter(ctx context.Context, platform *sandbox.Platform, productIDs []string, stop <-chan struct{}) error {
	outcomes := []sandbox.Outcome{
		sandbox.OutcomeSuccess, sandbox.OutcomeSuccess, sandbox.OutcomePending,
		sandbox.OutcomeCancelled, sandbox.OutcomeUnverified, sandbox.OutcomeError,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := productIDs[rand.Intn(len(productIDs))]
		if err := platform.SetOutcome(id, outcomes[rand.Intn(len(outcomes))]); err != nil {
			return fmt.Errorf("scripter %s: %w", id, err)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Approver resolves pending purchases, approving most and declining some.
// Declines leave the purchase state at Purchasing, so it is reset.
func Approver(ctx context.Context, svc *storefront.Service, platform *sandbox.Platform, productIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		for _, id := range productIDs {
			var err error
			if rand.Intn(4) == 0 {
				if err = platform.DeclinePending(id); err == nil {
					svc.ResetPurchase()
				}
			} else {
				_, err = platform.ApprovePending(id)
			}
			if err != nil && !errors.Is(err, sandbox.ErrNoPendingPurchase) {
				return fmt.Errorf("approver %s: %w", id, err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Granter pushes transactions the device never asked for, like family
// sharing grants and restores from another device.
func Granter(ctx context.Context, platform *sandbox.Platform, productIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := productIDs[rand.Intn(len(productIDs))]
		if _, err := platform.Grant(id); err != nil {
			return fmt.Errorf("granter %s: %w", id, err)
		}
		time.Sleep(time.Duration(150+rand.Intn(150)) * time.Millisecond)
	}
}

// Refunder revokes random purchases. Revocations travel through the update
// feed and must never lock a product again.
func Refunder(ctx context.Context, platform *sandbox.Platform, productIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := productIDs[rand.Intn(len(productIDs))]
		if _, err := platform.Refund(id); err != nil && !errors.Is(err, sandbox.ErrNotPurchased) {
			return fmt.Errorf("refunder %s: %w", id, err)
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// Browser reloads the catalog and moves the detail selection around.
func Browser(ctx context.Context, svc *storefront.Service, productIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		svc.LoadProducts(ctx)
		if rand.Intn(3) == 0 {
			svc.Deselect()
		} else if err := svc.Select(productIDs[rand.Intn(len(productIDs))]); err != nil {
			return fmt.Errorf("browser select: %w", err)
		}
		_ = svc.Snapshot()
		time.Sleep(time.Duration(40+rand.Intn(40)) * time.Millisecond)
	}
}
