package purchase

import (
	"errors"
	"fmt"
)

var (
	// ErrVerificationFailed signals an envelope the platform could not verify.
	ErrVerificationFailed = errors.New("purchase: transaction verification failed")
	// ErrUnsupportedOutcome signals a purchase result outside the known variants.
	ErrUnsupportedOutcome = errors.New("purchase: unsupported purchase outcome")
	// ErrPurchaseFailed wraps an error returned by the platform purchase call.
	ErrPurchaseFailed = errors.New("purchase: purchase failed")
	// ErrProductUnavailable signals a purchase of a product missing from the catalog.
	ErrProductUnavailable = errors.New("purchase: product unavailable")
)

// User-facing failure reasons.
const (
	ReasonVerificationFailed = "Transaction verification failed"
	ReasonUnsupportedOutcome = "Unsupported purchase outcome"
	ReasonProductUnavailable = "Product unavailable"
	reasonPurchaseFailed     = "Purchase failed"
)

// State is the purchase flow state bound by the presentation layer. The
// variants are Ready, Purchasing, Completed and Failed.
type State interface {
	purchaseState()
	String() string
}

type Ready struct{}

// Purchasing covers both an open payment sheet and a purchase waiting for
// external approval.
type Purchasing struct {
	ProductID string
}

type Completed struct {
	ProductID string
}

// Failed carries a short human-readable reason and the classified error.
type Failed struct {
	Reason string
	Err    error
}

func (Ready) purchaseState()      {}
func (Purchasing) purchaseState() {}
func (Completed) purchaseState()  {}
func (Failed) purchaseState()     {}

func (Ready) String() string      { return "ready" }
func (Purchasing) String() string { return "purchasing" }
func (Completed) String() string  { return "completed" }
func (Failed) String() string     { return "failed" }

func (f Failed) Error() string {
	return f.Reason
}

func (f Failed) Unwrap() error {
	return f.Err
}

func verificationFailed(cause error) Failed {
	return Failed{
		Reason: ReasonVerificationFailed,
		Err:    fmt.Errorf("%w: %v", ErrVerificationFailed, cause),
	}
}

func purchaseFailed(cause error) Failed {
	return Failed{
		Reason: fmt.Sprintf("%s: %v", reasonPurchaseFailed, cause),
		Err:    fmt.Errorf("%w: %w", ErrPurchaseFailed, cause),
	}
}

func unsupportedOutcome(result any) Failed {
	return Failed{
		Reason: ReasonUnsupportedOutcome,
		Err:    fmt.Errorf("%w: %T", ErrUnsupportedOutcome, result),
	}
}

// ProductUnavailable is the failure reported when a product cannot be bought.
func ProductUnavailable(productID string) Failed {
	return Failed{
		Reason: ReasonProductUnavailable,
		Err:    fmt.Errorf("%w: %s", ErrProductUnavailable, productID),
	}
}
