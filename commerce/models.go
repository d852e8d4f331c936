package commerce

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrUnverified signals that an envelope failed platform verification.
var ErrUnverified = errors.New("commerce: transaction unverified")

type ProductType string

const (
	ProductTypeNonConsumable ProductType = "non_consumable"
	ProductTypeConsumable    ProductType = "consumable"
	ProductTypeAutoRenewable ProductType = "auto_renewable"
	ProductTypeNonRenewing   ProductType = "non_renewing"
)

// Product is catalog metadata owned by the platform. It is treated as an
// immutable value once fetched.
type Product struct {
	ID           string
	DisplayName  string
	Description  string
	Price        decimal.Decimal
	CurrencyCode string
	Type         ProductType
}

// DisplayPrice renders the price the way the storefront shows it.
func (p Product) DisplayPrice() string {
	if p.CurrencyCode == "" {
		return p.Price.StringFixed(2)
	}
	return fmt.Sprintf("%s %s", p.Price.StringFixed(2), p.CurrencyCode)
}

// Transaction is a purchase event issued by the platform. It must be finished
// once processed or the platform delivers it again.
type Transaction struct {
	ID              string
	OriginalID      string
	ProductID       string
	PurchaseDate    time.Time
	RevocationDate  *time.Time
	AppAccountToken string
	Environment     string
}

// Revoked reports whether the platform has revoked the transaction.
func (t Transaction) Revoked() bool {
	return t.RevocationDate != nil
}

// Envelope wraps a transaction with the platform's verification outcome.
// A nil Err means the signature checked out. An envelope without a product is
// never verified.
type Envelope struct {
	Transaction Transaction
	SignedData  string
	Err         error
}

// Verified reports whether the envelope passed verification.
func (e Envelope) Verified() bool {
	return e.Err == nil && e.Transaction.ProductID != ""
}

// Payload returns the transaction of a verified envelope.
func (e Envelope) Payload() (Transaction, error) {
	if e.Err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrUnverified, e.Err)
	}
	if e.Transaction.ProductID == "" {
		return Transaction{}, fmt.Errorf("%w: transaction %q names no product", ErrUnverified, e.Transaction.ID)
	}
	return e.Transaction, nil
}

// PurchaseOptions carries optional data attached to a purchase request.
type PurchaseOptions struct {
	AppAccountToken uuid.UUID
}

// PurchaseResult is the outcome of Platform.Purchase. The set of variants is
// closed: PurchaseSuccess, PurchasePending and PurchaseUserCancelled. Callers
// must treat anything else as unsupported.
type PurchaseResult interface {
	purchaseResult()
}

// PurchaseSuccess carries the verification envelope of the new transaction.
type PurchaseSuccess struct {
	Envelope Envelope
}

// PurchasePending means the purchase awaits external approval. Completion, if
// any, arrives through the transaction update feed.
type PurchasePending struct{}

// PurchaseUserCancelled means the user backed out of the payment sheet.
type PurchaseUserCancelled struct{}

func (PurchaseSuccess) purchaseResult()       {}
func (PurchasePending) purchaseResult()       {}
func (PurchaseUserCancelled) purchaseResult() {}
