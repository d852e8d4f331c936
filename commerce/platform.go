package commerce

import "context"

// Platform is the vendor commerce service. Payment processing, receipt
// signing and entitlement tracking all happen behind it.
type Platform interface {
	// Products fetches catalog metadata for the given identifiers. Unknown
	// identifiers are omitted from the result; order is not guaranteed.
	Products(ctx context.Context, ids []string) ([]Product, error)
	// Purchase runs the payment flow for a product. It may block for as long
	// as the user keeps the payment sheet open.
	Purchase(ctx context.Context, product Product, opts PurchaseOptions) (PurchaseResult, error)
	// TransactionUpdates streams transaction notifications pushed by the
	// platform until ctx is done, then closes the channel.
	TransactionUpdates(ctx context.Context) <-chan Envelope
	// CurrentEntitlements lists the transactions that currently entitle the
	// user to a product.
	CurrentEntitlements(ctx context.Context) ([]Envelope, error)
	// Finish acknowledges a processed transaction.
	Finish(ctx context.Context, tx Transaction) error
}
