package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"

	"storefront/commerce"
)

func TestLoadCatalog(t *testing.T) {
	cat, err := LoadCatalog("testdata/products.yaml")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if cat.Environment != "Sandbox" {
		t.Fatalf("expected Sandbox environment, got %q", cat.Environment)
	}
	if len(cat.Products) != 4 {
		t.Fatalf("expected 4 products, got %d", len(cat.Products))
	}
	for _, p := range cat.Products {
		if p.ID == "template3" && p.Outcome != OutcomePending {
			t.Fatalf("expected template3 scripted pending, got %q", p.Outcome)
		}
	}
}

func TestParseCatalog_Validation(t *testing.T) {
	cases := map[string]string{
		"missing id":   "products:\n  - price: \"1.00\"\n",
		"duplicate id": "products:\n  - id: a\n    price: \"1.00\"\n  - id: a\n    price: \"1.00\"\n",
		"bad price":    "products:\n  - id: a\n    price: cheap\n",
		"bad outcome":  "products:\n  - id: a\n    price: \"1.00\"\n    outcome: maybe\n",
		"invalid yaml": "products: [",
	}
	for name, doc := range cases {
		if _, err := ParseCatalog([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	cat, err := ParseCatalog([]byte("products:\n  - id: a\n    price: \"1.00\"\n"))
	if err != nil {
		t.Fatalf("parse minimal catalog: %v", err)
	}
	if cat.Products[0].Outcome != OutcomeSuccess || cat.Environment != "Sandbox" {
		t.Fatalf("expected defaults applied, got %+v", cat)
	}
}

func TestPlatform_ProductsInCatalogOrder(t *testing.T) {
	p := newTestPlatform(t)

	got, err := p.Products(context.Background(), []string{"adjustments", "template2", "missing"})
	if err != nil {
		t.Fatalf("products: %v", err)
	}
	if len(got) != 2 || got[0].ID != "template2" || got[1].ID != "adjustments" {
		t.Fatalf("unexpected products %+v", got)
	}
	if got[1].DisplayPrice() != "9.99 USD" {
		t.Fatalf("unexpected display price %q", got[1].DisplayPrice())
	}

	p.SetFetchError(errors.New("offline"))
	if _, err := p.Products(context.Background(), []string{"adjustments"}); err == nil {
		t.Fatal("expected scripted fetch error")
	}
}

func TestPlatform_PurchaseSuccessIsVerified(t *testing.T) {
	p := newTestPlatform(t)
	token := uuid.New()

	result, err := p.Purchase(context.Background(), commerce.Product{ID: "adjustments"}, commerce.PurchaseOptions{AppAccountToken: token})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	success, ok := result.(commerce.PurchaseSuccess)
	if !ok {
		t.Fatalf("expected success, got %T", result)
	}
	tx, err := success.Envelope.Payload()
	if err != nil {
		t.Fatalf("expected verified envelope: %v", err)
	}
	if tx.ProductID != "adjustments" || tx.AppAccountToken != token.String() || tx.ID != "tx-1" {
		t.Fatalf("unexpected transaction %+v", tx)
	}

	if got := p.Unfinished(); len(got) != 1 || got[0] != "tx-1" {
		t.Fatalf("expected tx-1 unfinished, got %v", got)
	}
	if err := p.Finish(context.Background(), tx); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := p.Finish(context.Background(), tx); !errors.Is(err, ErrUnknownTransaction) {
		t.Fatalf("expected ErrUnknownTransaction on double finish, got %v", err)
	}
}

func TestPlatform_ScriptedOutcomes(t *testing.T) {
	p := newTestPlatform(t)
	ctx := context.Background()

	if err := p.SetOutcome("template2", OutcomeCancelled); err != nil {
		t.Fatalf("set outcome: %v", err)
	}
	if r, _ := p.Purchase(ctx, commerce.Product{ID: "template2"}, commerce.PurchaseOptions{}); r != (commerce.PurchaseUserCancelled{}) {
		t.Fatalf("expected cancelled, got %#v", r)
	}

	if err := p.SetOutcome("template2", OutcomeError); err != nil {
		t.Fatalf("set outcome: %v", err)
	}
	if _, err := p.Purchase(ctx, commerce.Product{ID: "template2"}, commerce.PurchaseOptions{}); !errors.Is(err, ErrPaymentDeclined) {
		t.Fatalf("expected ErrPaymentDeclined, got %v", err)
	}

	if err := p.SetOutcome("template2", OutcomeUnverified); err != nil {
		t.Fatalf("set outcome: %v", err)
	}
	r, err := p.Purchase(ctx, commerce.Product{ID: "template2"}, commerce.PurchaseOptions{})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if r.(commerce.PurchaseSuccess).Envelope.Verified() {
		t.Fatal("expected unverified envelope")
	}

	if err := p.SetOutcome("nope", OutcomeSuccess); !errors.Is(err, ErrUnknownProduct) {
		t.Fatalf("expected ErrUnknownProduct, got %v", err)
	}
	if err := p.SetOutcome("template2", Outcome("maybe")); err == nil {
		t.Fatal("expected invalid outcome error")
	}
	if _, err := p.Purchase(ctx, commerce.Product{ID: "nope"}, commerce.PurchaseOptions{}); !errors.Is(err, ErrUnknownProduct) {
		t.Fatalf("expected ErrUnknownProduct, got %v", err)
	}
}

func TestPlatform_PendingApprovalDeliveredThroughFeed(t *testing.T) {
	p := newTestPlatform(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := p.TransactionUpdates(ctx)

	result, err := p.Purchase(ctx, commerce.Product{ID: "template3"}, commerce.PurchaseOptions{})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, ok := result.(commerce.PurchasePending); !ok {
		t.Fatalf("expected pending, got %T", result)
	}

	if _, err := p.ApprovePending("template3"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	env := receive(t, updates)
	if !env.Verified() || env.Transaction.ProductID != "template3" {
		t.Fatalf("unexpected update %+v", env)
	}

	if _, err := p.ApprovePending("template3"); !errors.Is(err, ErrNoPendingPurchase) {
		t.Fatalf("expected ErrNoPendingPurchase, got %v", err)
	}
}

func TestPlatform_DeclinePending(t *testing.T) {
	p := newTestPlatform(t)
	if _, err := p.Purchase(context.Background(), commerce.Product{ID: "template3"}, commerce.PurchaseOptions{}); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := p.DeclinePending("template3"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if err := p.DeclinePending("template3"); !errors.Is(err, ErrNoPendingPurchase) {
		t.Fatalf("expected ErrNoPendingPurchase, got %v", err)
	}
}

func TestPlatform_ReplaysUnfinishedOnSubscribe(t *testing.T) {
	p := newTestPlatform(t)
	if _, err := p.Grant("template2"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	updates := p.TransactionUpdates(ctx)
	env := receive(t, updates)
	if env.Transaction.ProductID != "template2" {
		t.Fatalf("expected replay of template2, got %+v", env.Transaction)
	}

	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("expected feed to close after cancel")
		}
	}
}

func TestPlatform_RefundAndCurrentEntitlements(t *testing.T) {
	p := newTestPlatform(t)
	ctx := context.Background()

	if _, err := p.Refund("adjustments"); !errors.Is(err, ErrNotPurchased) {
		t.Fatalf("expected ErrNotPurchased, got %v", err)
	}

	for _, id := range []string{"adjustments", "template2"} {
		if _, err := p.Purchase(ctx, commerce.Product{ID: id}, commerce.PurchaseOptions{}); err != nil {
			t.Fatalf("purchase %s: %v", id, err)
		}
	}
	refunded, err := p.Refund("template2")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if !refunded.Revoked() {
		t.Fatal("expected refunded transaction to carry a revocation date")
	}

	current, err := p.CurrentEntitlements(ctx)
	if err != nil {
		t.Fatalf("current entitlements: %v", err)
	}
	if len(current) != 2 {
		t.Fatalf("expected 2 entitlements, got %d", len(current))
	}
	for _, env := range current {
		tx, err := env.Payload()
		if err != nil {
			t.Fatalf("expected verified entitlement: %v", err)
		}
		if want := tx.ProductID == "template2"; tx.Revoked() != want {
			t.Fatalf("%s: expected revoked=%v", tx.ProductID, want)
		}
	}
}

func newTestPlatform(t *testing.T) *Platform {
	t.Helper()
	cat, err := LoadCatalog("testdata/products.yaml")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	p, err := NewPlatform(cat, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new platform: %v", err)
	}
	n := 0
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return p.
		WithIDGenerator(func() string { n++; return fmt.Sprintf("tx-%d", n) }).
		WithClock(func() time.Time { return now })
}

func receive(t *testing.T, ch <-chan commerce.Envelope) commerce.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatal("feed closed unexpectedly")
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
	return commerce.Envelope{}
}
