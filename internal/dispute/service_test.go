package dispute

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/quaymarket/quay/internal/escrow"
	"github.com/quaymarket/quay/internal/funds"
)

type testEnv struct {
	service     *Service
	store       *MemoryStore
	escrowStore *escrow.MemoryStore
	engine      *escrow.Engine
	provider    *funds.MemoryProvider
	escrowID    string
}

// failingStore wraps MemoryStore and fails Create once.
type failingStore struct {
	*MemoryStore
	failCreate bool
}

func (f *failingStore) Create(ctx context.Context, d *Dispute) error {
	if f.failCreate {
		f.failCreate = false
		return errors.New("injected insert failure")
	}
	return f.MemoryStore.Create(ctx, d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	escrowStore := escrow.NewMemoryStore()
	provider := funds.NewMemoryProvider()
	engine := escrow.NewEngine(escrowStore, provider)

	buyerAcct, _ := provider.CreateCustodyAccount(ctx, "buyer")
	sellerAcct, _ := provider.CreateCustodyAccount(ctx, "seller")
	provider.Credit(buyerAcct, 100_000)

	e, err := engine.Create(ctx, escrow.CreateRequest{
		BuyerID:       "usr_buyer",
		SellerID:      "usr_seller",
		Amount:        10_000,
		Currency:      "USD",
		BuyerAccount:  buyerAcct,
		SellerAccount: sellerAcct,
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	if _, err := engine.Fund(ctx, e.ID, "usr_buyer"); err != nil {
		t.Fatalf("fund escrow: %v", err)
	}

	store := NewMemoryStore()
	return &testEnv{
		service:     NewService(store, engine, slog.Default()),
		store:       store,
		escrowStore: escrowStore,
		engine:      engine,
		provider:    provider,
		escrowID:    e.ID,
	}
}

func TestOpen_FreezesEscrow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, err := env.service.Open(ctx, env.escrowID, "usr_buyer", "item never arrived")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if d.Status != StatusOpen {
		t.Errorf("dispute status = %s, want %s", d.Status, StatusOpen)
	}

	e, _ := env.escrowStore.Get(ctx, env.escrowID)
	if e.Status != escrow.StatusDisputed {
		t.Errorf("escrow status = %s, want %s", e.Status, escrow.StatusDisputed)
	}
}

func TestOpen_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.service.Open(ctx, env.escrowID, "usr_buyer", "  "); !errors.Is(err, ErrReasonRequired) {
		t.Errorf("blank reason: got %v, want ErrReasonRequired", err)
	}
	if _, err := env.service.Open(ctx, env.escrowID, "usr_stranger", "reason"); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Errorf("stranger: got %v, want ErrUnauthorized", err)
	}
}

func TestOpen_DuplicateRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.service.Open(ctx, env.escrowID, "usr_buyer", "first"); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := env.service.Open(ctx, env.escrowID, "usr_seller", "second"); !errors.Is(err, ErrDuplicateDispute) {
		t.Errorf("second dispute: got %v, want ErrDuplicateDispute", err)
	}
}

func TestOpen_RollsBackEscrowOnInsertFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	fs := &failingStore{MemoryStore: env.store, failCreate: true}
	svc := NewService(fs, env.engine, slog.Default())

	if _, err := svc.Open(ctx, env.escrowID, "usr_buyer", "reason"); err == nil {
		t.Fatal("expected insert failure")
	}

	// Escrow must be back to funded, and a retry must succeed.
	e, _ := env.escrowStore.Get(ctx, env.escrowID)
	if e.Status != escrow.StatusFunded {
		t.Fatalf("escrow not rolled back: %s", e.Status)
	}
	if _, err := svc.Open(ctx, env.escrowID, "usr_buyer", "reason"); err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
}

func TestResolve_MovesFundsAndClosesRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, err := env.service.Open(ctx, env.escrowID, "usr_buyer", "not as described")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	resolved, err := env.service.Resolve(ctx, d.ID, escrow.OutcomeBuyer, "refund approved", "usr_admin")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != StatusResolved || resolved.Outcome != escrow.OutcomeBuyer {
		t.Errorf("dispute record: %+v", resolved)
	}
	if resolved.ResolvedAt == nil || resolved.ResolvedBy != "usr_admin" {
		t.Errorf("resolution metadata missing: %+v", resolved)
	}
	if resolved.Resolution != "refund approved" {
		t.Errorf("resolution text = %q", resolved.Resolution)
	}

	e, _ := env.escrowStore.Get(ctx, env.escrowID)
	if e.Status != escrow.StatusRefunded {
		t.Errorf("escrow status = %s, want %s", e.Status, escrow.StatusRefunded)
	}

	// A closed dispute cannot be resolved again.
	if _, err := env.service.Resolve(ctx, d.ID, escrow.OutcomeSeller, "", "usr_admin"); !errors.Is(err, ErrDisputeClosed) {
		t.Errorf("re-resolve: got %v, want ErrDisputeClosed", err)
	}
}

func TestMarkInReview(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, _ := env.service.Open(ctx, env.escrowID, "usr_buyer", "reason")

	reviewed, err := env.service.MarkInReview(ctx, d.ID, "usr_admin")
	if err != nil {
		t.Fatalf("MarkInReview: %v", err)
	}
	if reviewed.Status != StatusInReview {
		t.Errorf("status = %s, want %s", reviewed.Status, StatusInReview)
	}

	// Idempotent.
	again, err := env.service.MarkInReview(ctx, d.ID, "usr_admin")
	if err != nil || again.Status != StatusInReview {
		t.Errorf("second MarkInReview: %v, %+v", err, again)
	}

	// A second dispute cannot be opened while one is in review.
	if _, err := env.service.Open(ctx, env.escrowID, "usr_seller", "second"); !errors.Is(err, ErrDuplicateDispute) {
		t.Errorf("open during review: got %v, want ErrDuplicateDispute", err)
	}

	// An in-review dispute can still be resolved.
	if _, err := env.service.Resolve(ctx, d.ID, escrow.OutcomeSeller, "seller delivered", "usr_admin"); err != nil {
		t.Fatalf("resolve in-review dispute: %v", err)
	}

	// And not re-reviewed once closed.
	if _, err := env.service.MarkInReview(ctx, d.ID, "usr_admin"); !errors.Is(err, ErrDisputeClosed) {
		t.Errorf("review after close: got %v, want ErrDisputeClosed", err)
	}
}

func TestListForUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.service.Open(ctx, env.escrowID, "usr_buyer", "reason"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	mine, err := env.service.ListForUser(ctx, "usr_buyer", 10)
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(mine) != 1 {
		t.Fatalf("got %d disputes, want 1", len(mine))
	}

	other, _ := env.service.ListForUser(ctx, "usr_seller", 10)
	if len(other) != 0 {
		t.Errorf("seller should have no raised disputes, got %d", len(other))
	}
}

func TestResolve_SplitOutcome(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, _ := env.service.Open(ctx, env.escrowID, "usr_seller", "partial delivery")
	resolved, err := env.service.Resolve(ctx, d.ID, escrow.OutcomeSplit, "both at fault", "usr_admin")
	if err != nil {
		t.Fatalf("Resolve split: %v", err)
	}
	if resolved.Outcome != escrow.OutcomeSplit {
		t.Errorf("outcome = %s, want %s", resolved.Outcome, escrow.OutcomeSplit)
	}

	e, _ := env.escrowStore.Get(ctx, env.escrowID)
	if e.Status != escrow.StatusAutoResolved {
		t.Errorf("escrow status = %s, want %s", e.Status, escrow.StatusAutoResolved)
	}
}

func TestCloseOrphaned(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, _ := env.service.Open(ctx, env.escrowID, "usr_buyer", "reason")

	// Settle the escrow directly through the engine, as the auto-resolution
	// sweep would, leaving the dispute record open.
	if _, err := env.engine.Resolve(ctx, env.escrowID, escrow.OutcomeSeller, "system"); err != nil {
		t.Fatalf("engine resolve: %v", err)
	}

	n, err := env.service.CloseOrphaned(ctx, 10)
	if err != nil {
		t.Fatalf("CloseOrphaned: %v", err)
	}
	if n != 1 {
		t.Fatalf("closed %d orphans, want 1", n)
	}

	got, _ := env.store.Get(ctx, d.ID)
	if got.Status != StatusResolved || got.Outcome != escrow.OutcomeSeller {
		t.Errorf("orphan not closed correctly: %+v", got)
	}
}
