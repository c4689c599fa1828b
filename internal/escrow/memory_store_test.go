package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/quaymarket/quay/internal/pagination"
)

func storeEscrow(id string, status Status) *Escrow {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return &Escrow{
		ID:              id,
		BuyerID:         "usr_buyer",
		SellerID:        "usr_seller",
		Amount:          5000,
		Currency:        "USD",
		Status:          status,
		EscrowAddress:   "acct_custody",
		ReleaseTime:     now.Add(7 * 24 * time.Hour),
		FundingDeadline: now.Add(24 * time.Hour),
		ResolutionMode:  ModeManual,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestMemoryStore_CompareAndSetStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Create(ctx, storeEscrow("esc_1", StatusCreated))

	ok, err := s.CompareAndSetStatus(ctx, "esc_1", StatusCreated, StatusFunded, "tx_abc")
	if err != nil || !ok {
		t.Fatalf("CAS from correct state: ok=%v err=%v", ok, err)
	}

	// Second CAS from the stale expected state must lose.
	ok, err = s.CompareAndSetStatus(ctx, "esc_1", StatusCreated, StatusCancelled, "")
	if err != nil {
		t.Fatalf("CAS: %v", err)
	}
	if ok {
		t.Fatal("CAS succeeded from a stale expected state")
	}

	e, _ := s.Get(ctx, "esc_1")
	if e.Status != StatusFunded {
		t.Errorf("status = %s, want %s", e.Status, StatusFunded)
	}
	if e.TransactionSignature != "tx_abc" {
		t.Errorf("tx signature = %q, want tx_abc", e.TransactionSignature)
	}

	if _, err := s.CompareAndSetStatus(ctx, "esc_missing", StatusCreated, StatusFunded, ""); err != ErrEscrowNotFound {
		t.Errorf("missing escrow: got %v, want ErrEscrowNotFound", err)
	}
}

func TestMemoryStore_UpdateNeverChangesStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Create(ctx, storeEscrow("esc_1", StatusFunded))

	e, _ := s.Get(ctx, "esc_1")
	e.Status = StatusReleased // must be ignored
	e.SplitBuyerPaid = true
	if err := s.Update(ctx, e); err != nil {
		t.Fatalf("Update: %v", err)
	}

	stored, _ := s.Get(ctx, "esc_1")
	if stored.Status != StatusFunded {
		t.Errorf("Update changed status to %s", stored.Status)
	}
	if !stored.SplitBuyerPaid {
		t.Error("Update lost a mutable field")
	}
}

func TestMemoryStore_RecordSignature(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	e := storeEscrow("esc_1", StatusAwaitingSignatures)
	e.IsMultiSig = true
	e.MultiSig = &MultiSig{Required: 2}
	_ = s.Create(ctx, e)

	changed, err := s.RecordSignature(ctx, "esc_1", RoleBuyer)
	if err != nil || !changed {
		t.Fatalf("first buyer signature: changed=%v err=%v", changed, err)
	}

	// Re-signing the same role changes nothing.
	changed, err = s.RecordSignature(ctx, "esc_1", RoleBuyer)
	if err != nil {
		t.Fatalf("RecordSignature: %v", err)
	}
	if changed {
		t.Error("repeat signature reported as changed")
	}

	changed, _ = s.RecordSignature(ctx, "esc_1", RoleSeller)
	if !changed {
		t.Fatal("seller signature not recorded")
	}

	stored, _ := s.Get(ctx, "esc_1")
	if !stored.MultiSig.BuyerSigned || !stored.MultiSig.SellerSigned {
		t.Errorf("flags = buyer:%v seller:%v, want both set",
			stored.MultiSig.BuyerSigned, stored.MultiSig.SellerSigned)
	}
	if stored.MultiSig.Completed != 2 {
		t.Errorf("completed = %d, want 2", stored.MultiSig.Completed)
	}

	// An Update from a stale copy must not roll signatures back.
	stale := storeEscrow("esc_1", StatusAwaitingSignatures)
	stale.IsMultiSig = true
	stale.MultiSig = &MultiSig{Required: 2}
	if err := s.Update(ctx, stale); err != nil {
		t.Fatalf("Update: %v", err)
	}
	stored, _ = s.Get(ctx, "esc_1")
	if stored.MultiSig.Completed != 2 {
		t.Errorf("stale Update erased signatures: completed = %d", stored.MultiSig.Completed)
	}

	// Once the escrow leaves awaiting_signatures, signing is refused.
	_, _ = s.CompareAndSetStatus(ctx, "esc_1", StatusAwaitingSignatures, StatusFunded, "tx_1")
	changed, err = s.RecordSignature(ctx, "esc_1", RoleAdmin)
	if err != nil {
		t.Fatalf("RecordSignature: %v", err)
	}
	if changed {
		t.Error("signature recorded on a funded escrow")
	}

	if _, err := s.RecordSignature(ctx, "esc_missing", RoleBuyer); err != ErrEscrowNotFound {
		t.Errorf("missing escrow: got %v, want ErrEscrowNotFound", err)
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	e := storeEscrow("esc_1", StatusAwaitingSignatures)
	e.IsMultiSig = true
	e.MultiSig = &MultiSig{Required: 2}
	_ = s.Create(ctx, e)

	got, _ := s.Get(ctx, "esc_1")
	got.MultiSig.BuyerSigned = true
	got.MultiSig.Recount()

	again, _ := s.Get(ctx, "esc_1")
	if again.MultiSig.BuyerSigned {
		t.Error("mutation on a returned copy reached the store")
	}
}

func TestMemoryStore_ListEligibleForAutoRelease(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	due := storeEscrow("esc_due", StatusFunded)
	due.ReleaseTime = now.Add(-time.Hour)
	_ = s.Create(ctx, due)

	early := storeEscrow("esc_early", StatusFunded)
	early.ReleaseTime = now.Add(time.Hour)
	_ = s.Create(ctx, early)

	locked := storeEscrow("esc_locked", StatusFunded)
	locked.ReleaseTime = now.Add(-time.Hour)
	unlock := now.Add(48 * time.Hour)
	locked.IsTimeLocked = true
	locked.UnlockTime = &unlock
	_ = s.Create(ctx, locked)

	unfunded := storeEscrow("esc_unfunded", StatusCreated)
	unfunded.ReleaseTime = now.Add(-time.Hour)
	_ = s.Create(ctx, unfunded)

	got, err := s.ListEligibleForAutoRelease(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListEligibleForAutoRelease: %v", err)
	}
	if len(got) != 1 || got[0].ID != "esc_due" {
		ids := make([]string, len(got))
		for i, e := range got {
			ids[i] = e.ID
		}
		t.Errorf("eligible = %v, want [esc_due]", ids)
	}
}

func TestMemoryStore_ListEligibleForAutoResolve(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	overdue := storeEscrow("esc_overdue", StatusDisputed)
	overdue.ResolutionMode = ModeAutoSplit
	overdue.AutoResolveAfterDays = 7
	d1 := now.Add(-8 * 24 * time.Hour)
	overdue.DisputedAt = &d1
	_ = s.Create(ctx, overdue)

	young := storeEscrow("esc_young", StatusDisputed)
	young.ResolutionMode = ModeAutoSplit
	young.AutoResolveAfterDays = 7
	d2 := now.Add(-2 * 24 * time.Hour)
	young.DisputedAt = &d2
	_ = s.Create(ctx, young)

	manual := storeEscrow("esc_manual", StatusDisputed)
	manual.ResolutionMode = ModeManual
	manual.AutoResolveAfterDays = 7
	manual.DisputedAt = &d1
	_ = s.Create(ctx, manual)

	got, err := s.ListEligibleForAutoResolve(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListEligibleForAutoResolve: %v", err)
	}
	if len(got) != 1 || got[0].ID != "esc_overdue" {
		t.Errorf("eligible count = %d, want only esc_overdue", len(got))
	}
}

func TestMemoryStore_ListExpiredUnfunded(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		id       string
		status   Status
		deadline time.Time
	}{
		{"esc_expired_created", StatusCreated, now.Add(-time.Hour)},
		{"esc_expired_sigs", StatusAwaitingSignatures, now.Add(-time.Hour)},
		{"esc_fresh", StatusCreated, now.Add(time.Hour)},
		{"esc_funded", StatusFunded, now.Add(-time.Hour)},
	} {
		e := storeEscrow(tc.id, tc.status)
		e.FundingDeadline = tc.deadline
		_ = s.Create(ctx, e)
	}

	got, err := s.ListExpiredUnfunded(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpiredUnfunded: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expired count = %d, want 2", len(got))
	}
	for _, e := range got {
		if e.Status == StatusFunded || e.FundingDeadline.After(now) {
			t.Errorf("unexpected candidate %s (%s)", e.ID, e.Status)
		}
	}
}

func TestMemoryStore_ListStuckSplits(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	stuck := storeEscrow("esc_stuck", StatusDisputed)
	stuck.SplitBuyerPaid = true
	_ = s.Create(ctx, stuck)

	both := storeEscrow("esc_done", StatusDisputed)
	both.SplitBuyerPaid = true
	both.SplitSellerPaid = true
	_ = s.Create(ctx, both)

	neither := storeEscrow("esc_none", StatusDisputed)
	_ = s.Create(ctx, neither)

	got, err := s.ListStuckSplits(ctx, 10)
	if err != nil {
		t.Fatalf("ListStuckSplits: %v", err)
	}
	if len(got) != 1 || got[0].ID != "esc_stuck" {
		t.Errorf("stuck splits = %d, want only esc_stuck", len(got))
	}
}

func TestMemoryStore_ListByUser(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a := storeEscrow("esc_a", StatusCreated)
	b := storeEscrow("esc_b", StatusFunded)
	b.CreatedAt = b.CreatedAt.Add(time.Minute)
	other := storeEscrow("esc_c", StatusCreated)
	other.BuyerID = "usr_other"
	other.SellerID = "usr_stranger"
	for _, e := range []*Escrow{a, b, other} {
		if err := s.Create(ctx, e); err != nil {
			t.Fatalf("Create(%s): %v", e.ID, err)
		}
	}

	got, err := s.ListByUser(ctx, ListQuery{UserID: "usr_buyer", Limit: 10})
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 escrows, got %d", len(got))
	}
	if got[0].ID != "esc_b" || got[1].ID != "esc_a" {
		t.Errorf("expected newest first, got %s then %s", got[0].ID, got[1].ID)
	}

	got, _ = s.ListByUser(ctx, ListQuery{UserID: "usr_buyer", Status: StatusFunded, Limit: 10})
	if len(got) != 1 || got[0].ID != "esc_b" {
		t.Errorf("status filter returned %d rows", len(got))
	}

	got, _ = s.ListByUser(ctx, ListQuery{UserID: "usr_seller", Role: RoleBuyer, Limit: 10})
	if len(got) != 0 {
		t.Errorf("usr_seller is never the buyer, got %d rows", len(got))
	}

	// Resume after esc_b: only the older escrow remains.
	got, _ = s.ListByUser(ctx, ListQuery{
		UserID: "usr_buyer",
		Cursor: &pagination.Cursor{CreatedAt: b.CreatedAt, ID: b.ID},
		Limit:  10,
	})
	if len(got) != 1 || got[0].ID != "esc_a" {
		t.Errorf("cursor resume returned %v", got)
	}
}
