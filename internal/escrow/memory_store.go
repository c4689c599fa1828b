package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

// clone deep-copies an escrow so callers never share pointers with the store.
func clone(e *Escrow) *Escrow {
	cp := *e
	if e.MultiSig != nil {
		ms := *e.MultiSig
		cp.MultiSig = &ms
	}
	if e.UnlockTime != nil {
		t := *e.UnlockTime
		cp.UnlockTime = &t
	}
	if e.DisputedAt != nil {
		t := *e.DisputedAt
		cp.DisputedAt = &t
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.escrows[e.ID] = clone(e)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return clone(e), nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	cp := clone(e)
	cp.Status = stored.Status // Update never changes status
	if stored.MultiSig != nil {
		ms := *stored.MultiSig // signatures change only via RecordSignature
		cp.MultiSig = &ms
	}
	m.escrows[e.ID] = cp
	return nil
}

func (m *MemoryStore) RecordSignature(ctx context.Context, id string, role SignerRole) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return false, ErrEscrowNotFound
	}
	if e.Status != StatusAwaitingSignatures || e.MultiSig == nil {
		return false, nil
	}

	var flag *bool
	switch role {
	case RoleBuyer:
		flag = &e.MultiSig.BuyerSigned
	case RoleSeller:
		flag = &e.MultiSig.SellerSigned
	case RoleAdmin:
		flag = &e.MultiSig.AdminSigned
	default:
		return false, fmt.Errorf("unknown signer role %q", role)
	}
	if *flag {
		return false, nil
	}
	*flag = true
	e.MultiSig.Recount()
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) CompareAndSetStatus(ctx context.Context, id string, expected, next Status, txSig string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return false, ErrEscrowNotFound
	}
	if e.Status != expected {
		return false, nil
	}
	e.Status = next
	if txSig != "" {
		e.TransactionSignature = txSig
	}
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, q ListQuery) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Escrow
	for _, e := range m.escrows {
		if !q.Matches(e) {
			continue
		}
		if q.Cursor != nil && !q.Cursor.Before(e.CreatedAt, e.ID) {
			continue
		}
		matched = append(matched, clone(e))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == status {
			result = append(result, clone(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListEligibleForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status != StatusFunded || e.ReleaseTime.After(now) {
			continue
		}
		if e.UnlockTime != nil && e.UnlockTime.After(now) {
			continue
		}
		result = append(result, clone(e))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListEligibleForAutoResolve(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status != StatusDisputed || e.ResolutionMode == ModeManual || e.DisputedAt == nil {
			continue
		}
		deadline := e.DisputedAt.Add(time.Duration(e.AutoResolveAfterDays) * 24 * time.Hour)
		if deadline.After(now) {
			continue
		}
		result = append(result, clone(e))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListExpiredUnfunded(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		switch e.Status {
		case StatusCreated, StatusTimeLocked, StatusAwaitingSignatures:
		default:
			continue
		}
		if e.FundingDeadline.After(now) {
			continue
		}
		result = append(result, clone(e))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListStuckSplits(ctx context.Context, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status != StatusDisputed || e.SplitBuyerPaid == e.SplitSellerPaid {
			continue
		}
		result = append(result, clone(e))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
