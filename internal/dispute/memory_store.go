package dispute

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	disputes map[string]*Dispute
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
	}
}

func cloneDispute(d *Dispute) *Dispute {
	cp := *d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.disputes {
		if existing.EscrowID == d.EscrowID && existing.Status.Active() {
			return ErrDuplicateDispute
		}
	}
	m.disputes[d.ID] = cloneDispute(d)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return cloneDispute(d), nil
}

func (m *MemoryStore) GetOpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.EscrowID == escrowID && d.Status.Active() {
			return cloneDispute(d), nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	m.disputes[d.ID] = cloneDispute(d)
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status == status {
			result = append(result, cloneDispute(d))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByRaiser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.RaisedBy == userID {
			result = append(result, cloneDispute(d))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.EscrowID == escrowID {
			result = append(result, cloneDispute(d))
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
