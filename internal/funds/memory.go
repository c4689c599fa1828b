package funds

import (
	"context"
	"sync"

	"github.com/quaymarket/quay/internal/idgen"
)

// MemoryProvider is an in-process custody ledger for development mode and
// tests. It enforces balances and deduplicates transfers by idempotency
// key the way a real processor would.
type MemoryProvider struct {
	mu        sync.Mutex
	balances  map[string]int64     // account handle -> minor units
	transfers map[string]*Transfer // transfer handle -> record
	byKey     map[string]*Transfer // idempotency key -> record

	// FailNext, when set, causes the next Transfer call to fail with the
	// given error instead of moving funds. Used by tests to exercise
	// provider-failure paths.
	FailNext error
}

// NewMemoryProvider creates an empty in-memory funds provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		balances:  make(map[string]int64),
		transfers: make(map[string]*Transfer),
		byKey:     make(map[string]*Transfer),
	}
}

func (m *MemoryProvider) Name() string { return "memory" }

// Credit adds funds to an account. Dev-mode seeding and tests only.
func (m *MemoryProvider) Credit(account string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] += amount
}

// Balance returns an account's current balance.
func (m *MemoryProvider) Balance(account string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account]
}

// TransferCount returns the number of distinct transfers executed.
func (m *MemoryProvider) TransferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transfers)
}

func (m *MemoryProvider) CreateCustodyAccount(ctx context.Context, reference string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	handle := "acct_" + idgen.Hex(12)
	m.balances[handle] = 0
	return handle, nil
}

func (m *MemoryProvider) Transfer(ctx context.Context, source, destination string, amount int64, currency, idempotencyKey string) (*Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Deduplicate retried calls.
	if t, ok := m.byKey[idempotencyKey]; ok {
		return t, nil
	}

	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return nil, err
	}

	if amount <= 0 {
		return nil, &ProviderError{Backend: "memory", Code: "invalid_amount", Message: "amount must be positive"}
	}
	if _, ok := m.balances[source]; !ok {
		return nil, ErrAccountNotFound
	}
	if _, ok := m.balances[destination]; !ok {
		return nil, ErrAccountNotFound
	}
	if m.balances[source] < amount {
		return nil, &ProviderError{Backend: "memory", Code: "insufficient_funds", Message: "source balance too low"}
	}

	m.balances[source] -= amount
	m.balances[destination] += amount

	t := &Transfer{
		Handle:   "xfr_" + idgen.Hex(12),
		Status:   TransferCompleted,
		Amount:   amount,
		Currency: currency,
	}
	m.transfers[t.Handle] = t
	m.byKey[idempotencyKey] = t
	return t, nil
}

func (m *MemoryProvider) Status(ctx context.Context, handle string) (TransferStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[handle]
	if !ok {
		return "", ErrTransferNotFound
	}
	return t.Status, nil
}

// Compile-time assertion that MemoryProvider implements Provider.
var _ Provider = (*MemoryProvider)(nil)
