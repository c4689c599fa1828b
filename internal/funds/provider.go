// Package funds abstracts movement of value between custodial accounts.
//
// The escrow engine only ever sees this capability: move an amount from
// one custody handle to another and report the transfer's status. The
// concrete backend (Stripe, on-chain stablecoin custody, in-process
// ledger) is selected by configuration and is interchangeable.
package funds

import (
	"context"
	"errors"
	"fmt"
)

// TransferStatus is the provider-reported state of a transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
)

// Transfer is the provider's record of a fund movement.
type Transfer struct {
	Handle   string         `json:"handle"` // provider-assigned identifier
	Status   TransferStatus `json:"status"`
	Amount   int64          `json:"amount"` // minor units
	Currency string         `json:"currency"`
}

// ProviderError is a typed failure from a funds backend. Retryable errors
// may be re-attempted with the same idempotency key; the provider is
// responsible for deduplicating.
type ProviderError struct {
	Backend   string
	Code      string
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("funds: %s %s: %s", e.Backend, e.Code, e.Message)
}

// ErrAccountNotFound is returned when a custody handle does not exist.
var ErrAccountNotFound = errors.New("funds: custody account not found")

// ErrTransferNotFound is returned when a transfer handle is unknown.
var ErrTransferNotFound = errors.New("funds: transfer not found")

// Provider moves value between custodial accounts.
type Provider interface {
	// Name identifies the backend ("memory", "stripe", "chain").
	Name() string

	// CreateCustodyAccount provisions a custody account for an escrow and
	// returns its opaque handle. Called once per escrow at creation.
	CreateCustodyAccount(ctx context.Context, reference string) (string, error)

	// Transfer moves amount (minor units) from source to destination.
	// idempotencyKey deduplicates retried calls: a second call with the
	// same key returns the original transfer without moving funds again.
	Transfer(ctx context.Context, source, destination string, amount int64, currency, idempotencyKey string) (*Transfer, error)

	// Status reports the provider's authoritative state for a transfer.
	Status(ctx context.Context, handle string) (TransferStatus, error)
}

// IdempotencyKey derives a deterministic provider idempotency key from an
// escrow and the logical transition being performed. Retried calls for the
// same transition always produce the same key.
func IdempotencyKey(escrowID, transition string) string {
	return escrowID + ":" + transition
}
