// Package escrow implements custody of funds for marketplace transactions.
//
// Flow:
//  1. Buyer and seller agree on a listing → escrow created
//  2. Buyer funds → amount moved into the escrow's custody account
//  3. Seller releases (or the auto-release sweep fires) → custody → seller
//  4. Seller refunds → custody → buyer
//  5. Either party disputes a funded escrow → resolution moves the funds
//
// Every fund-moving transition is gated on a compare-and-set of the escrow
// status in the store, and every provider transfer carries a deterministic
// idempotency key, so funds move at most once per logical transition even
// under concurrent callers and overlapping sweep jobs.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/quaymarket/quay/internal/pagination"
)

var (
	ErrEscrowNotFound   = errors.New("escrow not found")
	ErrInvalidStatus    = errors.New("invalid escrow status for this operation")
	ErrUnauthorized     = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrAlreadyResolved  = errors.New("escrow already resolved")
	ErrSamePartyEscrow  = errors.New("buyer and seller cannot be the same user")
	ErrReputationFloor  = errors.New("party reputation below the required floor")
	ErrInvalidMode      = errors.New("invalid dispute resolution mode")
	ErrSplitIncomplete  = errors.New("split resolution partially completed")
	ErrInvalidOutcome   = errors.New("invalid resolution outcome")
	ErrUnknownCurrency  = errors.New("unsupported currency")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated           Status = "created"            // Awaiting funding
	StatusAwaitingSignatures Status = "awaiting_signatures" // Multi-sig, collecting approvals
	StatusTimeLocked        Status = "time_locked"        // Awaiting funding, auto-release gated
	StatusFunded            Status = "funded"             // Amount held in custody
	StatusReleased          Status = "released"           // Custody paid out to seller
	StatusRefunded          Status = "refunded"           // Custody returned to buyer
	StatusDisputed          Status = "disputed"           // Open dispute, funds frozen
	StatusAutoResolved      Status = "auto_resolved"      // Resolved by policy (incl. splits)
	StatusCancelled         Status = "cancelled"          // Funding never completed
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusAwaitingSignatures, StatusTimeLocked, StatusFunded,
		StatusReleased, StatusRefunded, StatusDisputed, StatusAutoResolved, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true if the status permits no further fund movement.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusAutoResolved, StatusCancelled:
		return true
	}
	return false
}

// ResolutionMode governs what happens to a disputed escrow that is never
// manually adjudicated.
type ResolutionMode string

const (
	ModeManual     ResolutionMode = "manual"
	ModeAutoBuyer  ResolutionMode = "auto_buyer"
	ModeAutoSeller ResolutionMode = "auto_seller"
	ModeAutoSplit  ResolutionMode = "auto_split"
	ModeReputation ResolutionMode = "auto_reputation"
)

// Valid reports whether m is a known resolution mode.
func (m ResolutionMode) Valid() bool {
	switch m {
	case ModeManual, ModeAutoBuyer, ModeAutoSeller, ModeAutoSplit, ModeReputation:
		return true
	}
	return false
}

// Outcome is an adjudicated dispute result.
type Outcome string

const (
	OutcomeBuyer  Outcome = "resolved_buyer"
	OutcomeSeller Outcome = "resolved_seller"
	OutcomeSplit  Outcome = "resolved_split"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeBuyer, OutcomeSeller, OutcomeSplit:
		return true
	}
	return false
}

// SignerRole identifies a multi-sig signer.
type SignerRole string

const (
	RoleBuyer  SignerRole = "buyer"
	RoleSeller SignerRole = "seller"
	RoleAdmin  SignerRole = "admin"
)

// MultiSig tracks signature accumulation for a multi-sig escrow.
// Completed is always the count of set flags; Required never decreases.
type MultiSig struct {
	BuyerSigned  bool `json:"buyerSigned"`
	SellerSigned bool `json:"sellerSigned"`
	AdminSigned  bool `json:"adminSigned"`
	Required     int  `json:"requiredSignatures"`
	Completed    int  `json:"completedSignatures"`
}

// Recount recomputes Completed from the signature flags.
func (m *MultiSig) Recount() {
	n := 0
	if m.BuyerSigned {
		n++
	}
	if m.SellerSigned {
		n++
	}
	if m.AdminSigned {
		n++
	}
	m.Completed = n
}

// ThresholdMet reports whether enough signatures have been collected.
func (m *MultiSig) ThresholdMet() bool {
	return m.Completed >= m.Required
}

// Escrow represents custody of funds for one listing transaction.
type Escrow struct {
	ID        string `json:"id"`
	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`
	ListingID string `json:"listingId,omitempty"`

	Amount   int64  `json:"amount"` // minor units
	Currency string `json:"currency"`

	Status Status `json:"status"`

	// Custody and payout handles into the funds provider.
	EscrowAddress string `json:"escrowAddress"`
	BuyerAccount  string `json:"buyerAccount"`
	SellerAccount string `json:"sellerAccount"`

	// ReleaseTime is when the escrow becomes eligible for auto-release.
	ReleaseTime time.Time `json:"releaseTime"`
	// FundingDeadline is when an unfunded escrow is cancelled.
	FundingDeadline time.Time `json:"fundingDeadline"`

	IsMultiSig bool      `json:"isMultiSig"`
	MultiSig   *MultiSig `json:"multiSigSignatures,omitempty"`

	IsTimeLocked bool       `json:"isTimeLocked"`
	UnlockTime   *time.Time `json:"unlockTime,omitempty"`

	ResolutionMode       ResolutionMode `json:"disputeResolutionMode"`
	AutoResolveAfterDays int            `json:"autoResolveAfterDays"`

	// Split-leg tracking so a retried split never double-pays one party.
	SplitBuyerPaid  bool `json:"splitBuyerPaid,omitempty"`
	SplitSellerPaid bool `json:"splitSellerPaid,omitempty"`

	// TransactionSignature is the last fund-movement handle recorded
	// against this escrow (audit trail, overwritten on each transfer).
	TransactionSignature string `json:"transactionSignature,omitempty"`

	DisputedAt *time.Time `json:"disputedAt,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// IsParty returns true if userID is the buyer or seller.
func (e *Escrow) IsParty(userID string) bool {
	return userID == e.BuyerID || userID == e.SellerID
}

// ListQuery narrows a user's escrow listing.
type ListQuery struct {
	UserID string
	// Role narrows to escrows where the user holds that side; empty means
	// either side. Only RoleBuyer and RoleSeller are meaningful here.
	Role SignerRole
	// Status narrows to one status; empty means any.
	Status Status
	// Cursor resumes a paged listing after the given position.
	Cursor *pagination.Cursor
	Limit  int
}

// Matches reports whether e belongs in the query's result set, cursor aside.
func (q ListQuery) Matches(e *Escrow) bool {
	switch q.Role {
	case RoleBuyer:
		if e.BuyerID != q.UserID {
			return false
		}
	case RoleSeller:
		if e.SellerID != q.UserID {
			return false
		}
	default:
		if !e.IsParty(q.UserID) {
			return false
		}
	}
	return q.Status == "" || e.Status == q.Status
}

// Store persists escrow data.
//
// CompareAndSetStatus is the single authority for state transitions: it
// must be implemented as an atomic conditional update, never read-then-write.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)

	// Update persists mutable fields (resolution policy, split legs,
	// dispute timestamps). It never changes Status or signature flags;
	// those go through CompareAndSetStatus and RecordSignature.
	Update(ctx context.Context, e *Escrow) error

	// CompareAndSetStatus transitions id from expected to next atomically.
	// txSig, when non-empty, is recorded as the transaction signature in
	// the same update. Returns false if the escrow was not in expected.
	CompareAndSetStatus(ctx context.Context, id string, expected, next Status, txSig string) (bool, error)

	// RecordSignature sets one role's signature flag as an atomic
	// conditional update, guarded on the escrow still awaiting signatures
	// and the flag not yet set, and keeps the completed count in step.
	// Returns false when nothing changed (already signed, or the escrow
	// left awaiting_signatures). Concurrent signers for different roles
	// must never overwrite each other's flags.
	RecordSignature(ctx context.Context, id string, role SignerRole) (bool, error)

	// ListByUser returns a user's escrows newest first (created_at DESC,
	// id DESC), narrowed and paged by the query.
	ListByUser(ctx context.Context, q ListQuery) ([]*Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)

	// ListEligibleForAutoRelease returns funded escrows whose release time
	// has passed and whose unlock time (if any) has passed.
	ListEligibleForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)

	// ListEligibleForAutoResolve returns disputed escrows with a non-manual
	// resolution mode whose dispute age exceeds their auto-resolve window.
	ListEligibleForAutoResolve(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)

	// ListExpiredUnfunded returns unfunded escrows past their funding deadline.
	ListExpiredUnfunded(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)

	// ListStuckSplits returns disputed escrows with exactly one completed
	// split leg, for the reconciliation sweep.
	ListStuckSplits(ctx context.Context, limit int) ([]*Escrow, error)
}

// ReputationOracle scores users in [0, 5] for reputation-weighted resolution.
type ReputationOracle interface {
	Score(ctx context.Context, userID string) (float64, error)
}

// NotificationSink delivers human-readable status messages to users.
// Delivery is fire-and-forget; failures must never block the workflow.
type NotificationSink interface {
	Notify(ctx context.Context, userID, message string, metadata map[string]string)
}
