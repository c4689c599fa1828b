// Package dispute manages dispute records raised against funded escrows.
//
// The escrow engine owns the money and the escrow status; this package owns
// the dispute paper trail (who raised it, why, how it ended) and delegates
// every fund-affecting decision to the engine.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/quaymarket/quay/internal/escrow"
)

var (
	ErrDisputeNotFound  = errors.New("dispute not found")
	ErrDuplicateDispute = errors.New("escrow already has an open dispute")
	ErrDisputeClosed    = errors.New("dispute already resolved")
	ErrReasonRequired   = errors.New("dispute reason is required")
)

// Status of a dispute record.
type Status string

const (
	StatusOpen     Status = "open"
	StatusInReview Status = "in_review"
	StatusResolved Status = "resolved"
)

// Active reports whether the dispute still blocks its escrow. An in-review
// dispute is still active; only resolution closes it.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInReview
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInReview, StatusResolved:
		return true
	}
	return false
}

// Dispute is the record of a disagreement over one escrow.
type Dispute struct {
	ID       string `json:"id"`
	EscrowID string `json:"escrowId"`
	RaisedBy string `json:"raisedBy"`
	Reason   string `json:"reason"`
	Status   Status `json:"status"`

	// Outcome is set when the dispute closes: resolved_buyer,
	// resolved_seller, or resolved_split. Resolution carries the
	// adjudicator's free-text explanation.
	Outcome    escrow.Outcome `json:"outcome,omitempty"`
	Resolution string         `json:"resolution,omitempty"`
	ResolvedBy string         `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists dispute records.
//
// Create must enforce at most one active dispute per escrow and return
// ErrDuplicateDispute on violation.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetOpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error)
	ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error)
	ListByRaiser(ctx context.Context, userID string, limit int) ([]*Dispute, error)
}

// ListActive returns disputes in any non-terminal state, merging the open
// and in-review lists up to limit entries.
func ListActive(ctx context.Context, s Store, limit int) ([]*Dispute, error) {
	open, err := s.ListByStatus(ctx, StatusOpen, limit)
	if err != nil {
		return nil, err
	}
	if len(open) >= limit {
		return open, nil
	}
	review, err := s.ListByStatus(ctx, StatusInReview, limit-len(open))
	if err != nil {
		return nil, err
	}
	return append(open, review...), nil
}
