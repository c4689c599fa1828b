package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quaymarket/quay/internal/escrow"
	"github.com/quaymarket/quay/internal/idgen"
)

// maxReasonLength bounds dispute reasons to keep the record reviewable.
const maxReasonLength = 2000

// Service coordinates dispute records with the escrow engine.
type Service struct {
	store   Store
	escrows *escrow.Engine
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a dispute service.
func NewService(store Store, escrows *escrow.Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		escrows: escrows,
		logger:  logger,
		now:     time.Now,
	}
}

// Open raises a dispute on a funded escrow. The escrow is frozen first via
// the engine's status CAS; if the dispute record then fails to persist, the
// escrow is rolled back to funded so funds are never frozen against a
// dispute that does not exist.
func (s *Service) Open(ctx context.Context, escrowID, raisedBy, reason string) (*Dispute, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	if len(reason) > maxReasonLength {
		reason = reason[:maxReasonLength]
	}

	if existing, err := s.store.GetOpenByEscrow(ctx, escrowID); err == nil && existing != nil {
		return nil, ErrDuplicateDispute
	} else if err != nil && !errors.Is(err, ErrDisputeNotFound) {
		return nil, fmt.Errorf("check open dispute: %w", err)
	}

	if _, err := s.escrows.BeginDispute(ctx, escrowID, raisedBy); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	d := &Dispute{
		ID:        idgen.WithPrefix("dsp"),
		EscrowID:  escrowID,
		RaisedBy:  raisedBy,
		Reason:    reason,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		if rbErr := s.escrows.ReopenDisputed(ctx, escrowID); rbErr != nil {
			s.logger.Error("failed to roll back escrow after dispute insert failure",
				"escrow_id", escrowID, "error", rbErr)
		}
		if errors.Is(err, ErrDuplicateDispute) {
			return nil, ErrDuplicateDispute
		}
		return nil, fmt.Errorf("persist dispute: %w", err)
	}

	s.logger.Info("dispute opened",
		"dispute_id", d.ID, "escrow_id", escrowID, "raised_by", raisedBy)
	return d, nil
}

// MarkInReview flags an open dispute as under admin review. Purely a
// bookkeeping transition; the escrow stays frozen either way.
func (s *Service) MarkInReview(ctx context.Context, disputeID, reviewedBy string) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusInReview {
		return d, nil
	}
	if d.Status != StatusOpen {
		return nil, ErrDisputeClosed
	}

	d.Status = StatusInReview
	d.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("mark in review: %w", err)
	}

	s.logger.Info("dispute under review",
		"dispute_id", d.ID, "escrow_id", d.EscrowID, "reviewed_by", reviewedBy)
	return d, nil
}

// Resolve settles an active dispute with the given outcome. The engine moves
// the funds; only after that succeeds is the dispute record closed.
func (s *Service) Resolve(ctx context.Context, disputeID string, outcome escrow.Outcome, resolution, resolvedBy string) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.Status.Active() {
		return nil, ErrDisputeClosed
	}

	if _, err := s.escrows.Resolve(ctx, d.EscrowID, outcome, resolvedBy); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	d.Status = StatusResolved
	d.Outcome = outcome
	d.Resolution = strings.TrimSpace(resolution)
	d.ResolvedBy = resolvedBy
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		// Funds already moved; the record update must be retried, never the
		// resolution itself.
		s.logger.Error("dispute resolved but record update failed",
			"dispute_id", d.ID, "escrow_id", d.EscrowID, "error", err)
		return nil, fmt.Errorf("close dispute record: %w", err)
	}

	s.logger.Info("dispute resolved",
		"dispute_id", d.ID, "escrow_id", d.EscrowID, "outcome", outcome, "resolved_by", resolvedBy)
	return d, nil
}

// GetForViewer returns a dispute only to admins or parties of the linked
// escrow. Dispute reasons and resolutions are between the parties and the
// platform, not for anyone holding a service key.
func (s *Service) GetForViewer(ctx context.Context, id, viewerID string, isAdmin bool) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if isAdmin {
		return d, nil
	}
	e, err := s.escrows.Get(ctx, d.EscrowID)
	if err != nil {
		return nil, fmt.Errorf("load escrow for dispute: %w", err)
	}
	if !e.IsParty(viewerID) {
		return nil, escrow.ErrUnauthorized
	}
	return d, nil
}

// ListByEscrowForViewer returns an escrow's dispute history to admins or the
// escrow's parties.
func (s *Service) ListByEscrowForViewer(ctx context.Context, escrowID, viewerID string, isAdmin bool) ([]*Dispute, error) {
	if !isAdmin {
		e, err := s.escrows.Get(ctx, escrowID)
		if err != nil {
			return nil, err
		}
		if !e.IsParty(viewerID) {
			return nil, escrow.ErrUnauthorized
		}
	}
	return s.store.ListByEscrow(ctx, escrowID)
}

// ListByStatus returns disputes in the given state.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	return s.store.ListByStatus(ctx, status, limit)
}

// ListForUser returns disputes the user raised, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	return s.store.ListByRaiser(ctx, userID, limit)
}

// CloseOrphaned marks resolved any active dispute whose escrow already
// reached a terminal state, e.g. after an auto-resolution settled the escrow
// while the dispute record stayed open.
func (s *Service) CloseOrphaned(ctx context.Context, limit int) (int, error) {
	active, err := ListActive(ctx, s.store, limit)
	if err != nil {
		return 0, fmt.Errorf("list active disputes: %w", err)
	}
	closed := 0
	for _, d := range active {
		e, err := s.escrows.Get(ctx, d.EscrowID)
		if err != nil {
			s.logger.Warn("orphan check failed", "dispute_id", d.ID, "error", err)
			continue
		}
		if !e.Status.IsTerminal() {
			continue
		}
		now := s.now().UTC()
		d.Status = StatusResolved
		d.Outcome = outcomeForStatus(e.Status)
		d.Resolution = "escrow settled by automatic resolution"
		d.ResolvedBy = "system"
		d.ResolvedAt = &now
		d.UpdatedAt = now
		if err := s.store.Update(ctx, d); err != nil {
			s.logger.Warn("failed to close orphaned dispute", "dispute_id", d.ID, "error", err)
			continue
		}
		closed++
	}
	return closed, nil
}

func outcomeForStatus(st escrow.Status) escrow.Outcome {
	switch st {
	case escrow.StatusRefunded:
		return escrow.OutcomeBuyer
	case escrow.StatusReleased:
		return escrow.OutcomeSeller
	default:
		return escrow.OutcomeSplit
	}
}
