package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/quaymarket/quay/internal/funds"
	"github.com/quaymarket/quay/internal/idgen"
	"github.com/quaymarket/quay/internal/metrics"
	"github.com/quaymarket/quay/internal/money"
)

const (
	// DefaultAutoReleaseAfter is how long after funding an escrow becomes
	// eligible for automatic release to the seller.
	DefaultAutoReleaseAfter = 7 * 24 * time.Hour
	// DefaultFundingTimeout is how long an unfunded escrow survives before
	// the sweep cancels it.
	DefaultFundingTimeout = 24 * time.Hour
	// DefaultAutoResolveDays is the dispute age after which a non-manual
	// resolution mode fires.
	DefaultAutoResolveDays = 7
	// DefaultReputationFloor is the minimum score both parties need before
	// reputation-weighted resolution may be selected.
	DefaultReputationFloor = 3.0
	// DefaultRequiredSignatures is the multi-sig threshold (2-of-3).
	DefaultRequiredSignatures = 2

	// reputationTieDelta is the score gap below which a reputation-weighted
	// resolution falls back to an even split.
	reputationTieDelta = 1.0

	systemActor = "system"
)

// Engine drives the escrow lifecycle. All transitions are serialized through
// the store's compare-and-set, so concurrent engines over the same store are
// safe; there is no in-process locking.
type Engine struct {
	store    Store
	provider funds.Provider
	oracle   ReputationOracle
	sink     NotificationSink
	logger   *slog.Logger
	now      func() time.Time

	autoReleaseAfter time.Duration
	fundingTimeout   time.Duration
	transferTimeout  time.Duration
	autoResolveDays  int
	reputationFloor  float64
	requiredSigs     int
}

// Option configures an Engine.
type Option func(*Engine)

// WithOracle sets the reputation oracle used by auto_reputation resolution.
func WithOracle(o ReputationOracle) Option {
	return func(e *Engine) { e.oracle = o }
}

// WithSink sets the notification sink.
func WithSink(s NotificationSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAutoReleaseAfter sets the funding-to-auto-release window.
func WithAutoReleaseAfter(d time.Duration) Option {
	return func(e *Engine) { e.autoReleaseAfter = d }
}

// WithFundingTimeout sets how long unfunded escrows survive.
func WithFundingTimeout(d time.Duration) Option {
	return func(e *Engine) { e.fundingTimeout = d }
}

// WithTransferTimeout bounds individual provider calls.
func WithTransferTimeout(d time.Duration) Option {
	return func(e *Engine) { e.transferTimeout = d }
}

// WithAutoResolveDays sets the default dispute auto-resolution window.
func WithAutoResolveDays(days int) Option {
	return func(e *Engine) { e.autoResolveDays = days }
}

// WithReputationFloor sets the minimum score for reputation-weighted mode.
func WithReputationFloor(floor float64) Option {
	return func(e *Engine) { e.reputationFloor = floor }
}

// WithRequiredSignatures sets the multi-sig threshold.
func WithRequiredSignatures(n int) Option {
	return func(e *Engine) { e.requiredSigs = n }
}

// NewEngine creates an escrow engine backed by the given store and funds
// provider.
func NewEngine(store Store, provider funds.Provider, opts ...Option) *Engine {
	e := &Engine{
		store:            store,
		provider:         provider,
		logger:           slog.Default(),
		now:              time.Now,
		autoReleaseAfter: DefaultAutoReleaseAfter,
		fundingTimeout:   DefaultFundingTimeout,
		transferTimeout:  30 * time.Second,
		autoResolveDays:  DefaultAutoResolveDays,
		reputationFloor:  DefaultReputationFloor,
		requiredSigs:     DefaultRequiredSignatures,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateRequest describes a new escrow.
type CreateRequest struct {
	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`
	ListingID string `json:"listingId"`

	Amount   int64  `json:"amount"` // minor units
	Currency string `json:"currency"`

	// Party payout handles at the funds provider.
	BuyerAccount  string `json:"buyerAccount"`
	SellerAccount string `json:"sellerAccount"`

	MultiSig   bool       `json:"multiSig"`
	TimeLocked bool       `json:"timeLocked"`
	UnlockTime *time.Time `json:"unlockTime,omitempty"`

	ResolutionMode       ResolutionMode `json:"disputeResolutionMode,omitempty"`
	AutoResolveAfterDays int            `json:"autoResolveAfterDays,omitempty"`
}

// Create validates the request, provisions a custody account, and persists
// the escrow in its initial state. No funds move at creation.
func (en *Engine) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !money.Supported(req.Currency) {
		return nil, ErrUnknownCurrency
	}
	if req.BuyerID == "" || req.SellerID == "" {
		return nil, fmt.Errorf("%w: buyer and seller are required", ErrUnauthorized)
	}
	if req.BuyerID == req.SellerID {
		return nil, ErrSamePartyEscrow
	}

	mode := req.ResolutionMode
	if mode == "" {
		mode = ModeManual
	}
	if !mode.Valid() {
		return nil, ErrInvalidMode
	}
	if mode == ModeReputation {
		if err := en.checkReputationFloor(ctx, req.BuyerID, req.SellerID); err != nil {
			return nil, err
		}
	}

	days := req.AutoResolveAfterDays
	if days <= 0 {
		days = en.autoResolveDays
	}

	now := en.now().UTC()
	id := idgen.WithPrefix("esc")

	custody, err := en.provider.CreateCustodyAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("create custody account: %w", err)
	}

	e := &Escrow{
		ID:                   id,
		BuyerID:              req.BuyerID,
		SellerID:             req.SellerID,
		ListingID:            req.ListingID,
		Amount:               req.Amount,
		Currency:             req.Currency,
		Status:               StatusCreated,
		EscrowAddress:        custody,
		BuyerAccount:         req.BuyerAccount,
		SellerAccount:        req.SellerAccount,
		ReleaseTime:          now.Add(en.autoReleaseAfter),
		FundingDeadline:      now.Add(en.fundingTimeout),
		IsTimeLocked:         req.TimeLocked,
		ResolutionMode:       mode,
		AutoResolveAfterDays: days,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if req.MultiSig {
		e.IsMultiSig = true
		e.Status = StatusAwaitingSignatures
		e.MultiSig = &MultiSig{Required: en.requiredSigs}
	} else if req.TimeLocked {
		e.Status = StatusTimeLocked
	}
	if req.TimeLocked {
		if req.UnlockTime != nil {
			t := req.UnlockTime.UTC()
			e.UnlockTime = &t
		} else {
			t := e.ReleaseTime
			e.UnlockTime = &t
		}
	}

	if err := en.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("persist escrow: %w", err)
	}

	en.logger.Info("escrow created",
		"escrow_id", e.ID,
		"buyer_id", e.BuyerID,
		"seller_id", e.SellerID,
		"amount", e.Amount,
		"currency", e.Currency,
		"status", e.Status,
	)
	en.notify(ctx, e, "Escrow created for listing "+e.ListingID, e.BuyerID, e.SellerID)
	return e, nil
}

// Get returns an escrow by ID.
func (en *Engine) Get(ctx context.Context, id string) (*Escrow, error) {
	return en.store.Get(ctx, id)
}

// ListByUser returns a user's escrows newest first, narrowed and paged by
// the query.
func (en *Engine) ListByUser(ctx context.Context, q ListQuery) ([]*Escrow, error) {
	if q.Status != "" && !q.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidStatus, q.Status)
	}
	return en.store.ListByUser(ctx, q)
}

// Fund moves the escrow amount from the buyer into custody. Only the buyer
// may fund, and only from an unfunded non-multi-sig state; multi-sig escrows
// fund implicitly when the signature threshold is crossed.
func (en *Engine) Fund(ctx context.Context, id, callerID string) (*Escrow, error) {
	e, err := en.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != e.BuyerID {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusCreated && e.Status != StatusTimeLocked {
		if e.Status == StatusFunded {
			return e, nil // already funded, idempotent
		}
		return nil, fmt.Errorf("%w: cannot fund from %s", ErrInvalidStatus, e.Status)
	}

	txSig, err := en.transfer(ctx, e, e.BuyerAccount, e.EscrowAddress, e.Amount, "fund")
	if err != nil {
		metrics.EscrowTransitionsTotal.WithLabelValues("fund", "failure").Inc()
		return nil, err
	}
	return en.commit(ctx, e, e.Status, StatusFunded, txSig, "fund",
		"Escrow funded, amount held in custody")
}

// Sign records a multi-sig approval. Re-signing by the same role is a no-op.
// When the threshold is crossed the funding transfer fires; if that transfer
// fails the signatures stay recorded and the retry sweep re-attempts funding.
func (en *Engine) Sign(ctx context.Context, id, callerID string, asAdmin bool) (*Escrow, error) {
	e, err := en.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.IsMultiSig || e.MultiSig == nil {
		return nil, fmt.Errorf("%w: not a multi-sig escrow", ErrInvalidStatus)
	}
	if e.Status != StatusAwaitingSignatures {
		if e.Status == StatusFunded {
			return e, nil // threshold already crossed and funded
		}
		return nil, fmt.Errorf("%w: cannot sign from %s", ErrInvalidStatus, e.Status)
	}

	var role SignerRole
	switch {
	case asAdmin:
		role = RoleAdmin
	case callerID == e.BuyerID:
		role = RoleBuyer
	case callerID == e.SellerID:
		role = RoleSeller
	default:
		return nil, ErrUnauthorized
	}

	// The flag flips as a conditional update in the store, so concurrent
	// signers for different roles each land their own signature.
	changed, err := en.store.RecordSignature(ctx, e.ID, role)
	if err != nil {
		return nil, fmt.Errorf("record signature: %w", err)
	}

	// Re-read before evaluating the threshold: a concurrent signer may
	// have advanced the count, or funded the escrow already.
	e, err = en.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if changed && e.MultiSig != nil {
		en.logger.Info("escrow signature recorded",
			"escrow_id", e.ID, "role", role, "completed", e.MultiSig.Completed, "required", e.MultiSig.Required)
	}
	if e.Status != StatusAwaitingSignatures {
		if e.Status == StatusFunded {
			return e, nil
		}
		return nil, fmt.Errorf("%w: cannot sign from %s", ErrInvalidStatus, e.Status)
	}
	if e.MultiSig == nil || !e.MultiSig.ThresholdMet() {
		return e, nil
	}
	return en.fundFromSignatures(ctx, e)
}

// fundFromSignatures performs the funding transfer for a multi-sig escrow
// whose threshold is met and promotes it to funded.
func (en *Engine) fundFromSignatures(ctx context.Context, e *Escrow) (*Escrow, error) {
	txSig, err := en.transfer(ctx, e, e.BuyerAccount, e.EscrowAddress, e.Amount, "fund")
	if err != nil {
		metrics.EscrowTransitionsTotal.WithLabelValues("fund", "failure").Inc()
		en.logger.Warn("multi-sig funding transfer failed, signatures retained",
			"escrow_id", e.ID, "error", err)
		return nil, fmt.Errorf("funding transfer: %w", err)
	}
	return en.commit(ctx, e, StatusAwaitingSignatures, StatusFunded, txSig, "fund",
		"Escrow funded, amount held in custody")
}

// Release pays custody out to the seller. Seller or admin only.
func (en *Engine) Release(ctx context.Context, id, callerID string, asAdmin bool) (*Escrow, error) {
	e, err := en.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !asAdmin && callerID != e.SellerID {
		return nil, ErrUnauthorized
	}
	return en.release(ctx, e)
}

func (en *Engine) release(ctx context.Context, e *Escrow) (*Escrow, error) {
	if e.Status != StatusFunded {
		if e.Status == StatusReleased {
			return e, nil
		}
		if e.Status.IsTerminal() {
			return nil, ErrAlreadyResolved
		}
		return nil, fmt.Errorf("%w: cannot release from %s", ErrInvalidStatus, e.Status)
	}
	txSig, err := en.transfer(ctx, e, e.EscrowAddress, e.SellerAccount, e.Amount, "release")
	if err != nil {
		metrics.EscrowTransitionsTotal.WithLabelValues("release", "failure").Inc()
		return nil, err
	}
	out, err := en.commit(ctx, e, StatusFunded, StatusReleased, txSig, "release",
		"Escrow released to seller")
	if err == nil {
		metrics.EscrowDuration.Observe(en.now().Sub(e.CreatedAt).Seconds())
	}
	return out, err
}

// Refund returns custody to the buyer. Seller or admin only.
func (en *Engine) Refund(ctx context.Context, id, callerID string, asAdmin bool) (*Escrow, error) {
	e, err := en.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !asAdmin && callerID != e.SellerID {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusFunded {
		if e.Status == StatusRefunded {
			return e, nil
		}
		if e.Status.IsTerminal() {
			return nil, ErrAlreadyResolved
		}
		return nil, fmt.Errorf("%w: cannot refund from %s", ErrInvalidStatus, e.Status)
	}

	txSig, err := en.transfer(ctx, e, e.EscrowAddress, e.BuyerAccount, e.Amount, "refund")
	if err != nil {
		metrics.EscrowTransitionsTotal.WithLabelValues("refund", "failure").Inc()
		return nil, err
	}
	return en.commit(ctx, e, StatusFunded, StatusRefunded, txSig, "refund",
		"Escrow refunded to buyer")
}

// SetResolutionMode updates the dispute-resolution policy. Parties or an
// admin may change it any time before the escrow reaches a terminal state.
// Selecting auto_reputation requires both parties to meet the score floor.
func (en *Engine) SetResolutionMode(ctx context.Context, id, callerID string, asAdmin bool, mode ResolutionMode, days int) (*Escrow, error) {
	if !mode.Valid() {
		return nil, ErrInvalidMode
	}
	e, err := en.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !asAdmin && !e.IsParty(callerID) {
		return nil, ErrUnauthorized
	}
	if e.Status.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if mode == ModeReputation {
		if err := en.checkReputationFloor(ctx, e.BuyerID, e.SellerID); err != nil {
			return nil, err
		}
	}

	e.ResolutionMode = mode
	if days > 0 {
		e.AutoResolveAfterDays = days
	}
	e.UpdatedAt = en.now().UTC()
	if err := en.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("persist resolution mode: %w", err)
	}
	en.logger.Info("escrow resolution mode set",
		"escrow_id", e.ID, "mode", mode, "auto_resolve_days", e.AutoResolveAfterDays)
	return e, nil
}

// BeginDispute freezes a funded escrow. Called by the dispute workflow after
// it has validated the dispute itself; the CAS here is what actually locks
// the funds.
func (en *Engine) BeginDispute(ctx context.Context, id, raisedBy string) (*Escrow, error) {
	e, err := en.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(raisedBy) {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusFunded {
		if e.Status.IsTerminal() {
			return nil, ErrAlreadyResolved
		}
		return nil, fmt.Errorf("%w: only funded escrows can be disputed", ErrInvalidStatus)
	}

	ok, err := en.store.CompareAndSetStatus(ctx, e.ID, StatusFunded, StatusDisputed, "")
	if err != nil {
		return nil, fmt.Errorf("dispute transition: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: escrow state changed concurrently", ErrInvalidStatus)
	}

	now := en.now().UTC()
	e.Status = StatusDisputed
	e.DisputedAt = &now
	e.UpdatedAt = now
	if err := en.store.Update(ctx, e); err != nil {
		en.logger.Error("failed to record dispute timestamp", "escrow_id", e.ID, "error", err)
	}
	metrics.EscrowTransitionsTotal.WithLabelValues("dispute", "success").Inc()
	en.notify(ctx, e, "Escrow disputed, funds frozen pending resolution", e.BuyerID, e.SellerID)
	return e, nil
}

// ReopenDisputed rolls a disputed escrow back to funded. Used when creating
// the dispute record failed after the status transition, so the escrow does
// not stay frozen against a dispute that does not exist.
func (en *Engine) ReopenDisputed(ctx context.Context, id string) error {
	ok, err := en.store.CompareAndSetStatus(ctx, id, StatusDisputed, StatusFunded, "")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: escrow no longer disputed", ErrInvalidStatus)
	}
	e, err := en.store.Get(ctx, id)
	if err != nil {
		return err
	}
	e.DisputedAt = nil
	e.UpdatedAt = en.now().UTC()
	return en.store.Update(ctx, e)
}

// Resolve settles a disputed escrow with the given outcome and moves funds
// accordingly. resolverID is recorded in logs and notifications only;
// authorization is the caller's responsibility.
func (en *Engine) Resolve(ctx context.Context, id string, outcome Outcome, resolverID string) (*Escrow, error) {
	if !outcome.Valid() {
		return nil, ErrInvalidOutcome
	}
	e, err := en.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusDisputed {
		if e.Status.IsTerminal() {
			return nil, ErrAlreadyResolved
		}
		return nil, fmt.Errorf("%w: cannot resolve from %s", ErrInvalidStatus, e.Status)
	}

	mode := string(e.ResolutionMode)
	switch outcome {
	case OutcomeBuyer:
		txSig, terr := en.transfer(ctx, e, e.EscrowAddress, e.BuyerAccount, e.Amount, "resolve_refund")
		if terr != nil {
			metrics.DisputesResolvedTotal.WithLabelValues(mode, "failure").Inc()
			return nil, terr
		}
		out, cerr := en.commit(ctx, e, StatusDisputed, StatusRefunded, txSig, "resolve",
			"Dispute resolved in favor of buyer, escrow refunded")
		if cerr != nil {
			return nil, cerr
		}
		en.markResolved(ctx, out)
		metrics.DisputesResolvedTotal.WithLabelValues(mode, string(outcome)).Inc()
		en.logger.Info("dispute resolved", "escrow_id", e.ID, "outcome", outcome, "resolver", resolverID)
		return out, nil

	case OutcomeSeller:
		txSig, terr := en.transfer(ctx, e, e.EscrowAddress, e.SellerAccount, e.Amount, "resolve_release")
		if terr != nil {
			metrics.DisputesResolvedTotal.WithLabelValues(mode, "failure").Inc()
			return nil, terr
		}
		out, cerr := en.commit(ctx, e, StatusDisputed, StatusReleased, txSig, "resolve",
			"Dispute resolved in favor of seller, escrow released")
		if cerr != nil {
			return nil, cerr
		}
		en.markResolved(ctx, out)
		metrics.DisputesResolvedTotal.WithLabelValues(mode, string(outcome)).Inc()
		en.logger.Info("dispute resolved", "escrow_id", e.ID, "outcome", outcome, "resolver", resolverID)
		return out, nil

	case OutcomeSplit:
		return en.resolveSplit(ctx, e, resolverID)
	}
	return nil, ErrInvalidOutcome
}

// resolveSplit pays each party its share as two independent transfers, each
// with its own idempotency key and completion flag. A crash or failure
// between legs leaves a partially-completed split that the reconciliation
// sweep finishes; a retry never double-pays a completed leg.
func (en *Engine) resolveSplit(ctx context.Context, e *Escrow, resolverID string) (*Escrow, error) {
	buyerShare, sellerShare := money.Split(e.Amount)
	mode := string(e.ResolutionMode)

	if !e.SplitBuyerPaid && buyerShare > 0 {
		if _, err := en.transfer(ctx, e, e.EscrowAddress, e.BuyerAccount, buyerShare, "split_buyer"); err != nil {
			metrics.DisputesResolvedTotal.WithLabelValues(mode, "failure").Inc()
			return nil, fmt.Errorf("%w: buyer leg: %v", ErrSplitIncomplete, err)
		}
		e.SplitBuyerPaid = true
		e.UpdatedAt = en.now().UTC()
		if err := en.store.Update(ctx, e); err != nil {
			en.logger.Error("failed to record split buyer leg", "escrow_id", e.ID, "error", err)
		}
	} else if buyerShare == 0 {
		e.SplitBuyerPaid = true
	}

	if !e.SplitSellerPaid {
		if _, err := en.transfer(ctx, e, e.EscrowAddress, e.SellerAccount, sellerShare, "split_seller"); err != nil {
			metrics.DisputesResolvedTotal.WithLabelValues(mode, "failure").Inc()
			return nil, fmt.Errorf("%w: seller leg: %v", ErrSplitIncomplete, err)
		}
		e.SplitSellerPaid = true
		e.UpdatedAt = en.now().UTC()
		if err := en.store.Update(ctx, e); err != nil {
			en.logger.Error("failed to record split seller leg", "escrow_id", e.ID, "error", err)
		}
	}

	out, err := en.commit(ctx, e, StatusDisputed, StatusAutoResolved, "", "resolve",
		fmt.Sprintf("Dispute resolved with an even split (%d / %d minor units)", buyerShare, sellerShare))
	if err != nil {
		return nil, err
	}
	en.markResolved(ctx, out)
	metrics.DisputesResolvedTotal.WithLabelValues(mode, string(OutcomeSplit)).Inc()
	en.logger.Info("dispute resolved", "escrow_id", e.ID, "outcome", OutcomeSplit,
		"buyer_share", buyerShare, "seller_share", sellerShare, "resolver", resolverID)
	return out, nil
}

// ProcessAutoRelease releases funded escrows whose release time has passed.
// Returns the number of escrows released.
func (en *Engine) ProcessAutoRelease(ctx context.Context, limit int) (int, error) {
	eligible, err := en.store.ListEligibleForAutoRelease(ctx, en.now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("list auto-release candidates: %w", err)
	}
	released := 0
	for _, e := range eligible {
		if _, err := en.release(ctx, e); err != nil {
			en.logger.Warn("auto-release failed", "escrow_id", e.ID, "error", err)
			continue
		}
		released++
	}
	return released, nil
}

// ProcessAutoResolutions settles overdue disputes according to each escrow's
// resolution mode. Returns the number of escrows resolved.
func (en *Engine) ProcessAutoResolutions(ctx context.Context, limit int) (int, error) {
	eligible, err := en.store.ListEligibleForAutoResolve(ctx, en.now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("list auto-resolve candidates: %w", err)
	}
	resolved := 0
	for _, e := range eligible {
		outcome, err := en.outcomeForMode(ctx, e)
		if err != nil {
			en.logger.Warn("auto-resolution outcome undecidable", "escrow_id", e.ID,
				"mode", e.ResolutionMode, "error", err)
			continue
		}
		if _, err := en.Resolve(ctx, e.ID, outcome, systemActor); err != nil {
			en.logger.Warn("auto-resolution failed", "escrow_id", e.ID,
				"outcome", outcome, "error", err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

// RetryPendingFunding re-attempts the funding transfer for multi-sig escrows
// whose signature threshold is met but whose transfer previously failed.
func (en *Engine) RetryPendingFunding(ctx context.Context, limit int) (int, error) {
	waiting, err := en.store.ListByStatus(ctx, StatusAwaitingSignatures, limit)
	if err != nil {
		return 0, fmt.Errorf("list awaiting signatures: %w", err)
	}
	funded := 0
	for _, e := range waiting {
		if e.MultiSig == nil || !e.MultiSig.ThresholdMet() {
			continue
		}
		if _, err := en.fundFromSignatures(ctx, e); err != nil {
			en.logger.Warn("funding retry failed", "escrow_id", e.ID, "error", err)
			continue
		}
		funded++
	}
	return funded, nil
}

// CancelExpiredFunding cancels escrows never funded by their deadline.
// Returns the number cancelled.
func (en *Engine) CancelExpiredFunding(ctx context.Context, limit int) (int, error) {
	expired, err := en.store.ListExpiredUnfunded(ctx, en.now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired unfunded: %w", err)
	}
	cancelled := 0
	for _, e := range expired {
		ok, err := en.store.CompareAndSetStatus(ctx, e.ID, e.Status, StatusCancelled, "")
		if err != nil {
			en.logger.Warn("cancel expired escrow", "escrow_id", e.ID, "error", err)
			continue
		}
		if !ok {
			continue // funded or signed in the meantime
		}
		cancelled++
		metrics.EscrowTransitionsTotal.WithLabelValues("cancel", "success").Inc()
		e.Status = StatusCancelled
		en.notify(ctx, e, "Escrow cancelled: funding deadline passed", e.BuyerID, e.SellerID)
	}
	return cancelled, nil
}

// FinishStuckSplits completes split resolutions that stopped after one leg.
func (en *Engine) FinishStuckSplits(ctx context.Context, limit int) (int, error) {
	stuck, err := en.store.ListStuckSplits(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list stuck splits: %w", err)
	}
	metrics.StuckSplitsGauge.Set(float64(len(stuck)))
	finished := 0
	for _, e := range stuck {
		if _, err := en.resolveSplit(ctx, e, systemActor); err != nil {
			en.logger.Warn("stuck split retry failed", "escrow_id", e.ID, "error", err)
			continue
		}
		finished++
	}
	return finished, nil
}

// outcomeForMode maps an escrow's resolution mode to a concrete outcome.
func (en *Engine) outcomeForMode(ctx context.Context, e *Escrow) (Outcome, error) {
	switch e.ResolutionMode {
	case ModeAutoBuyer:
		return OutcomeBuyer, nil
	case ModeAutoSeller:
		return OutcomeSeller, nil
	case ModeAutoSplit:
		return OutcomeSplit, nil
	case ModeReputation:
		return en.reputationOutcome(ctx, e)
	}
	return "", fmt.Errorf("%w: %s has no automatic outcome", ErrInvalidMode, e.ResolutionMode)
}

// reputationOutcome favors the party with the clearly higher score; scores
// within the tie delta fall back to an even split.
func (en *Engine) reputationOutcome(ctx context.Context, e *Escrow) (Outcome, error) {
	if en.oracle == nil {
		return "", fmt.Errorf("%w: no reputation oracle configured", ErrInvalidMode)
	}
	buyerScore, err := en.oracle.Score(ctx, e.BuyerID)
	if err != nil {
		return "", fmt.Errorf("buyer reputation: %w", err)
	}
	sellerScore, err := en.oracle.Score(ctx, e.SellerID)
	if err != nil {
		return "", fmt.Errorf("seller reputation: %w", err)
	}
	if math.Abs(buyerScore-sellerScore) < reputationTieDelta {
		return OutcomeSplit, nil
	}
	if buyerScore > sellerScore {
		return OutcomeBuyer, nil
	}
	return OutcomeSeller, nil
}

func (en *Engine) checkReputationFloor(ctx context.Context, buyerID, sellerID string) error {
	if en.oracle == nil {
		return fmt.Errorf("%w: no reputation oracle configured", ErrInvalidMode)
	}
	for _, userID := range []string{buyerID, sellerID} {
		score, err := en.oracle.Score(ctx, userID)
		if err != nil {
			return fmt.Errorf("reputation lookup for %s: %w", userID, err)
		}
		if score < en.reputationFloor {
			return fmt.Errorf("%w: %s scores %.1f, floor is %.1f", ErrReputationFloor, userID, score, en.reputationFloor)
		}
	}
	return nil
}

// transfer moves funds through the provider under the transfer timeout,
// keyed so retries of the same logical transition never double-move.
func (en *Engine) transfer(ctx context.Context, e *Escrow, source, destination string, amount int64, transition string) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, en.transferTimeout)
	defer cancel()

	start := en.now()
	t, err := en.provider.Transfer(tctx, source, destination, amount, e.Currency,
		funds.IdempotencyKey(e.ID, transition))
	metrics.TransferDuration.WithLabelValues(en.provider.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TransfersTotal.WithLabelValues(en.provider.Name(), "failure").Inc()
		return "", fmt.Errorf("%s transfer: %w", transition, err)
	}
	metrics.TransfersTotal.WithLabelValues(en.provider.Name(), "success").Inc()
	return t.Handle, nil
}

// commit performs the status CAS after a successful transfer. A lost CAS
// where the escrow already reached next means a concurrent caller completed
// the same transition (the transfer was deduplicated upstream), so it is
// reported as success.
func (en *Engine) commit(ctx context.Context, e *Escrow, expected, next Status, txSig, transition, message string) (*Escrow, error) {
	ok, err := en.store.CompareAndSetStatus(ctx, e.ID, expected, next, txSig)
	if err != nil {
		metrics.EscrowTransitionsTotal.WithLabelValues(transition, "error").Inc()
		return nil, fmt.Errorf("%s transition: %w", transition, err)
	}
	if !ok {
		current, gerr := en.store.Get(ctx, e.ID)
		if gerr == nil && current.Status == next {
			return current, nil
		}
		metrics.EscrowTransitionsTotal.WithLabelValues(transition, "conflict").Inc()
		return nil, fmt.Errorf("%w: escrow state changed concurrently", ErrInvalidStatus)
	}

	e.Status = next
	if txSig != "" {
		e.TransactionSignature = txSig
	}
	e.UpdatedAt = en.now().UTC()
	metrics.EscrowTransitionsTotal.WithLabelValues(transition, "success").Inc()
	en.logger.Info("escrow transition",
		"escrow_id", e.ID, "transition", transition, "status", next, "tx_sig", txSig)
	en.notify(ctx, e, message, e.BuyerID, e.SellerID)
	return e, nil
}

// markResolved stamps the resolution time. Best-effort.
func (en *Engine) markResolved(ctx context.Context, e *Escrow) {
	now := en.now().UTC()
	e.ResolvedAt = &now
	e.UpdatedAt = now
	if err := en.store.Update(ctx, e); err != nil {
		en.logger.Error("failed to record resolution timestamp", "escrow_id", e.ID, "error", err)
	}
}

func (en *Engine) notify(ctx context.Context, e *Escrow, message string, userIDs ...string) {
	if en.sink == nil {
		return
	}
	meta := map[string]string{
		"escrow_id": e.ID,
		"status":    string(e.Status),
	}
	for _, userID := range userIDs {
		en.sink.Notify(ctx, userID, message, meta)
	}
}
