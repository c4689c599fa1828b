package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	var (
		buyerSigned, sellerSigned, adminSigned bool
		required, completed                    int
	)
	if e.MultiSig != nil {
		buyerSigned = e.MultiSig.BuyerSigned
		sellerSigned = e.MultiSig.SellerSigned
		adminSigned = e.MultiSig.AdminSigned
		required = e.MultiSig.Required
		completed = e.MultiSig.Completed
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, buyer_id, seller_id, listing_id, amount, currency, status,
			escrow_address, buyer_account, seller_account,
			release_time, funding_deadline,
			is_multi_sig, buyer_signed, seller_signed, admin_signed,
			required_signatures, completed_signatures,
			is_time_locked, unlock_time,
			resolution_mode, auto_resolve_after_days,
			split_buyer_paid, split_seller_paid,
			transaction_signature, disputed_at, resolved_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10,
			$11, $12,
			$13, $14, $15, $16,
			$17, $18,
			$19, $20,
			$21, $22,
			$23, $24,
			$25, $26, $27,
			$28, $29
		)`,
		e.ID, e.BuyerID, e.SellerID, nullString(e.ListingID), e.Amount, e.Currency, string(e.Status),
		e.EscrowAddress, nullString(e.BuyerAccount), nullString(e.SellerAccount),
		e.ReleaseTime, e.FundingDeadline,
		e.IsMultiSig, buyerSigned, sellerSigned, adminSigned,
		required, completed,
		e.IsTimeLocked, nullTime(e.UnlockTime),
		string(e.ResolutionMode), e.AutoResolveAfterDays,
		e.SplitBuyerPaid, e.SplitSellerPaid,
		nullString(e.TransactionSignature), nullTime(e.DisputedAt), nullTime(e.ResolvedAt),
		e.CreatedAt, e.UpdatedAt,
	)
	return err
}

const escrowColumns = `id, buyer_id, seller_id, listing_id, amount, currency, status,
		       escrow_address, buyer_account, seller_account,
		       release_time, funding_deadline,
		       is_multi_sig, buyer_signed, seller_signed, admin_signed,
		       required_signatures, completed_signatures,
		       is_time_locked, unlock_time,
		       resolution_mode, auto_resolve_after_days,
		       split_buyer_paid, split_seller_paid,
		       transaction_signature, disputed_at, resolved_at,
		       created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Update persists mutable fields. Status and signature columns are
// deliberately excluded: transitions go through CompareAndSetStatus and
// signatures through RecordSignature, so a stale in-memory copy can never
// clobber either.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			unlock_time = $1,
			resolution_mode = $2, auto_resolve_after_days = $3,
			split_buyer_paid = $4, split_seller_paid = $5,
			transaction_signature = $6, disputed_at = $7, resolved_at = $8,
			updated_at = $9
		WHERE id = $10`,
		nullTime(e.UnlockTime),
		string(e.ResolutionMode), e.AutoResolveAfterDays,
		e.SplitBuyerPaid, e.SplitSellerPaid,
		nullString(e.TransactionSignature), nullTime(e.DisputedAt), nullTime(e.ResolvedAt),
		e.UpdatedAt,
		e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

// RecordSignature flips one signature flag with all guards in the WHERE
// clause, so two concurrent signers each land their own column and neither
// can overwrite the other's.
func (p *PostgresStore) RecordSignature(ctx context.Context, id string, role SignerRole) (bool, error) {
	var column string
	switch role {
	case RoleBuyer:
		column = "buyer_signed"
	case RoleSeller:
		column = "seller_signed"
	case RoleAdmin:
		column = "admin_signed"
	default:
		return false, fmt.Errorf("unknown signer role %q", role)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			`+column+` = TRUE,
			completed_signatures = completed_signatures + 1,
			updated_at = NOW()
		WHERE id = $1 AND status = $2 AND `+column+` = FALSE`,
		id, string(StatusAwaitingSignatures),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// CompareAndSetStatus is the single atomic transition primitive: the status
// predicate lives in the WHERE clause, so two concurrent callers racing the
// same transition see exactly one RowsAffected == 1.
func (p *PostgresStore) CompareAndSetStatus(ctx context.Context, id string, expected, next Status, txSig string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $3,
			transaction_signature = CASE WHEN $4 <> '' THEN $4 ELSE transaction_signature END,
			updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, string(expected), string(next), txSig,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, q ListQuery) ([]*Escrow, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrows
		WHERE `
	args := []any{q.UserID}
	switch q.Role {
	case RoleBuyer:
		query += `buyer_id = $1`
	case RoleSeller:
		query += `seller_id = $1`
	default:
		query += `(buyer_id = $1 OR seller_id = $1)`
	}
	if q.Status != "" {
		args = append(args, string(q.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if q.Cursor != nil {
		args = append(args, q.Cursor.CreatedAt, q.Cursor.ID)
		query += fmt.Sprintf(` AND (created_at, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListEligibleForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'funded'
		  AND release_time <= $1
		  AND (unlock_time IS NULL OR unlock_time <= $1)
		ORDER BY release_time ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListEligibleForAutoResolve(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'disputed'
		  AND resolution_mode <> 'manual'
		  AND disputed_at IS NOT NULL
		  AND disputed_at + make_interval(days => auto_resolve_after_days) <= $1
		ORDER BY disputed_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpiredUnfunded(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status IN ('created', 'time_locked', 'awaiting_signatures')
		  AND funding_deadline <= $1
		ORDER BY funding_deadline ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListStuckSplits(ctx context.Context, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'disputed'
		  AND split_buyer_paid <> split_seller_paid
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		listingID     sql.NullString
		status        string
		buyerAccount  sql.NullString
		sellerAccount sql.NullString
		buyerSigned   bool
		sellerSigned  bool
		adminSigned   bool
		required      int
		completed     int
		unlockTime    sql.NullTime
		mode          string
		txSig         sql.NullString
		disputedAt    sql.NullTime
		resolvedAt    sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.BuyerID, &e.SellerID, &listingID, &e.Amount, &e.Currency, &status,
		&e.EscrowAddress, &buyerAccount, &sellerAccount,
		&e.ReleaseTime, &e.FundingDeadline,
		&e.IsMultiSig, &buyerSigned, &sellerSigned, &adminSigned,
		&required, &completed,
		&e.IsTimeLocked, &unlockTime,
		&mode, &e.AutoResolveAfterDays,
		&e.SplitBuyerPaid, &e.SplitSellerPaid,
		&txSig, &disputedAt, &resolvedAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.ListingID = listingID.String
	e.BuyerAccount = buyerAccount.String
	e.SellerAccount = sellerAccount.String
	e.ResolutionMode = ResolutionMode(mode)
	e.TransactionSignature = txSig.String
	if e.IsMultiSig {
		e.MultiSig = &MultiSig{
			BuyerSigned:  buyerSigned,
			SellerSigned: sellerSigned,
			AdminSigned:  adminSigned,
			Required:     required,
			Completed:    completed,
		}
	}
	if unlockTime.Valid {
		e.UnlockTime = &unlockTime.Time
	}
	if disputedAt.Valid {
		e.DisputedAt = &disputedAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
