package dispute

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/quaymarket/quay/internal/escrow"
)

// PostgresStore persists dispute records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a dispute. The partial unique index on active disputes
// turns a concurrent double-open into ErrDuplicateDispute.
func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, escrow_id, raised_by, reason, status,
			outcome, resolution, resolved_by, resolved_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.EscrowID, d.RaisedBy, d.Reason, string(d.Status),
		nullString(string(d.Outcome)), nullString(d.Resolution),
		nullString(d.ResolvedBy), nullTime(d.ResolvedAt),
		d.CreatedAt, d.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateDispute
	}
	return err
}

const disputeColumns = `id, escrow_id, raised_by, reason, status,
		       outcome, resolution, resolved_by, resolved_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetOpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE escrow_id = $1 AND status IN ('open', 'in_review')`, escrowID)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, outcome = $2, resolution = $3, resolved_by = $4,
			resolved_at = $5, updated_at = $6
		WHERE id = $7`,
		string(d.Status), nullString(string(d.Outcome)), nullString(d.Resolution),
		nullString(d.ResolvedBy), nullTime(d.ResolvedAt), d.UpdatedAt, d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) ListByRaiser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE raised_by = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE escrow_id = $1
		ORDER BY created_at DESC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status     string
		outcome    sql.NullString
		resolution sql.NullString
		resolvedBy sql.NullString
		resolvedAt sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.EscrowID, &d.RaisedBy, &d.Reason, &status,
		&outcome, &resolution, &resolvedBy, &resolvedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.Outcome = escrow.Outcome(outcome.String)
	d.Resolution = resolution.String
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
