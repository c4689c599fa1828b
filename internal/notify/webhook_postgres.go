package notify

import (
	"context"
	"database/sql"
)

// WebhookPostgresStore persists webhook subscriptions in PostgreSQL.
type WebhookPostgresStore struct {
	db *sql.DB
}

// NewWebhookPostgresStore creates a PostgreSQL-backed subscription store.
func NewWebhookPostgresStore(db *sql.DB) *WebhookPostgresStore {
	return &WebhookPostgresStore{db: db}
}

func (p *WebhookPostgresStore) Create(ctx context.Context, sub *WebhookSubscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, user_id, url, secret, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sub.ID, sub.UserID, sub.URL, sub.Secret, sub.Active, sub.CreatedAt,
	)
	return err
}

func (p *WebhookPostgresStore) Get(ctx context.Context, id string) (*WebhookSubscription, error) {
	sub := &WebhookSubscription{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, url, secret, active, created_at
		FROM webhook_subscriptions
		WHERE id = $1`, id).
		Scan(&sub.ID, &sub.UserID, &sub.URL, &sub.Secret, &sub.Active, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (p *WebhookPostgresStore) ListByUser(ctx context.Context, userID string) ([]*WebhookSubscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, url, secret, active, created_at
		FROM webhook_subscriptions
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*WebhookSubscription
	for rows.Next() {
		sub := &WebhookSubscription{}
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.URL, &sub.Secret, &sub.Active, &sub.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

func (p *WebhookPostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// Compile-time assertion that WebhookPostgresStore implements WebhookStore.
var _ WebhookStore = (*WebhookPostgresStore)(nil)
