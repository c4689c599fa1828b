package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/quaymarket/quay/internal/metrics"
	"github.com/quaymarket/quay/internal/retry"
)

// ErrSubscriptionNotFound is returned for unknown subscription IDs.
var ErrSubscriptionNotFound = errors.New("webhook subscription not found")

// WebhookSubscription is a registered delivery endpoint for one user.
type WebhookSubscription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"` // HMAC signing key, never serialized
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// WebhookStore persists webhook subscriptions.
type WebhookStore interface {
	Create(ctx context.Context, sub *WebhookSubscription) error
	Get(ctx context.Context, id string) (*WebhookSubscription, error)
	ListByUser(ctx context.Context, userID string) ([]*WebhookSubscription, error)
	Delete(ctx context.Context, id string) error
}

// WebhookSink delivers notifications as signed HTTP POSTs to each of the
// user's active subscriptions. Deliveries run asynchronously with bounded
// retries; a dead endpoint never blocks the caller.
type WebhookSink struct {
	store  WebhookStore
	client *http.Client
	logger *slog.Logger
}

// NewWebhookSink creates a webhook delivery sink.
func NewWebhookSink(store WebhookStore, logger *slog.Logger) *WebhookSink {
	return &WebhookSink{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// webhookPayload is the JSON body posted to subscriber endpoints.
type webhookPayload struct {
	UserID    string            `json:"userId"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func (w *WebhookSink) Notify(ctx context.Context, userID, message string, metadata map[string]string) {
	subs, err := w.store.ListByUser(ctx, userID)
	if err != nil {
		w.logger.Warn("webhook subscription lookup failed", "user_id", userID, "error", err)
		return
	}

	payload, err := json.Marshal(webhookPayload{
		UserID:    userID,
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		// Detach from the request context so deliveries survive the
		// originating HTTP request.
		go w.deliver(context.Background(), sub, payload)
	}
}

func (w *WebhookSink) deliver(ctx context.Context, sub *WebhookSubscription, payload []byte) {
	err := retry.Do(ctx, 3, time.Second, func() error {
		return w.post(ctx, sub, payload)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
		metrics.NotificationsTotal.WithLabelValues("webhook", "failure").Inc()
		w.logger.Warn("webhook delivery failed",
			"subscription_id", sub.ID, "url", sub.URL, "error", err)
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	metrics.NotificationsTotal.WithLabelValues("webhook", "success").Inc()
}

func (w *WebhookSink) post(ctx context.Context, sub *WebhookSubscription, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Quay-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Quay-Signature", Sign(payload, sub.Secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Permanent(fmt.Errorf("endpoint rejected delivery: status %d", resp.StatusCode))
	}
	return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
}

// Sign computes the hex HMAC-SHA256 of payload under secret. Subscribers
// recompute this to authenticate deliveries.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

// WebhookMemoryStore is an in-memory subscription store for development and
// tests.
type WebhookMemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*WebhookSubscription
}

// NewWebhookMemoryStore creates an empty in-memory subscription store.
func NewWebhookMemoryStore() *WebhookMemoryStore {
	return &WebhookMemoryStore{subs: make(map[string]*WebhookSubscription)}
}

func (m *WebhookMemoryStore) Create(ctx context.Context, sub *WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *WebhookMemoryStore) Get(ctx context.Context, id string) (*WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *WebhookMemoryStore) ListByUser(ctx context.Context, userID string) ([]*WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*WebhookSubscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *WebhookMemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}

// Compile-time assertions.
var (
	_ Sink         = (*WebhookSink)(nil)
	_ WebhookStore = (*WebhookMemoryStore)(nil)
)
