package reputation

import (
	"context"
	"database/sql"
	"sync"
)

// MemoryStore keeps ratings in memory for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	ratings map[string][]float64
}

// NewMemoryStore creates an empty in-memory rating store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ratings: make(map[string][]float64)}
}

func (m *MemoryStore) Add(ctx context.Context, userID string, rating float64, escrowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratings[userID] = append(m.ratings[userID], rating)
	return nil
}

func (m *MemoryStore) Average(ctx context.Context, userID string) (float64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rs := m.ratings[userID]
	if len(rs) == 0 {
		return 0, 0, nil
	}
	sum := 0.0
	for _, r := range rs {
		sum += r
	}
	return sum / float64(len(rs)), len(rs), nil
}

// PostgresStore persists ratings in the reputation_events table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed rating store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Add(ctx context.Context, userID string, rating float64, escrowID string) error {
	var eid sql.NullString
	if escrowID != "" {
		eid = sql.NullString{String: escrowID, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reputation_events (user_id, rating, escrow_id)
		VALUES ($1, $2, $3)`, userID, rating, eid)
	return err
}

func (p *PostgresStore) Average(ctx context.Context, userID string) (float64, int, error) {
	var (
		avg   sql.NullFloat64
		count int
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT AVG(rating), COUNT(*)
		FROM reputation_events
		WHERE user_id = $1`, userID).Scan(&avg, &count)
	if err != nil {
		return 0, 0, err
	}
	return avg.Float64, count, nil
}

// Compile-time assertions.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
