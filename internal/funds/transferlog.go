package funds

import (
	"context"
	"database/sql"
	"sync"
)

// TransferLog durably maps idempotency keys to submitted transaction hashes.
// The chain has no native dedup for logical operations, so the log is what
// stops a restarted process from re-submitting a transfer it already signed.
type TransferLog interface {
	// Lookup returns the transaction hash recorded under key, or "" when
	// the key is unknown.
	Lookup(ctx context.Context, key string) (string, error)

	// Record stores key → txHash, first writer wins. Returns false when
	// another writer already holds the key; the caller must then use the
	// recorded hash instead of submitting its own transaction.
	Record(ctx context.Context, key, txHash string) (bool, error)
}

// MemoryTransferLog is a process-local TransferLog for dev mode and tests.
type MemoryTransferLog struct {
	mu    sync.Mutex
	byKey map[string]string
}

// NewMemoryTransferLog creates an empty in-memory transfer log.
func NewMemoryTransferLog() *MemoryTransferLog {
	return &MemoryTransferLog{byKey: make(map[string]string)}
}

func (l *MemoryTransferLog) Lookup(ctx context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byKey[key], nil
}

func (l *MemoryTransferLog) Record(ctx context.Context, key, txHash string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byKey[key]; ok {
		return false, nil
	}
	l.byKey[key] = txHash
	return true, nil
}

// PostgresTransferLog keeps the key → hash mapping in the chain_transfers
// table, shared by every process signing from the same custody wallet.
type PostgresTransferLog struct {
	db *sql.DB
}

// NewPostgresTransferLog creates a PostgreSQL-backed transfer log.
func NewPostgresTransferLog(db *sql.DB) *PostgresTransferLog {
	return &PostgresTransferLog{db: db}
}

func (l *PostgresTransferLog) Lookup(ctx context.Context, key string) (string, error) {
	var hash string
	err := l.db.QueryRowContext(ctx,
		`SELECT tx_hash FROM chain_transfers WHERE idempotency_key = $1`, key).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

func (l *PostgresTransferLog) Record(ctx context.Context, key, txHash string) (bool, error) {
	result, err := l.db.ExecContext(ctx, `
		INSERT INTO chain_transfers (idempotency_key, tx_hash)
		VALUES ($1, $2)
		ON CONFLICT (idempotency_key) DO NOTHING`, key, txHash)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

var (
	_ TransferLog = (*MemoryTransferLog)(nil)
	_ TransferLog = (*PostgresTransferLog)(nil)
)
