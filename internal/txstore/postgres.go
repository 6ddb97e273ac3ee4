package txstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table. Timestamps are kept as
// Unix nanoseconds because TIMESTAMPTZ stops at microseconds.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS relay_transactions (
    tx_id TEXT PRIMARY KEY,
    status TEXT NOT NULL CHECK (status IN ('pending', 'submitted', 'succeeded', 'failed')),
    kind TEXT NOT NULL DEFAULT '',
    user_address TEXT NOT NULL DEFAULT '',
    ledger_handle TEXT NOT NULL DEFAULT '',
    block_height BIGINT NOT NULL DEFAULT 0,
    execution_cost_paid TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    attempts INT NOT NULL DEFAULT 0,
    created_at_ns BIGINT NOT NULL,
    updated_at_ns BIGINT NOT NULL
);
`

const selectColumns = `
SELECT tx_id, status, kind, user_address, ledger_handle, block_height, execution_cost_paid,
       reason, last_error, attempts, created_at_ns, updated_at_ns
FROM relay_transactions
WHERE tx_id = $1
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec         Record
		status      string
		blockHeight int64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(&rec.TxID, &status, &rec.Kind, &rec.UserAddress, &rec.LedgerHandle, &blockHeight,
		&rec.ExecutionCostPaid, &rec.Reason, &rec.LastError, &rec.Attempts, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if rec.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	rec.BlockHeight = uint64(blockHeight)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &rec, nil
}

func (p *PostgresStore) Get(ctx context.Context, txID string) (*Record, error) {
	return scanRecord(p.pool.QueryRow(ctx, selectColumns, txID))
}

// Put locks the existing row, checks the transition and writes inside one
// transaction, so concurrent writers to the same txId are serialized.
func (p *PostgresStore) Put(ctx context.Context, txID string, rec Record) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	prev, err := scanRecord(tx.QueryRow(ctx, selectColumns+" FOR UPDATE", txID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("load %s: %w", txID, err)
	}
	if err := CheckTransition(prev, rec); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
INSERT INTO relay_transactions (tx_id, status, kind, user_address, ledger_handle, block_height,
    execution_cost_paid, reason, last_error, attempts, created_at_ns, updated_at_ns)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (tx_id) DO UPDATE
SET status = EXCLUDED.status,
    kind = EXCLUDED.kind,
    user_address = EXCLUDED.user_address,
    ledger_handle = EXCLUDED.ledger_handle,
    block_height = EXCLUDED.block_height,
    execution_cost_paid = EXCLUDED.execution_cost_paid,
    reason = EXCLUDED.reason,
    last_error = EXCLUDED.last_error,
    attempts = EXCLUDED.attempts,
    updated_at_ns = EXCLUDED.updated_at_ns
`, txID, string(rec.Status), rec.Kind, rec.UserAddress, rec.LedgerHandle, int64(rec.BlockHeight),
		rec.ExecutionCostPaid, rec.Reason, rec.LastError, rec.Attempts, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}
