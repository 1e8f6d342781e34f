// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRemote implements Remote against the shared Postgres backend. It is a
// thin table API: point lookups and inserts only, no server-side conflict
// resolution beyond the existence checks the executor asks for.
type PGRemote struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGRemote creates a remote store backed by an existing pool. The caller
// owns the pool lifecycle.
func NewPGRemote(pool *pgxpool.Pool, logger *slog.Logger) *PGRemote {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGRemote{pool: pool, logger: logger}
}

// Exists performs a point lookup of a transaction header by client id.
func (r *PGRemote) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check transaction existence: %w", err)
	}
	return exists, nil
}

// Insert writes a transaction header row keyed by the client-generated id.
func (r *PGRemote) Insert(ctx context.Context, tx *PendingTransaction) error {
	branchID, err := uuid.Parse(tx.BranchID)
	if err != nil {
		return fmt.Errorf("branch id %q is not remote-addressable: %w", tx.BranchID, err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO transactions (id, branch_id, transaction_code, total_amount, payment_method, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
	`, tx.ID, branchID, tx.TransactionCode, tx.TotalAmount.String(), string(tx.PaymentMethod), tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", tx.ID, err)
	}
	return nil
}

// BatchInsertItems writes the item rows of one transaction in a single batch.
func (r *PGRemote) BatchInsertItems(ctx context.Context, transactionID uuid.UUID, items []PendingTransactionItem) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(`
			INSERT INTO transaction_items (transaction_id, menu_id, menu_name, quantity, unit_price, subtotal)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric)
		`, transactionID, item.MenuID, item.MenuName, item.Quantity,
			item.UnitPrice.String(), item.Subtotal.String())
	}
	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := range items {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert item %d of transaction %s: %w", i, transactionID, err)
		}
	}
	return nil
}

// ExistsAll reports which of the given menu ids still exist remotely. Absent
// ids are simply missing from the result map.
func (r *PGRemote) ExistsAll(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	existing := make(map[uuid.UUID]bool, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM menus WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query menu existence: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan menu id: %w", err)
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating menu ids: %w", err)
	}
	return existing, nil
}

// BatchInsertBuckets writes aggregated visitor buckets as one batched write.
// The rows are insert-only; the dashboard side reads them as-is.
func (r *PGRemote) BatchInsertBuckets(ctx context.Context, buckets []AggregationBucket) error {
	if len(buckets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, b := range buckets {
		branchID, err := uuid.Parse(b.BranchID)
		if err != nil {
			// Aggregation already partitioned out non-addressable branches.
			return fmt.Errorf("bucket branch id %q is not remote-addressable: %w", b.BranchID, err)
		}
		batch.Queue(`
			INSERT INTO visitor_counts (branch_id, group_type, count, timestamp)
			VALUES ($1, $2, $3, $4)
		`, branchID, string(b.Group), b.Sum, b.WindowStart)
	}
	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := range buckets {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert visitor bucket %d: %w", i, err)
		}
	}
	return nil
}

// Classify maps a Postgres failure onto the executor's taxonomy. A foreign-key
// violation means the referenced branch no longer exists remotely (typically
// after a remote data reset) and retrying is futile. Everything else is
// treated as transient by default.
func (r *PGRemote) Classify(err error) ErrorClass {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.SQLState() == "23503" {
		return ClassFatalForeignKey
	}
	return ClassTransient
}
