// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sota0426/festival-pos-app-sub001/possync"
)

// AppendTransaction persists a pending sale atomically (header plus items).
// The append must commit before the UI reports success to the end user; this
// ordering is the core durability guarantee of the whole pipeline.
func (s *Store) AppendTransaction(ctx context.Context, t *possync.PendingTransaction) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pending_transactions (id, branch_id, transaction_code, total_amount, payment_method, created_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, t.ID.String(), t.BranchID, t.TransactionCode, t.TotalAmount.String(),
		string(t.PaymentMethod), t.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to append transaction %s: %w", t.ID, err)
	}

	for seq, item := range t.Items {
		var menuID any
		if item.MenuID != nil {
			menuID = item.MenuID.String()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pending_transaction_items (transaction_id, seq, menu_id, menu_name, quantity, unit_price, subtotal)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, t.ID.String(), seq, menuID, item.MenuName, item.Quantity,
			item.UnitPrice.String(), item.Subtotal.String())
		if err != nil {
			return fmt.Errorf("failed to append item %d of transaction %s: %w", seq, t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}
	return nil
}

// ListUnsyncedTransactions returns all pending sales with synced=false in
// queue order, items included.
func (s *Store) ListUnsyncedTransactions(ctx context.Context) ([]possync.PendingTransaction, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, branch_id, transaction_code, total_amount, payment_method, created_at
		FROM pending_transactions
		WHERE synced = 0
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced transactions: %w", err)
	}
	defer rows.Close()

	var out []possync.PendingTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unsynced transactions: %w", err)
	}
	rows.Close()

	for i := range out {
		items, err := s.listItems(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Items = items
	}
	return out, nil
}

func scanTransaction(rows *sql.Rows) (possync.PendingTransaction, error) {
	var t possync.PendingTransaction
	var id, amount, method, createdAt string
	if err := rows.Scan(&id, &t.BranchID, &t.TransactionCode, &amount, &method, &createdAt); err != nil {
		return t, fmt.Errorf("failed to scan transaction: %w", err)
	}

	parsedID, err := uuid.Parse(id)
	if err != nil {
		return t, fmt.Errorf("failed to parse transaction id %q: %w", id, err)
	}
	t.ID = parsedID

	t.TotalAmount, err = decimal.NewFromString(amount)
	if err != nil {
		return t, fmt.Errorf("failed to parse total amount %q: %w", amount, err)
	}
	t.PaymentMethod, err = possync.ParsePaymentMethod(method)
	if err != nil {
		return t, fmt.Errorf("failed to parse payment method: %w", err)
	}
	t.CreatedAt, err = time.Parse(timeFormat, createdAt)
	if err != nil {
		return t, fmt.Errorf("failed to parse created_at %q: %w", createdAt, err)
	}
	return t, nil
}

func (s *Store) listItems(ctx context.Context, transactionID uuid.UUID) ([]possync.PendingTransactionItem, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT menu_id, menu_name, quantity, unit_price, subtotal
		FROM pending_transaction_items
		WHERE transaction_id = ?
		ORDER BY seq
	`, transactionID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query items of transaction %s: %w", transactionID, err)
	}
	defer rows.Close()

	var items []possync.PendingTransactionItem
	for rows.Next() {
		var item possync.PendingTransactionItem
		var menuID sql.NullString
		var unitPrice, subtotal string
		if err := rows.Scan(&menuID, &item.MenuName, &item.Quantity, &unitPrice, &subtotal); err != nil {
			return nil, fmt.Errorf("failed to scan transaction item: %w", err)
		}
		if menuID.Valid {
			parsed, err := uuid.Parse(menuID.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse menu id %q: %w", menuID.String, err)
			}
			item.MenuID = &parsed
		}
		item.UnitPrice, err = decimal.NewFromString(unitPrice)
		if err != nil {
			return nil, fmt.Errorf("failed to parse unit price %q: %w", unitPrice, err)
		}
		item.Subtotal, err = decimal.NewFromString(subtotal)
		if err != nil {
			return nil, fmt.Errorf("failed to parse subtotal %q: %w", subtotal, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction items: %w", err)
	}
	return items, nil
}

// MarkTransactionsSynced sets synced=true on the given ids. Already-synced
// ids are a no-op, so the call is safe to repeat after a crash mid-cycle.
func (s *Store) MarkTransactionsSynced(ctx context.Context, ids []uuid.UUID) error {
	return s.markSynced(ctx, "pending_transactions", ids)
}

// UnsyncedTransactionCount returns how many pending sales are awaiting sync.
func (s *Store) UnsyncedTransactionCount(ctx context.Context) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_transactions WHERE synced = 0`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced transactions: %w", err)
	}
	return count, nil
}

func (s *Store) markSynced(ctx context.Context, table string, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id.String()
	}
	query := fmt.Sprintf(`UPDATE %s SET synced = 1 WHERE id IN (%s)`,
		table, strings.Join(placeholders, ","))
	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark %s synced: %w", table, err)
	}
	return nil
}
