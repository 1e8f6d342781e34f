// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package possqlite provides the durable local queue for the festival POS
// sync engine: an append-only SQLite store of pending sale transactions and
// pending visitor-count deltas that survives process restarts.
//
// The queue is the durability anchor of the whole pipeline: UI code appends
// here first and only reports success to the end user once the append has
// committed. The store never makes network calls; records are marked synced
// by the engine (possync) and physically removed only by an explicit cleanup
// after a successful cycle.
package possqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeFormat is the canonical text representation of timestamps in the queue.
const timeFormat = time.RFC3339Nano

// Store is the SQLite-backed durable queue. Writes are serialized through a
// mutex to prevent SQLite locking issues; reads of the unsynced set do not
// conflict with concurrent appends because records are independent by id.
type Store struct {
	DB      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex
}

// NewStore creates a queue over an existing SQLite handle and initializes the
// schema. The caller owns the handle lifecycle.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Store{DB: db, logger: logger}, nil
}

// Open opens (or creates) a queue database file and initializes it.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	store, err := NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying handle. Only for stores created with Open.
func (s *Store) Close() error {
	return s.DB.Close()
}

func initializeDatabase(db *sql.DB) error {
	// WAL keeps appends durable and cheap on flaky mobile storage.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS pending_transactions (
			id               TEXT NOT NULL,
			branch_id        TEXT NOT NULL,
			transaction_code TEXT NOT NULL,
			total_amount     TEXT NOT NULL,
			payment_method   TEXT NOT NULL CHECK (payment_method IN ('cash','cashless','voucher')),
			created_at       TEXT NOT NULL,
			synced           INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (id)
		)`,

		`CREATE TABLE IF NOT EXISTS pending_transaction_items (
			transaction_id TEXT NOT NULL REFERENCES pending_transactions(id) ON DELETE CASCADE,
			seq            INTEGER NOT NULL,
			menu_id        TEXT,
			menu_name      TEXT NOT NULL,
			quantity       INTEGER NOT NULL,
			unit_price     TEXT NOT NULL,
			subtotal       TEXT NOT NULL,
			PRIMARY KEY (transaction_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS pending_visitor_counts (
			id         TEXT NOT NULL,
			branch_id  TEXT NOT NULL,
			count      INTEGER NOT NULL,
			timestamp  TEXT NOT NULL,
			group_type TEXT NOT NULL DEFAULT 'general',
			synced     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (id)
		)`,

		// Single-row marker of the last successful sync.
		`CREATE TABLE IF NOT EXISTS sync_state (
			id           INTEGER NOT NULL CHECK (id = 1),
			last_sync_at TEXT,
			PRIMARY KEY (id)
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create queue table: %w", err)
		}
	}

	return nil
}

// LastSyncTime returns the persisted time of the last successful sync, or the
// zero time if no sync has completed yet.
func (s *Store) LastSyncTime(ctx context.Context) (time.Time, error) {
	var raw sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT last_sync_at FROM sync_state WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last sync time: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeFormat, raw.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last sync time %q: %w", raw.String, err)
	}
	return t, nil
}

// SetLastSyncTime persists the last successful sync time.
func (s *Store) SetLastSyncTime(ctx context.Context, t time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_sync_at) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last_sync_at = excluded.last_sync_at
	`, t.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to persist last sync time: %w", err)
	}
	return nil
}

// Cleanup physically removes all synced records: transaction headers with
// their items, and visitor counts. Unsynced records are never touched.
func (s *Store) Cleanup(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cleanup transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM pending_transaction_items
		WHERE transaction_id IN (SELECT id FROM pending_transactions WHERE synced = 1)
	`); err != nil {
		return fmt.Errorf("failed to delete synced transaction items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_transactions WHERE synced = 1`); err != nil {
		return fmt.Errorf("failed to delete synced transactions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_visitor_counts WHERE synced = 1`); err != nil {
		return fmt.Errorf("failed to delete synced visitor counts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return nil
}

// ClearBranch destructively removes ALL pending transactions for a branch
// regardless of sync state. This is the recovery action for fatal,
// unrecoverable conflicts and runs only after explicit user confirmation.
func (s *Store) ClearBranch(ctx context.Context, branchID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin clear transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM pending_transaction_items
		WHERE transaction_id IN (SELECT id FROM pending_transactions WHERE branch_id = ?)
	`, branchID); err != nil {
		return fmt.Errorf("failed to clear items for branch %s: %w", branchID, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM pending_transactions WHERE branch_id = ?`, branchID)
	if err != nil {
		return fmt.Errorf("failed to clear transactions for branch %s: %w", branchID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clear: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil {
		s.logger.Warn("Cleared pending transactions for branch", "branch", branchID, "removed", n)
	}
	return nil
}
