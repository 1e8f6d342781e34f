// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sota0426/festival-pos-app-sub001/internal/auth"
)

// Executor reconciles one batch of unsynced records against the remote store,
// record by record, isolating failures so one bad record cannot stall the
// whole queue.
type Executor struct {
	queue  LocalQueue
	remote Remote
	logger *slog.Logger
	window time.Duration
	now    func() time.Time
}

// NewExecutor creates an executor over the given queue and remote store.
func NewExecutor(queue LocalQueue, remote Remote, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		queue:  queue,
		remote: remote,
		logger: logger,
		window: DefaultAggregationWindow,
		now:    time.Now,
	}
}

// cycleLogger enriches the executor's logger with the device identity carried
// by the context, so cycle logs can be traced to a specific register.
func (e *Executor) cycleLogger(ctx context.Context) *slog.Logger {
	logger := e.logger
	if branchID, ok := auth.GetBranchID(ctx); ok {
		logger = logger.With("branch", branchID)
	}
	if deviceID, ok := auth.GetDeviceID(ctx); ok {
		logger = logger.With("device", deviceID)
	}
	return logger
}

// TransactionCycleOutcome is the result of one transaction reconciliation
// pass. FatalBranches lists branches for which a foreign-key violation was
// detected; a failure on one record implies the same failure for every
// pending record of that branch, so recovery is branch-scoped.
type TransactionCycleOutcome struct {
	Result        CycleResult
	FatalBranches []string
}

// SyncTransactions reconciles all unsynced transactions. Records are
// processed sequentially in queue order; a record classified fatal is skipped
// and its branch recorded, a record classified transient is left unsynced for
// the retry timer, and processing continues either way. After the pass,
// synced records are physically purged and the last-sync marker is persisted.
func (e *Executor) SyncTransactions(ctx context.Context) (TransactionCycleOutcome, error) {
	logger := e.cycleLogger(ctx)

	pending, err := e.queue.ListUnsyncedTransactions(ctx)
	if err != nil {
		return TransactionCycleOutcome{Result: CycleNone}, fmt.Errorf("failed to list unsynced transactions: %w", err)
	}
	if len(pending) == 0 {
		return TransactionCycleOutcome{Result: CycleNone}, nil
	}

	// One bulk menu lookup for the whole batch, so item inserts can null out
	// references to menu entries that were deleted remotely.
	existingMenus, err := e.lookupMenus(ctx, pending)
	if err != nil {
		// Transient: no record was attempted, so nothing was reconciled.
		logger.Warn("Menu existence lookup failed, deferring cycle", "error", err)
		return TransactionCycleOutcome{Result: CycleNone}, nil
	}

	fatalBranches := make(map[string]bool)
	for i := range pending {
		tx := &pending[i]
		if fatalBranches[tx.BranchID] {
			// The branch is already known to be gone remotely; every record
			// pointing at it would fail the same way.
			continue
		}
		class, err := e.syncOneTransaction(ctx, logger, tx, existingMenus)
		if err == nil {
			continue
		}
		switch class {
		case ClassFatalForeignKey:
			fatalBranches[tx.BranchID] = true
			logger.Error("Transaction hit fatal foreign-key violation",
				"transaction", tx.ID, "branch", tx.BranchID, "error", err)
		default:
			logger.Warn("Transaction sync failed, will retry",
				"transaction", tx.ID, "error", err)
		}
	}

	if err := e.queue.Cleanup(ctx); err != nil {
		logger.Warn("Failed to clean up synced records", "error", err)
	}
	if err := e.queue.SetLastSyncTime(ctx, e.now()); err != nil {
		logger.Warn("Failed to persist last sync time", "error", err)
	}

	if len(fatalBranches) > 0 {
		branches := make([]string, 0, len(fatalBranches))
		for b := range fatalBranches {
			branches = append(branches, b)
		}
		return TransactionCycleOutcome{Result: CycleError, FatalBranches: branches}, nil
	}
	return TransactionCycleOutcome{Result: CycleOK}, nil
}

// syncOneTransaction reconciles a single record. The returned ErrorClass is
// only meaningful when err is non-nil.
func (e *Executor) syncOneTransaction(ctx context.Context, logger *slog.Logger, tx *PendingTransaction, existingMenus map[uuid.UUID]bool) (ErrorClass, error) {
	// Existence check first: a previous attempt may have succeeded remotely
	// with the local mark-synced lost to a crash. The client-generated id is
	// the remote primary key, so a hit is proof of delivery, not a conflict.
	exists, err := e.remote.Exists(ctx, tx.ID)
	if err != nil {
		return e.remote.Classify(err), fmt.Errorf("existence check failed: %w", err)
	}
	if exists {
		logger.Info("Transaction already present remotely, marking synced",
			"transaction", tx.ID)
		if err := e.queue.MarkTransactionsSynced(ctx, []uuid.UUID{tx.ID}); err != nil {
			return ClassTransient, fmt.Errorf("failed to mark synced: %w", err)
		}
		return "", nil
	}

	if err := e.remote.Insert(ctx, tx); err != nil {
		return e.remote.Classify(err), fmt.Errorf("header insert failed: %w", err)
	}

	// Sales history must survive menu deletions: items whose menu entry no
	// longer exists are inserted with a NULL menu id but keep the historical
	// name, price and quantity.
	items := make([]PendingTransactionItem, len(tx.Items))
	for i, item := range tx.Items {
		if item.MenuID != nil && !existingMenus[*item.MenuID] {
			item.MenuID = nil
		}
		items[i] = item
	}
	if err := e.remote.BatchInsertItems(ctx, tx.ID, items); err != nil {
		return e.remote.Classify(err), fmt.Errorf("item insert failed: %w", err)
	}

	if err := e.queue.MarkTransactionsSynced(ctx, []uuid.UUID{tx.ID}); err != nil {
		return ClassTransient, fmt.Errorf("failed to mark synced: %w", err)
	}
	return "", nil
}

func (e *Executor) lookupMenus(ctx context.Context, pending []PendingTransaction) (map[uuid.UUID]bool, error) {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for i := range pending {
		for _, item := range pending[i].Items {
			if item.MenuID != nil && !seen[*item.MenuID] {
				seen[*item.MenuID] = true
				ids = append(ids, *item.MenuID)
			}
		}
	}
	if len(ids) == 0 {
		return map[uuid.UUID]bool{}, nil
	}
	return e.remote.ExistsAll(ctx, ids)
}

// SyncVisitorCounts aggregates and transmits unsynced visitor-count deltas.
//
// Failures here are always treated as transient and never surfaced to the
// user: undercounting a live dashboard is tolerable, blocking the register is
// not. Drop-list records (legacy branches the remote schema cannot reference)
// are marked synced without any network call.
func (e *Executor) SyncVisitorCounts(ctx context.Context) error {
	logger := e.cycleLogger(ctx)

	pending, err := e.queue.ListUnsyncedVisitorCounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unsynced visitor counts: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	buckets, dropIDs := AggregateVisitorCounts(pending, e.window)

	if len(dropIDs) > 0 {
		logger.Info("Dropping visitor counts for non-addressable legacy branches",
			"count", len(dropIDs))
		if err := e.queue.MarkVisitorCountsSynced(ctx, dropIDs); err != nil {
			return fmt.Errorf("failed to mark dropped visitor counts synced: %w", err)
		}
	}

	if len(buckets) == 0 {
		return nil
	}

	if err := e.remote.BatchInsertBuckets(ctx, buckets); err != nil {
		logger.Warn("Visitor bucket insert failed, will retry",
			"buckets", len(buckets), "error", err)
		return nil
	}

	// All source ids across every transmitted bucket are marked synced in one
	// local update, so a crash cannot leave a bucket half-acknowledged.
	var sourceIDs []uuid.UUID
	for _, b := range buckets {
		sourceIDs = append(sourceIDs, b.SourceIDs...)
	}
	if err := e.queue.MarkVisitorCountsSynced(ctx, sourceIDs); err != nil {
		return fmt.Errorf("failed to mark visitor counts synced: %w", err)
	}

	logger.Info("Visitor buckets synced", "buckets", len(buckets), "records", len(sourceIDs))
	return nil
}
