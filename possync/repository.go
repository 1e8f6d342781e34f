// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ErrorClass is the executor's taxonomy for remote write failures.
type ErrorClass string

const (
	// ClassTransient covers everything expected to resolve on a later retry
	// (network failures, 5xx, generic write errors). Transient failures are
	// never surfaced to the user; the record stays unsynced.
	ClassTransient ErrorClass = "transient"
	// ClassFatalForeignKey means the branch the record points to no longer
	// exists remotely. Retrying is futile; the only resolution is an explicit
	// destructive purge of that branch's pending data.
	ClassFatalForeignKey ErrorClass = "fatal_fk"
)

// TransactionRepo is the narrow remote table API for sale headers. Rows are
// keyed by the client-generated transaction id.
type TransactionRepo interface {
	// Exists performs a point lookup by id. A hit means a previous attempt
	// already succeeded remotely and only the local mark-synced was lost.
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	Insert(ctx context.Context, tx *PendingTransaction) error
}

// TransactionItemRepo inserts sale line rows referencing an already-inserted
// header.
type TransactionItemRepo interface {
	BatchInsertItems(ctx context.Context, transactionID uuid.UUID, items []PendingTransactionItem) error
}

// MenuRepo answers bulk existence checks so items referencing since-deleted
// menu entries can be inserted with a NULL menu id.
type MenuRepo interface {
	ExistsAll(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error)
}

// VisitorCountRepo inserts aggregated visitor buckets as a single batched
// write.
type VisitorCountRepo interface {
	BatchInsertBuckets(ctx context.Context, buckets []AggregationBucket) error
}

// ErrorClassifier maps a remote failure onto the executor's taxonomy.
// Implementations default to ClassTransient for anything they do not
// recognize.
type ErrorClassifier interface {
	Classify(err error) ErrorClass
}

// Remote bundles the per-entity repositories the executor reconciles against.
type Remote interface {
	TransactionRepo
	TransactionItemRepo
	MenuRepo
	VisitorCountRepo
	ErrorClassifier
}

// LocalQueue is the durable local store consumed by the engine. It is
// implemented by possqlite.Store; tests substitute an in-memory fake. The
// queue never makes network calls.
type LocalQueue interface {
	ListUnsyncedTransactions(ctx context.Context) ([]PendingTransaction, error)
	ListUnsyncedVisitorCounts(ctx context.Context) ([]PendingVisitorCount, error)
	MarkTransactionsSynced(ctx context.Context, ids []uuid.UUID) error
	MarkVisitorCountsSynced(ctx context.Context, ids []uuid.UUID) error
	UnsyncedTransactionCount(ctx context.Context) (int, error)
	Cleanup(ctx context.Context) error
	ClearBranch(ctx context.Context, branchID string) error
	SetLastSyncTime(ctx context.Context, t time.Time) error
}
