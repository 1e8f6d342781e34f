// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel failures the fake remote injects; Classify maps them onto the
// executor taxonomy the same way PGRemote maps SQLSTATEs.
var (
	errFakeFKViolation = errors.New("foreign key violation")
	errFakeNetwork     = errors.New("network unreachable")
)

// fakeQueue is an in-memory LocalQueue with hooks for crash/blocking
// scenarios.
type fakeQueue struct {
	mu           sync.Mutex
	transactions []PendingTransaction
	visitors     []PendingVisitorCount
	lastSync     time.Time
	cleanups     int
	cleared      []string

	listCalls int
	listGate  chan struct{} // when non-nil, ListUnsyncedTransactions blocks on it
	listBegan chan struct{} // closed-ish signal per blocked list call
}

func newFakeQueue() *fakeQueue { return &fakeQueue{} }

func (q *fakeQueue) addTransaction(tx PendingTransaction) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.transactions = append(q.transactions, tx)
}

func (q *fakeQueue) addVisitor(vc PendingVisitorCount) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.visitors = append(q.visitors, vc)
}

func (q *fakeQueue) transaction(id uuid.UUID) *PendingTransaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.transactions {
		if q.transactions[i].ID == id {
			tx := q.transactions[i]
			return &tx
		}
	}
	return nil
}

func (q *fakeQueue) ListUnsyncedTransactions(ctx context.Context) ([]PendingTransaction, error) {
	q.mu.Lock()
	q.listCalls++
	gate := q.listGate
	began := q.listBegan
	q.mu.Unlock()

	if gate != nil {
		if began != nil {
			began <- struct{}{}
		}
		<-gate
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	var out []PendingTransaction
	for _, tx := range q.transactions {
		if !tx.Synced {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (q *fakeQueue) ListUnsyncedVisitorCounts(ctx context.Context) ([]PendingVisitorCount, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []PendingVisitorCount
	for _, vc := range q.visitors {
		if !vc.Synced {
			out = append(out, vc)
		}
	}
	return out, nil
}

func (q *fakeQueue) MarkTransactionsSynced(ctx context.Context, ids []uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		for i := range q.transactions {
			if q.transactions[i].ID == id {
				q.transactions[i].Synced = true
			}
		}
	}
	return nil
}

func (q *fakeQueue) MarkVisitorCountsSynced(ctx context.Context, ids []uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		for i := range q.visitors {
			if q.visitors[i].ID == id {
				q.visitors[i].Synced = true
			}
		}
	}
	return nil
}

func (q *fakeQueue) UnsyncedTransactionCount(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, tx := range q.transactions {
		if !tx.Synced {
			count++
		}
	}
	return count, nil
}

func (q *fakeQueue) Cleanup(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanups++
	var kept []PendingTransaction
	for _, tx := range q.transactions {
		if !tx.Synced {
			kept = append(kept, tx)
		}
	}
	q.transactions = kept
	var keptVC []PendingVisitorCount
	for _, vc := range q.visitors {
		if !vc.Synced {
			keptVC = append(keptVC, vc)
		}
	}
	q.visitors = keptVC
	return nil
}

func (q *fakeQueue) ClearBranch(ctx context.Context, branchID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleared = append(q.cleared, branchID)
	var kept []PendingTransaction
	for _, tx := range q.transactions {
		if tx.BranchID != branchID {
			kept = append(kept, tx)
		}
	}
	q.transactions = kept
	return nil
}

func (q *fakeQueue) SetLastSyncTime(ctx context.Context, t time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastSync = t
	return nil
}

// fakeRemote is an in-memory Remote with per-call failure injection.
type fakeRemote struct {
	mu      sync.Mutex
	headers map[uuid.UUID]PendingTransaction
	items   map[uuid.UUID][]PendingTransactionItem
	menus   map[uuid.UUID]bool
	batches [][]AggregationBucket

	insertErr func(tx *PendingTransaction) error
	menusErr  func() error
	bucketErr func() error

	existsCalls int
	insertCalls int
	bucketCalls int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		headers: make(map[uuid.UUID]PendingTransaction),
		items:   make(map[uuid.UUID][]PendingTransactionItem),
		menus:   make(map[uuid.UUID]bool),
	}
}

func (r *fakeRemote) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.existsCalls++
	_, ok := r.headers[id]
	return ok, nil
}

func (r *fakeRemote) Insert(ctx context.Context, tx *PendingTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertCalls++
	if r.insertErr != nil {
		if err := r.insertErr(tx); err != nil {
			return err
		}
	}
	if _, ok := r.headers[tx.ID]; ok {
		return errors.New("duplicate key")
	}
	r.headers[tx.ID] = *tx
	return nil
}

func (r *fakeRemote) BatchInsertItems(ctx context.Context, transactionID uuid.UUID, items []PendingTransactionItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[transactionID] = append([]PendingTransactionItem(nil), items...)
	return nil
}

func (r *fakeRemote) ExistsAll(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.menusErr != nil {
		if err := r.menusErr(); err != nil {
			return nil, err
		}
	}
	out := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if r.menus[id] {
			out[id] = true
		}
	}
	return out, nil
}

func (r *fakeRemote) BatchInsertBuckets(ctx context.Context, buckets []AggregationBucket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bucketCalls++
	if r.bucketErr != nil {
		if err := r.bucketErr(); err != nil {
			return err
		}
	}
	r.batches = append(r.batches, append([]AggregationBucket(nil), buckets...))
	return nil
}

func (r *fakeRemote) Classify(err error) ErrorClass {
	if errors.Is(err, errFakeFKViolation) {
		return ClassFatalForeignKey
	}
	return ClassTransient
}

// fakeClock drives scheduler timers deterministically.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{ch: make(chan time.Time, 1), active: true, duration: d}
	c.timers = append(c.timers, t)
	return t
}

type fakeTimer struct {
	mu       sync.Mutex
	ch       chan time.Time
	active   bool
	duration time.Duration
	resets   int
	stops    int
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.active
	t.active = false
	t.stops++
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.active
	t.active = true
	t.duration = d
	t.resets++
	return was
}

func (t *fakeTimer) isActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// fire delivers a tick as if the timer expired.
func (t *fakeTimer) fire(at time.Time) {
	t.mu.Lock()
	t.active = false
	t.mu.Unlock()
	t.ch <- at
}
