// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type intentRecorder struct {
	mu      sync.Mutex
	intents []Intent
}

func (r *intentRecorder) record(intent Intent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, intent)
}

func (r *intentRecorder) all() []Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Intent(nil), r.intents...)
}

func allowAll(context.Context) Eligibility {
	return Eligibility{Allowed: true}
}

func denyAll(context.Context) Eligibility {
	return NotEligible
}

type schedulerFixture struct {
	queue     *fakeQueue
	remote    *fakeRemote
	recovery  *RecoveryController
	scheduler *Scheduler
	intents   *intentRecorder
	clock     *fakeClock
}

func newSchedulerFixture(t *testing.T, eligibility EligibilityFunc) *schedulerFixture {
	t.Helper()
	queue := newFakeQueue()
	remote := newFakeRemote()
	executor := NewExecutor(queue, remote, nil)
	intents := &intentRecorder{}
	recovery := NewRecoveryController(queue, intents.record, nil)
	clock := newFakeClock(time.Date(2025, 9, 13, 10, 7, 30, 0, time.UTC))
	scheduler := NewScheduler(queue, executor, recovery, eligibility, clock, nil, nil)
	return &schedulerFixture{
		queue:     queue,
		remote:    remote,
		recovery:  recovery,
		scheduler: scheduler,
		intents:   intents,
		clock:     clock,
	}
}

func (f *schedulerFixture) acknowledge() {
	f.scheduler.mu.Lock()
	f.scheduler.acknowledged = true
	f.scheduler.mu.Unlock()
}

func TestScheduler_AtMostOneInFlightCycle(t *testing.T) {
	f := newSchedulerFixture(t, allowAll)
	f.acknowledge()
	f.queue.addTransaction(makeTestTransaction(uuid.New().String()))

	gate := make(chan struct{})
	began := make(chan struct{}, 1)
	f.queue.mu.Lock()
	f.queue.listGate = gate
	f.queue.listBegan = began
	f.queue.mu.Unlock()

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		f.scheduler.Foreground(ctx)
		close(done)
	}()
	<-began

	// Foreground, online and steady triggers fired while a cycle is in
	// flight must all be dropped, not queued.
	f.queue.mu.Lock()
	f.queue.listGate = nil
	f.queue.mu.Unlock()
	f.scheduler.Foreground(ctx)
	f.scheduler.NetworkOnline(ctx)
	f.scheduler.trigger(ctx, "steady")

	close(gate)
	<-done

	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	require.Equal(t, 1, f.queue.listCalls)
}

func TestScheduler_ConfirmGateBeforeFirstCycle(t *testing.T) {
	f := newSchedulerFixture(t, allowAll)
	f.queue.addTransaction(makeTestTransaction(uuid.New().String()))

	ctx := context.Background()
	f.scheduler.Foreground(ctx)

	// No transmission happened; the user was prompted instead.
	require.Zero(t, f.remote.insertCalls)
	require.Equal(t, StatePromptingConfirm, f.recovery.State())
	require.Equal(t, []Intent{IntentShowConfirm}, f.intents.all())

	// Accepting runs the first cycle immediately and opens the gate for the
	// rest of the launch.
	f.recovery.Accept(ctx)
	require.Equal(t, 1, f.remote.insertCalls)
	require.Equal(t, StateIdle, f.recovery.State())

	count, err := f.queue.UnsyncedTransactionCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestScheduler_DeclineLeavesPendingAndReprompts(t *testing.T) {
	f := newSchedulerFixture(t, allowAll)
	f.queue.addTransaction(makeTestTransaction(uuid.New().String()))

	ctx := context.Background()
	f.scheduler.Foreground(ctx)
	f.recovery.Decline()

	require.Zero(t, f.remote.insertCalls)
	count, err := f.queue.UnsyncedTransactionCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// Next trigger prompts again.
	f.scheduler.NetworkOnline(ctx)
	require.Equal(t, []Intent{IntentShowConfirm, IntentNone, IntentShowConfirm}, f.intents.all())
}

func TestScheduler_RetryTimerArmsWhileUnsyncedRemains(t *testing.T) {
	f := newSchedulerFixture(t, allowAll)
	f.acknowledge()
	f.queue.addTransaction(makeTestTransaction(uuid.New().String()))

	retry := &fakeTimer{ch: make(chan time.Time, 1)}
	f.scheduler.mu.Lock()
	f.scheduler.retryTimer = retry
	f.scheduler.mu.Unlock()

	fail := true
	f.remote.insertErr = func(*PendingTransaction) error {
		if fail {
			return errFakeNetwork
		}
		return nil
	}

	ctx := context.Background()
	f.scheduler.Foreground(ctx)
	require.True(t, retry.isActive(), "retry timer must be armed while unsynced data exists")

	// Fault clears; the next cycle drains the queue and the timer cancels
	// itself.
	fail = false
	f.scheduler.Foreground(ctx)
	require.False(t, retry.isActive(), "retry timer must cancel once the queue drains")
}

func TestScheduler_AcceptDuringInFlightCycleReleasesController(t *testing.T) {
	f := newSchedulerFixture(t, allowAll)
	f.queue.addTransaction(makeTestTransaction(uuid.New().String()))

	ctx := context.Background()
	f.recovery.RequestConfirm()

	// Another cycle (e.g. the visitor path) holds the in-progress flag when
	// the user taps accept: the accept-driven cycle is dropped, but the
	// controller must not stay stuck in syncing.
	atomic.StoreInt32(&f.scheduler.inProgress, 1)
	f.recovery.Accept(ctx)
	require.Equal(t, StateIdle, f.recovery.State())
	require.Zero(t, f.remote.insertCalls)

	// Once the flag clears, the next trigger syncs normally.
	atomic.StoreInt32(&f.scheduler.inProgress, 0)
	f.scheduler.Foreground(ctx)
	require.Equal(t, 1, f.remote.insertCalls)
}

func TestScheduler_RetryTimerArmedBeforeTimerLoopStarts(t *testing.T) {
	// A trigger can race ahead of the timer loop; the retry timer must
	// already exist and be armable.
	f := newSchedulerFixture(t, allowAll)
	f.acknowledge()
	f.queue.addTransaction(makeTestTransaction(uuid.New().String()))
	f.remote.insertErr = func(*PendingTransaction) error {
		return errFakeNetwork
	}

	f.scheduler.Foreground(context.Background())

	f.scheduler.mu.Lock()
	retry := f.scheduler.retryTimer.(*fakeTimer)
	f.scheduler.mu.Unlock()
	require.True(t, retry.isActive(), "retry timer must be armed even though run() never started")
}

func TestScheduler_SkipsCycleWhenNotEligible(t *testing.T) {
	f := newSchedulerFixture(t, denyAll)
	f.acknowledge()
	f.queue.addTransaction(makeTestTransaction(uuid.New().String()))

	ctx := context.Background()
	f.scheduler.Foreground(ctx)

	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	require.Zero(t, f.queue.listCalls)
	require.Zero(t, f.remote.insertCalls)
}

func TestScheduler_FatalCycleSurfacesRecoveryPrompt(t *testing.T) {
	f := newSchedulerFixture(t, allowAll)
	f.acknowledge()

	deadBranch := uuid.New().String()
	f.queue.addTransaction(makeTestTransaction(deadBranch))
	f.remote.insertErr = func(*PendingTransaction) error {
		return errFakeFKViolation
	}

	ctx := context.Background()
	f.scheduler.Foreground(ctx)

	require.Equal(t, StatePromptingFatal, f.recovery.State())
	require.Equal(t, []string{deadBranch}, f.recovery.FatalBranches())

	// Confirming the destructive recovery purges the branch locally.
	require.NoError(t, f.recovery.ConfirmPurge(ctx))
	require.Equal(t, []string{deadBranch}, f.queue.cleared)
	count, err := f.queue.UnsyncedTransactionCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestScheduler_VisitorCycleNotGatedByConfirm(t *testing.T) {
	f := newSchedulerFixture(t, allowAll)
	// No acknowledgment: the transaction gate is closed, but visitor counts
	// still flow on their own cadence.
	f.queue.addVisitor(PendingVisitorCount{
		ID: uuid.New(), BranchID: uuid.New().String(), Count: 2,
		Timestamp: f.clock.Now(), Group: GroupGeneral,
	})

	f.scheduler.visitorCycle(context.Background())

	require.Equal(t, 1, f.remote.bucketCalls)
	remaining, err := f.queue.ListUnsyncedVisitorCounts(context.Background())
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestScheduler_VisitorCadenceIsBoundaryAligned(t *testing.T) {
	f := newSchedulerFixture(t, allowAll)
	// Clock sits at 10:07:30 with 15-minute windows: next boundary is 10:15.
	require.Equal(t, 7*time.Minute+30*time.Second, f.scheduler.untilNextWindowBoundary())
}
