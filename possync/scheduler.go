// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SchedulerConfig holds the scheduler's timer periods.
type SchedulerConfig struct {
	// SteadyInterval is the unconditional long-period fallback cadence.
	SteadyInterval time.Duration
	// RetryInterval is the short period armed only while unsynced data exists.
	RetryInterval time.Duration
	// VisitorWindow is the boundary-aligned cadence of the independent
	// visitor-count path. It matches the aggregation window so buckets close
	// consistently across devices.
	VisitorWindow time.Duration
}

// DefaultSchedulerConfig returns the reference timer periods.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SteadyInterval: 5 * time.Minute,
		RetryInterval:  20 * time.Second,
		VisitorWindow:  DefaultAggregationWindow,
	}
}

// EligibilityFunc reports whether sync is currently permitted at all. The
// surrounding app derives this from its auth/subscription layer (see
// EligibilityFromToken); the scheduler evaluates it once at the start of each
// cycle and passes the answer down, so eligibility changes cannot race with
// an in-flight cycle.
type EligibilityFunc func(ctx context.Context) Eligibility

// Scheduler owns the timers and trigger sources that drive sync cycles and
// collapses concurrent triggers into a single in-flight cycle. The in-progress
// flag is the sole concurrency-control primitive: a trigger arriving while a
// cycle runs is dropped, never queued, and an in-flight cycle is never
// cancelled.
type Scheduler struct {
	queue       LocalQueue
	executor    *Executor
	recovery    *RecoveryController
	eligibility EligibilityFunc
	clock       Clock
	config      *SchedulerConfig
	logger      *slog.Logger

	inProgress int32

	mu           sync.Mutex
	acknowledged bool // user accepted the first sync prompt this launch
	retryTimer   Timer
}

// NewScheduler wires a scheduler over the queue, executor and recovery
// controller. The recovery controller's accept handler is bound here: when
// the user confirms the initial prompt, the first cycle runs immediately.
func NewScheduler(queue LocalQueue, executor *Executor, recovery *RecoveryController,
	eligibility EligibilityFunc, clock Clock, config *SchedulerConfig, logger *slog.Logger) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if clock == nil {
		clock = RealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		queue:       queue,
		executor:    executor,
		recovery:    recovery,
		eligibility: eligibility,
		clock:       clock,
		config:      config,
		logger:      logger,
	}
	// Created disarmed up front so a trigger arriving before the timer loop
	// starts can still arm the retry cadence.
	s.retryTimer = s.clock.NewTimer(config.RetryInterval)
	s.retryTimer.Stop()
	recovery.SetAcceptHandler(s.onAccepted)
	return s
}

// Start performs the app-start check and launches the timer loop. If any
// unsynced transaction exists, the user is prompted once before the first
// automatic cycle; a cycle never starts silently without that first
// acknowledgment per app launch.
func (s *Scheduler) Start(ctx context.Context) error {
	count, err := s.queue.UnsyncedTransactionCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		s.recovery.RequestConfirm()
	}
	go s.run(ctx)
	return nil
}

// Foreground is the app-foreground trigger. A no-op if a cycle is in flight.
func (s *Scheduler) Foreground(ctx context.Context) {
	s.trigger(ctx, "foreground")
}

// NetworkOnline is the connectivity-restored trigger. A no-op if a cycle is
// in flight.
func (s *Scheduler) NetworkOnline(ctx context.Context) {
	s.trigger(ctx, "online")
}

func (s *Scheduler) run(ctx context.Context) {
	steady := s.clock.NewTimer(s.config.SteadyInterval)
	defer steady.Stop()

	s.mu.Lock()
	retry := s.retryTimer
	s.mu.Unlock()
	defer retry.Stop()

	visitor := s.clock.NewTimer(s.untilNextWindowBoundary())
	defer visitor.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-steady.C():
			s.trigger(ctx, "steady")
			steady.Reset(s.config.SteadyInterval)
		case <-retry.C():
			s.trigger(ctx, "retry")
		case <-visitor.C():
			s.visitorCycle(ctx)
			visitor.Reset(s.untilNextWindowBoundary())
		}
	}
}

// untilNextWindowBoundary returns the wait until the next aggregation window
// closes, keeping the visitor cadence boundary-aligned across devices.
func (s *Scheduler) untilNextWindowBoundary() time.Duration {
	now := s.clock.Now()
	next := now.Truncate(s.config.VisitorWindow).Add(s.config.VisitorWindow)
	return next.Sub(now)
}

// trigger attempts to start a transaction cycle. Triggers arriving while a
// cycle is in flight are dropped.
func (s *Scheduler) trigger(ctx context.Context, source string) {
	if !atomic.CompareAndSwapInt32(&s.inProgress, 0, 1) {
		s.logger.Debug("Sync trigger dropped, cycle already in flight", "trigger", source)
		return
	}
	defer atomic.StoreInt32(&s.inProgress, 0)

	elig := s.eligibility(ctx)
	if !elig.Allowed {
		s.logger.Debug("Sync not permitted, skipping cycle", "trigger", source)
		return
	}

	if !s.isAcknowledged() {
		count, err := s.queue.UnsyncedTransactionCount(ctx)
		if err != nil {
			s.logger.Warn("Failed to count unsynced transactions", "error", err)
			return
		}
		if count > 0 {
			// Data exists but the user has not acknowledged syncing yet this
			// launch: re-prompt instead of transmitting.
			s.recovery.RequestConfirm()
			return
		}
	}

	s.runTransactionCycle(ctx, source)
}

// onAccepted is wired as the recovery controller's accept handler: the user
// confirmed the initial prompt, so the gate opens for the rest of the launch
// and the first cycle runs right away.
func (s *Scheduler) onAccepted(ctx context.Context) {
	s.mu.Lock()
	s.acknowledged = true
	s.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&s.inProgress, 0, 1) {
		// Accept already moved the controller to syncing; release it so the
		// next trigger can run (and re-prompt) normally.
		s.recovery.FinishCycle(TransactionCycleOutcome{Result: CycleNone})
		return
	}
	defer atomic.StoreInt32(&s.inProgress, 0)

	elig := s.eligibility(ctx)
	if !elig.Allowed {
		s.recovery.FinishCycle(TransactionCycleOutcome{Result: CycleNone})
		return
	}
	s.runTransactionCycle(ctx, "confirm")
}

func (s *Scheduler) runTransactionCycle(ctx context.Context, source string) {
	s.recovery.BeginCycle()
	outcome, err := s.executor.SyncTransactions(ctx)
	if err != nil {
		// Local read failures are transient: leave everything pending.
		s.logger.Warn("Sync cycle aborted", "trigger", source, "error", err)
	}
	s.recovery.FinishCycle(outcome)
	s.logger.Info("Sync cycle finished", "trigger", source, "result", string(outcome.Result))
	s.rearmRetry(ctx)
}

// visitorCycle runs the independent visitor-count path. It shares the
// in-progress flag (at most one cycle of any kind in flight) but is never
// gated by the confirmation dialog.
func (s *Scheduler) visitorCycle(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.inProgress, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&s.inProgress, 0)

	elig := s.eligibility(ctx)
	if !elig.Allowed {
		return
	}
	if err := s.executor.SyncVisitorCounts(ctx); err != nil {
		s.logger.Warn("Visitor count sync failed", "error", err)
	}
}

// rearmRetry (re)arms the short-retry timer while unsynced data remains and
// cancels it the moment the queue drains.
func (s *Scheduler) rearmRetry(ctx context.Context) {
	count, err := s.queue.UnsyncedTransactionCount(ctx)
	if err != nil {
		s.logger.Warn("Failed to count unsynced transactions", "error", err)
		return
	}
	s.mu.Lock()
	retry := s.retryTimer
	s.mu.Unlock()
	if count > 0 {
		retry.Reset(s.config.RetryInterval)
	} else {
		retry.Stop()
	}
}

func (s *Scheduler) isAcknowledged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acknowledged
}
