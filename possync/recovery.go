// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Intent is what the presentation layer should currently show. The controller
// owns the state machine only; rendering is a subscriber's concern.
type Intent string

const (
	IntentNone        Intent = "none"
	IntentShowConfirm Intent = "show_confirm"
	IntentShowFatal   Intent = "show_fatal"
)

// RecoveryState is the controller's current position in the dialog flow.
type RecoveryState string

const (
	StateIdle             RecoveryState = "idle"
	StatePromptingConfirm RecoveryState = "prompting_confirm"
	StateSyncing          RecoveryState = "syncing"
	StatePromptingFatal   RecoveryState = "prompting_fatal_error"
)

// BranchPurger is the destructive recovery action: remove all pending
// transactions for a branch regardless of sync state. Implemented by
// possqlite.Store.ClearBranch.
type BranchPurger interface {
	ClearBranch(ctx context.Context, branchID string) error
}

// RecoveryController turns scheduler outcomes into user-facing prompts: a
// confirmation before the first automatic sync of an app launch, and a more
// severe prompt when a cycle detects a fatal (foreign-key) condition whose
// only resolution is a destructive purge.
//
// The controller is pure state: it emits Intent values to a subscribed
// presenter and never renders anything itself.
type RecoveryController struct {
	mu            sync.Mutex
	state         RecoveryState
	fatalBranches []string

	purger    BranchPurger
	presenter func(Intent)
	onAccept  func(context.Context)
	logger    *slog.Logger
}

// NewRecoveryController creates a controller over the given purger. presenter
// receives every intent change; onAccept is invoked when the user confirms
// the initial sync prompt (the scheduler wires its cycle runner here).
func NewRecoveryController(purger BranchPurger, presenter func(Intent), logger *slog.Logger) *RecoveryController {
	if presenter == nil {
		presenter = func(Intent) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryController{
		state:     StateIdle,
		purger:    purger,
		presenter: presenter,
		logger:    logger,
	}
}

// SetAcceptHandler wires the callback invoked on Accept. Must be called
// before the controller is used; the scheduler does this during construction.
func (c *RecoveryController) SetAcceptHandler(fn func(context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAccept = fn
}

// State returns the current state.
func (c *RecoveryController) State() RecoveryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// FatalBranches returns the branches the last fatal classification named.
func (c *RecoveryController) FatalBranches() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.fatalBranches))
	copy(out, c.fatalBranches)
	return out
}

// RequestConfirm moves idle → prompting_confirm. A no-op while a prompt is
// already showing or a cycle is running, so concurrent triggers collapse into
// one prompt.
func (c *RecoveryController) RequestConfirm() {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return
	}
	c.state = StatePromptingConfirm
	c.mu.Unlock()
	c.presenter(IntentShowConfirm)
}

// Accept is the user confirming the initial sync prompt: prompting_confirm →
// syncing, then the wired cycle runner is invoked.
func (c *RecoveryController) Accept(ctx context.Context) {
	c.mu.Lock()
	if c.state != StatePromptingConfirm {
		c.mu.Unlock()
		return
	}
	c.state = StateSyncing
	fn := c.onAccept
	c.mu.Unlock()
	c.presenter(IntentNone)
	if fn != nil {
		fn(ctx)
	}
}

// Decline leaves everything pending; the next trigger re-prompts.
func (c *RecoveryController) Decline() {
	c.mu.Lock()
	if c.state != StatePromptingConfirm {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.mu.Unlock()
	c.presenter(IntentNone)
}

// BeginCycle marks a scheduler-driven cycle as running. Accept-driven cycles
// are already in syncing state.
func (c *RecoveryController) BeginCycle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle {
		c.state = StateSyncing
	}
}

// FinishCycle records the outcome of a cycle. A fatal result moves to
// prompting_fatal_error with the offending branches; anything else returns to
// idle.
func (c *RecoveryController) FinishCycle(outcome TransactionCycleOutcome) {
	c.mu.Lock()
	if c.state != StateSyncing {
		c.mu.Unlock()
		return
	}
	if outcome.Result == CycleError {
		c.state = StatePromptingFatal
		c.fatalBranches = append([]string(nil), outcome.FatalBranches...)
		c.mu.Unlock()
		c.presenter(IntentShowFatal)
		return
	}
	c.state = StateIdle
	c.mu.Unlock()
	c.presenter(IntentNone)
}

// ConfirmPurge is the user accepting the destructive recovery action: all
// pending transactions of every fatal branch are removed locally.
func (c *RecoveryController) ConfirmPurge(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StatePromptingFatal {
		c.mu.Unlock()
		return nil
	}
	branches := append([]string(nil), c.fatalBranches...)
	c.state = StateIdle
	c.fatalBranches = nil
	c.mu.Unlock()
	c.presenter(IntentNone)

	for _, branch := range branches {
		if err := c.purger.ClearBranch(ctx, branch); err != nil {
			return fmt.Errorf("failed to purge pending data for branch %s: %w", branch, err)
		}
		c.logger.Warn("Purged pending transactions after fatal sync conflict", "branch", branch)
	}
	return nil
}

// DismissFatal closes the fatal prompt without purging. The data stays
// pending and will be re-classified as fatal on the next cycle.
func (c *RecoveryController) DismissFatal() {
	c.mu.Lock()
	if c.state != StatePromptingFatal {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.fatalBranches = nil
	c.mu.Unlock()
	c.presenter(IntentNone)
}
