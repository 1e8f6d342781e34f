// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package possync implements the offline synchronization engine for the
// festival POS application: aggregation of visitor-count deltas, idempotent
// reconciliation of pending sales against the shared backend, scheduling of
// sync cycles, and the recovery flow for unrecoverable conflicts.
//
// Records are always written to the durable local queue first (see the
// possqlite package); this engine only ever reads the unsynced set, talks to
// the remote store, and marks records synced.
package possync

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentMethod is how a sale was paid for.
type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCashless PaymentMethod = "cashless"
	PaymentVoucher  PaymentMethod = "voucher"
)

// ParsePaymentMethod validates a stored payment method string.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch PaymentMethod(s) {
	case PaymentCash, PaymentCashless, PaymentVoucher:
		return PaymentMethod(s), nil
	default:
		return "", fmt.Errorf("unknown payment method %q", s)
	}
}

// VisitorGroup classifies a visitor-count delta. Legacy rows recorded before
// the group feature carry arbitrary values and are normalized to GroupGeneral.
type VisitorGroup string

const (
	GroupGeneral  VisitorGroup = "general"
	GroupStudent  VisitorGroup = "student"
	GroupGuardian VisitorGroup = "guardian"
	GroupStaff    VisitorGroup = "staff"
)

// NormalizeVisitorGroup coerces any value outside the allowed set to the
// default group.
func NormalizeVisitorGroup(s string) VisitorGroup {
	switch VisitorGroup(s) {
	case GroupGeneral, GroupStudent, GroupGuardian, GroupStaff:
		return VisitorGroup(s)
	default:
		return GroupGeneral
	}
}

// PendingTransactionItem is one line of a pending sale. MenuID is optional:
// the referenced menu entry may have been deleted remotely by the time the
// sale syncs, in which case only the historical name/price/quantity survive.
type PendingTransactionItem struct {
	MenuID    *uuid.UUID
	MenuName  string
	Quantity  int64
	UnitPrice decimal.Decimal
	Subtotal  decimal.Decimal
}

// PendingTransaction is a locally durable sale awaiting reconciliation with
// the remote store. ID is client-generated and doubles as the remote primary
// key, which is what makes remote inserts idempotent under retries.
type PendingTransaction struct {
	ID              uuid.UUID
	BranchID        string
	TransactionCode string
	TotalAmount     decimal.Decimal
	PaymentMethod   PaymentMethod
	Items           []PendingTransactionItem
	CreatedAt       time.Time
	Synced          bool
}

// PendingVisitorCount is a locally durable visitor-count delta. Count is
// signed: positive for additions, negative for undo.
type PendingVisitorCount struct {
	ID        uuid.UUID
	BranchID  string
	Count     int64
	Timestamp time.Time
	Group     VisitorGroup
	Synced    bool
}

// AggregationBucket is a derived, never-persisted merge of visitor-count
// deltas sharing (branch, group, window). SourceIDs carries every contributing
// record so all of them can be marked synced atomically when the bucket is
// accepted remotely.
type AggregationBucket struct {
	BranchID    string
	Group       VisitorGroup
	WindowStart time.Time
	Sum         int64
	SourceIDs   []uuid.UUID
}

// CycleResult is the outcome of one sync cycle.
type CycleResult string

const (
	// CycleNone means there was nothing pending to reconcile.
	CycleNone CycleResult = "none"
	// CycleOK means every record in the cycle was fully reconciled.
	CycleOK CycleResult = "ok"
	// CycleError means at least one record hit a fatal, non-retryable
	// condition. Other records are still processed before this is returned.
	CycleError CycleResult = "error"
)

// BranchRemoteAddressable reports whether a branch id is a well-formed remote
// identifier. Legacy/local-only branch ids predate the shared backend and are
// not UUIDs; records referencing them can never be transmitted.
func BranchRemoteAddressable(branchID string) bool {
	_, err := uuid.Parse(branchID)
	return err == nil
}
