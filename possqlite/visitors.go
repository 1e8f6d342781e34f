// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sota0426/festival-pos-app-sub001/possync"
)

// AppendVisitorCount persists a visitor-count delta. Counts are signed:
// positive for additions, negative for undo taps.
func (s *Store) AppendVisitorCount(ctx context.Context, vc *possync.PendingVisitorCount) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	group := possync.NormalizeVisitorGroup(string(vc.Group))
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO pending_visitor_counts (id, branch_id, count, timestamp, group_type, synced)
		VALUES (?, ?, ?, ?, ?, 0)
	`, vc.ID.String(), vc.BranchID, vc.Count, vc.Timestamp.UTC().Format(timeFormat), string(group))
	if err != nil {
		return fmt.Errorf("failed to append visitor count %s: %w", vc.ID, err)
	}
	return nil
}

// ListUnsyncedVisitorCounts returns all visitor-count deltas with
// synced=false in timestamp order. Group values are handed back raw; the
// aggregator normalizes legacy values.
func (s *Store) ListUnsyncedVisitorCounts(ctx context.Context) ([]possync.PendingVisitorCount, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, branch_id, count, timestamp, group_type
		FROM pending_visitor_counts
		WHERE synced = 0
		ORDER BY timestamp, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced visitor counts: %w", err)
	}
	defer rows.Close()

	var out []possync.PendingVisitorCount
	for rows.Next() {
		var vc possync.PendingVisitorCount
		var id, ts, group string
		if err := rows.Scan(&id, &vc.BranchID, &vc.Count, &ts, &group); err != nil {
			return nil, fmt.Errorf("failed to scan visitor count: %w", err)
		}
		parsedID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("failed to parse visitor count id %q: %w", id, err)
		}
		vc.ID = parsedID
		vc.Timestamp, err = time.Parse(timeFormat, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse visitor count timestamp %q: %w", ts, err)
		}
		vc.Group = possync.VisitorGroup(group)
		out = append(out, vc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unsynced visitor counts: %w", err)
	}
	return out, nil
}

// MarkVisitorCountsSynced sets synced=true on the given ids in one update, so
// every record that contributed to a transmitted bucket is acknowledged
// atomically. Already-synced ids are a no-op.
func (s *Store) MarkVisitorCountsSynced(ctx context.Context, ids []uuid.UUID) error {
	return s.markSynced(ctx, "pending_visitor_counts", ids)
}
