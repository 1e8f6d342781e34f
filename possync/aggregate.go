// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultAggregationWindow is the fixed window size used to merge
// visitor-count deltas before transmission. Windows are boundary-aligned
// (floored to the window size) so buckets close consistently across devices.
const DefaultAggregationWindow = 15 * time.Minute

// AggregateVisitorCounts merges unsynced visitor-count deltas into
// transmission buckets keyed by (branch, normalized group, window start).
//
// Records whose branch id is not remote-addressable are returned in dropIDs
// instead of a bucket: the remote schema cannot reference their branch, so the
// caller marks them synced without ever sending them. This is a deliberate
// drop of unreconcilable legacy data, not an error path.
//
// Summation is commutative, so re-running aggregation after a crash between
// mark-synced calls never double-counts: already-synced records are excluded
// from the next run's input by the queue itself.
func AggregateVisitorCounts(records []PendingVisitorCount, window time.Duration) (buckets []AggregationBucket, dropIDs []uuid.UUID) {
	if window <= 0 {
		window = DefaultAggregationWindow
	}

	type bucketKey struct {
		branchID    string
		group       VisitorGroup
		windowStart int64
	}

	merged := make(map[bucketKey]*AggregationBucket)
	for _, rec := range records {
		if !BranchRemoteAddressable(rec.BranchID) {
			dropIDs = append(dropIDs, rec.ID)
			continue
		}

		group := NormalizeVisitorGroup(string(rec.Group))
		windowStart := rec.Timestamp.UTC().Truncate(window)
		key := bucketKey{rec.BranchID, group, windowStart.Unix()}

		b, ok := merged[key]
		if !ok {
			b = &AggregationBucket{
				BranchID:    rec.BranchID,
				Group:       group,
				WindowStart: windowStart,
			}
			merged[key] = b
		}
		b.Sum += rec.Count
		b.SourceIDs = append(b.SourceIDs, rec.ID)
	}

	buckets = make([]AggregationBucket, 0, len(merged))
	for _, b := range merged {
		buckets = append(buckets, *b)
	}

	// Deterministic order keeps batched writes and logs stable across runs.
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].BranchID != buckets[j].BranchID {
			return buckets[i].BranchID < buckets[j].BranchID
		}
		if buckets[i].Group != buckets[j].Group {
			return buckets[i].Group < buckets[j].Group
		}
		return buckets[i].WindowStart.Before(buckets[j].WindowStart)
	})

	return buckets, dropIDs
}
