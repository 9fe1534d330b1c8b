package feed

import (
	"sort"

	"promptwatch/internal/model"
)

// Merge unions batch into history, drops duplicate event IDs, orders by
// CreatedAt descending and truncates to cap. The input slices are not
// mutated; callers swap the returned slice in wholesale so readers never
// observe a partial update. Merge is commutative over batches, which is what
// lets backfill seeding and live flushes arrive in either order.
func Merge(history, batch []model.Event, cap int) []model.Event {
	if cap <= 0 {
		return nil
	}
	merged := make([]model.Event, 0, len(history)+len(batch))
	seen := make(map[string]struct{}, len(history)+len(batch))
	for _, ev := range history {
		if _, ok := seen[ev.EventID]; ok {
			continue
		}
		seen[ev.EventID] = struct{}{}
		merged = append(merged, ev)
	}
	for _, ev := range batch {
		if _, ok := seen[ev.EventID]; ok {
			continue
		}
		seen[ev.EventID] = struct{}{}
		merged = append(merged, ev)
	}
	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.After(merged[j].CreatedAt)
		}
		// Deterministic order for equal timestamps.
		return merged[i].EventID > merged[j].EventID
	})
	if len(merged) > cap {
		merged = merged[:cap:cap]
	}
	return merged
}
