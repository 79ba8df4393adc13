package storage

import (
	"sort"

	"github.com/vietddude/txtracker/internal/core/domain"
)

// IndexName identifies a secondary index over transaction records.
type IndexName string

const (
	IndexTimestamp       IndexName = "timestamp"
	IndexActionType      IndexName = "actionType"
	IndexStatus          IndexName = "status"
	IndexActionTimestamp IndexName = "actionType_timestamp"
)

// Estimator returns the number of candidate records an index scan would visit.
type Estimator func(idx IndexName, opts QueryOptions) int

// ChooseIndex picks the most selective index for opts. An action type combined
// with a time bound always uses the compound index, since it is never less
// selective than either component. Otherwise the smallest estimated candidate
// set wins, with ties broken in declaration order.
func ChooseIndex(opts QueryOptions, estimate Estimator) IndexName {
	if opts.ActionType != "" && opts.HasRange() {
		return IndexActionTimestamp
	}

	var candidates []IndexName
	if opts.ActionType != "" {
		candidates = append(candidates, IndexActionType)
	}
	if opts.Status != "" {
		candidates = append(candidates, IndexStatus)
	}
	if opts.HasRange() {
		candidates = append(candidates, IndexTimestamp)
	}
	if len(candidates) == 0 {
		return IndexTimestamp
	}
	if len(candidates) == 1 || estimate == nil {
		return candidates[0]
	}

	best, bestCount := candidates[0], estimate(candidates[0], opts)
	for _, idx := range candidates[1:] {
		if n := estimate(idx, opts); n < bestCount {
			best, bestCount = idx, n
		}
	}
	return best
}

// SortRecords orders records by timestamp, breaking ties by id.
func SortRecords(recs []*domain.TransactionRecord, order SortOrder) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Timestamp == b.Timestamp {
			if order == SortAsc {
				return a.ID < b.ID
			}
			return a.ID > b.ID
		}
		if order == SortAsc {
			return a.Timestamp < b.Timestamp
		}
		return a.Timestamp > b.Timestamp
	})
}

// Paginate applies offset and limit. A zero limit means no limit.
func Paginate(recs []*domain.TransactionRecord, offset, limit int) []*domain.TransactionRecord {
	if offset >= len(recs) {
		return []*domain.TransactionRecord{}
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}
