package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vietddude/txtracker/internal/core/domain"
	"github.com/vietddude/txtracker/internal/infra/storage"
)

// tsKey orders ids by (timestamp, id) inside sorted indexes.
type tsKey struct {
	ts int64
	id string
}

func (k tsKey) less(o tsKey) bool {
	if k.ts == o.ts {
		return k.id < o.id
	}
	return k.ts < o.ts
}

type sortedKeys []tsKey

func (s sortedKeys) search(k tsKey) int {
	return sort.Search(len(s), func(i int) bool { return !s[i].less(k) })
}

func (s sortedKeys) insert(k tsKey) sortedKeys {
	i := s.search(k)
	s = append(s, tsKey{})
	copy(s[i+1:], s[i:])
	s[i] = k
	return s
}

func (s sortedKeys) remove(k tsKey) sortedKeys {
	i := s.search(k)
	if i < len(s) && s[i] == k {
		return append(s[:i], s[i+1:]...)
	}
	return s
}

// bounds returns the [lo, hi) slice positions for a millisecond range.
// Unset bounds are passed as nil.
func (s sortedKeys) bounds(start, end *int64) (int, int) {
	lo, hi := 0, len(s)
	if start != nil {
		lo = sort.Search(len(s), func(i int) bool { return s[i].ts >= *start })
	}
	if end != nil {
		hi = sort.Search(len(s), func(i int) bool { return s[i].ts >= *end })
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

type idSet map[string]struct{}

// RecordStore is an in-memory RecordRepository that maintains the same
// secondary indexes as the SQL schema and plans each query against them.
type RecordStore struct {
	mu           sync.RWMutex
	records      map[string]*domain.TransactionRecord
	byTime       sortedKeys
	byAction     map[domain.ActionType]idSet
	byStatus     map[domain.TxStatus]idSet
	byActionTime map[domain.ActionType]sortedKeys
}

// NewRecordStore creates an empty store.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		records:      make(map[string]*domain.TransactionRecord),
		byAction:     make(map[domain.ActionType]idSet),
		byStatus:     make(map[domain.TxStatus]idSet),
		byActionTime: make(map[domain.ActionType]sortedKeys),
	}
}

func (r *RecordStore) index(rec *domain.TransactionRecord) {
	k := tsKey{ts: rec.Timestamp, id: rec.ID}
	r.byTime = r.byTime.insert(k)
	r.byActionTime[rec.ActionType] = r.byActionTime[rec.ActionType].insert(k)
	if r.byAction[rec.ActionType] == nil {
		r.byAction[rec.ActionType] = make(idSet)
	}
	r.byAction[rec.ActionType][rec.ID] = struct{}{}
	if r.byStatus[rec.Status] == nil {
		r.byStatus[rec.Status] = make(idSet)
	}
	r.byStatus[rec.Status][rec.ID] = struct{}{}
}

func (r *RecordStore) unindex(rec *domain.TransactionRecord) {
	k := tsKey{ts: rec.Timestamp, id: rec.ID}
	r.byTime = r.byTime.remove(k)
	r.byActionTime[rec.ActionType] = r.byActionTime[rec.ActionType].remove(k)
	delete(r.byAction[rec.ActionType], rec.ID)
	delete(r.byStatus[rec.Status], rec.ID)
}

func (r *RecordStore) put(rec *domain.TransactionRecord) {
	if old, ok := r.records[rec.ID]; ok {
		r.unindex(old)
	}
	r.records[rec.ID] = rec
	r.index(rec)
}

func (r *RecordStore) Save(ctx context.Context, rec *domain.TransactionRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: record id is required", domain.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(rec.Clone())
	return nil
}

func (r *RecordStore) Get(ctx context.Context, id string) (*domain.TransactionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *RecordStore) All(ctx context.Context) ([]*domain.TransactionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.TransactionRecord, 0, len(r.records))
	for _, k := range r.byTime {
		out = append(out, r.records[k.id].Clone())
	}
	return out, nil
}

// Explain reports which index Query would scan for opts.
func (r *RecordStore) Explain(opts storage.QueryOptions) storage.IndexName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return storage.ChooseIndex(opts, r.estimate)
}

func (r *RecordStore) Query(
	ctx context.Context,
	opts storage.QueryOptions,
) ([]*domain.TransactionRecord, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := storage.ChooseIndex(opts, r.estimate)
	out := make([]*domain.TransactionRecord, 0)
	for _, id := range r.scan(idx, opts) {
		rec := r.records[id]
		// Post-filter: the index only narrows one predicate.
		if opts.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}

	order := opts.Order
	if order == "" {
		order = storage.SortDesc
	}
	storage.SortRecords(out, order)
	return storage.Paginate(out, opts.Offset, opts.Limit), nil
}

func rangeOf(opts storage.QueryOptions) (start, end *int64) {
	if !opts.StartDate.IsZero() {
		v := opts.StartDate.UnixMilli()
		start = &v
	}
	if !opts.EndDate.IsZero() {
		v := opts.EndDate.UnixMilli()
		end = &v
	}
	return start, end
}

func (r *RecordStore) estimate(idx storage.IndexName, opts storage.QueryOptions) int {
	start, end := rangeOf(opts)
	switch idx {
	case storage.IndexActionType:
		return len(r.byAction[opts.ActionType])
	case storage.IndexStatus:
		return len(r.byStatus[opts.Status])
	case storage.IndexActionTimestamp:
		lo, hi := r.byActionTime[opts.ActionType].bounds(start, end)
		return hi - lo
	default:
		lo, hi := r.byTime.bounds(start, end)
		return hi - lo
	}
}

func (r *RecordStore) scan(idx storage.IndexName, opts storage.QueryOptions) []string {
	start, end := rangeOf(opts)
	switch idx {
	case storage.IndexActionType:
		return setIDs(r.byAction[opts.ActionType])
	case storage.IndexStatus:
		return setIDs(r.byStatus[opts.Status])
	case storage.IndexActionTimestamp:
		keys := r.byActionTime[opts.ActionType]
		lo, hi := keys.bounds(start, end)
		return keyIDs(keys[lo:hi])
	default:
		lo, hi := r.byTime.bounds(start, end)
		return keyIDs(r.byTime[lo:hi])
	}
}

func setIDs(s idSet) []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	return ids
}

func keyIDs(keys sortedKeys) []string {
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.id
	}
	return ids
}

func (r *RecordStore) UpdateStatus(
	ctx context.Context,
	id string,
	status domain.TxStatus,
	patch domain.RecordPatch,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.records[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, domain.ErrNotFound)
	}
	updated := old.Clone()
	patch.Apply(updated, status)
	r.put(updated)
	return nil
}

func (r *RecordStore) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.records[id]; ok {
		r.unindex(old)
		delete(r.records, id)
	}
	return nil
}

func (r *RecordStore) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]*domain.TransactionRecord)
	r.byTime = nil
	r.byAction = make(map[domain.ActionType]idSet)
	r.byStatus = make(map[domain.TxStatus]idSet)
	r.byActionTime = make(map[domain.ActionType]sortedKeys)
	return nil
}

func (r *RecordStore) Close() error { return nil }
