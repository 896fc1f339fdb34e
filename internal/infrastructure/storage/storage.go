package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
)

type seriesKey struct {
	pair model.PairID
	kind model.SampleKind
}

// InMemoryHistory is a HistoryStore kept in process memory. Each series is
// kept sorted by timestamp.
type InMemoryHistory struct {
	mu     sync.RWMutex
	series map[seriesKey][]model.Sample
}

func NewInMemoryHistory() *InMemoryHistory {
	return &InMemoryHistory{series: make(map[seriesKey][]model.Sample)}
}

func (r *InMemoryHistory) Append(_ context.Context, s model.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := seriesKey{s.PairID, s.Kind}
	ss := r.series[k]
	if n := len(ss); n > 0 && !s.Timestamp.After(ss[n-1].Timestamp) {
		return fmt.Errorf("%w: %s %s at %d", port.ErrDuplicateSample, s.PairID, s.Kind, s.Timestamp.UnixMilli())
	}
	r.series[k] = append(ss, s)
	return nil
}

func (r *InMemoryHistory) Window(_ context.Context, pair model.PairID, kind model.SampleKind, from, to time.Time) ([]model.Sample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ss := r.series[seriesKey{pair, kind}]
	lo := sort.Search(len(ss), func(i int) bool { return !ss[i].Timestamp.Before(from) })
	hi := sort.Search(len(ss), func(i int) bool { return ss[i].Timestamp.After(to) })
	if lo >= hi {
		return nil, nil
	}
	return append([]model.Sample(nil), ss[lo:hi]...), nil
}

func (r *InMemoryHistory) Prune(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, ss := range r.series {
		i := sort.Search(len(ss), func(i int) bool { return !ss[i].Timestamp.Before(before) })
		n += int64(i)
		r.series[k] = append([]model.Sample(nil), ss[i:]...)
	}
	return n, nil
}

func (r *InMemoryHistory) Close() error { return nil }

// InMemoryJournal keeps journal records in memory.
type InMemoryJournal struct {
	mu            sync.Mutex
	Opportunities []model.Opportunity
	Decisions     []*model.DecisionOrder
	Segments      []model.ExecutionSegment
	Failures      []model.Failure
}

func NewInMemoryJournal() *InMemoryJournal { return &InMemoryJournal{} }

func (j *InMemoryJournal) RecordOpportunity(_ context.Context, opp model.Opportunity) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Opportunities = append(j.Opportunities, opp)
	return nil
}

func (j *InMemoryJournal) RecordDecision(_ context.Context, order *model.DecisionOrder) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Decisions = append(j.Decisions, order)
	return nil
}

func (j *InMemoryJournal) RecordSegment(_ context.Context, _ model.PairID, seg *model.ExecutionSegment) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *seg
	cp.Legs = nil
	for _, l := range seg.Legs {
		lc := *l
		cp.Legs = append(cp.Legs, &lc)
	}
	j.Segments = append(j.Segments, cp)
	return nil
}

func (j *InMemoryJournal) RecordFailure(_ context.Context, f model.Failure) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Failures = append(j.Failures, f)
	return nil
}

// Snapshot returns copies of the recorded slices.
func (j *InMemoryJournal) Snapshot() (opps []model.Opportunity, decisions int, segments []model.ExecutionSegment, failures []model.Failure) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]model.Opportunity(nil), j.Opportunities...),
		len(j.Decisions),
		append([]model.ExecutionSegment(nil), j.Segments...),
		append([]model.Failure(nil), j.Failures...)
}
