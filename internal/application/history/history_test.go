package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
)

type fakeStore struct {
	mu      sync.Mutex
	samples []model.Sample
	failN   int
	hold    chan struct{} // 非空时 Append 阻塞直到关闭
	entered chan struct{}
}

func (s *fakeStore) Append(_ context.Context, sm model.Sample) error {
	if s.hold != nil {
		s.entered <- struct{}{}
		<-s.hold
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("disk full")
	}
	s.samples = append(s.samples, sm)
	return nil
}

func (s *fakeStore) Window(_ context.Context, pair model.PairID, kind model.SampleKind, from, to time.Time) ([]model.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Sample
	for _, sm := range s.samples {
		if sm.PairID == pair && sm.Kind == kind && !sm.Timestamp.Before(from) && !sm.Timestamp.After(to) {
			out = append(out, sm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *fakeStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.samples[:0]
	var n int64
	for _, sm := range s.samples {
		if sm.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, sm)
	}
	s.samples = kept
	return n, nil
}

func (s *fakeStore) Close() error { return nil }

var testPair = model.NewSymbolPair("", "BTCUSDT", "binance", "bybit", "BTCUSDT", "BTCUSDT")

func TestRecorderRejectsDuplicateTimestamps(t *testing.T) {
	store := &fakeStore{}
	r := NewRecorder(store, 0)
	ctx := context.Background()
	ts := time.Unix(1700000000, 0)

	if err := r.Record(ctx, testPair.ID, model.SampleSpread, ts, 0.1); err != nil {
		t.Fatalf("first record: %v", err)
	}
	err := r.Record(ctx, testPair.ID, model.SampleSpread, ts, 0.2)
	if !errors.Is(err, port.ErrDuplicateSample) {
		t.Fatalf("expected ErrDuplicateSample, got %v", err)
	}
	err = r.Record(ctx, testPair.ID, model.SampleSpread, ts.Add(-time.Second), 0.2)
	if !errors.Is(err, port.ErrDuplicateSample) {
		t.Fatalf("expected ErrDuplicateSample for older sample, got %v", err)
	}
	// other kind keeps its own sequence
	if err := r.Record(ctx, testPair.ID, model.SampleFunding, ts, 0.01); err != nil {
		t.Fatalf("funding record: %v", err)
	}
	if len(store.samples) != 2 {
		t.Fatalf("expected 2 stored samples, got %d", len(store.samples))
	}
	if store.samples[0].Value != 0.1 {
		t.Fatalf("original sample overwritten: %v", store.samples[0].Value)
	}
}

func TestRecorderRollsBackFailedAppend(t *testing.T) {
	store := &fakeStore{failN: 1}
	r := NewRecorder(store, 0)
	ctx := context.Background()
	ts := time.UnixMilli(1700000000000)

	if err := r.Record(ctx, testPair.ID, model.SampleSpread, ts, 0.1); err == nil {
		t.Fatalf("expected store error")
	}
	// 失败的写入不能占住时间戳
	if err := r.Record(ctx, testPair.ID, model.SampleSpread, ts, 0.1); err != nil {
		t.Fatalf("retry after failed append: %v", err)
	}
	if len(store.samples) != 1 {
		t.Fatalf("samples = %d", len(store.samples))
	}
}

func TestRecorderDoesNotHoldLockAcrossAppend(t *testing.T) {
	store := &fakeStore{hold: make(chan struct{}), entered: make(chan struct{}, 2)}
	r := NewRecorder(store, 0)
	ctx := context.Background()
	ts := time.UnixMilli(1700000000000)

	done := make(chan error, 2)
	go func() { done <- r.Record(ctx, testPair.ID, model.SampleSpread, ts, 0.1) }()
	<-store.entered

	// 第一次写入阻塞在存储里时，同一时间戳已被占用，另一组 key 仍可进入存储
	if err := r.Record(ctx, testPair.ID, model.SampleSpread, ts, 0.2); !errors.Is(err, port.ErrDuplicateSample) {
		t.Fatalf("expected duplicate while in flight, got %v", err)
	}
	go func() { done <- r.Record(ctx, testPair.ID, model.SampleFunding, ts, 0.01) }()
	select {
	case <-store.entered:
	case <-time.After(time.Second):
		t.Fatalf("second key blocked behind the in-flight append")
	}
	close(store.hold)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("record: %v", err)
		}
	}
}

func TestRecorderObserve(t *testing.T) {
	store := &fakeStore{}
	r := NewRecorder(store, 0)
	now := time.Unix(1700000000, 0)
	st := model.PairState{
		PairID:    testPair.ID,
		A:         model.LegQuote{Mid: 100, Funding: 0.0001, HasFunding: true, FundingAt: now},
		B:         model.LegQuote{Mid: 101, Funding: 0.0003, HasFunding: true, FundingAt: now},
		UpdatedAt: now,
	}
	r.Observe(context.Background(), st)
	// same update twice: no new samples
	r.Observe(context.Background(), st)

	if len(store.samples) != 2 {
		t.Fatalf("expected spread and funding samples, got %d", len(store.samples))
	}
	for _, sm := range store.samples {
		switch sm.Kind {
		case model.SampleSpread:
			if sm.Value < 0.999 || sm.Value > 1.001 {
				t.Errorf("spread = %v, want 1", sm.Value)
			}
		case model.SampleFunding:
			if sm.Value < 0.0199 || sm.Value > 0.0201 {
				t.Errorf("funding diff = %v, want 0.02", sm.Value)
			}
		}
	}
}

func seed(store *fakeStore, kind model.SampleKind, now time.Time, n int, value float64) {
	for i := 0; i < n; i++ {
		store.samples = append(store.samples, model.Sample{
			PairID:    testPair.ID,
			Kind:      kind,
			Timestamp: now.Add(-time.Duration(n-i) * time.Minute),
			Value:     value + float64(i%3)*0.01,
		})
	}
}

func TestCalculatorBelowMinSamples(t *testing.T) {
	store := &fakeStore{}
	now := time.Unix(1700000000, 0)
	seed(store, model.SampleSpread, now, 5, 0.1)

	c := NewCalculator(store, []model.SymbolPair{testPair}, CalculatorConfig{
		Window: 24 * time.Hour, RefreshInterval: time.Minute, MinSamples: 10,
	}, nil)
	if err := c.Recompute(context.Background(), now); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	b, ok := c.Baseline(testPair.ID, now)
	if !ok {
		t.Fatalf("baseline should be fresh")
	}
	if b.SpreadDefined {
		t.Fatalf("spread baseline defined with %d samples", b.SpreadSamples)
	}
}

func TestCalculatorMedianAndStaleness(t *testing.T) {
	store := &fakeStore{}
	now := time.Unix(1700000000, 0)
	seed(store, model.SampleSpread, now, 30, 0.1)

	c := NewCalculator(store, []model.SymbolPair{testPair}, CalculatorConfig{
		Window: 24 * time.Hour, RefreshInterval: time.Minute, MinSamples: 10,
	}, nil)
	if err := c.Recompute(context.Background(), now); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	b, ok := c.Baseline(testPair.ID, now)
	if !ok || !b.SpreadDefined {
		t.Fatalf("expected defined baseline, ok=%v defined=%v", ok, b.SpreadDefined)
	}
	if b.NaturalSpread < 0.109 || b.NaturalSpread > 0.111 {
		t.Fatalf("median = %v, want 0.11", b.NaturalSpread)
	}
	if b.FundingDefined {
		t.Fatalf("funding baseline should be undefined without samples")
	}

	if _, ok := c.Baseline(testPair.ID, now.Add(3*time.Minute)); ok {
		t.Fatalf("baseline should be stale after 2x refresh interval")
	}
}

func TestCalculatorGapLargerThanWindow(t *testing.T) {
	store := &fakeStore{}
	now := time.Unix(1700000000, 0)
	seed(store, model.SampleSpread, now.Add(-48*time.Hour), 30, 0.1)

	c := NewCalculator(store, []model.SymbolPair{testPair}, CalculatorConfig{
		Window: 24 * time.Hour, RefreshInterval: time.Minute, MinSamples: 10,
	}, nil)
	_ = c.Recompute(context.Background(), now)
	b, _ := c.Baseline(testPair.ID, now)
	if b.SpreadDefined {
		t.Fatalf("baseline defined across a gap larger than the window")
	}
}
