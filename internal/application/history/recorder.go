package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
	"segarb/internal/domain/service"

	"github.com/rs/zerolog/log"
)

type sampleKey struct {
	pair model.PairID
	kind model.SampleKind
}

// Recorder 历史样本记录器：异步、持续地把聚合状态写入历史存储
type Recorder struct {
	store port.HistoryStore

	mu   sync.Mutex
	last map[sampleKey]time.Time

	queue   chan model.PairState
	dropped atomic.Int64
}

func NewRecorder(store port.HistoryStore, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Recorder{
		store: store,
		last:  make(map[sampleKey]time.Time),
		queue: make(chan model.PairState, queueSize),
	}
}

// Record appends one sample. A timestamp equal to or older than the last
// accepted one for the same pair and kind is rejected, never overwritten.
func (r *Recorder) Record(ctx context.Context, pair model.PairID, kind model.SampleKind, ts time.Time, value float64) error {
	ts = ts.Truncate(time.Millisecond)
	k := sampleKey{pair, kind}

	// 先在锁内占住时间戳，写存储不持锁
	r.mu.Lock()
	prev, had := r.last[k]
	if had && !ts.After(prev) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s %s at %d", port.ErrDuplicateSample, pair, kind, ts.UnixMilli())
	}
	r.last[k] = ts
	r.mu.Unlock()

	if err := r.store.Append(ctx, model.Sample{PairID: pair, Kind: kind, Timestamp: ts, Value: value}); err != nil {
		r.mu.Lock()
		// 只回滚自己的占位，更新的占位保留
		if r.last[k].Equal(ts) {
			if had {
				r.last[k] = prev
			} else {
				delete(r.last, k)
			}
		}
		r.mu.Unlock()
		return err
	}
	return nil
}

// Observe derives the spread and funding samples of one aggregated update.
// Funding is sampled only when a leg reported a new rate.
func (r *Recorder) Observe(ctx context.Context, st model.PairState) {
	if spread, ok := service.SpreadPct(st.A.Mid, st.B.Mid); ok {
		r.recordQuiet(ctx, st.PairID, model.SampleSpread, st.UpdatedAt, spread)
	}
	if st.A.HasFunding && st.B.HasFunding {
		ts := st.A.FundingAt
		if st.B.FundingAt.After(ts) {
			ts = st.B.FundingAt
		}
		r.recordQuiet(ctx, st.PairID, model.SampleFunding, ts, service.FundingDiffPct(st.A.Funding, st.B.Funding))
	}
}

func (r *Recorder) recordQuiet(ctx context.Context, pair model.PairID, kind model.SampleKind, ts time.Time, v float64) {
	err := r.Record(ctx, pair, kind, ts, v)
	if err == nil || errors.Is(err, port.ErrDuplicateSample) {
		return
	}
	log.Warn().Err(err).Str("pair", string(pair)).Str("kind", string(kind)).Msg("history append failed")
}

// Enqueue hands an update to the writer goroutine without blocking the
// aggregator. When the queue is full the update is dropped.
func (r *Recorder) Enqueue(st model.PairState) {
	select {
	case r.queue <- st:
	default:
		if n := r.dropped.Add(1); n%1000 == 1 {
			log.Warn().Int64("dropped", n).Msg("history queue full, dropping samples")
		}
	}
}

// Run drains the queue until ctx is done.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-r.queue:
			r.Observe(ctx, st)
		}
	}
}
