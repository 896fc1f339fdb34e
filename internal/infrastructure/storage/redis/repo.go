package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
)

// streamMaxLen 信号流近似上限
const streamMaxLen int64 = 10000

// Repo 最新状态缓存 + 机会信号流
//
//	<prefix>pairs      hash  pair_id -> PairState json
//	<prefix>baselines  hash  pair_id -> HistoryBaseline json
//	<signalStream>     stream of opportunities and failures
//	<signalChan>       pub/sub mirror of the stream
type Repo struct {
	rdb          *redis.Client
	prefix       string
	ttl          time.Duration
	keyPairs     string
	keyBaselines string
	signalStream string
	signalChan   string
}

func New(rdb *redis.Client, prefix string, ttl time.Duration, signalStream, signalChan string) *Repo {
	if strings.TrimSpace(signalStream) == "" {
		signalStream = prefix + "signals"
	}
	if strings.TrimSpace(signalChan) == "" {
		signalChan = prefix + "signals:pub"
	}
	return &Repo{
		rdb:          rdb,
		prefix:       prefix,
		ttl:          ttl,
		keyPairs:     prefix + "pairs",
		keyBaselines: prefix + "baselines",
		signalStream: signalStream,
		signalChan:   signalChan,
	}
}

func (r *Repo) PutPairState(ctx context.Context, st model.PairState) error {
	if st.A.Mid <= 0 && st.B.Mid <= 0 {
		return nil
	}
	return r.putHash(ctx, r.keyPairs, string(st.PairID), st)
}

func (r *Repo) PutBaseline(ctx context.Context, b model.HistoryBaseline) error {
	return r.putHash(ctx, r.keyBaselines, string(b.PairID), b)
}

func (r *Repo) putHash(ctx context.Context, key, field string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, key, field, string(b))
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: hset %s %s: %w", key, field, err)
	}
	return nil
}

func (r *Repo) RecordOpportunity(ctx context.Context, o model.Opportunity) error {
	return r.signal(ctx, "opportunity", string(o.PairID), o.DetectedAt, o)
}

func (r *Repo) RecordFailure(ctx context.Context, f model.Failure) error {
	return r.signal(ctx, "failure", string(f.PairID), time.Now(), f)
}

// decisions and segments live in the sql journal
func (r *Repo) RecordDecision(context.Context, *model.DecisionOrder) error { return nil }

func (r *Repo) RecordSegment(context.Context, model.PairID, *model.ExecutionSegment) error {
	return nil
}

func (r *Repo) signal(ctx context.Context, typ, pair string, ts time.Time, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	// 1) Stream: XADD <stream> MAXLEN ~ N * type pair ts_ms payload
	err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.signalStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"type":    typ,
			"pair_id": pair,
			"ts_ms":   ts.UnixMilli(),
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: xadd %s: %w", r.signalStream, err)
	}

	// 2) PubSub: PUBLISH <channel> json
	msg, err := json.Marshal(signalMessage{Type: typ, PairID: pair, TsMs: ts.UnixMilli(), Payload: payload})
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.signalChan, msg).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", r.signalChan, err)
	}
	return nil
}

type signalMessage struct {
	Type    string          `json:"type"`
	PairID  string          `json:"pair_id"`
	TsMs    int64           `json:"ts_ms"`
	Payload json.RawMessage `json:"payload"`
}

var (
	_ port.StateCache = (*Repo)(nil)
	_ port.Journal    = (*Repo)(nil)
)
