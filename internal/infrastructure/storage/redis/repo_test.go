package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"segarb/internal/domain/model"
)

func TestNewDefaultsKeys(t *testing.T) {
	r := New(nil, "segarb:", time.Minute, "", "")
	if r.keyPairs != "segarb:pairs" || r.keyBaselines != "segarb:baselines" {
		t.Errorf("keys = %s %s", r.keyPairs, r.keyBaselines)
	}
	if r.signalStream != "segarb:signals" || r.signalChan != "segarb:signals:pub" {
		t.Errorf("signal keys = %s %s", r.signalStream, r.signalChan)
	}

	r = New(nil, "x:", 0, "opps", "opps:pub")
	if r.signalStream != "opps" || r.signalChan != "opps:pub" {
		t.Errorf("explicit signal keys = %s %s", r.signalStream, r.signalChan)
	}
}

func TestPutPairStateSkipsEmpty(t *testing.T) {
	// nil client: must return before touching redis
	r := New(nil, "segarb:", time.Minute, "", "")
	if err := r.PutPairState(context.Background(), model.PairState{PairID: "p"}); err != nil {
		t.Fatalf("PutPairState: %v", err)
	}
}

func TestUnreachableRedisReturnsError(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	r := New(rdb, "segarb:", time.Minute, "", "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.RecordOpportunity(ctx, model.Opportunity{PairID: "p", DetectedAt: time.Now()}); err == nil {
		t.Fatal("expected error from unreachable redis")
	}
}

// 需要真实 redis：SEGARB_TEST_REDIS_ADDR=127.0.0.1:6379
func TestRepoAgainstLiveRedis(t *testing.T) {
	addr := os.Getenv("SEGARB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SEGARB_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx := context.Background()
	prefix := "segarb_test:" + time.Now().Format("150405.000000") + ":"
	r := New(rdb, prefix, time.Minute, "", "")
	defer rdb.Del(ctx, r.keyPairs, r.keyBaselines, r.signalStream)

	st := model.PairState{
		PairID: "BTC:binance-bybit",
		A:      model.LegQuote{Venue: "binance", Mid: 100},
		B:      model.LegQuote{Venue: "bybit", Mid: 101},
	}
	if err := r.PutPairState(ctx, st); err != nil {
		t.Fatalf("PutPairState: %v", err)
	}
	raw, err := rdb.HGet(ctx, r.keyPairs, string(st.PairID)).Result()
	if err != nil {
		t.Fatalf("HGet: %v", err)
	}
	var got model.PairState
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.B.Mid != 101 {
		t.Errorf("stored state = %+v", got)
	}

	if err := r.RecordOpportunity(ctx, model.Opportunity{PairID: st.PairID, Kind: model.OpportunitySpread, DetectedAt: time.Now()}); err != nil {
		t.Fatalf("RecordOpportunity: %v", err)
	}
	n, err := rdb.XLen(ctx, r.signalStream).Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	if n != 1 {
		t.Errorf("stream length = %d", n)
	}
}
