package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
)

func TestNewRejectsBadDSN(t *testing.T) {
	_, err := New(context.Background(), "not a dsn", 2)
	if err == nil {
		t.Fatal("expected parse error")
	}
}

// 需要真实数据库：SEGARB_TEST_POSTGRES_DSN=postgres://...
func TestRepoAgainstLiveDatabase(t *testing.T) {
	dsn := os.Getenv("SEGARB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SEGARB_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, err := New(ctx, dsn, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer repo.Close()

	pair := model.PairID("TEST:" + time.Now().Format("150405.000000"))
	base := time.Now().Truncate(time.Millisecond)
	s := model.Sample{PairID: pair, Kind: model.SampleSpread, Timestamp: base, Value: 0.25}
	if err := repo.Append(ctx, s); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := repo.Append(ctx, s); !errors.Is(err, port.ErrDuplicateSample) {
		t.Fatalf("expected ErrDuplicateSample, got %v", err)
	}
	got, err := repo.Window(ctx, pair, model.SampleSpread, base.Add(-time.Second), base.Add(time.Second))
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(got) != 1 || got[0].Value != 0.25 {
		t.Errorf("Window = %+v", got)
	}
	if _, err := repo.Prune(ctx, base.Add(time.Second)); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if err := repo.RecordFailure(ctx, model.Failure{PairID: pair, Stage: "test", Cause: "ok"}); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
}
