package port

import (
	"context"
	"time"

	"segarb/internal/domain/model"
)

// HistoryStore is the append-only, time ordered sample log queried by
// trailing window. Append returns ErrDuplicateSample for a timestamp that
// already exists for the pair and kind.
type HistoryStore interface {
	Append(ctx context.Context, s model.Sample) error
	Window(ctx context.Context, pair model.PairID, kind model.SampleKind, from, to time.Time) ([]model.Sample, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
