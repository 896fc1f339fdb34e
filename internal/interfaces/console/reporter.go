package console

import (
	"context"

	"github.com/rs/zerolog/log"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
)

// Reporter 把终态失败写入日志；可再包一层 next（如 telegram）
type Reporter struct {
	next port.Reporter
}

func NewReporter(next port.Reporter) *Reporter { return &Reporter{next: next} }

func (r *Reporter) Report(ctx context.Context, f model.Failure) error {
	log.Error().
		Str("pair", string(f.PairID)).
		Str("venue", string(f.Venue)).
		Str("stage", f.Stage).
		Str("cause", f.Cause).
		Msg("⚠ manual intervention required")
	if r.next == nil {
		return nil
	}
	return r.next.Report(ctx, f)
}

var _ port.Reporter = (*Reporter)(nil)
