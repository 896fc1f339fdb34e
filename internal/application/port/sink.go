package port

import (
	"context"
	"time"

	"segarb/internal/domain/model"
)

type Sink interface {
	// Live line: overwrite last line (no newline)
	WriteLive(line string) error
	// Snapshot line: append a historical line with timestamp
	WriteSnapshot(ts time.Time, line string) error
	NewLine() error
}

// Reporter surfaces terminal failures (pair, venue, cause) to operators.
type Reporter interface {
	Report(ctx context.Context, f model.Failure) error
}
