package composite

import (
	"context"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
)

// Journal 将审计记录扇出到多个后端，返回第一个错误
type Journal struct {
	journals []port.Journal
}

func New(journals ...port.Journal) *Journal {
	// nil journals are allowed; filter in constructor for safety
	out := make([]port.Journal, 0, len(journals))
	for _, j := range journals {
		if j != nil {
			out = append(out, j)
		}
	}
	return &Journal{journals: out}
}

// Len returns the number of backends.
func (c *Journal) Len() int { return len(c.journals) }

func (c *Journal) RecordOpportunity(ctx context.Context, opp model.Opportunity) error {
	return c.each(func(j port.Journal) error { return j.RecordOpportunity(ctx, opp) })
}

func (c *Journal) RecordDecision(ctx context.Context, order *model.DecisionOrder) error {
	return c.each(func(j port.Journal) error { return j.RecordDecision(ctx, order) })
}

func (c *Journal) RecordSegment(ctx context.Context, pair model.PairID, seg *model.ExecutionSegment) error {
	return c.each(func(j port.Journal) error { return j.RecordSegment(ctx, pair, seg) })
}

func (c *Journal) RecordFailure(ctx context.Context, f model.Failure) error {
	return c.each(func(j port.Journal) error { return j.RecordFailure(ctx, f) })
}

func (c *Journal) each(fn func(port.Journal) error) error {
	var firstErr error
	for _, j := range c.journals {
		if err := fn(j); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ port.Journal = (*Journal)(nil)
