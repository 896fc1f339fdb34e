package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
	"segarb/internal/domain/service"

	"github.com/rs/zerolog/log"
)

type CalculatorConfig struct {
	Window          time.Duration // trailing window, e.g. 24h
	RefreshInterval time.Duration // recompute cadence
	MinSamples      int
	PruneInterval   time.Duration // 0 disables pruning
	Retention       time.Duration // samples older than this are pruned
}

// Calculator 基线计算：滑动窗口中位数，按固定周期重算
type Calculator struct {
	store port.HistoryStore
	cache port.StateCache
	pairs []model.SymbolPair
	cfg   CalculatorConfig
	now   func() time.Time

	mu        sync.RWMutex
	baselines map[model.PairID]model.HistoryBaseline
}

func NewCalculator(store port.HistoryStore, pairs []model.SymbolPair, cfg CalculatorConfig, cache port.StateCache) *Calculator {
	if cfg.Retention <= 0 {
		cfg.Retention = 2 * cfg.Window
	}
	return &Calculator{
		store:     store,
		cache:     cache,
		pairs:     pairs,
		cfg:       cfg,
		now:       time.Now,
		baselines: make(map[model.PairID]model.HistoryBaseline, len(pairs)),
	}
}

// Recompute rebuilds every pair's baseline from the trailing window.
func (c *Calculator) Recompute(ctx context.Context, now time.Time) error {
	var firstErr error
	for _, p := range c.pairs {
		b, err := c.compute(ctx, p.ID, now)
		if err != nil {
			log.Warn().Err(err).Str("pair", string(p.ID)).Msg("baseline recompute failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.mu.Lock()
		c.baselines[p.ID] = b
		c.mu.Unlock()

		if c.cache != nil {
			if err := c.cache.PutBaseline(ctx, b); err != nil {
				log.Debug().Err(err).Str("pair", string(p.ID)).Msg("baseline cache write failed")
			}
		}
		log.Debug().
			Str("pair", string(p.ID)).
			Bool("spread_defined", b.SpreadDefined).
			Float64("natural_spread", b.NaturalSpread).
			Int("spread_samples", b.SpreadSamples).
			Bool("funding_defined", b.FundingDefined).
			Float64("natural_funding_diff", b.NaturalFundingDiff).
			Msg("baseline recomputed")
	}
	return firstErr
}

func (c *Calculator) compute(ctx context.Context, id model.PairID, now time.Time) (model.HistoryBaseline, error) {
	b := model.HistoryBaseline{
		PairID:          id,
		Window:          c.cfg.Window,
		ComputedAt:      now,
		RefreshInterval: c.cfg.RefreshInterval,
	}
	from := now.Add(-c.cfg.Window)

	spreads, err := c.store.Window(ctx, id, model.SampleSpread, from, now)
	if err != nil {
		return b, fmt.Errorf("load spread window: %w", err)
	}
	b.NaturalSpread, b.SpreadSamples, b.SpreadDefined = service.WindowMedian(spreads, c.cfg.Window, c.cfg.MinSamples, now)

	fundings, err := c.store.Window(ctx, id, model.SampleFunding, from, now)
	if err != nil {
		return b, fmt.Errorf("load funding window: %w", err)
	}
	b.NaturalFundingDiff, b.FundingSamples, b.FundingDefined = service.WindowMedian(fundings, c.cfg.Window, c.cfg.MinSamples, now)
	return b, nil
}

// Baseline returns the pair's baseline; ok is false when it was never
// computed or is stale. Callers must still check SpreadDefined and
// FundingDefined.
func (c *Calculator) Baseline(id model.PairID, now time.Time) (model.HistoryBaseline, bool) {
	c.mu.RLock()
	b, ok := c.baselines[id]
	c.mu.RUnlock()
	if !ok || b.Stale(now) {
		return b, false
	}
	return b, true
}

// Run recomputes on a fixed interval independent of sample arrival and
// prunes expired samples.
func (c *Calculator) Run(ctx context.Context) error {
	interval := c.cfg.RefreshInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prune <-chan time.Time
	if c.cfg.PruneInterval > 0 {
		pt := time.NewTicker(c.cfg.PruneInterval)
		defer pt.Stop()
		prune = pt.C
	}

	_ = c.Recompute(ctx, c.now())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = c.Recompute(ctx, c.now())
		case <-prune:
			n, err := c.store.Prune(ctx, c.now().Add(-c.cfg.Retention))
			if err != nil {
				log.Warn().Err(err).Msg("history prune failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("rows", n).Msg("history pruned")
			}
		}
	}
}
