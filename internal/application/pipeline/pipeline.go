package pipeline

import (
	"context"
	"errors"
	"time"

	"segarb/internal/application/aggregator"
	"segarb/internal/application/decision"
	"segarb/internal/application/executor"
	"segarb/internal/application/history"
	"segarb/internal/application/opportunity"
	"segarb/internal/application/port"
	"segarb/internal/application/risk"
	"segarb/internal/domain/model"
	"segarb/internal/domain/service"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Deps struct {
	Pairs      []model.SymbolPair
	Venues     map[model.VenueID]port.Venue
	Aggregator *aggregator.Aggregator
	Recorder   *history.Recorder
	Calculator *history.Calculator
	Finder     *opportunity.Finder
	Engine     *decision.Engine
	Positions  *decision.PositionBook
	Executor   *executor.Executor
	Risk       *service.RiskManager
	Backoff    *risk.BackoffController
	Stability  *risk.StabilityFilter
	Journal    port.Journal
	Cache      port.StateCache
	Reporter   port.Reporter
	Sink       port.Sink
	Thresholds map[model.PairID]float64 // status colouring only
}

type Config struct {
	CycleInterval    time.Duration
	BalanceInterval  time.Duration
	PositionInterval time.Duration
	FundingInterval  time.Duration // REST funding poll, 0 disables
	StatusInterval   time.Duration // live status line, 0 disables
	SnapshotInterval time.Duration // persisted status snapshot
}

// Pipeline 每个交易对一个 worker 串行执行决策周期，交易对之间并发
type Pipeline struct {
	deps Deps
	cfg  Config
	fmt  Formatter
	now  func() time.Time
}

func New(deps Deps, cfg Config) *Pipeline {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = time.Second
	}
	if cfg.BalanceInterval <= 0 {
		cfg.BalanceInterval = time.Minute
	}
	if cfg.PositionInterval <= 0 {
		cfg.PositionInterval = 10 * time.Second
	}
	p := &Pipeline{deps: deps, cfg: cfg, now: time.Now}
	deps.Aggregator.AddListener(p.onUpdate)
	return p
}

// onUpdate runs on the aggregator's venue goroutine; it must not block.
func (p *Pipeline) onUpdate(st model.PairState) {
	if p.deps.Recorder != nil {
		p.deps.Recorder.Enqueue(st)
	}
	if p.deps.Stability != nil {
		p.deps.Stability.Observe(st.PairID, st.A.Mid, st.UpdatedAt)
	}
}

// Run starts every loop and blocks until ctx is done or one of them fails.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.deps.Positions != nil {
		if err := p.deps.Positions.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("initial position refresh incomplete")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.deps.Aggregator.Run(gctx) })
	if p.deps.Recorder != nil {
		g.Go(func() error { return p.deps.Recorder.Run(gctx) })
	}
	g.Go(func() error { return p.deps.Calculator.Run(gctx) })
	g.Go(func() error { return p.every(gctx, p.cfg.BalanceInterval, p.checkBalances) })
	g.Go(func() error { return p.every(gctx, p.cfg.PositionInterval, p.refreshPositions) })
	if p.cfg.FundingInterval > 0 {
		g.Go(func() error { return p.every(gctx, p.cfg.FundingInterval, p.pollFunding) })
	}
	if p.cfg.StatusInterval > 0 && p.deps.Sink != nil {
		g.Go(func() error { return p.status(gctx) })
	}
	for _, pair := range p.deps.Pairs {
		pair := pair
		g.Go(func() error { return p.worker(gctx, pair) })
	}

	log.Info().Int("pairs", len(p.deps.Pairs)).Int("venues", len(p.deps.Venues)).Msg("pipeline started")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pipeline) every(ctx context.Context, d time.Duration, fn func(context.Context)) error {
	t := time.NewTicker(d)
	defer t.Stop()
	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			fn(ctx)
		}
	}
}

// worker serializes the pair's cycles: it is woken by aggregator updates
// (coalesced) and by the cycle ticker.
func (p *Pipeline) worker(ctx context.Context, pair model.SymbolPair) error {
	watch := p.deps.Aggregator.Watch(pair.ID)
	t := time.NewTicker(p.cfg.CycleInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-watch:
		case <-t.C:
		}
		p.Cycle(ctx, pair)
	}
}

// Cycle runs one evaluate → decide → execute pass for the pair.
func (p *Pipeline) Cycle(ctx context.Context, pair model.SymbolPair) *executor.Result {
	now := p.now()
	st, ok := p.deps.Aggregator.Snapshot(pair.ID)
	if !ok {
		return nil
	}
	b, known := p.deps.Calculator.Baseline(pair.ID, now)
	opps := p.deps.Finder.Evaluate(st, b, known, now)
	for _, o := range opps {
		p.journal(func() error { return p.deps.Journal.RecordOpportunity(ctx, o) })
	}

	if cur, ok := service.SpreadPct(st.A.Mid, st.B.Mid); ok && known && b.SpreadDefined {
		p.deps.Engine.ObserveDeviation(pair.ID, cur-b.NaturalSpread, true)
	} else {
		p.deps.Engine.ObserveDeviation(pair.ID, 0, false)
	}

	order := p.deps.Engine.Decide(pair.ID, opps, now)
	if order == nil {
		return nil
	}
	log.Info().
		Str("pair", string(pair.ID)).
		Str("order_id", order.ID).
		Str("kind", string(order.Kind)).
		Int("grid", order.GridLevel).
		Interface("legs", order.Legs).
		Msg("decision")
	p.journal(func() error { return p.deps.Journal.RecordDecision(ctx, order) })

	res, err := p.deps.Executor.Execute(ctx, order, p.revalidator(pair, order))
	if err != nil && !errors.Is(err, executor.ErrNoSegments) {
		log.Warn().Err(err).Str("pair", string(pair.ID)).Str("order_id", order.ID).Msg("execution failed")
	}
	if p.deps.Risk != nil && p.deps.Positions != nil {
		exposure, _ := p.deps.Positions.Actual(pair.VenueA, pair.SymbolA)
		p.deps.Risk.TrackExposure(pair.ID, exposure, p.now())
	}
	return res
}

// revalidator checks that at least one of the order's opportunities still
// holds against the latest state.
func (p *Pipeline) revalidator(pair model.SymbolPair, order *model.DecisionOrder) func() bool {
	return func() bool {
		now := p.now()
		st, ok := p.deps.Aggregator.Snapshot(pair.ID)
		if !ok {
			return false
		}
		b, known := p.deps.Calculator.Baseline(pair.ID, now)
		for _, o := range order.Opportunities {
			if p.deps.Finder.Revalidate(st, b, known, o, now) {
				return true
			}
		}
		return false
	}
}

func (p *Pipeline) journal(fn func() error) {
	if p.deps.Journal == nil {
		return
	}
	if err := fn(); err != nil {
		log.Debug().Err(err).Msg("journal write failed")
	}
}

func (p *Pipeline) report(ctx context.Context, f model.Failure) {
	log.Error().Str("pair", string(f.PairID)).Str("venue", string(f.Venue)).Str("stage", f.Stage).Str("cause", f.Cause).Msg("operator attention")
	p.journal(func() error { return p.deps.Journal.RecordFailure(ctx, f) })
	if p.deps.Reporter != nil {
		if err := p.deps.Reporter.Report(ctx, f); err != nil {
			log.Warn().Err(err).Msg("report failed")
		}
	}
}
