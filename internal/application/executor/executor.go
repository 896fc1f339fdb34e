package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"segarb/internal/application/port"
	"segarb/internal/application/risk"
	"segarb/internal/domain/model"
	"segarb/internal/domain/service"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoSegments is returned when the order has nothing to execute.
	ErrNoSegments = errors.New("no segments to execute")
	// ErrUnknownPair is returned for orders of an unregistered pair.
	ErrUnknownPair = errors.New("unknown pair")
)

// Quotes gives access to the aggregated market state.
type Quotes interface {
	Snapshot(id model.PairID) (model.PairState, bool)
}

// ImbalanceSink receives unhedged fills left behind by a failed segment.
// attempts counts the closes already tried for the excess.
type ImbalanceSink interface {
	FlagImbalance(id model.PairID, venue model.VenueID, symbol string, excess float64, attempts int)
}

// Gate is the pre-segment risk check.
type Gate interface {
	Check(ctx context.Context, req risk.SegmentRequest) model.RiskGateResult
}

// PositionSync keeps the position book in line with fills and venue truth.
type PositionSync interface {
	ApplyFill(venue model.VenueID, symbol string, signedQty float64)
	Refresh(ctx context.Context, venues ...model.VenueID) error
}

type Config struct {
	LegTimeout        time.Duration
	PollInterval      time.Duration
	IOCPriceOffsetPct float64
	// 失衡平仓最多尝试次数，之后上报终态失败不再重试
	MaxImbalanceCloses int
}

type Deps struct {
	Venues    map[model.VenueID]port.Trading
	Pairs     map[model.PairID]model.SymbolPair
	Segmenter map[model.PairID]Segmenter
	Quotes    Quotes
	Imbalance ImbalanceSink
	Gate      Gate
	Positions PositionSync
	Backoff   *risk.BackoffController
	Guard     *risk.ReduceOnlyGuard
	Risk      *service.RiskManager
	Journal   port.Journal
	Reporter  port.Reporter
}

// Result 一个决策订单的执行结果
type Result struct {
	OrderID  string
	PairID   model.PairID
	State    model.ExecutionState
	Segments []*model.ExecutionSegment
	Filled   map[model.VenueID]float64 // signed
	Err      error
}

// Executor 分段执行器：把决策订单切成有界分段，逐段并发下单两条腿，
// 处理单腿成交失衡
type Executor struct {
	deps Deps
	cfg  Config
	now  func() time.Time
}

func New(deps Deps, cfg Config) *Executor {
	if cfg.LegTimeout <= 0 {
		cfg.LegTimeout = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.IOCPriceOffsetPct <= 0 {
		cfg.IOCPriceOffsetPct = 0.1
	}
	if cfg.MaxImbalanceCloses <= 0 {
		cfg.MaxImbalanceCloses = 3
	}
	return &Executor{deps: deps, cfg: cfg, now: time.Now}
}

type execution struct {
	res   *Result
	state model.ExecutionState
}

func (e *execution) advance(to model.ExecutionState) {
	next, err := model.NextExecState(e.state, to)
	if err != nil {
		log.Error().Err(err).Str("order_id", e.res.OrderID).Msg("execution state")
		return
	}
	e.state = next
	e.res.State = next
}

// Execute runs the order segment by segment. revalidate is consulted
// before every segment of an opening order; a false return or an abort
// flag stops the segments that have not started yet.
func (x *Executor) Execute(ctx context.Context, order *model.DecisionOrder, revalidate func() bool) (*Result, error) {
	pair, ok := x.deps.Pairs[order.PairID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPair, order.PairID)
	}
	ex := &execution{
		res: &Result{
			OrderID: order.ID,
			PairID:  order.PairID,
			State:   model.ExecCreated,
			Filled:  make(map[model.VenueID]float64),
		},
		state: model.ExecCreated,
	}

	ex.advance(model.ExecSegmenting)
	plan := x.deps.Segmenter[order.PairID].Plan(order)
	if len(plan) == 0 {
		ex.advance(model.ExecDone)
		return ex.res, ErrNoSegments
	}
	log.Info().
		Str("pair", string(order.PairID)).
		Str("order_id", order.ID).
		Str("kind", string(order.Kind)).
		Str("policy", string(order.Policy)).
		Int("segments", len(plan)).
		Float64("qty", order.MaxAbsDelta()).
		Msg("execution started")

	ex.advance(model.ExecExecuting)
	total := order.MaxAbsDelta()
	failed := false
	for i, children := range plan {
		seg := x.newSegment(order, i+1, children, total)
		ex.res.Segments = append(ex.res.Segments, seg)

		if reason := x.stopReason(ctx, order, revalidate); reason != "" {
			x.abortFrom(ctx, ex.res, order, plan, i, total, reason)
			x.reflag(order, ex.res)
			break
		}

		gate := x.gate(ctx, pair, order, seg)
		if !gate.Allowed {
			x.abortFrom(ctx, ex.res, order, plan, i, total, gate.Gate+": "+gate.Reason)
			x.reflag(order, ex.res)
			break
		}
		if gate.Adjusted(seg.Size) {
			log.Info().Str("pair", string(pair.ID)).Float64("from", seg.Size).Float64("to", gate.AdjustedQty).Str("reason", gate.Reason).Msg("segment shrunk")
			x.resize(seg, gate.AdjustedQty)
			children = scale(children, gate.AdjustedQty)
		}

		// a started segment runs to completion even if the caller stops
		x.runSegment(context.WithoutCancel(ctx), pair, order, seg, children)
		x.journalSegment(ctx, pair.ID, seg)
		for _, l := range seg.Legs {
			ex.res.Filled[l.Venue] += l.SignedFilled()
		}
		if seg.State == model.SegmentFailed {
			failed = true
			ex.res.Err = fmt.Errorf("segment %d: %s", seg.SequenceNo, seg.Reason)
			x.abortFrom(ctx, ex.res, order, plan, i+1, total, "previous segment failed")
			break
		}
	}

	ex.advance(model.ExecReconciling)
	if x.deps.Positions != nil {
		venues := make([]model.VenueID, 0, len(order.Legs))
		for _, l := range order.Legs {
			venues = append(venues, l.Venue)
		}
		if err := x.deps.Positions.Refresh(ctx, venues...); err != nil {
			log.Warn().Err(err).Str("pair", string(pair.ID)).Msg("reconcile refresh failed, keeping fill-adjusted positions")
		}
	}

	if failed {
		ex.advance(model.ExecFailed)
	} else {
		ex.advance(model.ExecDone)
	}
	log.Info().
		Str("pair", string(pair.ID)).
		Str("order_id", order.ID).
		Str("state", string(ex.res.State)).
		Interface("filled", ex.res.Filled).
		Msg("execution finished")
	return ex.res, ex.res.Err
}

func (x *Executor) stopReason(ctx context.Context, order *model.DecisionOrder, revalidate func() bool) string {
	if ctx.Err() != nil {
		return "context done"
	}
	if order.Aborted() {
		return "aborted"
	}
	if order.Opening() && revalidate != nil && !revalidate() {
		return "opportunity no longer valid"
	}
	return ""
}

// newSegment sizes every leg in proportion to its share of the order.
func (x *Executor) newSegment(order *model.DecisionOrder, seq int, children []float64, total float64) *model.ExecutionSegment {
	size := sum(children)
	seg := &model.ExecutionSegment{
		DecisionOrderID: order.ID,
		SequenceNo:      seq,
		Size:            size,
		State:           model.SegmentPending,
	}
	reduce := order.Kind == model.DecisionClose || order.Kind == model.DecisionUnwind
	for _, l := range order.Legs {
		if l.Delta == 0 {
			continue
		}
		seg.Legs = append(seg.Legs, &model.OrderLeg{
			Venue:      l.Venue,
			Symbol:     l.Symbol,
			Side:       model.SideFor(l.Delta),
			Qty:        math.Abs(l.Delta) * size / total,
			Market:     true,
			ReduceOnly: reduce,
			Status:     model.LegPending,
		})
	}
	return seg
}

func (x *Executor) resize(seg *model.ExecutionSegment, size float64) {
	if seg.Size <= 0 {
		return
	}
	f := size / seg.Size
	for _, l := range seg.Legs {
		l.Qty *= f
	}
	seg.Size = size
}

func (x *Executor) gate(ctx context.Context, pair model.SymbolPair, order *model.DecisionOrder, seg *model.ExecutionSegment) model.RiskGateResult {
	if x.deps.Gate == nil {
		return model.Allow(seg.Size)
	}
	req := risk.SegmentRequest{
		Pair:    pair,
		Opening: order.Opening(),
		Size:    seg.Size,
		Books:   make(map[model.VenueID]*model.OrderBook, len(seg.Legs)),
	}
	var st model.PairState
	var haveState bool
	if x.deps.Quotes != nil {
		st, haveState = x.deps.Quotes.Snapshot(pair.ID)
	}
	for _, l := range seg.Legs {
		req.Legs = append(req.Legs, risk.LegRequest{Venue: l.Venue, Symbol: l.Symbol, Side: l.Side, Qty: l.Qty})
		if haveState {
			if q, ok := st.Leg(l.Venue); ok {
				req.Books[l.Venue] = q.Book
			}
		}
	}
	return x.deps.Gate.Check(ctx, req)
}

// abortFrom marks segments from index i on as aborted.
func (x *Executor) abortFrom(ctx context.Context, res *Result, order *model.DecisionOrder, plan [][]float64, i int, total float64, reason string) {
	for j := i; j < len(plan); j++ {
		var seg *model.ExecutionSegment
		if j < len(res.Segments) {
			seg = res.Segments[j]
		} else {
			seg = x.newSegment(order, j+1, plan[j], total)
			res.Segments = append(res.Segments, seg)
		}
		if seg.State.Terminal() {
			continue
		}
		_ = seg.Advance(model.SegmentAborted)
		seg.Reason = reason
		x.journalSegment(ctx, order.PairID, seg)
	}
	log.Warn().Str("pair", string(order.PairID)).Str("order_id", order.ID).Int("from_segment", i+1).Str("reason", reason).Msg("remaining segments aborted")
}

// reflag puts the unexecuted rest of an aborted imbalance close back on
// the engine. An abort sends nothing, so it does not count as an attempt.
func (x *Executor) reflag(order *model.DecisionOrder, res *Result) {
	if order.CloseAttempt == 0 || x.deps.Imbalance == nil {
		return
	}
	for _, l := range order.Legs {
		rest := l.Delta - res.Filled[l.Venue]
		if math.Abs(rest) <= 1e-12 {
			continue
		}
		x.deps.Imbalance.FlagImbalance(order.PairID, l.Venue, l.Symbol, -rest, order.CloseAttempt-1)
	}
}

// flag hands an unhedged excess back to the engine, or gives up once the
// imbalance close has been tried MaxImbalanceCloses times.
func (x *Executor) flag(ctx context.Context, order *model.DecisionOrder, l *model.OrderLeg, excess float64) {
	if order.CloseAttempt >= x.cfg.MaxImbalanceCloses {
		x.fail(ctx, model.Failure{
			PairID: order.PairID,
			Venue:  l.Venue,
			Stage:  "imbalance close",
			Cause:  fmt.Sprintf("%s excess %g still open after %d close attempts", l.Symbol, excess, order.CloseAttempt),
		})
		return
	}
	if x.deps.Imbalance != nil {
		x.deps.Imbalance.FlagImbalance(order.PairID, l.Venue, l.Symbol, excess, order.CloseAttempt)
	}
}

// runSegment submits all legs at once, then recovers any lagging leg.
func (x *Executor) runSegment(ctx context.Context, pair model.SymbolPair, order *model.DecisionOrder, seg *model.ExecutionSegment, children []float64) {
	_ = seg.Advance(model.SegmentSubmitted)

	var g errgroup.Group
	for _, leg := range seg.Legs {
		leg := leg
		g.Go(func() error {
			x.submitLeg(ctx, leg, scale(children, leg.Qty))
			return nil
		})
	}
	_ = g.Wait()

	if anyFill(seg) && !allFilled(seg) {
		_ = seg.Advance(model.SegmentPartiallyFilled)
	}

	// legs may carry different quantities; compare filled fractions
	lead := 0.0
	for _, l := range seg.Legs {
		lead = math.Max(lead, fraction(l))
	}
	if len(seg.Legs) == 1 {
		lead = 1
	}
	for _, l := range seg.Legs {
		need := lead*l.Qty - l.FilledQty
		if lead <= 0 || need <= 1e-12 {
			continue
		}
		if !retriable(l.Err) {
			log.Warn().Str("venue", string(l.Venue)).Str("error", l.LastError).Msg("lagging leg not retriable")
			continue
		}
		x.recoverLeg(ctx, pair.ID, l, need)
	}

	for _, l := range seg.Legs {
		if x.deps.Positions != nil {
			x.deps.Positions.ApplyFill(l.Venue, l.Symbol, l.SignedFilled())
		}
	}
	x.settle(ctx, pair, order, seg)
}

// settle decides the segment's terminal state and flags any imbalance.
func (x *Executor) settle(ctx context.Context, pair model.SymbolPair, order *model.DecisionOrder, seg *model.ExecutionSegment) {
	lo, hi := math.Inf(1), 0.0
	for _, l := range seg.Legs {
		lo = math.Min(lo, fraction(l))
		hi = math.Max(hi, fraction(l))
	}

	balanced := nearlyEqual(lo, hi)
	if len(seg.Legs) == 1 {
		balanced = seg.Legs[0].Status == model.LegFilled
	}

	switch {
	case balanced && hi > 0:
		_ = seg.Advance(model.SegmentFilled)
		if x.deps.Risk != nil {
			x.deps.Risk.RecordTrade(x.now())
		}
		return
	case hi <= 0:
		_ = seg.Advance(model.SegmentFailed)
		seg.Reason = "no leg filled: " + firstError(seg)
		x.report(ctx, pair.ID, seg, "")
		if len(seg.Legs) == 1 {
			// the unhedged position is still open; keep it flagged
			l := seg.Legs[0]
			x.flag(ctx, order, l, -l.Side.Sign()*l.Remaining())
		}
		return
	}

	_ = seg.Advance(model.SegmentFailed)
	seg.Reason = "imbalance after recovery: " + firstError(seg)
	var venue model.VenueID
	for _, l := range seg.Legs {
		var excess float64
		if len(seg.Legs) == 1 {
			// a one-legged close that could not finish leaves the rest open
			excess = -l.Side.Sign() * l.Remaining()
		} else {
			excess = l.Side.Sign() * (l.FilledQty - lo*l.Qty)
		}
		if math.Abs(excess) <= 1e-12 {
			continue
		}
		venue = l.Venue
		x.flag(ctx, order, l, excess)
	}
	x.report(ctx, pair.ID, seg, venue)
}

func (x *Executor) report(ctx context.Context, pair model.PairID, seg *model.ExecutionSegment, venue model.VenueID) {
	if venue == "" {
		for _, l := range seg.Legs {
			if l.Err != nil {
				venue = l.Venue
				break
			}
		}
	}
	x.fail(ctx, model.Failure{PairID: pair, Venue: venue, Stage: fmt.Sprintf("segment %d", seg.SequenceNo), Cause: seg.Reason})
}

// fail logs a terminal failure and hands it to the journal and reporter.
func (x *Executor) fail(ctx context.Context, f model.Failure) {
	log.Error().Str("pair", string(f.PairID)).Str("venue", string(f.Venue)).Str("stage", f.Stage).Str("cause", f.Cause).Msg("execution failure")
	if x.deps.Journal != nil {
		if err := x.deps.Journal.RecordFailure(ctx, f); err != nil {
			log.Warn().Err(err).Msg("journal failure")
		}
	}
	if x.deps.Reporter != nil {
		if err := x.deps.Reporter.Report(ctx, f); err != nil {
			log.Warn().Err(err).Msg("report failure")
		}
	}
}

func (x *Executor) journalSegment(ctx context.Context, pair model.PairID, seg *model.ExecutionSegment) {
	if x.deps.Journal == nil {
		return
	}
	if err := x.deps.Journal.RecordSegment(ctx, pair, seg); err != nil {
		log.Warn().Err(err).Str("pair", string(pair)).Int("segment", seg.SequenceNo).Msg("journal segment")
	}
}

func fraction(l *model.OrderLeg) float64 {
	if l.Qty <= 0 {
		return 0
	}
	return math.Min(1, l.FilledQty/l.Qty)
}

func anyFill(seg *model.ExecutionSegment) bool {
	for _, l := range seg.Legs {
		if l.FilledQty > 0 {
			return true
		}
	}
	return false
}

func allFilled(seg *model.ExecutionSegment) bool {
	for _, l := range seg.Legs {
		if l.Status != model.LegFilled {
			return false
		}
	}
	return true
}

func firstError(seg *model.ExecutionSegment) string {
	for _, l := range seg.Legs {
		if l.LastError != "" {
			return fmt.Sprintf("%s: %s", l.Venue, l.LastError)
		}
	}
	return "unfilled"
}
