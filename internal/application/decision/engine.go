package decision

import (
	"math"
	"sync"
	"time"

	"segarb/internal/domain/model"
	"segarb/internal/domain/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const qtyEpsilon = 1e-9

// PairConfig 单个交易对的决策参数
type PairConfig struct {
	Pair model.SymbolPair

	SpreadThreshold float64 // 首格阈值（百分比）
	GridStep        float64
	MaxSegments     int
	BaseQuantity    float64
	FundingQuantity float64
	MaxExposure     float64
	UnwindRate      float64 // 无机会时每周期最多平掉的数量，0 表示一次平完
	MinOrderSize    float64
	Tolerance       float64
	Policy          model.SegmentPolicy

	ScalpingEnabled    bool
	ScalpingTrigger    int     // 触发剥头皮的网格层级
	ScalpingTakeProfit float64 // 偏离回归幅度（百分比）

	// 开仓/平仓前价差需持续满足的时间，<=1s 关闭
	Persistence       time.Duration
	StrictPersistence bool
	T0CloseRatio      float64
	ProfitPerSegment  float64
}

func (c PairConfig) grid() service.GridConfig {
	return service.GridConfig{
		InitialThreshold: c.SpreadThreshold,
		Step:             c.GridStep,
		MaxSegments:      c.MaxSegments,
		BaseQuantity:     c.BaseQuantity,
		T0Ratio:          c.T0CloseRatio,
		ProfitPerSegment: c.ProfitPerSegment,
	}
}

type imbalance struct {
	venue    model.VenueID
	symbol   string
	excess   float64
	attempts int // 已尝试的平仓次数
}

type scalp struct {
	active    bool
	direction model.Direction
	entry     float64 // signed deviation at activation
	target    float64
}

type pairState struct {
	held       int
	heldDir    model.Direction
	scalp      scalp
	deviation  float64
	devKnown   bool
	carry      float64
	imbalances []imbalance
	openWatch  persistence
	closeWatch persistence
}

// Positions is the read side of the position book.
type Positions interface {
	Actual(venue model.VenueID, symbol string) (float64, bool)
}

// Engine 统一决策引擎：把价差与资金费率机会合成为每条腿的目标仓位，
// 输出 target - actual
type Engine struct {
	pairs     map[model.PairID]PairConfig
	positions Positions

	mu    sync.Mutex
	state map[model.PairID]*pairState
}

func NewEngine(pairs []PairConfig, positions Positions) *Engine {
	e := &Engine{
		pairs:     make(map[model.PairID]PairConfig, len(pairs)),
		positions: positions,
		state:     make(map[model.PairID]*pairState, len(pairs)),
	}
	for _, p := range pairs {
		if p.Policy == "" {
			p.Policy = model.PolicyGrid
		}
		e.pairs[p.Pair.ID] = p
		e.state[p.Pair.ID] = &pairState{}
	}
	return e
}

// FlagImbalance records an unhedged fill left by a failed segment. The
// next cycle of the pair closes it before anything else. attempts is the
// number of closes already tried for this excess.
func (e *Engine) FlagImbalance(id model.PairID, venue model.VenueID, symbol string, excess float64, attempts int) {
	if math.Abs(excess) <= qtyEpsilon {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.state[id]
	if !ok {
		return
	}
	st.imbalances = append(st.imbalances, imbalance{venue: venue, symbol: symbol, excess: excess, attempts: attempts})
	log.Warn().Str("pair", string(id)).Str("venue", string(venue)).Float64("excess", excess).Int("attempts", attempts).Msg("imbalance flagged")
}

// PendingImbalances reports how many flagged imbalances await closing.
func (e *Engine) PendingImbalances(id model.PairID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.state[id]; ok {
		return len(st.imbalances)
	}
	return 0
}

// ObserveDeviation feeds the current spread deviation used to measure
// scalping profit. known is false when no baseline is available.
func (e *Engine) ObserveDeviation(id model.PairID, deviation float64, known bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.state[id]; ok {
		st.deviation, st.devKnown = deviation, known
	}
}

// Carry returns the opening shortfall held back because it was below the
// minimum order size.
func (e *Engine) Carry(id model.PairID) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.state[id]; ok {
		return st.carry
	}
	return 0
}

// Decide emits at most one order for the pair, or nil when every leg is
// within tolerance of its target. Unchanged targets and positions yield
// the same legs.
func (e *Engine) Decide(id model.PairID, opps []model.Opportunity, now time.Time) *model.DecisionOrder {
	cfg, ok := e.pairs[id]
	if !ok {
		return nil
	}
	p := cfg.Pair
	actualA, freshA := e.positions.Actual(p.VenueA, p.SymbolA)
	actualB, freshB := e.positions.Actual(p.VenueB, p.SymbolB)

	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state[id]

	if len(st.imbalances) > 0 {
		im := st.imbalances[0]
		st.imbalances = st.imbalances[1:]
		actual, _ := e.positions.Actual(im.venue, im.symbol)
		return &model.DecisionOrder{
			ID:           uuid.NewString(),
			PairID:       id,
			Kind:         model.DecisionClose,
			Policy:       model.PolicyScalp,
			CloseAttempt: im.attempts + 1,
			CreatedAt:    now,
			Legs: []model.LegDelta{{
				Venue:     im.venue,
				Symbol:    im.symbol,
				TargetQty: actual - im.excess,
				ActualQty: actual,
				Delta:     -im.excess,
			}},
		}
	}

	if !freshA || !freshB {
		log.Debug().Str("pair", string(id)).Msg("positions stale, skip decision")
		return nil
	}

	var spreadOpp *model.Opportunity
	var fundingOpp *model.Opportunity
	for i := range opps {
		switch opps[i].Kind {
		case model.OpportunitySpread:
			spreadOpp = &opps[i]
		case model.OpportunityFunding:
			fundingOpp = &opps[i]
		}
	}

	kind := model.DecisionOpen
	policy := cfg.Policy
	level := 0
	var target float64
	dir, excursion := spreadSignal(st, spreadOpp)
	ready := true

	switch {
	case st.scalp.active:
		if st.devKnown && scalpProfit(st.scalp, st.deviation) >= cfg.ScalpingTakeProfit {
			log.Info().Str("pair", string(id)).Float64("entry", st.scalp.entry).Float64("deviation", st.deviation).Msg("scalping take profit")
			st.scalp = scalp{}
			target, level, ready = e.gridTarget(cfg, st, dir, excursion, now)
			target += fundingTarget(cfg, fundingOpp)
			policy = model.PolicyScalp
		} else {
			target = st.scalp.target
			level = st.held
		}
	case spreadOpp == nil && fundingOpp == nil:
		// 首格可在 T0 与 T1 之间继续持有；平仓也要等持续性通过
		target, level, ready = e.gridTarget(cfg, st, dir, excursion, now)
		if ready && level == 0 {
			return e.unwind(cfg, st, actualA, actualB, now)
		}
	default:
		target, level, ready = e.gridTarget(cfg, st, dir, excursion, now)
		target += fundingTarget(cfg, fundingOpp)
		if ready && cfg.ScalpingEnabled && cfg.ScalpingTrigger > 0 && level >= cfg.ScalpingTrigger && spreadOpp != nil {
			st.scalp = scalp{active: true, direction: spreadOpp.Direction, entry: spreadOpp.Deviation, target: target}
			policy = model.PolicyScalp
			log.Info().Str("pair", string(id)).Int("grid", level).Float64("entry", spreadOpp.Deviation).Msg("scalping activated")
		}
	}

	if !ready {
		return nil
	}

	if cfg.MaxExposure > 0 {
		target = math.Max(-cfg.MaxExposure, math.Min(cfg.MaxExposure, target))
	}

	legs := []model.LegDelta{
		legDelta(p.VenueA, p.SymbolA, target, actualA, cfg.Tolerance),
		legDelta(p.VenueB, p.SymbolB, -target, actualB, cfg.Tolerance),
	}

	increasing := false
	for i := range legs {
		l := &legs[i]
		if math.Abs(l.TargetQty) > math.Abs(l.ActualQty)+qtyEpsilon {
			increasing = true
		}
	}
	if !increasing {
		kind = model.DecisionRebalance
	}

	// opening shortfall below the minimum order size waits for the next cycle
	st.carry = 0
	if increasing && cfg.MinOrderSize > 0 {
		for i := range legs {
			l := &legs[i]
			if l.Delta != 0 && math.Abs(l.Delta) < cfg.MinOrderSize {
				st.carry = math.Max(st.carry, math.Abs(l.Delta))
				l.Delta = 0
			}
		}
	}

	if !anyDelta(legs) {
		return nil
	}
	return &model.DecisionOrder{
		ID:            uuid.NewString(),
		PairID:        id,
		Kind:          kind,
		Legs:          legs,
		Policy:        policy,
		GridLevel:     level,
		Opportunities: append([]model.Opportunity(nil), opps...),
		CreatedAt:     now,
	}
}

// spreadSignal is the direction and size of the spread excursion: the
// opportunity when there is one, else the last observed deviation.
func spreadSignal(st *pairState, opp *model.Opportunity) (model.Direction, float64) {
	if opp != nil {
		return opp.Direction, opp.Magnitude
	}
	if st.devKnown && st.held > 0 {
		return model.Direction(service.DirectionOf(st.deviation)), math.Abs(st.deviation)
	}
	return model.DirNone, 0
}

// gridTarget applies the grid rule with hysteresis and spread persistence
// and returns the signed long-A quantity and the grid level. ready is false
// while a grid change waits for its condition to persist.
func (e *Engine) gridTarget(cfg PairConfig, st *pairState, dir model.Direction, excursion float64, now time.Time) (float64, int, bool) {
	grid := cfg.grid()
	held := 0
	if dir != model.DirNone && st.heldDir == dir {
		held = st.held
	}
	level := 0
	if dir != model.DirNone {
		level = grid.HysteresisLevel(excursion, held)
	}
	opening := level > held
	closing := !opening && (level < held || (st.held > 0 && st.heldDir != dir))

	openOK := st.openWatch.observe(opening, now, cfg.Persistence, cfg.StrictPersistence)
	closeOK := st.closeWatch.observe(closing, now, cfg.Persistence, cfg.StrictPersistence)
	if (opening && !openOK) || (closing && !closeOK) {
		log.Debug().
			Str("pair", string(cfg.Pair.ID)).
			Int("held", st.held).
			Int("want", level).
			Float64("excursion", excursion).
			Msg("spread persistence pending")
		return 0, st.held, false
	}

	if level == 0 {
		dir = model.DirNone
	}
	st.held, st.heldDir = level, dir
	return float64(dir) * grid.Target(level), level, true
}

func fundingTarget(cfg PairConfig, opp *model.Opportunity) float64 {
	if opp == nil {
		return 0
	}
	return float64(opp.Direction) * cfg.FundingQuantity
}

// unwind moves each leg toward flat by at most the unwind rate.
func (e *Engine) unwind(cfg PairConfig, st *pairState, actualA, actualB float64, now time.Time) *model.DecisionOrder {
	st.carry = 0
	p := cfg.Pair
	legs := []model.LegDelta{
		legDelta(p.VenueA, p.SymbolA, towardZero(actualA, cfg.UnwindRate), actualA, cfg.Tolerance),
		legDelta(p.VenueB, p.SymbolB, towardZero(actualB, cfg.UnwindRate), actualB, cfg.Tolerance),
	}
	if !anyDelta(legs) {
		return nil
	}
	return &model.DecisionOrder{
		ID:        uuid.NewString(),
		PairID:    p.ID,
		Kind:      model.DecisionUnwind,
		Legs:      legs,
		Policy:    cfg.Policy,
		CreatedAt: now,
	}
}

func towardZero(actual, rate float64) float64 {
	if rate <= 0 || math.Abs(actual) <= rate {
		return 0
	}
	if actual > 0 {
		return actual - rate
	}
	return actual + rate
}

func scalpProfit(s scalp, deviation float64) float64 {
	return float64(s.direction) * (s.entry - deviation)
}

func legDelta(venue model.VenueID, symbol string, target, actual, tol float64) model.LegDelta {
	d := target - actual
	if math.Abs(d) <= math.Max(tol, qtyEpsilon) {
		d = 0
	}
	return model.LegDelta{Venue: venue, Symbol: symbol, TargetQty: target, ActualQty: actual, Delta: d}
}

func anyDelta(legs []model.LegDelta) bool {
	for _, l := range legs {
		if l.Delta != 0 {
			return true
		}
	}
	return false
}
