package opportunity

import (
	"math"
	"sync"
	"time"

	"segarb/internal/domain/model"
	"segarb/internal/domain/service"

	"github.com/rs/zerolog/log"
)

// Thresholds 单个交易对的机会阈值（百分比）
type Thresholds struct {
	Spread          float64
	Funding         float64
	FundingDebounce int // 连续满足次数
}

type activeKey struct {
	pair model.PairID
	kind model.OpportunityKind
}

// Finder 机会发现：当前价差/资金费率差相对历史基线的偏离
type Finder struct {
	thresholds map[model.PairID]Thresholds
	maxDataAge time.Duration

	mu     sync.Mutex
	streak map[model.PairID]int
	// 最近一次计入 streak 的资金费率样本时间；同一样本只计一次
	counted map[model.PairID]time.Time
	active  map[activeKey]model.Opportunity
}

func NewFinder(thresholds map[model.PairID]Thresholds, maxDataAge time.Duration) *Finder {
	if maxDataAge <= 0 {
		maxDataAge = 2 * time.Second
	}
	return &Finder{
		thresholds: thresholds,
		maxDataAge: maxDataAge,
		streak:     make(map[model.PairID]int),
		counted:    make(map[model.PairID]time.Time),
		active:     make(map[activeKey]model.Opportunity),
	}
}

// Evaluate returns the opportunities present in the pair's latest state.
// Nothing is emitted while the baseline is undefined or stale or the
// market data is older than the configured age.
func (f *Finder) Evaluate(st model.PairState, b model.HistoryBaseline, ok bool, now time.Time) []model.Opportunity {
	th, known := f.thresholds[st.PairID]

	f.mu.Lock()
	defer f.mu.Unlock()

	if !known || !ok || !st.Fresh(now, f.maxDataAge) {
		f.streak[st.PairID] = 0
		f.clearLocked(st.PairID)
		return nil
	}

	var out []model.Opportunity
	if opp, hit := spreadDeviation(st, b, th, now); hit {
		out = append(out, opp)
		f.active[activeKey{st.PairID, model.OpportunitySpread}] = opp
	} else {
		delete(f.active, activeKey{st.PairID, model.OpportunitySpread})
	}

	opp, hit := fundingDeviation(st, b, th, now)
	if !hit {
		f.streak[st.PairID] = 0
		delete(f.active, activeKey{st.PairID, model.OpportunityFunding})
		return out
	}
	if at := fundingSampleAt(st); at.After(f.counted[st.PairID]) {
		f.counted[st.PairID] = at
		f.streak[st.PairID]++
	}
	n := f.streak[st.PairID]
	if n < max(th.FundingDebounce, 1) {
		log.Debug().Str("pair", string(st.PairID)).Int("streak", n).Int("need", th.FundingDebounce).Msg("funding deviation debouncing")
		delete(f.active, activeKey{st.PairID, model.OpportunityFunding})
		return out
	}
	f.active[activeKey{st.PairID, model.OpportunityFunding}] = opp
	return append(out, opp)
}

// Active reports whether the last evaluation of the pair emitted kind.
func (f *Finder) Active(id model.PairID, kind model.OpportunityKind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[activeKey{id, kind}]
	return ok
}

// Revalidate checks, without touching debounce state, whether opp still
// holds with the same direction against fresh data.
func (f *Finder) Revalidate(st model.PairState, b model.HistoryBaseline, ok bool, opp model.Opportunity, now time.Time) bool {
	th, known := f.thresholds[st.PairID]
	if !known || !ok || !st.Fresh(now, f.maxDataAge) {
		return false
	}
	var cur model.Opportunity
	var hit bool
	switch opp.Kind {
	case model.OpportunitySpread:
		cur, hit = spreadDeviation(st, b, th, now)
	case model.OpportunityFunding:
		cur, hit = fundingDeviation(st, b, th, now)
	}
	return hit && cur.Direction == opp.Direction
}

// fundingSampleAt is the time of the newer of the two legs' funding prints.
func fundingSampleAt(st model.PairState) time.Time {
	if st.B.FundingAt.After(st.A.FundingAt) {
		return st.B.FundingAt
	}
	return st.A.FundingAt
}

func (f *Finder) clearLocked(id model.PairID) {
	delete(f.active, activeKey{id, model.OpportunitySpread})
	delete(f.active, activeKey{id, model.OpportunityFunding})
}

func spreadDeviation(st model.PairState, b model.HistoryBaseline, th Thresholds, now time.Time) (model.Opportunity, bool) {
	if !b.SpreadDefined {
		return model.Opportunity{}, false
	}
	cur, ok := service.SpreadPct(st.A.Mid, st.B.Mid)
	if !ok {
		return model.Opportunity{}, false
	}
	return deviation(st.PairID, model.OpportunitySpread, cur, b.NaturalSpread, th.Spread, now)
}

func fundingDeviation(st model.PairState, b model.HistoryBaseline, th Thresholds, now time.Time) (model.Opportunity, bool) {
	if !b.FundingDefined || !st.A.HasFunding || !st.B.HasFunding {
		return model.Opportunity{}, false
	}
	cur := service.FundingDiffPct(st.A.Funding, st.B.Funding)
	return deviation(st.PairID, model.OpportunityFunding, cur, b.NaturalFundingDiff, th.Funding, now)
}

func deviation(id model.PairID, kind model.OpportunityKind, cur, natural, threshold float64, now time.Time) (model.Opportunity, bool) {
	dev := cur - natural
	if threshold <= 0 || math.Abs(dev) <= threshold {
		return model.Opportunity{}, false
	}
	return model.Opportunity{
		PairID:     id,
		Kind:       kind,
		Direction:  model.Direction(service.DirectionOf(dev)),
		Magnitude:  math.Abs(dev),
		Deviation:  dev,
		Current:    cur,
		Natural:    natural,
		DetectedAt: now,
	}, true
}
