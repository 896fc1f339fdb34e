package risk

import (
	"fmt"
	"sync"
	"time"

	"segarb/internal/domain/model"
)

const GateStability = "price_stability"

type pricePoint struct {
	ts    time.Time
	price float64
}

// StabilityFilter 价格稳定性检查：窗口内波动超过阈值时拒绝开仓
type StabilityFilter struct {
	thresholdPct float64
	window       time.Duration

	mu     sync.Mutex
	points map[model.PairID][]pricePoint
}

func NewStabilityFilter(thresholdPct float64, window time.Duration) *StabilityFilter {
	return &StabilityFilter{
		thresholdPct: thresholdPct,
		window:       window,
		points:       make(map[model.PairID][]pricePoint),
	}
}

// Observe records a reference price for the pair.
func (f *StabilityFilter) Observe(id model.PairID, price float64, ts time.Time) {
	if price <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pts := append(f.points[id], pricePoint{ts: ts, price: price})
	f.points[id] = trim(pts, ts.Add(-f.window))
}

func trim(pts []pricePoint, from time.Time) []pricePoint {
	i := 0
	for i < len(pts) && pts[i].ts.Before(from) {
		i++
	}
	if i == 0 {
		return pts
	}
	return append(pts[:0], pts[i:]...)
}

// Check denies when the price range inside the window exceeds the
// threshold, measured against the window low.
func (f *StabilityFilter) Check(id model.PairID, now time.Time) model.RiskGateResult {
	if f.thresholdPct <= 0 || f.window <= 0 {
		return model.Allow(0)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pts := trim(f.points[id], now.Add(-f.window))
	f.points[id] = pts
	if len(pts) < 2 {
		return model.Allow(0)
	}
	lo, hi := pts[0].price, pts[0].price
	for _, p := range pts[1:] {
		lo = min(lo, p.price)
		hi = max(hi, p.price)
	}
	move := (hi - lo) / lo * 100
	if move > f.thresholdPct {
		return model.Deny(GateStability, fmt.Sprintf("price moved %.2f%% within %s (limit %.2f%%)", move, f.window, f.thresholdPct))
	}
	return model.Allow(0)
}
