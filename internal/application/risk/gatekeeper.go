package risk

import (
	"context"
	"math"
	"time"

	"segarb/internal/domain/model"
	"segarb/internal/domain/service"
)

const GateGlobal = "global_risk"

// LegRequest 分段中的一条腿
type LegRequest struct {
	Venue  model.VenueID
	Symbol string
	Side   model.Side
	Qty    float64
}

// SegmentRequest 分段执行前的风控请求
type SegmentRequest struct {
	Pair    model.SymbolPair
	Opening bool
	Size    float64
	Legs    []LegRequest
	Books   map[model.VenueID]*model.OrderBook
}

// Gatekeeper 风控闸门链：全局风控 → 交易所退避 → 价格稳定性 → 流动性
// 暂停与稳定性只限制开仓，平仓与回补照常放行
type Gatekeeper struct {
	Risk      *service.RiskManager
	Backoff   *BackoffController
	Stability *StabilityFilter
	Liquidity *LiquidityCheck
	Now       func() time.Time
}

func (g *Gatekeeper) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Check runs the chain and returns the first deny, or an allow whose
// AdjustedQty is the segment size the liquidity gate permits.
func (g *Gatekeeper) Check(_ context.Context, req SegmentRequest) model.RiskGateResult {
	now := g.now()

	if req.Opening && g.Risk != nil {
		if err := g.Risk.CanOpen(req.Pair, req.Size, now); err != nil {
			return model.Deny(GateGlobal, err.Error())
		}
	}

	if g.Backoff != nil {
		for _, l := range req.Legs {
			if ok, reason := g.Backoff.Allowed(l.Venue, now); !ok {
				return model.Deny(GateBackoff, reason)
			}
		}
	}

	if req.Opening && g.Stability != nil {
		if r := g.Stability.Check(req.Pair.ID, now); !r.Allowed {
			return r
		}
	}

	result := model.Allow(req.Size)
	if g.Liquidity == nil {
		return result
	}
	ratio := 1.0
	for _, l := range req.Legs {
		if l.Qty <= 0 {
			continue
		}
		r := g.Liquidity.Check(req.Books[l.Venue], l.Side, l.Qty)
		if !r.Allowed {
			return r
		}
		if r.Adjusted(l.Qty) {
			ratio = math.Min(ratio, r.AdjustedQty/l.Qty)
			result = model.Adjust(r.Gate, 0, r.Reason)
		}
	}
	result.AdjustedQty = req.Size * ratio
	return result
}
