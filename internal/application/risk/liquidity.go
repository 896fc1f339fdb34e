package risk

import (
	"fmt"

	"segarb/internal/domain/model"
)

const GateLiquidity = "liquidity"

// LiquidityConfig 盘口流动性参数
type LiquidityConfig struct {
	Enabled              bool
	SlippageTolerancePct float64 // 相对最优价的可接受价格范围
	DepthUsageRatio      float64 // 只使用可见深度的一部分
	MinQty               float64 // 调整后低于此数量则拒绝
}

// LiquidityCheck 检查对手盘深度，不足时缩小下单数量
type LiquidityCheck struct {
	cfg LiquidityConfig
}

func NewLiquidityCheck(cfg LiquidityConfig) *LiquidityCheck {
	if cfg.DepthUsageRatio <= 0 || cfg.DepthUsageRatio > 1 {
		cfg.DepthUsageRatio = 1
	}
	return &LiquidityCheck{cfg: cfg}
}

// Check sums the opposite side's resting quantity within the slippage
// tolerance of the best price.
func (c *LiquidityCheck) Check(book *model.OrderBook, side model.Side, qty float64) model.RiskGateResult {
	if !c.cfg.Enabled {
		return model.Allow(qty)
	}
	if book == nil {
		return model.Deny(GateLiquidity, "no order book")
	}
	levels := book.Asks
	if side == model.SideSell {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return model.Deny(GateLiquidity, "empty book side")
	}
	best := levels[0].Price
	limit := best * (1 + c.cfg.SlippageTolerancePct/100)
	if side == model.SideSell {
		limit = best * (1 - c.cfg.SlippageTolerancePct/100)
	}
	depth := 0.0
	for _, l := range levels {
		if (side == model.SideBuy && l.Price > limit) || (side == model.SideSell && l.Price < limit) {
			break
		}
		depth += l.Qty
	}
	usable := depth * c.cfg.DepthUsageRatio
	if usable >= qty {
		return model.Allow(qty)
	}
	if usable <= 0 || usable < c.cfg.MinQty {
		return model.Deny(GateLiquidity, fmt.Sprintf("depth %.8g below minimum %.8g", usable, c.cfg.MinQty))
	}
	return model.Adjust(GateLiquidity, usable, fmt.Sprintf("depth %.8g < requested %.8g", usable, qty))
}
