package service

import "math"

// GridConfig 网格参数（百分比单位与价差一致）
type GridConfig struct {
	InitialThreshold float64 // T1: 首格开仓阈值
	Step             float64 // Tn = T1 + (n-1)*Step
	MaxSegments      int
	BaseQuantity     float64 // 每格数量
	// T0 = T1 * T0Ratio 为首格平仓阈值；0 或 >=1 时首格回到 T1 即平
	T0Ratio float64
	// >0 时改为非对称平仓：第 n 格在 Tn - ProfitPerSegment 以下平
	ProfitPerSegment float64
}

// Level returns the grid reached by an excursion:
// int((excursion - initial) / step) + 1, or 0 below the initial threshold.
func (g GridConfig) Level(excursion float64) int {
	if excursion <= g.InitialThreshold {
		return 0
	}
	if g.Step <= 0 {
		return 1
	}
	return int((excursion-g.InitialThreshold)/g.Step) + 1
}

// OpenThreshold is the excursion needed to open grid n.
func (g GridConfig) OpenThreshold(n int) float64 {
	if n <= 1 {
		return g.InitialThreshold
	}
	return g.InitialThreshold + float64(n-1)*g.Step
}

// CloseThreshold is the excursion below which held grid n is given back.
// Symmetric grids close n at T(n-1) and the first grid at T0.
func (g GridConfig) CloseThreshold(n int) float64 {
	if n < 1 {
		n = 1
	}
	if g.ProfitPerSegment > 0 {
		return math.Max(0, g.OpenThreshold(n)-g.ProfitPerSegment)
	}
	if n == 1 {
		if g.T0Ratio > 0 && g.T0Ratio < 1 {
			return g.InitialThreshold * g.T0Ratio
		}
		return g.InitialThreshold
	}
	return g.OpenThreshold(n - 1)
}

// releases reports whether the excursion has fallen out of held grid n.
func (g GridConfig) releases(excursion float64, n int) bool {
	c := g.CloseThreshold(n)
	if n == 1 && c >= g.InitialThreshold {
		// 首格开仓要求严格大于 T1
		return excursion <= c
	}
	return excursion < c
}

// Target is min(level, max_segments) * base_quantity.
func (g GridConfig) Target(level int) float64 {
	if level <= 0 {
		return 0
	}
	if g.MaxSegments > 0 && level > g.MaxSegments {
		level = g.MaxSegments
	}
	return float64(level) * g.BaseQuantity
}

// SegmentsHeld converts a held quantity back to grid segments, rounding up.
func (g GridConfig) SegmentsHeld(qty float64) int {
	if g.BaseQuantity <= 0 || qty <= 0 {
		return 0
	}
	n := int(math.Ceil(qty/g.BaseQuantity - 1e-9))
	if g.MaxSegments > 0 && n > g.MaxSegments {
		n = g.MaxSegments
	}
	return n
}

// HysteresisLevel opens a higher grid as soon as the excursion reaches it
// but only gives a held grid back once the excursion drops below that
// grid's close threshold.
func (g GridConfig) HysteresisLevel(excursion float64, held int) int {
	open := g.Level(excursion)
	if open > held {
		return open
	}
	keep := held
	for keep > 0 && g.releases(excursion, keep) {
		keep--
	}
	if keep < open {
		keep = open
	}
	return keep
}

// SplitSizes cuts total into slices of at most size. A trailing remainder
// smaller than minOrder is merged into the previous slice; when the whole
// total is below minOrder nothing is returned and the caller carries it.
func SplitSizes(total, size, minOrder float64) []float64 {
	const eps = 1e-12
	if total <= eps {
		return nil
	}
	if minOrder > 0 && total < minOrder-eps {
		return nil
	}
	if size <= eps || size >= total {
		return []float64{total}
	}
	n := int(total / size)
	out := make([]float64, 0, n+1)
	for i := 0; i < n; i++ {
		out = append(out, size)
	}
	rem := total - float64(n)*size
	if rem > eps {
		if minOrder > 0 && rem < minOrder-eps && len(out) > 0 {
			out[len(out)-1] += rem
		} else {
			out = append(out, rem)
		}
	}
	return out
}

// SplitChildren divides a slice into k equal child orders. Children below
// minOrder are merged so that each child is tradeable.
func SplitChildren(qty float64, k int, minOrder float64) []float64 {
	if k <= 1 || qty <= 0 {
		return []float64{qty}
	}
	for k > 1 && minOrder > 0 && qty/float64(k) < minOrder {
		k--
	}
	child := qty / float64(k)
	out := make([]float64, k)
	for i := range out {
		out[i] = child
	}
	return out
}
