package executor

import (
	"math"

	"segarb/internal/domain/model"
	"segarb/internal/domain/service"
)

// Segmenter 分段参数（每个交易对一份）
type Segmenter struct {
	BaseQuantity   float64 // 每格数量
	SplitOrderSize float64 // 单段上限
	MinOrderSize   float64
	ChildOrders    int // grid_plus 每条腿的子订单数
}

func (s Segmenter) sliceSize() float64 {
	size := s.BaseQuantity
	if s.SplitOrderSize > 0 && (size <= 0 || s.SplitOrderSize < size) {
		size = s.SplitOrderSize
	}
	return size
}

// Plan cuts the order's largest leg delta into segments. Each entry holds
// the child order sizes of one segment; their sum is the segment size.
func (s Segmenter) Plan(order *model.DecisionOrder) [][]float64 {
	total := order.MaxAbsDelta()
	if total <= 0 {
		return nil
	}
	if order.Policy == model.PolicyScalp {
		return [][]float64{{total}}
	}

	sizes := service.SplitSizes(total, s.sliceSize(), s.MinOrderSize)
	if len(sizes) == 0 {
		// below the minimum: a close still has to go out in one piece
		sizes = []float64{total}
	}
	out := make([][]float64, 0, len(sizes))
	for _, sz := range sizes {
		if order.Policy == model.PolicyGridPlus {
			out = append(out, service.SplitChildren(sz, s.ChildOrders, s.MinOrderSize))
			continue
		}
		out = append(out, []float64{sz})
	}
	return out
}

func sum(v []float64) float64 {
	t := 0.0
	for _, x := range v {
		t += x
	}
	return t
}

// scale returns children resized to total, keeping their proportions.
func scale(children []float64, total float64) []float64 {
	s := sum(children)
	out := make([]float64, len(children))
	if s <= 0 {
		return out
	}
	for i, c := range children {
		out[i] = c * total / s
	}
	return out
}

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}
