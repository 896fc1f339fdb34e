package exchange

import (
	"strings"

	"github.com/shopspring/decimal"

	"segarb/internal/domain/model"
)

// Quantizer 按交易所的数量步长与价格精度格式化下单参数
type Quantizer struct {
	qtyStep   map[string]decimal.Decimal
	priceTick map[string]decimal.Decimal
}

// NewQuantizer builds a quantizer from per-symbol step sizes. Symbols
// without a step are formatted with 8 decimals.
func NewQuantizer(qtyStep, priceTick map[string]float64) *Quantizer {
	q := &Quantizer{
		qtyStep:   make(map[string]decimal.Decimal, len(qtyStep)),
		priceTick: make(map[string]decimal.Decimal, len(priceTick)),
	}
	for s, v := range qtyStep {
		if v > 0 {
			q.qtyStep[strings.ToUpper(s)] = decimal.NewFromFloat(v)
		}
	}
	for s, v := range priceTick {
		if v > 0 {
			q.priceTick[strings.ToUpper(s)] = decimal.NewFromFloat(v)
		}
	}
	return q
}

// Qty floors v to the symbol's step so an order never exceeds the
// requested size.
func (q *Quantizer) Qty(symbol string, v float64) string {
	d := decimal.NewFromFloat(v).Abs()
	if step, ok := q.qtyStep[strings.ToUpper(symbol)]; ok {
		return d.Div(step).Floor().Mul(step).String()
	}
	return d.Truncate(8).String()
}

// Price rounds a limit price to the tick. Buys round up and sells round
// down so an aggressive IOC stays marketable.
func (q *Quantizer) Price(symbol string, side model.Side, v float64) string {
	d := decimal.NewFromFloat(v)
	tick, ok := q.priceTick[strings.ToUpper(symbol)]
	if !ok {
		return d.Round(8).String()
	}
	n := d.Div(tick)
	if side == model.SideBuy {
		n = n.Ceil()
	} else {
		n = n.Floor()
	}
	return n.Mul(tick).String()
}

// ParseFloat parses an exchange decimal string; empty or invalid is 0.
func ParseFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}

// ParseLevels converts [[price, qty], ...] string pairs to book levels,
// skipping zero quantities.
func ParseLevels(in [][]string) []model.Level {
	out := make([]model.Level, 0, len(in))
	for _, l := range in {
		if len(l) < 2 {
			continue
		}
		p, q := ParseFloat(l[0]), ParseFloat(l[1])
		if p <= 0 || q <= 0 {
			continue
		}
		out = append(out, model.Level{Price: p, Qty: q})
	}
	return out
}
