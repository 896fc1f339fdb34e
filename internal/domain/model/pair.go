package model

import (
	"fmt"
	"strings"
	"time"
)

// VenueID 交易所标识 (e.g. "binance", "bybit")
type VenueID string

// PairID 交易对唯一标识
type PairID string

// SymbolPair 跨交易所监控单元：同一经济敞口在两个交易所的两条腿
// 注册后不可变
type SymbolPair struct {
	ID      PairID  `json:"id"`
	Symbol  string  `json:"symbol"` // 通用币种名称，如 "BTC"
	VenueA  VenueID `json:"venue_a"`
	VenueB  VenueID `json:"venue_b"`
	SymbolA string  `json:"symbol_a"` // venue A 上的交易对，如 "BTCUSDT"
	SymbolB string  `json:"symbol_b"`
}

// NewSymbolPair builds a pair and derives its ID when none is given.
func NewSymbolPair(id, symbol string, venueA, venueB VenueID, symbolA, symbolB string) SymbolPair {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if strings.TrimSpace(id) == "" {
		id = fmt.Sprintf("%s:%s-%s", symbol, venueA, venueB)
	}
	return SymbolPair{
		ID:      PairID(id),
		Symbol:  symbol,
		VenueA:  venueA,
		VenueB:  venueB,
		SymbolA: strings.ToUpper(strings.TrimSpace(symbolA)),
		SymbolB: strings.ToUpper(strings.TrimSpace(symbolB)),
	}
}

// Venues returns both legs' venues in leg order.
func (p SymbolPair) Venues() []VenueID {
	return []VenueID{p.VenueA, p.VenueB}
}

// SymbolOn returns the pair's symbol on the given venue.
func (p SymbolPair) SymbolOn(v VenueID) string {
	switch v {
	case p.VenueA:
		return p.SymbolA
	case p.VenueB:
		return p.SymbolB
	}
	return ""
}

// SampleKind 历史样本类型
type SampleKind string

const (
	SampleSpread  SampleKind = "spread"
	SampleFunding SampleKind = "funding"
)

// Sample 价差/资金费率差历史样本，只追加，按时间排序
type Sample struct {
	PairID    PairID     `json:"pair_id"`
	Kind      SampleKind `json:"kind"`
	Timestamp time.Time  `json:"ts"`
	Value     float64    `json:"value"`
}

// HistoryBaseline 基于历史中位数的“自然”价差与资金费率差
type HistoryBaseline struct {
	PairID             PairID        `json:"pair_id"`
	Window             time.Duration `json:"window"`
	NaturalSpread      float64       `json:"natural_spread"`
	NaturalFundingDiff float64       `json:"natural_funding_diff"`
	SpreadDefined      bool          `json:"spread_defined"`
	FundingDefined     bool          `json:"funding_defined"`
	SpreadSamples      int           `json:"spread_samples"`
	FundingSamples     int           `json:"funding_samples"`
	ComputedAt         time.Time     `json:"computed_at"`
	RefreshInterval    time.Duration `json:"refresh_interval"`
}

// Stale reports whether the baseline missed its refresh. A stale baseline
// must not gate decisions.
func (b HistoryBaseline) Stale(now time.Time) bool {
	if b.ComputedAt.IsZero() {
		return true
	}
	if b.RefreshInterval <= 0 {
		return false
	}
	return now.Sub(b.ComputedAt) > 2*b.RefreshInterval
}
