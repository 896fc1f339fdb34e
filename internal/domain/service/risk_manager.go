package service

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"segarb/internal/domain/model"
)

var (
	// ErrRiskLimit 风控限制拒绝
	ErrRiskLimit = errors.New("risk limit")
	// ErrTradingPaused 全局或交易所暂停
	ErrTradingPaused = errors.New("trading paused")
)

// RiskLimits 全局风控参数
type RiskLimits struct {
	MaxSymbolQty        map[string]float64 // 单一币种最大持仓（各交易所绝对值之和）
	DefaultMaxSymbolQty float64
	MaxTotalQty         float64 // 所有币种最大持仓
	MaxDailyTrades      int
	DisabledSymbols     []string
	BalanceWarning      float64 // 可用余额低于该值暂停开仓
	BalanceCritical     float64 // 低于该值暂停并要求平仓
	MaxPositionDuration time.Duration
}

// RiskManager 全局风险控制器
// 只影响开仓（增加敞口）；平仓与回补不受暂停限制
type RiskManager struct {
	mu sync.RWMutex

	limits   RiskLimits
	disabled map[string]struct{}

	// 当前持仓跟踪 venue -> symbol -> qty
	positions map[model.VenueID]map[string]float64

	// 每日交易次数（UTC 日期）
	tradeDay   string
	tradeCount int

	balancePause string
	balanceLevel BalanceLevel
	networkDown  map[model.VenueID]string
	maintenance  map[model.VenueID]struct{}
	openedAt     map[model.PairID]time.Time
}

// BalanceLevel 余额状态
type BalanceLevel int

const (
	BalanceOK BalanceLevel = iota
	BalanceWarning
	BalanceCritical
)

// NewRiskManager 创建风险管理器
func NewRiskManager(limits RiskLimits) *RiskManager {
	rm := &RiskManager{
		limits:      limits,
		disabled:    make(map[string]struct{}),
		positions:   make(map[model.VenueID]map[string]float64),
		networkDown: make(map[model.VenueID]string),
		maintenance: make(map[model.VenueID]struct{}),
		openedAt:    make(map[model.PairID]time.Time),
	}
	for _, s := range limits.DisabledSymbols {
		rm.disabled[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	return rm
}

// CanOpen 检查是否可以为交易对的每条腿增加 addQty 敞口
func (rm *RiskManager) CanOpen(pair model.SymbolPair, addQty float64, now time.Time) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	symbol := strings.ToUpper(pair.Symbol)
	venues := pair.Venues()
	if _, ok := rm.disabled[symbol]; ok {
		return fmt.Errorf("%w: symbol %s disabled", ErrRiskLimit, symbol)
	}
	if reason := rm.pauseReasonLocked(venues); reason != "" {
		return fmt.Errorf("%w: %s", ErrTradingPaused, reason)
	}

	rm.rollDayLocked(now)
	if rm.limits.MaxDailyTrades > 0 && rm.tradeCount >= rm.limits.MaxDailyTrades {
		return fmt.Errorf("%w: daily trades %d >= %d", ErrRiskLimit, rm.tradeCount, rm.limits.MaxDailyTrades)
	}

	add := math.Abs(addQty) * float64(len(venues))
	limit := rm.limits.DefaultMaxSymbolQty
	if v, ok := rm.limits.MaxSymbolQty[symbol]; ok && v > 0 {
		limit = v
	}
	if limit > 0 {
		cur := rm.symbolQtyLocked(pair.SymbolA, pair.SymbolB)
		if cur+add > limit {
			return fmt.Errorf("%w: symbol %s position %.8g > %.8g", ErrRiskLimit, symbol, cur+add, limit)
		}
	}
	if rm.limits.MaxTotalQty > 0 {
		cur := rm.totalQtyLocked()
		if cur+add > rm.limits.MaxTotalQty {
			return fmt.Errorf("%w: total position %.8g > %.8g", ErrRiskLimit, cur+add, rm.limits.MaxTotalQty)
		}
	}
	return nil
}

// Paused reports whether any of the venues is paused, with the reason.
func (rm *RiskManager) Paused(venues ...model.VenueID) (bool, string) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	r := rm.pauseReasonLocked(venues)
	return r != "", r
}

func (rm *RiskManager) pauseReasonLocked(venues []model.VenueID) string {
	if rm.balancePause != "" {
		return rm.balancePause
	}
	for _, v := range venues {
		if reason, ok := rm.networkDown[v]; ok {
			return fmt.Sprintf("network failure on %s: %s", v, reason)
		}
		if _, ok := rm.maintenance[v]; ok {
			return fmt.Sprintf("venue %s under maintenance", v)
		}
	}
	return ""
}

// UpdatePositions 用交易所真实持仓替换 venue 的持仓快照
func (rm *RiskManager) UpdatePositions(venue model.VenueID, positions []model.Position) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	m := make(map[string]float64, len(positions))
	for _, p := range positions {
		m[strings.ToUpper(p.Symbol)] = p.Qty
	}
	rm.positions[venue] = m
}

// symbolQtyLocked sums positions held in any of the exact venue symbols.
func (rm *RiskManager) symbolQtyLocked(symbols ...string) float64 {
	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[strings.ToUpper(s)] = struct{}{}
	}
	total := 0.0
	for _, m := range rm.positions {
		for s, q := range m {
			if _, ok := want[s]; ok {
				total += math.Abs(q)
			}
		}
	}
	return total
}

func (rm *RiskManager) totalQtyLocked() float64 {
	total := 0.0
	for _, m := range rm.positions {
		for _, q := range m {
			total += math.Abs(q)
		}
	}
	return total
}

// RecordTrade 记录一次交易（一个成交的分段）
func (rm *RiskManager) RecordTrade(now time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollDayLocked(now)
	rm.tradeCount++
}

// DailyTrades returns today's trade count.
func (rm *RiskManager) DailyTrades(now time.Time) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollDayLocked(now)
	return rm.tradeCount
}

func (rm *RiskManager) rollDayLocked(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != rm.tradeDay {
		rm.tradeDay = day
		rm.tradeCount = 0
	}
}

// IsSymbolDisabled 检查交易对是否被禁用
func (rm *RiskManager) IsSymbolDisabled(symbol string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	_, ok := rm.disabled[strings.ToUpper(symbol)]
	return ok
}

// UpdateBalances evaluates available balances and pauses or resumes
// opening. It returns the new level and whether it changed.
func (rm *RiskManager) UpdateBalances(balances []model.Balance) (BalanceLevel, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	level := BalanceOK
	var low []string
	for _, b := range balances {
		switch {
		case rm.limits.BalanceCritical > 0 && b.Available < rm.limits.BalanceCritical:
			level = BalanceCritical
			low = append(low, string(b.Venue))
		case rm.limits.BalanceWarning > 0 && b.Available < rm.limits.BalanceWarning:
			if level < BalanceWarning {
				level = BalanceWarning
			}
			low = append(low, string(b.Venue))
		}
	}
	sort.Strings(low)

	changed := level != rm.balanceLevel
	rm.balanceLevel = level
	switch level {
	case BalanceCritical:
		rm.balancePause = "balance critical: " + strings.Join(low, ",")
	case BalanceWarning:
		rm.balancePause = "balance low: " + strings.Join(low, ",")
	default:
		rm.balancePause = ""
	}
	return level, changed
}

// MarkNetworkFailure 标记网络故障，暂停该交易所
func (rm *RiskManager) MarkNetworkFailure(venue model.VenueID, reason string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, was := rm.networkDown[venue]
	rm.networkDown[venue] = reason
	return !was
}

// MarkNetworkRecovered 标记网络恢复
func (rm *RiskManager) MarkNetworkRecovered(venue model.VenueID) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, was := rm.networkDown[venue]
	delete(rm.networkDown, venue)
	return was
}

// MarkMaintenance 标记交易所维护，返回状态是否改变
func (rm *RiskManager) MarkMaintenance(venue model.VenueID) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, was := rm.maintenance[venue]
	rm.maintenance[venue] = struct{}{}
	return !was
}

// MarkMaintenanceOver 交易所维护结束，返回状态是否改变
func (rm *RiskManager) MarkMaintenanceOver(venue model.VenueID) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, was := rm.maintenance[venue]
	delete(rm.maintenance, venue)
	return was
}

// TrackExposure records when a pair first held exposure and clears it
// once the pair is flat again.
func (rm *RiskManager) TrackExposure(pair model.PairID, exposure float64, now time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if math.Abs(exposure) <= 1e-12 {
		delete(rm.openedAt, pair)
		return
	}
	if _, ok := rm.openedAt[pair]; !ok {
		rm.openedAt[pair] = now
	}
}

// OverdurationPairs 返回持仓时间超过上限的交易对
func (rm *RiskManager) OverdurationPairs(now time.Time) []model.PairID {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if rm.limits.MaxPositionDuration <= 0 {
		return nil
	}
	var out []model.PairID
	for id, t := range rm.openedAt {
		if now.Sub(t) > rm.limits.MaxPositionDuration {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RiskStatus 风险状态快照
type RiskStatus struct {
	Paused       bool
	PauseReason  string
	DailyTrades  int
	NetworkDown  []model.VenueID
	Maintenance  []model.VenueID
	TotalQty     float64
	BalanceLevel BalanceLevel
}

// Status 获取风险状态
func (rm *RiskManager) Status() RiskStatus {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	st := RiskStatus{
		Paused:       rm.balancePause != "" || len(rm.networkDown) > 0 || len(rm.maintenance) > 0,
		PauseReason:  rm.balancePause,
		DailyTrades:  rm.tradeCount,
		TotalQty:     rm.totalQtyLocked(),
		BalanceLevel: rm.balanceLevel,
	}
	for v := range rm.networkDown {
		st.NetworkDown = append(st.NetworkDown, v)
	}
	for v := range rm.maintenance {
		st.Maintenance = append(st.Maintenance, v)
	}
	sort.Slice(st.NetworkDown, func(i, j int) bool { return st.NetworkDown[i] < st.NetworkDown[j] })
	sort.Slice(st.Maintenance, func(i, j int) bool { return st.Maintenance[i] < st.Maintenance[j] })
	return st
}
