package pipeline

import (
	"fmt"
	"strings"

	"segarb/internal/domain/model"
	"segarb/internal/domain/service"
)

const (
	ansiReset    = "\033[0m"
	ansiRed      = "\033[31m"
	ansiGreen    = "\033[32m"
	ansiYellow   = "\033[33m"
	ansiDim      = "\033[2m"
	ansiClearEOL = "\033[K"
)

func colorize(s, c string) string { return c + s + ansiReset }

// RenderMode 状态行模式
type RenderMode int

const (
	RenderLive RenderMode = iota
	RenderSnapshot
)

// PairLine 一个交易对的状态
type PairLine struct {
	ID            model.PairID
	Symbol        string
	State         model.PairState
	Baseline      model.HistoryBaseline
	Known         bool
	Exposure      float64
	Threshold     float64
	Pending       int     // 待平仓的失衡
	Carry         float64 // 低于最小下单量的累积余量
	SpreadActive  bool
	FundingActive bool
	Disabled      bool
}

// VenueLine 交易所错误退避状态
type VenueLine struct {
	Venue     model.VenueID
	Trading   int
	Transport int
	Blocked   string
}

// Summary 全局风控与交易所状态
type Summary struct {
	Risk   service.RiskStatus
	Venues []VenueLine
}

// Formatter renders the one-line pipeline status.
type Formatter struct{}

func (Formatter) Render(sum Summary, lines []PairLine, mode RenderMode) string {
	var sb strings.Builder
	if mode == RenderLive {
		sb.WriteString("\r")
	}
	sb.WriteString(colorize("[SEGARB] ", ansiDim))
	if head := renderSummary(sum); head != "" {
		sb.WriteString(head)
		sb.WriteString(colorize("  ||  ", ansiDim))
	}

	for i, l := range lines {
		if i > 0 {
			sb.WriteString(colorize("  ||  ", ansiDim))
		}
		spread := "Δ=--"
		col := ansiYellow
		if cur, ok := service.SpreadPct(l.State.A.Mid, l.State.B.Mid); ok {
			spread = fmt.Sprintf("Δ=%+.3f%%", cur)
			if l.Known && l.Baseline.SpreadDefined {
				dev := cur - l.Baseline.NaturalSpread
				spread += fmt.Sprintf(" dev=%+.3f", dev)
				if l.Threshold > 0 && dev > l.Threshold {
					col = ansiGreen
				} else if l.Threshold > 0 && dev < -l.Threshold {
					col = ansiRed
				}
			} else {
				spread += " dev=--"
			}
		}
		sb.WriteString(l.Symbol)
		sb.WriteString(" ")
		sb.WriteString(colorize(spread, col))
		if l.Exposure != 0 {
			sb.WriteString(fmt.Sprintf(" pos=%+.4g", l.Exposure))
		}
		if l.Carry != 0 {
			sb.WriteString(fmt.Sprintf(" carry=%+.4g", l.Carry))
		}
		if l.Pending > 0 {
			sb.WriteString(colorize(fmt.Sprintf(" imb=%d", l.Pending), ansiRed))
		}
		if l.SpreadActive {
			sb.WriteString(" [S]")
		}
		if l.FundingActive {
			sb.WriteString(" [F]")
		}
		if l.Disabled {
			sb.WriteString(colorize(" disabled", ansiDim))
		}
	}

	if mode == RenderLive {
		sb.WriteString(ansiClearEOL)
	}
	return sb.String()
}

func renderSummary(sum Summary) string {
	var parts []string
	r := sum.Risk
	if r.Paused {
		s := "PAUSED"
		if r.PauseReason != "" {
			s += "(" + r.PauseReason + ")"
		}
		parts = append(parts, colorize(s, ansiRed))
	}
	for _, v := range r.NetworkDown {
		parts = append(parts, colorize(string(v)+":down", ansiRed))
	}
	for _, v := range r.Maintenance {
		parts = append(parts, colorize(string(v)+":maint", ansiYellow))
	}
	for _, v := range sum.Venues {
		switch {
		case v.Blocked != "":
			parts = append(parts, colorize(fmt.Sprintf("%s:backoff err=%d/%d", v.Venue, v.Trading, v.Transport), ansiRed))
		case v.Trading+v.Transport > 0:
			parts = append(parts, fmt.Sprintf("%s:err=%d/%d", v.Venue, v.Trading, v.Transport))
		}
	}
	if r.DailyTrades > 0 {
		parts = append(parts, fmt.Sprintf("trades=%d", r.DailyTrades))
	}
	return strings.Join(parts, " ")
}
