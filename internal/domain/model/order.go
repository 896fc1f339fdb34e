package model

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// ErrIllegalTransition is returned when a state would move backwards.
var ErrIllegalTransition = errors.New("illegal state transition")

// Side 下单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// SideFor returns the side that moves a position by delta.
func SideFor(delta float64) Side {
	if delta < 0 {
		return SideSell
	}
	return SideBuy
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
)

// OrderRequest 下单请求
type OrderRequest struct {
	ClientID    string
	Symbol      string
	Side        Side
	Qty         float64
	Price       float64 // 0 for market orders
	Market      bool
	TimeInForce TimeInForce
	ReduceOnly  bool
}

// OrderAck 下单应答
type OrderAck struct {
	OrderID  string
	Accepted bool
	Reason   string
}

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the venue will not fill the order any further.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// OrderReport 订单查询结果
type OrderReport struct {
	OrderID   string
	Status    OrderStatus
	FilledQty float64
	AvgPrice  float64
}

// SegmentPolicy 分段策略
type SegmentPolicy string

const (
	PolicyGrid     SegmentPolicy = "grid"
	PolicyScalp    SegmentPolicy = "scalp"
	PolicyGridPlus SegmentPolicy = "grid_plus"
)

// DecisionKind 决策类型
type DecisionKind string

const (
	DecisionOpen      DecisionKind = "open"
	DecisionClose     DecisionKind = "close"
	DecisionUnwind    DecisionKind = "unwind"
	DecisionRebalance DecisionKind = "rebalance"
)

// LegDelta is one leg's target versus actual position.
type LegDelta struct {
	Venue     VenueID `json:"venue"`
	Symbol    string  `json:"symbol"`
	TargetQty float64 `json:"target_qty"`
	ActualQty float64 `json:"actual_qty"`
	Delta     float64 `json:"delta"`
}

// DecisionOrder 单个决策周期的产出，仅在消费它的周期内有效
type DecisionOrder struct {
	ID            string        `json:"id"`
	PairID        PairID        `json:"pair_id"`
	Kind          DecisionKind  `json:"kind"`
	Legs          []LegDelta    `json:"legs"`
	Policy        SegmentPolicy `json:"policy"`
	GridLevel     int           `json:"grid_level"`
	CloseAttempt  int           `json:"close_attempt,omitempty"` // 失衡平仓第几次尝试，普通订单为 0
	Opportunities []Opportunity `json:"opportunities,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	aborted       atomic.Bool
}

// Abort sets the cooperative abort flag checked before each segment.
func (o *DecisionOrder) Abort() { o.aborted.Store(true) }

// Aborted reports whether Abort was called.
func (o *DecisionOrder) Aborted() bool { return o.aborted.Load() }

// Leg returns the delta for the given venue.
func (o *DecisionOrder) Leg(v VenueID) (LegDelta, bool) {
	for _, l := range o.Legs {
		if l.Venue == v {
			return l, true
		}
	}
	return LegDelta{}, false
}

// MaxAbsDelta is the largest leg delta magnitude.
func (o *DecisionOrder) MaxAbsDelta() float64 {
	m := 0.0
	for _, l := range o.Legs {
		m = math.Max(m, math.Abs(l.Delta))
	}
	return m
}

// Opening reports whether the order increases exposure on behalf of an
// opportunity, i.e. it must be revalidated before each segment.
func (o *DecisionOrder) Opening() bool {
	return o.Kind == DecisionOpen
}

// ExecutionState 决策订单执行状态
type ExecutionState string

const (
	ExecCreated     ExecutionState = "created"
	ExecSegmenting  ExecutionState = "segmenting"
	ExecExecuting   ExecutionState = "executing"
	ExecReconciling ExecutionState = "reconciling"
	ExecDone        ExecutionState = "done"
	ExecFailed      ExecutionState = "failed"
)

func (s ExecutionState) rank() int {
	switch s {
	case ExecCreated:
		return 0
	case ExecSegmenting:
		return 1
	case ExecExecuting:
		return 2
	case ExecReconciling:
		return 3
	case ExecDone, ExecFailed:
		return 4
	}
	return -1
}

// Terminal reports done or failed.
func (s ExecutionState) Terminal() bool { return s.rank() == 4 }

// NextExecState validates a forward move of the execution state machine.
func NextExecState(from, to ExecutionState) (ExecutionState, error) {
	if to.rank() <= from.rank() {
		return from, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return to, nil
}

// SegmentState 分段状态
type SegmentState string

const (
	SegmentPending         SegmentState = "pending"
	SegmentSubmitted       SegmentState = "submitted"
	SegmentPartiallyFilled SegmentState = "partially_filled"
	SegmentFilled          SegmentState = "filled"
	SegmentFailed          SegmentState = "failed"
	SegmentAborted         SegmentState = "aborted"
)

func (s SegmentState) rank() int {
	switch s {
	case SegmentPending:
		return 0
	case SegmentSubmitted:
		return 1
	case SegmentPartiallyFilled:
		return 2
	case SegmentFilled, SegmentFailed, SegmentAborted:
		return 3
	}
	return -1
}

// Terminal reports filled, failed or aborted.
func (s SegmentState) Terminal() bool { return s.rank() == 3 }

// LegStatus 单腿状态
type LegStatus string

const (
	LegPending   LegStatus = "pending"
	LegSubmitted LegStatus = "submitted"
	LegFilled    LegStatus = "filled"
	LegPartial   LegStatus = "partial"
	LegFailed    LegStatus = "failed"
)

// OrderLeg 一个分段在单个交易所上的订单
type OrderLeg struct {
	Venue      VenueID   `json:"venue"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Qty        float64   `json:"qty"`
	Price      float64   `json:"price,omitempty"`
	Market     bool      `json:"market"`
	ReduceOnly bool      `json:"reduce_only"`
	Status     LegStatus `json:"status"`
	FilledQty  float64   `json:"filled_qty"`
	OrderIDs   []string  `json:"order_ids,omitempty"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	Err        error     `json:"-"`
}

// SignedFilled is the position change produced by the leg so far.
func (l *OrderLeg) SignedFilled() float64 {
	return l.Side.Sign() * l.FilledQty
}

// Remaining is the unfilled part of the requested quantity.
func (l *OrderLeg) Remaining() float64 {
	return math.Max(0, l.Qty-l.FilledQty)
}

// ExecutionSegment 有界大小的一次原子提交
type ExecutionSegment struct {
	DecisionOrderID string       `json:"decision_order_id"`
	SequenceNo      int          `json:"sequence_no"`
	Size            float64      `json:"size"`
	State           SegmentState `json:"state"`
	Legs            []*OrderLeg  `json:"legs"`
	Reason          string       `json:"reason,omitempty"`
}

// Advance moves the segment forward. States never move backwards and a
// segment never re-enters pending.
func (s *ExecutionSegment) Advance(to SegmentState) error {
	if to.rank() <= s.State.rank() {
		return fmt.Errorf("%w: segment %d %s -> %s", ErrIllegalTransition, s.SequenceNo, s.State, to)
	}
	s.State = to
	return nil
}
