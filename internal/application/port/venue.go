package port

import (
	"context"
	"errors"
	"fmt"
	"net"

	"segarb/internal/domain/model"
)

// MarketData 行情接口
type MarketData interface {
	GetTicker(ctx context.Context, symbol string) (model.Ticker, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error)
	GetFundingRate(ctx context.Context, symbol string) (model.FundingRate, error)
	// Subscribe pushes ticker, book, funding and connection events for the
	// symbols into a bounded channel owned by the adapter. The channel is
	// closed when ctx is done.
	Subscribe(ctx context.Context, symbols []string) (<-chan model.MarketEvent, error)
}

// Trading 交易接口
type Trading interface {
	NewOrder(ctx context.Context, req model.OrderRequest) (model.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	QueryOrder(ctx context.Context, symbol, orderID string) (model.OrderReport, error)
	GetPositions(ctx context.Context) ([]model.Position, error)
	GetBalance(ctx context.Context) ([]model.Balance, error)
}

// Venue 统一的交易所能力接口，具体交易所通过 registry 按 ID 选择
type Venue interface {
	ID() model.VenueID
	MarketData
	Trading
}

// ErrorClass separates transport failures from trading-logic failures.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassTransport
	ClassAuth
	ClassRecoverable
	ClassTerminal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransport:
		return "transport"
	case ClassAuth:
		return "auth"
	case ClassRecoverable:
		return "rejected_recoverable"
	case ClassTerminal:
		return "rejected_terminal"
	}
	return "unknown"
}

// RejectReason 拒单原因
type RejectReason string

const (
	ReasonNone           RejectReason = ""
	ReasonReduceOnly     RejectReason = "reduce_only_mismatch"
	ReasonMargin         RejectReason = "margin_shortfall"
	ReasonInvalidParams  RejectReason = "invalid_params"
	ReasonSymbolDisabled RejectReason = "symbol_disabled"
	ReasonNotFilled      RejectReason = "not_filled"
	ReasonMaintenance    RejectReason = "venue_maintenance"
)

// VenueError 交易所错误，带分类
type VenueError struct {
	Venue  model.VenueID
	Class  ErrorClass
	Reason RejectReason
	Code   string
	Msg    string
	Err    error
}

func (e *VenueError) Error() string {
	s := fmt.Sprintf("%s %s", e.Venue, e.Class)
	if e.Reason != ReasonNone {
		s += " " + string(e.Reason)
	}
	if e.Code != "" {
		s += " [" + e.Code + "]"
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *VenueError) Unwrap() error { return e.Err }

var (
	ErrVenueNotFound   = errors.New("venue not found")
	ErrDuplicateSample = errors.New("duplicate sample timestamp")
	ErrNoData          = errors.New("data unavailable")
)

// ClassOf classifies any error returned by an adapter.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransport
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassTransport
	}
	return ClassUnknown
}

// ReasonOf returns the rejection reason of a venue error.
func ReasonOf(err error) RejectReason {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ReasonNone
}

// IsReduceOnlyMismatch reports a reduce-only flag rejection.
func IsReduceOnlyMismatch(err error) bool {
	return ReasonOf(err) == ReasonReduceOnly
}
