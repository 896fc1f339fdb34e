package model

import "time"

// Ticker 最优买卖价
type Ticker struct {
	Venue  VenueID   `json:"venue"`
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Mid    float64   `json:"mid"`
	Time   time.Time `json:"time"`
}

// Level 盘口档位
type Level struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// OrderBook 盘口快照，bids 降序 asks 升序
type OrderBook struct {
	Venue  VenueID   `json:"venue"`
	Symbol string    `json:"symbol"`
	Bids   []Level   `json:"bids"`
	Asks   []Level   `json:"asks"`
	Time   time.Time `json:"time"`
}

// BestBid returns the top bid or zero.
func (b OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the top ask or zero.
func (b OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// FundingRate 资金费率
type FundingRate struct {
	Venue    VenueID   `json:"venue"`
	Symbol   string    `json:"symbol"`
	Rate     float64   `json:"rate"`
	NextTime time.Time `json:"next_time"`
	Time     time.Time `json:"time"`
}

// MarketEventKind 推送事件类型
type MarketEventKind int

const (
	EventTicker MarketEventKind = iota + 1
	EventOrderBook
	EventFunding
	EventConnection
)

// MarketEvent is one normalized push update from a venue adapter.
// Exactly one of the payload fields is set according to Kind.
type MarketEvent struct {
	Kind      MarketEventKind
	Venue     VenueID
	Symbol    string
	Ticker    *Ticker
	Book      *OrderBook
	Funding   *FundingRate
	Connected bool   // EventConnection
	Reason    string // EventConnection
}

// Position 单个交易所单个合约的持仓，Qty 带符号（多正空负）
type Position struct {
	Venue      VenueID   `json:"venue"`
	Symbol     string    `json:"symbol"`
	Qty        float64   `json:"qty"`
	EntryPrice float64   `json:"entry_price"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Balance 账户余额
type Balance struct {
	Venue     VenueID `json:"venue"`
	Asset     string  `json:"asset"`
	Available float64 `json:"available"`
	Total     float64 `json:"total"`
}

// LegQuote 一条腿的最新行情
type LegQuote struct {
	Venue      VenueID    `json:"venue"`
	Symbol     string     `json:"symbol"`
	Bid        float64    `json:"bid"`
	Ask        float64    `json:"ask"`
	Mid        float64    `json:"mid"`
	Funding    float64    `json:"funding"`
	HasFunding bool       `json:"has_funding"`
	Book       *OrderBook `json:"-"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FundingAt  time.Time  `json:"funding_at"`
}

// PairState 交易对最新状态（聚合器单写，读者拿到一致快照）
type PairState struct {
	PairID    PairID    `json:"pair_id"`
	A         LegQuote  `json:"a"`
	B         LegQuote  `json:"b"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fresh reports whether both legs' quotes are younger than maxAge.
func (s PairState) Fresh(now time.Time, maxAge time.Duration) bool {
	if s.A.Mid <= 0 || s.B.Mid <= 0 {
		return false
	}
	if maxAge <= 0 {
		return true
	}
	return now.Sub(s.A.UpdatedAt) <= maxAge && now.Sub(s.B.UpdatedAt) <= maxAge
}

// Leg returns the quote for a venue.
func (s PairState) Leg(v VenueID) (LegQuote, bool) {
	switch v {
	case s.A.Venue:
		return s.A, true
	case s.B.Venue:
		return s.B, true
	}
	return LegQuote{}, false
}
