package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"segarb/internal/domain/model"
	"segarb/internal/infrastructure/exchange"
)

const (
	bookDepth    = 50
	publishDepth = 10
)

type subReq struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type wsMsg struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`

	Success *bool  `json:"success,omitempty"`
	RetMsg  string `json:"ret_msg,omitempty"`
	Op      string `json:"op,omitempty"`
}

type wsTicker struct {
	Symbol          string `json:"symbol"`
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

type wsBook struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
}

// feedState 每个连接的增量状态：tickers 的 delta 只带变化字段，盘口需要本地维护
type feedState struct {
	mu      sync.Mutex
	tickers map[string]*quote
	books   map[string]*localBook
}

type quote struct {
	bid, ask float64
}

type localBook struct {
	bids map[float64]float64
	asks map[float64]float64
}

func newFeedState() *feedState {
	return &feedState{tickers: map[string]*quote{}, books: map[string]*localBook{}}
}

// Subscribe 订阅 tickers（含资金费率）与 50 档盘口
func (c *Client) Subscribe(ctx context.Context, symbols []string) (<-chan model.MarketEvent, error) {
	if strings.TrimSpace(c.wsURL) == "" {
		return nil, errors.New("bybit ws_url empty")
	}
	topics := topicsFor(symbols)
	if len(topics) == 0 {
		return nil, errors.New("no valid symbols for bybit topics")
	}

	var state *feedState
	s := &exchange.Stream{
		Venue: c.id,
		URL:   c.wsURL,
		OnConnect: func(conn *websocket.Conn) error {
			// 重连后 bybit 会重新推送快照
			state = newFeedState()
			return conn.WriteJSON(subReq{Op: "subscribe", Args: topics})
		},
		Handle: func(b []byte, emit exchange.Emit) {
			c.handle(state, b, emit)
		},
		Ping: func(conn *websocket.Conn) error {
			return conn.WriteJSON(subReq{Op: "ping"})
		},
		PingInterval: 20 * time.Second,
	}
	return s.Start(ctx, 1024)
}

func topicsFor(symbols []string) []string {
	topics := make([]string, 0, len(symbols)*2)
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		topics = append(topics, "tickers."+s, "orderbook."+strconv.Itoa(bookDepth)+"."+s)
	}
	return topics
}

func (c *Client) handle(state *feedState, b []byte, emit exchange.Emit) {
	var msg wsMsg
	if err := json.Unmarshal(b, &msg); err != nil {
		log.Error().Str("venue", string(c.id)).Err(err).Msg("json unmarshal failed")
		return
	}
	// ack / pong
	if msg.Success != nil || msg.Op != "" {
		if msg.Success != nil && !*msg.Success {
			log.Error().Str("venue", string(c.id)).Str("ret_msg", msg.RetMsg).Msg("subscribe not success")
		}
		return
	}
	if state == nil || len(msg.Data) == 0 {
		return
	}
	switch {
	case strings.HasPrefix(msg.Topic, "tickers."):
		var t wsTicker
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			return
		}
		for _, ev := range state.applyTicker(c.id, t, msTime(msg.Ts)) {
			emit(ev)
		}
	case strings.HasPrefix(msg.Topic, "orderbook."):
		var bk wsBook
		if err := json.Unmarshal(msg.Data, &bk); err != nil {
			return
		}
		if ev, ok := state.applyBook(c.id, bk, msg.Type == "snapshot", msTime(msg.Ts)); ok {
			emit(ev)
		}
	}
}

func (s *feedState) applyTicker(id model.VenueID, t wsTicker, ts time.Time) []model.MarketEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	sym := strings.ToUpper(t.Symbol)
	if sym == "" {
		return nil
	}
	q, ok := s.tickers[sym]
	if !ok {
		q = &quote{}
		s.tickers[sym] = q
	}
	changed := false
	if v := exchange.ParseFloat(t.Bid1Price); v > 0 {
		q.bid, changed = v, true
	}
	if v := exchange.ParseFloat(t.Ask1Price); v > 0 {
		q.ask, changed = v, true
	}

	var out []model.MarketEvent
	if changed && q.bid > 0 && q.ask > 0 {
		out = append(out, model.MarketEvent{
			Kind:   model.EventTicker,
			Symbol: sym,
			Ticker: &model.Ticker{Venue: id, Symbol: sym, Bid: q.bid, Ask: q.ask, Mid: (q.bid + q.ask) / 2, Time: ts},
		})
	}
	if strings.TrimSpace(t.FundingRate) != "" {
		next, _ := strconv.ParseInt(t.NextFundingTime, 10, 64)
		out = append(out, model.MarketEvent{
			Kind:   model.EventFunding,
			Symbol: sym,
			Funding: &model.FundingRate{
				Venue:    id,
				Symbol:   sym,
				Rate:     exchange.ParseFloat(t.FundingRate),
				NextTime: msTime(next),
				Time:     ts,
			},
		})
	}
	return out
}

func (s *feedState) applyBook(id model.VenueID, bk wsBook, snapshot bool, ts time.Time) (model.MarketEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sym := strings.ToUpper(bk.Symbol)
	book, ok := s.books[sym]
	if snapshot || !ok {
		if !snapshot {
			// delta before snapshot
			return model.MarketEvent{}, false
		}
		book = &localBook{bids: map[float64]float64{}, asks: map[float64]float64{}}
		s.books[sym] = book
	}
	apply(book.bids, bk.Bids)
	apply(book.asks, bk.Asks)

	out := &model.OrderBook{
		Venue:  id,
		Symbol: sym,
		Bids:   top(book.bids, true),
		Asks:   top(book.asks, false),
		Time:   ts,
	}
	if len(out.Bids) == 0 || len(out.Asks) == 0 {
		return model.MarketEvent{}, false
	}
	return model.MarketEvent{Kind: model.EventOrderBook, Symbol: sym, Book: out}, true
}

// qty 为 0 表示删除该档位
func apply(side map[float64]float64, levels [][]string) {
	for _, l := range levels {
		if len(l) < 2 {
			continue
		}
		p, q := exchange.ParseFloat(l[0]), exchange.ParseFloat(l[1])
		if p <= 0 {
			continue
		}
		if q <= 0 {
			delete(side, p)
			continue
		}
		side[p] = q
	}
}

func top(side map[float64]float64, desc bool) []model.Level {
	out := make([]model.Level, 0, len(side))
	for p, q := range side {
		out = append(out, model.Level{Price: p, Qty: q})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if len(out) > publishDepth {
		out = out[:publishDepth]
	}
	return out
}
