package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"segarb/internal/domain/model"
	"segarb/internal/infrastructure/exchange"
)

type combined struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// 大小写不同的字段都要显式声明，encoding/json 的字段匹配不区分大小写
type streamMsg struct {
	Event  string `json:"e"`
	EvTime int64  `json:"E"`
	Symbol string `json:"s"`
	Time   int64  `json:"T"`
	Bid    string `json:"b"`
	BidQty string `json:"B"`
	Ask    string `json:"a"`
	AskQty string `json:"A"`
	Mark   string `json:"p"`
	Settle string `json:"P"`
	Rate   string `json:"r"`
}

type depthMsg struct {
	Symbol string     `json:"s"`
	Time   int64      `json:"T"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
}

// Subscribe 订阅 bookTicker、10 档深度与标记价格（含资金费率）
func (c *Client) Subscribe(ctx context.Context, symbols []string) (<-chan model.MarketEvent, error) {
	wsURL, err := buildCombinedURL(c.wsURL, symbols)
	if err != nil {
		return nil, err
	}
	s := &exchange.Stream{
		Venue:  c.id,
		URL:    wsURL,
		Handle: c.handle,
	}
	return s.Start(ctx, 1024)
}

func buildCombinedURL(base string, symbols []string) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", errors.New("binance ws_url empty")
	}
	streams := make([]string, 0, len(symbols)*3)
	for _, s := range symbols {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		streams = append(streams,
			s+"@bookTicker",
			s+"@depth10@100ms",
			s+"@markPrice@1s",
		)
	}
	if len(streams) == 0 {
		return "", errors.New("no valid symbols")
	}
	return exchange.BuildURL(base, "/stream", "streams="+strings.Join(streams, "/"))
}

func (c *Client) handle(b []byte, emit exchange.Emit) {
	var msg combined
	if err := json.Unmarshal(b, &msg); err != nil {
		log.Error().Str("venue", string(c.id)).Err(err).Msg("json unmarshal failed")
		return
	}
	ev, err := c.decode(msg)
	if err != nil {
		log.Debug().Str("venue", string(c.id)).Str("stream", msg.Stream).Err(err).Msg("skip frame")
		return
	}
	emit(ev)
}

func (c *Client) decode(msg combined) (model.MarketEvent, error) {
	switch {
	case strings.HasSuffix(msg.Stream, "@bookTicker"):
		var m streamMsg
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			return model.MarketEvent{}, err
		}
		bid, ask := exchange.ParseFloat(m.Bid), exchange.ParseFloat(m.Ask)
		if bid <= 0 || ask <= 0 {
			return model.MarketEvent{}, fmt.Errorf("empty book ticker")
		}
		sym := strings.ToUpper(m.Symbol)
		return model.MarketEvent{
			Kind:   model.EventTicker,
			Symbol: sym,
			Ticker: &model.Ticker{Venue: c.id, Symbol: sym, Bid: bid, Ask: ask, Mid: (bid + ask) / 2, Time: msTime(m.Time)},
		}, nil

	case strings.Contains(msg.Stream, "@depth"):
		var m depthMsg
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			return model.MarketEvent{}, err
		}
		sym := strings.ToUpper(m.Symbol)
		book := &model.OrderBook{
			Venue:  c.id,
			Symbol: sym,
			Bids:   exchange.ParseLevels(m.Bids),
			Asks:   exchange.ParseLevels(m.Asks),
			Time:   msTime(m.Time),
		}
		return model.MarketEvent{Kind: model.EventOrderBook, Symbol: sym, Book: book}, nil

	case strings.Contains(msg.Stream, "@markPrice"):
		var m streamMsg
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			return model.MarketEvent{}, err
		}
		if strings.TrimSpace(m.Rate) == "" {
			return model.MarketEvent{}, fmt.Errorf("no funding rate")
		}
		sym := strings.ToUpper(m.Symbol)
		return model.MarketEvent{
			Kind:   model.EventFunding,
			Symbol: sym,
			Funding: &model.FundingRate{
				Venue:    c.id,
				Symbol:   sym,
				Rate:     exchange.ParseFloat(m.Rate),
				NextTime: msTime(m.Time),
				Time:     msTime(m.EvTime),
			},
		}, nil
	}
	return model.MarketEvent{}, fmt.Errorf("unknown stream %q", msg.Stream)
}
