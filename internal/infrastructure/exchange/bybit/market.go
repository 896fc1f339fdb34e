package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
	"segarb/internal/infrastructure/exchange"
)

type tickerItem struct {
	Symbol          string `json:"symbol"`
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	LastPrice       string `json:"lastPrice"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

func (c *Client) ticker(ctx context.Context, symbol string) (tickerItem, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", strings.ToUpper(symbol))
	raw, err := c.public(ctx, "/v5/market/tickers", params)
	if err != nil {
		return tickerItem{}, err
	}
	var res struct {
		List []tickerItem `json:"list"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return tickerItem{}, err
	}
	if len(res.List) == 0 {
		return tickerItem{}, fmt.Errorf("%w: %s ticker %s", port.ErrNoData, c.id, symbol)
	}
	return res.List[0], nil
}

// GetTicker GET /v5/market/tickers
func (c *Client) GetTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	t, err := c.ticker(ctx, symbol)
	if err != nil {
		return model.Ticker{}, fmt.Errorf("get ticker failed: %w", err)
	}
	bid, ask := exchange.ParseFloat(t.Bid1Price), exchange.ParseFloat(t.Ask1Price)
	return model.Ticker{
		Venue:  c.id,
		Symbol: strings.ToUpper(t.Symbol),
		Bid:    bid,
		Ask:    ask,
		Mid:    (bid + ask) / 2,
		Time:   c.now(),
	}, nil
}

// GetOrderBook GET /v5/market/orderbook
func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error) {
	if depth <= 0 {
		depth = 25
	}
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("limit", strconv.Itoa(min(depth, 500)))
	raw, err := c.public(ctx, "/v5/market/orderbook", params)
	if err != nil {
		return model.OrderBook{}, fmt.Errorf("get orderbook failed: %w", err)
	}
	var res struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		Ts     int64      `json:"ts"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return model.OrderBook{}, fmt.Errorf("parse orderbook failed: %w", err)
	}
	return model.OrderBook{
		Venue:  c.id,
		Symbol: strings.ToUpper(symbol),
		Bids:   exchange.ParseLevels(res.Bids),
		Asks:   exchange.ParseLevels(res.Asks),
		Time:   msTime(res.Ts),
	}, nil
}

// GetFundingRate 从 tickers 读取当前资金费率
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (model.FundingRate, error) {
	t, err := c.ticker(ctx, symbol)
	if err != nil {
		return model.FundingRate{}, fmt.Errorf("get funding rate failed: %w", err)
	}
	next, _ := strconv.ParseInt(t.NextFundingTime, 10, 64)
	return model.FundingRate{
		Venue:    c.id,
		Symbol:   strings.ToUpper(t.Symbol),
		Rate:     exchange.ParseFloat(t.FundingRate),
		NextTime: msTime(next),
		Time:     c.now(),
	}, nil
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
