package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"segarb/internal/domain/model"
	"segarb/internal/infrastructure/exchange"
)

type bookTickerResp struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
	Time     int64  `json:"time"`
}

// GetTicker GET /fapi/v1/ticker/bookTicker
func (c *Client) GetTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	body, err := c.public(ctx, "/fapi/v1/ticker/bookTicker", params)
	if err != nil {
		return model.Ticker{}, fmt.Errorf("get ticker failed: %w", err)
	}
	var resp bookTickerResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.Ticker{}, fmt.Errorf("parse ticker failed: %w", err)
	}
	bid, ask := exchange.ParseFloat(resp.BidPrice), exchange.ParseFloat(resp.AskPrice)
	return model.Ticker{
		Venue:  c.id,
		Symbol: strings.ToUpper(resp.Symbol),
		Bid:    bid,
		Ask:    ask,
		Mid:    (bid + ask) / 2,
		Time:   msTime(resp.Time),
	}, nil
}

type depthResp struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	T            int64      `json:"T"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// GetOrderBook GET /fapi/v1/depth
func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("limit", strconv.Itoa(depthLimit(depth)))
	body, err := c.public(ctx, "/fapi/v1/depth", params)
	if err != nil {
		return model.OrderBook{}, fmt.Errorf("get depth failed: %w", err)
	}
	var resp depthResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.OrderBook{}, fmt.Errorf("parse depth failed: %w", err)
	}
	return model.OrderBook{
		Venue:  c.id,
		Symbol: strings.ToUpper(symbol),
		Bids:   exchange.ParseLevels(resp.Bids),
		Asks:   exchange.ParseLevels(resp.Asks),
		Time:   msTime(resp.T),
	}, nil
}

// binance only accepts these depth limits
func depthLimit(n int) int {
	for _, l := range []int{5, 10, 20, 50, 100, 500, 1000} {
		if n <= l {
			return l
		}
	}
	return 1000
}

type premiumIndexResp struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

// GetFundingRate GET /fapi/v1/premiumIndex (current predicted rate)
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (model.FundingRate, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	body, err := c.public(ctx, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return model.FundingRate{}, fmt.Errorf("get funding rate failed: %w", err)
	}
	var resp premiumIndexResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.FundingRate{}, fmt.Errorf("parse funding rate failed: %w", err)
	}
	return model.FundingRate{
		Venue:    c.id,
		Symbol:   strings.ToUpper(resp.Symbol),
		Rate:     exchange.ParseFloat(resp.LastFundingRate),
		NextTime: msTime(resp.NextFundingTime),
		Time:     msTime(resp.Time),
	}, nil
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
