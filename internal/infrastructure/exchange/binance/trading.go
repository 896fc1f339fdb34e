package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
	"segarb/internal/infrastructure/exchange"
)

// OrderResponse /fapi/v1/order 响应
type OrderResponse struct {
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

// NewOrder POST /fapi/v1/order
func (c *Client) NewOrder(ctx context.Context, req model.OrderRequest) (model.OrderAck, error) {
	symbol := strings.ToUpper(req.Symbol)
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(req.Side))
	params.Set("quantity", c.quant.Qty(symbol, req.Qty))
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.Market {
		params.Set("type", "MARKET")
	} else {
		tif := req.TimeInForce
		if tif == "" {
			tif = model.TIFGTC
		}
		params.Set("type", "LIMIT")
		params.Set("timeInForce", string(tif))
		params.Set("price", c.quant.Price(symbol, req.Side, req.Price))
	}
	params.Set("newOrderRespType", "RESULT")

	body, err := c.signed(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return model.OrderAck{Reason: string(port.ReasonOf(err))}, fmt.Errorf("place order failed: %w", err)
	}

	var resp OrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.OrderAck{}, fmt.Errorf("parse order response failed: %w", err)
	}
	if resp.OrderID == 0 {
		return model.OrderAck{}, &port.VenueError{Venue: c.id, Class: port.ClassUnknown, Msg: "order id missing: " + string(body)}
	}

	log.Info().
		Str("venue", string(c.id)).
		Str("symbol", symbol).
		Str("side", string(req.Side)).
		Str("quantity", params.Get("quantity")).
		Bool("reduce_only", req.ReduceOnly).
		Int64("orderID", resp.OrderID).
		Str("status", resp.Status).
		Msg("order placed")

	return model.OrderAck{OrderID: strconv.FormatInt(resp.OrderID, 10), Accepted: true}, nil
}

// CancelOrder DELETE /fapi/v1/order. An order that is already gone
// (-2011 unknown order) is not an error.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", orderID)

	_, err := c.signed(ctx, http.MethodDelete, "/fapi/v1/order", params)
	if err != nil {
		var ve *port.VenueError
		if errors.As(err, &ve) && ve.Code == "-2011" {
			return nil
		}
		return fmt.Errorf("cancel order failed: %w", err)
	}
	log.Info().Str("venue", string(c.id)).Str("symbol", symbol).Str("orderId", orderID).Msg("order cancelled")
	return nil
}

// QueryOrder GET /fapi/v1/order
func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (model.OrderReport, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", orderID)

	body, err := c.signed(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return model.OrderReport{}, fmt.Errorf("query order failed: %w", err)
	}
	var resp OrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.OrderReport{}, fmt.Errorf("parse order status failed: %w", err)
	}
	return model.OrderReport{
		OrderID:   orderID,
		Status:    orderStatus(resp.Status),
		FilledQty: exchange.ParseFloat(resp.ExecutedQty),
		AvgPrice:  exchange.ParseFloat(resp.AvgPrice),
	}, nil
}

func orderStatus(s string) model.OrderStatus {
	switch s {
	case "NEW":
		return model.OrderNew
	case "PARTIALLY_FILLED":
		return model.OrderPartiallyFilled
	case "FILLED":
		return model.OrderFilled
	case "CANCELED":
		return model.OrderCanceled
	case "REJECTED":
		return model.OrderRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return model.OrderExpired
	}
	return model.OrderNew
}

type positionRisk struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
	EntryPrice  string `json:"entryPrice"`
	UpdateTime  int64  `json:"updateTime"`
}

// GetPositions GET /fapi/v2/positionRisk, only non-zero positions.
func (c *Client) GetPositions(ctx context.Context) ([]model.Position, error) {
	body, err := c.signed(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil)
	if err != nil {
		return nil, fmt.Errorf("get positions failed: %w", err)
	}
	var resp []positionRisk
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse positions failed: %w", err)
	}
	out := make([]model.Position, 0, len(resp))
	now := c.now()
	for _, p := range resp {
		qty := exchange.ParseFloat(p.PositionAmt)
		if qty == 0 {
			continue
		}
		ts := msTime(p.UpdateTime)
		if ts.IsZero() {
			ts = now
		}
		out = append(out, model.Position{
			Venue:      c.id,
			Symbol:     strings.ToUpper(p.Symbol),
			Qty:        qty,
			EntryPrice: exchange.ParseFloat(p.EntryPrice),
			UpdatedAt:  ts,
		})
	}
	return out, nil
}

type balanceResp struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

// settleAsset 保证金资产，余额监控只看它
const settleAsset = "USDT"

// GetBalance GET /fapi/v2/balance
func (c *Client) GetBalance(ctx context.Context) ([]model.Balance, error) {
	body, err := c.signed(ctx, http.MethodGet, "/fapi/v2/balance", nil)
	if err != nil {
		return nil, fmt.Errorf("get balance failed: %w", err)
	}
	var resp []balanceResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse balance failed: %w", err)
	}
	out := make([]model.Balance, 0, len(resp))
	for _, b := range resp {
		if !strings.EqualFold(b.Asset, settleAsset) {
			continue
		}
		out = append(out, model.Balance{
			Venue:     c.id,
			Asset:     strings.ToUpper(b.Asset),
			Available: exchange.ParseFloat(b.AvailableBalance),
			Total:     exchange.ParseFloat(b.Balance),
		})
	}
	return out, nil
}
