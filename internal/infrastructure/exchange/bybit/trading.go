package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
	"segarb/internal/infrastructure/exchange"
)

// settleAsset 保证金资产，余额监控只看它
const settleAsset = "USDT"

type placeOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
}

func sideOf(s model.Side) string {
	if s == model.SideSell {
		return "Sell"
	}
	return "Buy"
}

// NewOrder POST /v5/order/create
func (c *Client) NewOrder(ctx context.Context, req model.OrderRequest) (model.OrderAck, error) {
	symbol := strings.ToUpper(req.Symbol)
	payload := placeOrderRequest{
		Category:    category,
		Symbol:      symbol,
		Side:        sideOf(req.Side),
		Qty:         c.quant.Qty(symbol, req.Qty),
		ReduceOnly:  req.ReduceOnly,
		OrderLinkID: req.ClientID,
	}
	if req.Market {
		payload.OrderType = "Market"
	} else {
		tif := req.TimeInForce
		if tif == "" {
			tif = model.TIFGTC
		}
		payload.OrderType = "Limit"
		payload.TimeInForce = string(tif)
		payload.Price = c.quant.Price(symbol, req.Side, req.Price)
	}

	raw, err := c.signedJSON(ctx, "/v5/order/create", payload)
	if err != nil {
		return model.OrderAck{Reason: string(port.ReasonOf(err))}, fmt.Errorf("place order failed: %w", err)
	}
	var res struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return model.OrderAck{}, fmt.Errorf("parse order response failed: %w", err)
	}
	if res.OrderID == "" {
		return model.OrderAck{}, &port.VenueError{Venue: c.id, Class: port.ClassUnknown, Msg: "order id missing"}
	}

	log.Info().
		Str("venue", string(c.id)).
		Str("symbol", symbol).
		Str("side", payload.Side).
		Str("quantity", payload.Qty).
		Bool("reduce_only", req.ReduceOnly).
		Str("orderID", res.OrderID).
		Msg("order placed")

	return model.OrderAck{OrderID: res.OrderID, Accepted: true}, nil
}

// CancelOrder POST /v5/order/cancel. 110001 (already gone) is not an error.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	payload := map[string]string{
		"category": category,
		"symbol":   strings.ToUpper(symbol),
		"orderId":  orderID,
	}
	if _, err := c.signedJSON(ctx, "/v5/order/cancel", payload); err != nil {
		var ve *port.VenueError
		if errors.As(err, &ve) && ve.Code == "110001" {
			return nil
		}
		return fmt.Errorf("cancel order failed: %w", err)
	}
	log.Info().Str("venue", string(c.id)).Str("symbol", symbol).Str("orderId", orderID).Msg("order cancelled")
	return nil
}

type orderItem struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
}

// QueryOrder GET /v5/order/realtime, falling back to /v5/order/history
// once the order has left the realtime window.
func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (model.OrderReport, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", orderID)

	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		raw, err := c.signedQuery(ctx, path, params)
		if err != nil {
			return model.OrderReport{}, fmt.Errorf("query order failed: %w", err)
		}
		var res struct {
			List []orderItem `json:"list"`
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			return model.OrderReport{}, fmt.Errorf("parse order status failed: %w", err)
		}
		if len(res.List) == 0 {
			continue
		}
		o := res.List[0]
		return model.OrderReport{
			OrderID:   orderID,
			Status:    orderStatus(o.OrderStatus),
			FilledQty: exchange.ParseFloat(o.CumExecQty),
			AvgPrice:  exchange.ParseFloat(o.AvgPrice),
		}, nil
	}
	return model.OrderReport{}, fmt.Errorf("%w: %s order %s", port.ErrNoData, c.id, orderID)
}

func orderStatus(s string) model.OrderStatus {
	switch s {
	case "New", "Untriggered", "Created":
		return model.OrderNew
	case "PartiallyFilled":
		return model.OrderPartiallyFilled
	case "Filled":
		return model.OrderFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return model.OrderCanceled
	case "Rejected":
		return model.OrderRejected
	case "Deactivated", "Triggered":
		return model.OrderExpired
	}
	return model.OrderNew
}

// GetPositions GET /v5/position/list
func (c *Client) GetPositions(ctx context.Context) ([]model.Position, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("settleCoin", settleAsset)
	raw, err := c.signedQuery(ctx, "/v5/position/list", params)
	if err != nil {
		return nil, fmt.Errorf("get positions failed: %w", err)
	}
	var res struct {
		List []struct {
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			Size        string `json:"size"`
			AvgPrice    string `json:"avgPrice"`
			UpdatedTime string `json:"updatedTime"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse positions failed: %w", err)
	}
	now := c.now()
	out := make([]model.Position, 0, len(res.List))
	for _, p := range res.List {
		size := exchange.ParseFloat(p.Size)
		if size == 0 {
			continue
		}
		if p.Side == "Sell" {
			size = -size
		}
		ts := now
		if ms, err := strconv.ParseInt(p.UpdatedTime, 10, 64); err == nil && ms > 0 {
			ts = msTime(ms)
		}
		out = append(out, model.Position{
			Venue:      c.id,
			Symbol:     strings.ToUpper(p.Symbol),
			Qty:        size,
			EntryPrice: exchange.ParseFloat(p.AvgPrice),
			UpdatedAt:  ts,
		})
	}
	return out, nil
}

// GetBalance GET /v5/account/wallet-balance (unified account)
func (c *Client) GetBalance(ctx context.Context) ([]model.Balance, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")
	params.Set("coin", settleAsset)
	raw, err := c.signedQuery(ctx, "/v5/account/wallet-balance", params)
	if err != nil {
		return nil, fmt.Errorf("get balance failed: %w", err)
	}
	var res struct {
		List []struct {
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			Coin                  []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse balance failed: %w", err)
	}
	var out []model.Balance
	for _, acct := range res.List {
		for _, coin := range acct.Coin {
			if !strings.EqualFold(coin.Coin, settleAsset) {
				continue
			}
			avail := coin.AvailableToWithdraw
			if strings.TrimSpace(avail) == "" {
				// UTA 2.0 不再返回单币可用余额
				avail = acct.TotalAvailableBalance
			}
			out = append(out, model.Balance{
				Venue:     c.id,
				Asset:     settleAsset,
				Available: exchange.ParseFloat(avail),
				Total:     exchange.ParseFloat(coin.WalletBalance),
			})
		}
	}
	return out, nil
}
