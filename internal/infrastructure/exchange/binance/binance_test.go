package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
	"segarb/internal/infrastructure/venue"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(venue.Settings{
		ID:        VenueID,
		RestURL:   srv.URL,
		WsURL:     "wss://fstream.binance.com",
		APIKey:    "key",
		APISecret: "secret",
		RateLimit: 1000,
		RateBurst: 100,
		QtyStep:   map[string]float64{"BTCUSDT": 0.001},
		PriceTick: map[string]float64{"BTCUSDT": 0.1},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return c
}

func TestNewOrderSignsAndFormats(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/fapi/v1/order" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-MBX-APIKEY") != "key" {
			t.Errorf("api key header = %q", r.Header.Get("X-MBX-APIKEY"))
		}
		raw := r.URL.RawQuery
		idx := strings.LastIndex(raw, "&signature=")
		if idx < 0 {
			t.Fatalf("signature missing: %s", raw)
		}
		if got, want := raw[idx+len("&signature="):], NewCredentials("key", "secret").Sign(raw[:idx]); got != want {
			t.Errorf("signature = %s, want %s", got, want)
		}
		q := r.URL.Query()
		checks := map[string]string{
			"symbol":           "BTCUSDT",
			"side":             "BUY",
			"quantity":         "0.123",
			"type":             "LIMIT",
			"timeInForce":      "IOC",
			"price":            "101",
			"reduceOnly":       "true",
			"newClientOrderId": "cid-1",
			"timestamp":        "1700000000000",
			"recvWindow":       "5000",
		}
		for k, want := range checks {
			if got := q.Get(k); got != want {
				t.Errorf("%s = %q, want %q", k, got, want)
			}
		}
		_ = json.NewEncoder(w).Encode(OrderResponse{OrderID: 42, Status: "NEW"})
	})

	ack, err := c.NewOrder(context.Background(), model.OrderRequest{
		ClientID:    "cid-1",
		Symbol:      "btcusdt",
		Side:        model.SideBuy,
		Qty:         0.1234,
		Price:       100.91,
		TimeInForce: model.TIFIOC,
		ReduceOnly:  true,
	})
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if !ack.Accepted || ack.OrderID != "42" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		class  port.ErrorClass
		reason port.RejectReason
	}{
		{http.StatusBadRequest, `{"code":-2022,"msg":"ReduceOnly Order is rejected."}`, port.ClassRecoverable, port.ReasonReduceOnly},
		{http.StatusBadRequest, `{"code":-2019,"msg":"Margin is insufficient."}`, port.ClassRecoverable, port.ReasonMargin},
		{http.StatusUnauthorized, `{"code":-2015,"msg":"Invalid API-key"}`, port.ClassAuth, port.ReasonNone},
		{http.StatusBadRequest, `{"code":-1121,"msg":"Invalid symbol."}`, port.ClassTerminal, port.ReasonSymbolDisabled},
		{http.StatusBadRequest, `{"code":-1111,"msg":"Precision is over the maximum"}`, port.ClassTerminal, port.ReasonInvalidParams},
		{http.StatusServiceUnavailable, `busy`, port.ClassTransport, port.ReasonMaintenance},
		{http.StatusBadGateway, `bad gateway`, port.ClassTransport, port.ReasonNone},
		{http.StatusBadRequest, `{"code":-1016,"msg":"This service is no longer available."}`, port.ClassTransport, port.ReasonMaintenance},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		})
		_, err := c.NewOrder(context.Background(), model.OrderRequest{Symbol: "BTCUSDT", Side: model.SideSell, Qty: 0.01, Market: true})
		if err == nil {
			t.Fatalf("%s: expected error", tc.body)
		}
		if got := port.ClassOf(err); got != tc.class {
			t.Errorf("%s: class = %v, want %v", tc.body, got, tc.class)
		}
		if got := port.ReasonOf(err); got != tc.reason {
			t.Errorf("%s: reason = %q, want %q", tc.body, got, tc.reason)
		}
	}
}

func TestQueryOrderAndPositions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/order":
			_, _ = w.Write([]byte(`{"orderId":42,"status":"EXPIRED","executedQty":"0.004","avgPrice":"100.5"}`))
		case "/fapi/v2/positionRisk":
			_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","positionAmt":"-0.3","entryPrice":"100","updateTime":1700000000000},{"symbol":"ETHUSDT","positionAmt":"0"}]`))
		case "/fapi/v2/balance":
			_, _ = w.Write([]byte(`[{"asset":"BNB","balance":"1","availableBalance":"1"},{"asset":"USDT","balance":"1000","availableBalance":"750.5"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	rep, err := c.QueryOrder(ctx, "BTCUSDT", "42")
	if err != nil {
		t.Fatalf("QueryOrder: %v", err)
	}
	if rep.Status != model.OrderExpired || rep.FilledQty != 0.004 || !rep.Status.Terminal() {
		t.Errorf("report = %+v", rep)
	}

	pos, err := c.GetPositions(ctx)
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(pos) != 1 || pos[0].Qty != -0.3 || pos[0].Venue != VenueID {
		t.Errorf("positions = %+v", pos)
	}

	bal, err := c.GetBalance(ctx)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if len(bal) != 1 || bal[0].Asset != "USDT" || bal[0].Available != 750.5 {
		t.Errorf("balances = %+v", bal)
	}
}

func TestMarketData(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/ticker/bookTicker":
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","bidPrice":"100.0","askPrice":"102.0","time":1700000000000}`))
		case "/fapi/v1/depth":
			if r.URL.Query().Get("limit") != "10" {
				t.Errorf("limit = %s", r.URL.Query().Get("limit"))
			}
			_, _ = w.Write([]byte(`{"bids":[["100.0","1.5"]],"asks":[["100.2","2"]],"T":1700000000000}`))
		case "/fapi/v1/premiumIndex":
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","lastFundingRate":"0.0001","nextFundingTime":1700003600000,"time":1700000000000}`))
		}
	})
	ctx := context.Background()

	tk, err := c.GetTicker(ctx, "BTCUSDT")
	if err != nil || tk.Mid != 101 {
		t.Errorf("ticker = %+v err=%v", tk, err)
	}
	book, err := c.GetOrderBook(ctx, "BTCUSDT", 7)
	if err != nil || book.BestBid() != 100.0 || book.BestAsk() != 100.2 {
		t.Errorf("book = %+v err=%v", book, err)
	}
	fr, err := c.GetFundingRate(ctx, "BTCUSDT")
	if err != nil || fr.Rate != 0.0001 {
		t.Errorf("funding = %+v err=%v", fr, err)
	}
}

func TestDecodeStreamFrames(t *testing.T) {
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) {})

	var got []model.MarketEvent
	emit := func(ev model.MarketEvent) { got = append(got, ev) }

	c.handle([]byte(`{"stream":"btcusdt@bookTicker","data":{"e":"bookTicker","s":"BTCUSDT","b":"100.1","B":"7.5","a":"100.3","A":"9","T":1700000000000}}`), emit)
	c.handle([]byte(`{"stream":"btcusdt@depth10@100ms","data":{"e":"depthUpdate","s":"BTCUSDT","T":1700000000000,"b":[["100.1","2"]],"a":[["100.3","3"]]}}`), emit)
	c.handle([]byte(`{"stream":"btcusdt@markPrice@1s","data":{"e":"markPriceUpdate","E":1700000000000,"s":"BTCUSDT","p":"100.2","P":"100.25","r":"0.00012","T":1700003600000}}`), emit)
	c.handle([]byte(`not json`), emit)

	if len(got) != 3 {
		t.Fatalf("events = %d", len(got))
	}
	if tk := got[0].Ticker; got[0].Kind != model.EventTicker || tk.Bid != 100.1 || tk.Ask != 100.3 {
		t.Errorf("ticker event = %+v", tk)
	}
	if b := got[1].Book; got[1].Kind != model.EventOrderBook || b.BestBid() != 100.1 || b.Asks[0].Qty != 3 {
		t.Errorf("book event = %+v", b)
	}
	if f := got[2].Funding; got[2].Kind != model.EventFunding || f.Rate != 0.00012 || f.NextTime.UnixMilli() != 1700003600000 {
		t.Errorf("funding event = %+v", f)
	}
}

func TestBuildCombinedURL(t *testing.T) {
	u, err := buildCombinedURL("wss://fstream.binance.com", []string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("buildCombinedURL: %v", err)
	}
	want := "wss://fstream.binance.com/stream?streams=btcusdt@bookTicker/btcusdt@depth10@100ms/btcusdt@markPrice@1s"
	if u != want {
		t.Errorf("url = %s", u)
	}
	if _, err := buildCombinedURL("", []string{"BTCUSDT"}); err == nil {
		t.Error("expected error for empty base")
	}
}

func TestRegistered(t *testing.T) {
	if _, ok := venue.Get(VenueID); !ok {
		t.Fatal("binance factory not registered")
	}
}
