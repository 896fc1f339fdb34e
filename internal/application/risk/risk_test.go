package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
	"segarb/internal/domain/service"
)

const pair = model.PairID("BTC:binance-bybit")

func TestStabilityDeniesLargeMove(t *testing.T) {
	f := NewStabilityFilter(2, time.Minute)
	now := time.Unix(1700000000, 0)
	f.Observe(pair, 100, now)
	f.Observe(pair, 103, now.Add(10*time.Second))

	r := f.Check(pair, now.Add(20*time.Second))
	if r.Allowed {
		t.Fatalf("3%% move with 2%% threshold allowed")
	}
	if r.Gate != GateStability {
		t.Fatalf("gate = %q", r.Gate)
	}

	// the spike leaves the window
	f.Observe(pair, 103.5, now.Add(90*time.Second))
	if r := f.Check(pair, now.Add(95*time.Second)); !r.Allowed {
		t.Fatalf("old move still denies: %s", r.Reason)
	}
}

func TestStabilityAllowsSmallMove(t *testing.T) {
	f := NewStabilityFilter(2, time.Minute)
	now := time.Unix(1700000000, 0)
	f.Observe(pair, 100, now)
	f.Observe(pair, 101, now.Add(time.Second))
	if r := f.Check(pair, now.Add(2*time.Second)); !r.Allowed {
		t.Fatalf("1%% move denied: %s", r.Reason)
	}
}

func book() *model.OrderBook {
	return &model.OrderBook{
		Bids: []model.Level{{Price: 99.9, Qty: 1}, {Price: 99.85, Qty: 2}, {Price: 90, Qty: 50}},
		Asks: []model.Level{{Price: 100, Qty: 1}, {Price: 100.05, Qty: 2}, {Price: 110, Qty: 50}},
	}
}

func TestLiquidityAdjustsAndDenies(t *testing.T) {
	c := NewLiquidityCheck(LiquidityConfig{Enabled: true, SlippageTolerancePct: 0.1, DepthUsageRatio: 0.5, MinQty: 0.1})

	if r := c.Check(book(), model.SideBuy, 1); !r.Allowed || r.AdjustedQty != 1 {
		t.Fatalf("enough depth: %+v", r)
	}
	r := c.Check(book(), model.SideBuy, 5)
	if !r.Allowed || r.AdjustedQty != 1.5 {
		t.Fatalf("expected adjust to 1.5, got %+v", r)
	}
	if !r.Adjusted(5) {
		t.Fatalf("Adjusted should report shrink")
	}
	r = c.Check(book(), model.SideSell, 5)
	if !r.Allowed || r.AdjustedQty != 1.5 {
		t.Fatalf("sell side expected 1.5, got %+v", r)
	}
	if r := c.Check(nil, model.SideBuy, 1); r.Allowed {
		t.Fatalf("nil book allowed")
	}

	thin := &model.OrderBook{Asks: []model.Level{{Price: 100, Qty: 0.1}}}
	if r := c.Check(thin, model.SideBuy, 1); r.Allowed {
		t.Fatalf("depth below minimum allowed: %+v", r)
	}

	off := NewLiquidityCheck(LiquidityConfig{})
	if r := off.Check(nil, model.SideBuy, 3); !r.Allowed || r.AdjustedQty != 3 {
		t.Fatalf("disabled check should pass through: %+v", r)
	}
}

func TestBackoffExponentialCooldown(t *testing.T) {
	b := NewBackoffController(BackoffConfig{ErrorThreshold: 2, ErrorWindow: time.Minute, BaseCooldown: 10 * time.Second, MaxCooldown: 30 * time.Second})
	now := time.Unix(1700000000, 0)

	b.Record("binance", port.ClassRecoverable, now)
	if ok, _ := b.Allowed("binance", now); !ok {
		t.Fatalf("paused below threshold")
	}
	if !b.Record("binance", port.ClassRecoverable, now) {
		t.Fatalf("threshold should pause")
	}
	if ok, _ := b.Allowed("binance", now.Add(5*time.Second)); ok {
		t.Fatalf("should be cooling down")
	}
	if ok, _ := b.Allowed("binance", now.Add(11*time.Second)); !ok {
		t.Fatalf("should auto resume after 10s")
	}

	later := now.Add(20 * time.Second)
	b.Record("binance", port.ClassTerminal, later)
	b.Record("binance", port.ClassTerminal, later)
	if ok, _ := b.Allowed("binance", later.Add(15*time.Second)); ok {
		t.Fatalf("second pause should last 20s")
	}
	if ok, _ := b.Allowed("binance", later.Add(21*time.Second)); !ok {
		t.Fatalf("second pause should end after 20s")
	}

	// third strike is capped
	last := later.Add(30 * time.Second)
	b.Record("binance", port.ClassTerminal, last)
	b.Record("binance", port.ClassTerminal, last)
	if ok, _ := b.Allowed("binance", last.Add(31*time.Second)); !ok {
		t.Fatalf("cooldown should be capped at 30s")
	}
}

func TestBackoffCountsTransportSeparately(t *testing.T) {
	b := NewBackoffController(BackoffConfig{ErrorThreshold: 2, ErrorWindow: time.Minute})
	now := time.Unix(1700000000, 0)
	b.Record("bybit", port.ClassTransport, now)
	b.Record("bybit", port.ClassTerminal, now)
	if ok, _ := b.Allowed("bybit", now); !ok {
		t.Fatalf("mixed classes should not reach the threshold")
	}
	trading, transport := b.Counts("bybit", now)
	if trading != 1 || transport != 1 {
		t.Fatalf("counts = %d/%d", trading, transport)
	}
}

func TestBackoffAuthHaltsUntilForceResume(t *testing.T) {
	b := NewBackoffController(BackoffConfig{})
	now := time.Unix(1700000000, 0)
	b.Record("bybit", port.ClassAuth, now)
	if ok, _ := b.Allowed("bybit", now.Add(time.Hour)); ok {
		t.Fatalf("auth halt expired on its own")
	}
	b.ForceResume("bybit")
	if ok, _ := b.Allowed("bybit", now); !ok {
		t.Fatalf("force resume did not clear halt")
	}
}

type guardVenue struct {
	port.Trading
	position float64
	rejects  int
	reqs     []model.OrderRequest
}

func (v *guardVenue) GetPositions(context.Context) ([]model.Position, error) {
	return []model.Position{{Symbol: "BTCUSDT", Qty: v.position}}, nil
}

func (v *guardVenue) NewOrder(_ context.Context, req model.OrderRequest) (model.OrderAck, error) {
	v.reqs = append(v.reqs, req)
	if v.rejects > 0 {
		v.rejects--
		return model.OrderAck{}, &port.VenueError{Venue: "binance", Class: port.ClassRecoverable, Reason: port.ReasonReduceOnly}
	}
	return model.OrderAck{OrderID: "1", Accepted: true}, nil
}

func TestReduceOnlyGuardCorrectsFlag(t *testing.T) {
	v := &guardVenue{position: 0}
	g := NewReduceOnlyGuard(map[model.VenueID]port.Trading{"binance": v})
	req := model.OrderRequest{Symbol: "BTCUSDT", Side: model.SideSell, Qty: 0.1, Market: true, ReduceOnly: true}

	ack, fixed, err := g.Resolve(context.Background(), "binance", req)
	if err != nil || !ack.Accepted {
		t.Fatalf("resolve: %v", err)
	}
	if fixed.ReduceOnly {
		t.Fatalf("flat position requires reduce-only off")
	}
	if len(v.reqs) != 1 {
		t.Fatalf("expected exactly one retry, got %d", len(v.reqs))
	}
}

func TestReduceOnlyGuardEscalates(t *testing.T) {
	v := &guardVenue{position: 0.5, rejects: 1}
	g := NewReduceOnlyGuard(map[model.VenueID]port.Trading{"binance": v})
	req := model.OrderRequest{Symbol: "BTCUSDT", Side: model.SideSell, Qty: 0.1, Market: true}

	_, fixed, err := g.Resolve(context.Background(), "binance", req)
	if !fixed.ReduceOnly {
		t.Fatalf("closing a long should set reduce-only")
	}
	var ve *port.VenueError
	if !errors.As(err, &ve) || ve.Class != port.ClassTerminal {
		t.Fatalf("expected terminal escalation, got %v", err)
	}
}

func TestRequiredFlag(t *testing.T) {
	cases := []struct {
		pos  float64
		side model.Side
		qty  float64
		want bool
	}{
		{0, model.SideSell, 1, false},
		{1, model.SideSell, 1, true},
		{1, model.SideSell, 2, false},
		{1, model.SideBuy, 1, false},
		{-1, model.SideBuy, 0.5, true},
	}
	for _, c := range cases {
		if got := RequiredFlag(c.pos, c.side, c.qty); got != c.want {
			t.Errorf("RequiredFlag(%v,%s,%v) = %v want %v", c.pos, c.side, c.qty, got, c.want)
		}
	}
}

func TestGatekeeperChain(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rm := service.NewRiskManager(service.RiskLimits{})
	g := &Gatekeeper{
		Risk:      rm,
		Backoff:   NewBackoffController(BackoffConfig{ErrorThreshold: 1}),
		Stability: NewStabilityFilter(2, time.Minute),
		Liquidity: NewLiquidityCheck(LiquidityConfig{Enabled: true, SlippageTolerancePct: 0.1, DepthUsageRatio: 0.5}),
		Now:       func() time.Time { return now },
	}
	p := model.NewSymbolPair("", "BTC", "binance", "bybit", "BTCUSDT", "BTCUSDT")
	req := SegmentRequest{
		Pair:    p,
		Opening: true,
		Size:    2,
		Legs: []LegRequest{
			{Venue: "binance", Symbol: "BTCUSDT", Side: model.SideBuy, Qty: 2},
			{Venue: "bybit", Symbol: "BTCUSDT", Side: model.SideSell, Qty: 2},
		},
		Books: map[model.VenueID]*model.OrderBook{"binance": book(), "bybit": book()},
	}

	r := g.Check(context.Background(), req)
	if !r.Allowed || r.AdjustedQty != 1.5 || r.Gate != GateLiquidity {
		t.Fatalf("expected liquidity adjust to 1.5, got %+v", r)
	}

	g.Stability.Observe(p.ID, 100, now.Add(-10*time.Second))
	g.Stability.Observe(p.ID, 103, now)
	if r := g.Check(context.Background(), req); r.Allowed || r.Gate != GateStability {
		t.Fatalf("expected stability deny, got %+v", r)
	}
	// closing is not held back by stability
	req.Opening = false
	if r := g.Check(context.Background(), req); !r.Allowed {
		t.Fatalf("closing denied: %+v", r)
	}

	g.Backoff.Record("bybit", port.ClassTerminal, now)
	if r := g.Check(context.Background(), req); r.Allowed || r.Gate != GateBackoff {
		t.Fatalf("expected backoff deny, got %+v", r)
	}

	req.Opening = true
	g.Backoff.ForceResume("bybit")
	rm = service.NewRiskManager(service.RiskLimits{DisabledSymbols: []string{"BTC"}})
	g.Risk = rm
	if r := g.Check(context.Background(), req); r.Allowed || r.Gate != GateGlobal {
		t.Fatalf("expected global deny, got %+v", r)
	}
}
