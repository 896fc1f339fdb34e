package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"segarb/internal/application/decision"
	"segarb/internal/application/port"
	"segarb/internal/application/risk"
	"segarb/internal/domain/model"
	"segarb/internal/domain/service"
)

type fakeVenue struct {
	mu      sync.Mutex
	id      model.VenueID
	fail    int
	failErr error
	pos     float64
	seq     int
	orders  map[string]model.OrderReport
	reqs    []model.OrderRequest
}

func newFakeVenue(id model.VenueID) *fakeVenue {
	return &fakeVenue{id: id, orders: make(map[string]model.OrderReport)}
}

func (v *fakeVenue) NewOrder(_ context.Context, req model.OrderRequest) (model.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reqs = append(v.reqs, req)
	if v.fail > 0 {
		v.fail--
		if v.failErr != nil {
			return model.OrderAck{}, v.failErr
		}
		return model.OrderAck{}, &port.VenueError{Venue: v.id, Class: port.ClassRecoverable, Reason: port.ReasonMargin, Msg: "rejected"}
	}
	v.seq++
	id := fmt.Sprintf("%s-%d", v.id, v.seq)
	v.pos += req.Side.Sign() * req.Qty
	v.orders[id] = model.OrderReport{OrderID: id, Status: model.OrderFilled, FilledQty: req.Qty}
	return model.OrderAck{OrderID: id, Accepted: true}, nil
}

func (v *fakeVenue) CancelOrder(context.Context, string, string) error { return nil }

func (v *fakeVenue) QueryOrder(_ context.Context, _ string, id string) (model.OrderReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rep, ok := v.orders[id]
	if !ok {
		return model.OrderReport{}, errors.New("unknown order")
	}
	return rep, nil
}

func (v *fakeVenue) GetPositions(context.Context) ([]model.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return []model.Position{{Venue: v.id, Symbol: "BTCUSDT", Qty: v.pos}}, nil
}

func (v *fakeVenue) GetBalance(context.Context) ([]model.Balance, error) { return nil, nil }

func (v *fakeVenue) requests() []model.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]model.OrderRequest(nil), v.reqs...)
}

type fakeQuotes struct{}

func (fakeQuotes) Snapshot(id model.PairID) (model.PairState, bool) {
	return model.PairState{
		PairID: id,
		A:      model.LegQuote{Venue: "binance", Bid: 99.9, Ask: 100.1, Mid: 100},
		B:      model.LegQuote{Venue: "bybit", Bid: 100.9, Ask: 101.1, Mid: 101},
	}, true
}

type denyGate struct{ calls int }

func (g *denyGate) Check(context.Context, risk.SegmentRequest) model.RiskGateResult {
	g.calls++
	return model.Deny("test", "closed")
}

var testPair = model.NewSymbolPair("", "BTC", "binance", "bybit", "BTCUSDT", "BTCUSDT")

type harness struct {
	a, b   *fakeVenue
	book   *decision.PositionBook
	engine *decision.Engine
	exec   *Executor
}

func newHarness(t *testing.T, seg Segmenter) *harness {
	t.Helper()
	h := &harness{a: newFakeVenue("binance"), b: newFakeVenue("bybit")}
	venues := map[model.VenueID]port.Trading{"binance": h.a, "bybit": h.b}
	h.book = decision.NewPositionBook(venues, 0)
	if err := h.book.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	h.engine = decision.NewEngine([]decision.PairConfig{{
		Pair:            testPair,
		SpreadThreshold: 0.5,
		GridStep:        0.3,
		MaxSegments:     5,
		BaseQuantity:    0.1,
		Tolerance:       1e-9,
	}}, h.book)
	h.exec = New(Deps{
		Venues:    venues,
		Pairs:     map[model.PairID]model.SymbolPair{testPair.ID: testPair},
		Segmenter: map[model.PairID]Segmenter{testPair.ID: seg},
		Quotes:    fakeQuotes{},
		Imbalance: h.engine,
		Positions: h.book,
		Guard:     risk.NewReduceOnlyGuard(venues),
	}, Config{LegTimeout: time.Second, PollInterval: time.Millisecond, IOCPriceOffsetPct: 0.1})
	return h
}

func order(kind model.DecisionKind, policy model.SegmentPolicy, deltaA, deltaB float64) *model.DecisionOrder {
	o := &model.DecisionOrder{ID: "order-1", PairID: testPair.ID, Kind: kind, Policy: policy}
	if deltaA != 0 {
		o.Legs = append(o.Legs, model.LegDelta{Venue: "binance", Symbol: "BTCUSDT", Delta: deltaA, TargetQty: deltaA})
	}
	if deltaB != 0 {
		o.Legs = append(o.Legs, model.LegDelta{Venue: "bybit", Symbol: "BTCUSDT", Delta: deltaB, TargetQty: deltaB})
	}
	return o
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRecoveryIOCSucceeds(t *testing.T) {
	h := newHarness(t, Segmenter{BaseQuantity: 0.1})
	h.b.fail = 3 // initial submit plus two market retries

	res, err := h.exec.Execute(context.Background(), order(model.DecisionOpen, model.PolicyScalp, 0.1, -0.1), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.State != model.ExecDone {
		t.Fatalf("state = %s", res.State)
	}
	seg := res.Segments[0]
	if seg.State != model.SegmentFilled {
		t.Fatalf("segment = %s (%s)", seg.State, seg.Reason)
	}
	reqs := h.b.requests()
	if len(reqs) != 4 {
		t.Fatalf("bybit requests = %d, want 4", len(reqs))
	}
	last := reqs[3]
	if last.Market || last.TimeInForce != model.TIFIOC {
		t.Fatalf("third recovery attempt should be IOC limit: %+v", last)
	}
	if !near(last.Price, 100.9*0.999) {
		t.Fatalf("IOC price = %v", last.Price)
	}
	var legB *model.OrderLeg
	for _, l := range seg.Legs {
		if l.Venue == "bybit" {
			legB = l
		}
	}
	if legB.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", legB.Attempts)
	}
	if q, _ := h.book.Actual("bybit", "BTCUSDT"); !near(q, -0.1) {
		t.Fatalf("bybit position = %v", q)
	}
}

func TestRecoveryExhaustedFlagsImbalance(t *testing.T) {
	h := newHarness(t, Segmenter{BaseQuantity: 0.1})
	h.b.fail = 4

	res, err := h.exec.Execute(context.Background(), order(model.DecisionOpen, model.PolicyGrid, 0.2, -0.2), nil)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if res.State != model.ExecFailed {
		t.Fatalf("state = %s", res.State)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("segments = %d", len(res.Segments))
	}
	if res.Segments[0].State != model.SegmentFailed || res.Segments[1].State != model.SegmentAborted {
		t.Fatalf("states = %s, %s", res.Segments[0].State, res.Segments[1].State)
	}
	if got := len(h.b.requests()); got != 4 {
		t.Fatalf("bybit requests = %d, want 4", got)
	}
	if got := len(h.a.requests()); got != 1 {
		t.Fatalf("aborted segment still traded: binance requests = %d", got)
	}

	closing := h.engine.Decide(testPair.ID, nil, time.Now())
	if closing == nil || closing.Kind != model.DecisionClose {
		t.Fatalf("next cycle should close the unhedged leg, got %+v", closing)
	}
	if len(closing.Legs) != 1 || closing.Legs[0].Venue != "binance" || !near(closing.Legs[0].Delta, -0.1) {
		t.Fatalf("close legs = %+v", closing.Legs)
	}

	res, err = h.exec.Execute(context.Background(), closing, nil)
	if err != nil || res.State != model.ExecDone {
		t.Fatalf("close execution: %v %s", err, res.State)
	}
	if q, _ := h.book.Actual("binance", "BTCUSDT"); !near(q, 0) {
		t.Fatalf("binance position after close = %v", q)
	}
	reqs := h.a.requests()
	if !reqs[len(reqs)-1].ReduceOnly {
		t.Fatalf("close should be reduce-only")
	}
}

func TestRoundTripRestoresPosition(t *testing.T) {
	h := newHarness(t, Segmenter{BaseQuantity: 0.1})
	h.a.pos, h.b.pos = 0.05, -0.05
	_ = h.book.Refresh(context.Background())

	if _, err := h.exec.Execute(context.Background(), order(model.DecisionOpen, model.PolicyGrid, 0.3, -0.3), nil); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.exec.Execute(context.Background(), order(model.DecisionRebalance, model.PolicyGrid, -0.3, 0.3), nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	a, _ := h.book.Actual("binance", "BTCUSDT")
	b, _ := h.book.Actual("bybit", "BTCUSDT")
	if !near(a, 0.05) || !near(b, -0.05) {
		t.Fatalf("round trip positions a=%v b=%v", a, b)
	}
}

func TestSegmentsAreMonotonic(t *testing.T) {
	h := newHarness(t, Segmenter{BaseQuantity: 0.1})
	res, err := h.exec.Execute(context.Background(), order(model.DecisionOpen, model.PolicyGrid, 0.3, -0.3), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Segments) != 3 {
		t.Fatalf("segments = %d", len(res.Segments))
	}
	filled := 0.0
	for i, seg := range res.Segments {
		if seg.SequenceNo != i+1 || seg.State != model.SegmentFilled {
			t.Fatalf("segment %d: seq=%d state=%s", i, seg.SequenceNo, seg.State)
		}
		if err := seg.Advance(model.SegmentPending); err == nil {
			t.Fatalf("segment %d moved back to pending", i)
		}
		for _, l := range seg.Legs {
			if l.Venue == "binance" {
				if l.FilledQty < 0 {
					t.Fatalf("negative fill")
				}
				filled += l.FilledQty
			}
		}
	}
	if !near(filled, 0.3) {
		t.Fatalf("filled = %v", filled)
	}
}

func TestRevalidateStopsRemainingSegments(t *testing.T) {
	h := newHarness(t, Segmenter{BaseQuantity: 0.1})
	calls := 0
	revalidate := func() bool {
		calls++
		return calls < 2
	}
	res, err := h.exec.Execute(context.Background(), order(model.DecisionOpen, model.PolicyGrid, 0.3, -0.3), revalidate)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	states := []model.SegmentState{res.Segments[0].State, res.Segments[1].State, res.Segments[2].State}
	want := []model.SegmentState{model.SegmentFilled, model.SegmentAborted, model.SegmentAborted}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v", states)
		}
	}
	if res.State != model.ExecDone {
		t.Fatalf("state = %s", res.State)
	}
}

func TestAbortFlag(t *testing.T) {
	h := newHarness(t, Segmenter{BaseQuantity: 0.1})
	o := order(model.DecisionOpen, model.PolicyGrid, 0.2, -0.2)
	o.Abort()
	res, _ := h.exec.Execute(context.Background(), o, nil)
	for _, seg := range res.Segments {
		if seg.State != model.SegmentAborted {
			t.Fatalf("segment %d = %s", seg.SequenceNo, seg.State)
		}
	}
	if len(h.a.requests()) != 0 {
		t.Fatalf("aborted order traded")
	}
}

func TestGateDenyAborts(t *testing.T) {
	h := newHarness(t, Segmenter{BaseQuantity: 0.1})
	gate := &denyGate{}
	h.exec.deps.Gate = gate
	res, _ := h.exec.Execute(context.Background(), order(model.DecisionOpen, model.PolicyGrid, 0.2, -0.2), nil)
	if gate.calls != 1 {
		t.Fatalf("gate calls = %d", gate.calls)
	}
	for _, seg := range res.Segments {
		if seg.State != model.SegmentAborted {
			t.Fatalf("segment %d = %s", seg.SequenceNo, seg.State)
		}
	}
	if len(h.a.requests())+len(h.b.requests()) != 0 {
		t.Fatalf("denied segment traded")
	}
}

func TestGridPlusChildOrders(t *testing.T) {
	h := newHarness(t, Segmenter{BaseQuantity: 0.1, ChildOrders: 2})
	res, err := h.exec.Execute(context.Background(), order(model.DecisionOpen, model.PolicyGridPlus, 0.2, -0.2), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("segments = %d", len(res.Segments))
	}
	reqs := h.a.requests()
	if len(reqs) != 4 {
		t.Fatalf("binance child orders = %d, want 4", len(reqs))
	}
	for _, r := range reqs {
		if !near(r.Qty, 0.05) {
			t.Fatalf("child qty = %v", r.Qty)
		}
	}
}

func TestSegmenterPlan(t *testing.T) {
	s := Segmenter{BaseQuantity: 0.1, SplitOrderSize: 0.08, MinOrderSize: 0.03}

	plan := s.Plan(order(model.DecisionOpen, model.PolicyGrid, 0.25, -0.25))
	// slices of 0.08; remainder 0.01 merges into the last slice
	if len(plan) != 3 || !near(sum(plan[2]), 0.09) {
		t.Fatalf("grid plan = %v", plan)
	}

	plan = s.Plan(order(model.DecisionOpen, model.PolicyScalp, 0.25, -0.25))
	if len(plan) != 1 || !near(plan[0][0], 0.25) {
		t.Fatalf("scalp plan = %v", plan)
	}

	s.ChildOrders = 2
	plan = s.Plan(order(model.DecisionOpen, model.PolicyGridPlus, 0.16, -0.16))
	if len(plan) != 2 || len(plan[0]) != 2 || !near(plan[0][0], 0.04) {
		t.Fatalf("grid_plus plan = %v", plan)
	}

	if plan := s.Plan(order(model.DecisionClose, model.PolicyGrid, 0.01, 0)); len(plan) != 1 {
		t.Fatalf("small close should still be planned: %v", plan)
	}
}

type recordingReporter struct {
	mu       sync.Mutex
	failures []model.Failure
}

func (r *recordingReporter) Report(_ context.Context, f model.Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
	return nil
}

func (r *recordingReporter) stage(stage string) []model.Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Failure
	for _, f := range r.failures {
		if f.Stage == stage {
			out = append(out, f)
		}
	}
	return out
}

func TestImbalanceCloseGivesUp(t *testing.T) {
	h := newHarness(t, Segmenter{BaseQuantity: 0.1})
	rep := &recordingReporter{}
	h.exec.deps.Reporter = rep
	h.exec.cfg.MaxImbalanceCloses = 2
	h.a.fail = 1000
	h.engine.FlagImbalance(testPair.ID, "binance", "BTCUSDT", 0.1, 0)

	for attempt := 1; attempt <= 2; attempt++ {
		o := h.engine.Decide(testPair.ID, nil, time.Now())
		if o == nil || o.Kind != model.DecisionClose || o.CloseAttempt != attempt {
			t.Fatalf("attempt %d: expected imbalance close, got %+v", attempt, o)
		}
		if _, err := h.exec.Execute(context.Background(), o, nil); err == nil {
			t.Fatalf("attempt %d: rejected close reported success", attempt)
		}
	}

	if n := h.engine.PendingImbalances(testPair.ID); n != 0 {
		t.Fatalf("imbalance still pending after the last attempt: %d", n)
	}
	terminal := rep.stage("imbalance close")
	if len(terminal) != 1 || terminal[0].Venue != "binance" || terminal[0].PairID != testPair.ID {
		t.Fatalf("terminal failures = %+v", terminal)
	}
	if o := h.engine.Decide(testPair.ID, nil, time.Now()); o != nil && o.CloseAttempt != 0 {
		t.Fatalf("gave up but closed again: %+v", o)
	}
}

func TestDeniedImbalanceCloseIsReflagged(t *testing.T) {
	h := newHarness(t, Segmenter{BaseQuantity: 0.1})
	h.a.pos = 0.1
	_ = h.book.Refresh(context.Background())
	h.exec.deps.Gate = &denyGate{}
	h.engine.FlagImbalance(testPair.ID, "binance", "BTCUSDT", 0.1, 1)

	o := h.engine.Decide(testPair.ID, nil, time.Now())
	if o == nil || o.CloseAttempt != 2 {
		t.Fatalf("expected second close attempt, got %+v", o)
	}
	res, _ := h.exec.Execute(context.Background(), o, nil)
	if res.Segments[0].State != model.SegmentAborted {
		t.Fatalf("segment = %s", res.Segments[0].State)
	}
	if n := h.engine.PendingImbalances(testPair.ID); n != 1 {
		t.Fatalf("aborted close lost the imbalance: pending = %d", n)
	}

	h.exec.deps.Gate = nil
	o = h.engine.Decide(testPair.ID, nil, time.Now())
	if o == nil || o.CloseAttempt != 2 || len(o.Legs) != 1 || !near(o.Legs[0].Delta, -0.1) {
		t.Fatalf("abort should not use up an attempt: %+v", o)
	}
	if _, err := h.exec.Execute(context.Background(), o, nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	if q, _ := h.book.Actual("binance", "BTCUSDT"); !near(q, 0) {
		t.Fatalf("binance position after close = %v", q)
	}
	if n := h.engine.PendingImbalances(testPair.ID); n != 0 {
		t.Fatalf("pending = %d", n)
	}
}

func TestMaintenanceRejectPausesVenue(t *testing.T) {
	h := newHarness(t, Segmenter{BaseQuantity: 0.1})
	rm := service.NewRiskManager(service.RiskLimits{})
	h.exec.deps.Risk = rm
	h.b.fail = 1000
	h.b.failErr = &port.VenueError{Venue: "bybit", Class: port.ClassTransport, Reason: port.ReasonMaintenance, Code: "http_503"}

	if _, err := h.exec.Execute(context.Background(), order(model.DecisionOpen, model.PolicyGrid, 0.1, -0.1), nil); err == nil {
		t.Fatalf("expected failure")
	}
	if paused, reason := rm.Paused("bybit"); !paused || reason == "" {
		t.Fatalf("maintenance reject should pause bybit")
	}
	if paused, _ := rm.Paused("binance"); paused {
		t.Fatalf("binance must stay open")
	}
	if st := rm.Status(); len(st.Maintenance) != 1 || st.Maintenance[0] != "bybit" {
		t.Fatalf("status = %+v", st)
	}
}
