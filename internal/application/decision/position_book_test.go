package decision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
)

type fakeTrading struct {
	port.Trading
	positions []model.Position
	err       error
}

func (f *fakeTrading) GetPositions(context.Context) ([]model.Position, error) {
	return f.positions, f.err
}

func TestPositionBookRefreshAndStaleness(t *testing.T) {
	tr := &fakeTrading{positions: []model.Position{{Symbol: "btcusdt", Qty: 0.5}}}
	book := NewPositionBook(map[model.VenueID]port.Trading{"binance": tr}, 10*time.Second)
	now := time.Unix(1700000000, 0)
	book.now = func() time.Time { return now }

	if _, fresh := book.Actual("binance", "BTCUSDT"); fresh {
		t.Fatalf("unrefreshed venue reported fresh")
	}
	if err := book.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	q, fresh := book.Actual("binance", "BTCUSDT")
	if !fresh || q != 0.5 {
		t.Fatalf("actual = %v fresh=%v", q, fresh)
	}
	if q, fresh := book.Actual("binance", "ETHUSDT"); !fresh || q != 0 {
		t.Fatalf("missing symbol should be flat and fresh, got %v %v", q, fresh)
	}

	book.ApplyFill("binance", "BTCUSDT", -0.2)
	if q, _ := book.Actual("binance", "BTCUSDT"); q < 0.299 || q > 0.301 {
		t.Fatalf("after fill = %v", q)
	}

	now = now.Add(11 * time.Second)
	if _, fresh := book.Actual("binance", "BTCUSDT"); fresh {
		t.Fatalf("expired snapshot reported fresh")
	}

	tr.positions = nil
	if err := book.Refresh(context.Background(), "binance"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if q, fresh := book.Actual("binance", "BTCUSDT"); !fresh || q != 0 {
		t.Fatalf("closed position still cached: %v", q)
	}
}

func TestPositionBookRefreshErrors(t *testing.T) {
	tr := &fakeTrading{err: errors.New("boom")}
	book := NewPositionBook(map[model.VenueID]port.Trading{"binance": tr}, time.Second)
	if err := book.Refresh(context.Background(), "binance"); err == nil {
		t.Fatalf("expected refresh error")
	}
	if err := book.Refresh(context.Background(), "okx"); !errors.Is(err, port.ErrVenueNotFound) {
		t.Fatalf("expected ErrVenueNotFound, got %v", err)
	}
}

// gatedTrading returns queued snapshots; a snapshot with a gate blocks
// until the gate is closed.
type gatedTrading struct {
	port.Trading
	mu    sync.Mutex
	queue []gatedSnapshot
}

type gatedSnapshot struct {
	qty     float64
	started chan struct{}
	gate    chan struct{}
}

func (g *gatedTrading) GetPositions(context.Context) ([]model.Position, error) {
	g.mu.Lock()
	s := g.queue[0]
	g.queue = g.queue[1:]
	g.mu.Unlock()
	if s.started != nil {
		close(s.started)
	}
	if s.gate != nil {
		<-s.gate
	}
	return []model.Position{{Symbol: "BTCUSDT", Qty: s.qty}}, nil
}

func TestPositionBookDropsOutdatedSnapshot(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	tr := &gatedTrading{queue: []gatedSnapshot{
		{qty: 0, started: started, gate: gate}, // slow background refresh, taken before the fill
		{qty: 1},                               // reconcile refresh after the fill
	}}
	book := NewPositionBook(map[model.VenueID]port.Trading{"binance": tr}, time.Minute)

	done := make(chan error, 1)
	go func() { done <- book.Refresh(context.Background(), "binance") }()
	<-started

	if err := book.Refresh(context.Background(), "binance"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if q, _ := book.Actual("binance", "BTCUSDT"); q != 1 {
		t.Fatalf("after reconcile refresh = %v", q)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("late refresh: %v", err)
	}
	if q, fresh := book.Actual("binance", "BTCUSDT"); q != 1 || !fresh {
		t.Fatalf("late snapshot overwrote newer truth: qty=%v fresh=%v", q, fresh)
	}
}

func TestPositionBookSnapshotPredatingFillIsDropped(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	tr := &gatedTrading{queue: []gatedSnapshot{
		{qty: 0},
		{qty: 0, started: started, gate: gate},
	}}
	book := NewPositionBook(map[model.VenueID]port.Trading{"binance": tr}, time.Minute)
	if err := book.Refresh(context.Background(), "binance"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- book.Refresh(context.Background(), "binance") }()
	<-started
	book.ApplyFill("binance", "BTCUSDT", 0.5)
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if q, _ := book.Actual("binance", "BTCUSDT"); q != 0.5 {
		t.Fatalf("pre-fill snapshot wiped the fill: %v", q)
	}
}
