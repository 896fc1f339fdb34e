package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Listener is called after every applied update with the new snapshot.
// It runs on the venue's goroutine and must not block.
type Listener func(st model.PairState)

// ConnectionHandler receives the adapter health signal.
type ConnectionHandler func(venue model.VenueID, connected bool, reason string)

type Deps struct {
	Venues       map[model.VenueID]port.MarketData
	Pairs        []model.SymbolPair
	OnConnection ConnectionHandler
}

type legKey struct {
	venue  model.VenueID
	symbol string
}

type slot struct {
	mu       sync.RWMutex
	state    model.PairState
	watchers []chan struct{}
}

// Aggregator 行情聚合器：每个交易所一个 goroutine 消费有界 channel，
// 写入按交易对串行化的最新状态表
type Aggregator struct {
	deps  Deps
	slots map[model.PairID]*slot
	legs  map[legKey][]model.PairID

	lmu       sync.RWMutex
	listeners []Listener
}

func New(deps Deps) *Aggregator {
	a := &Aggregator{
		deps:  deps,
		slots: make(map[model.PairID]*slot, len(deps.Pairs)),
		legs:  make(map[legKey][]model.PairID),
	}
	for _, p := range deps.Pairs {
		a.slots[p.ID] = &slot{state: model.PairState{
			PairID: p.ID,
			A:      model.LegQuote{Venue: p.VenueA, Symbol: p.SymbolA},
			B:      model.LegQuote{Venue: p.VenueB, Symbol: p.SymbolB},
		}}
		ka := legKey{p.VenueA, p.SymbolA}
		kb := legKey{p.VenueB, p.SymbolB}
		a.legs[ka] = append(a.legs[ka], p.ID)
		a.legs[kb] = append(a.legs[kb], p.ID)
	}
	return a
}

// AddListener registers a listener; call before Run.
func (a *Aggregator) AddListener(l Listener) {
	a.lmu.Lock()
	defer a.lmu.Unlock()
	a.listeners = append(a.listeners, l)
}

// Watch returns a coalescing notification channel for a pair: at most one
// pending signal, so a slow consumer only ever sees the latest state.
func (a *Aggregator) Watch(id model.PairID) <-chan struct{} {
	ch := make(chan struct{}, 1)
	s, ok := a.slots[id]
	if !ok {
		return ch
	}
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()
	return ch
}

// Snapshot returns a consistent copy of the pair's latest state.
func (a *Aggregator) Snapshot(id model.PairID) (model.PairState, bool) {
	s, ok := a.slots[id]
	if !ok {
		return model.PairState{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state
	for _, leg := range []*model.LegQuote{&st.A, &st.B} {
		if leg.Book != nil {
			b := *leg.Book
			b.Bids = append([]model.Level(nil), b.Bids...)
			b.Asks = append([]model.Level(nil), b.Asks...)
			leg.Book = &b
		}
	}
	return st, true
}

// symbolsFor lists the venue symbols any pair needs.
func (a *Aggregator) symbolsFor(v model.VenueID) []string {
	seen := map[string]struct{}{}
	var out []string
	for k := range a.legs {
		if k.venue != v {
			continue
		}
		if _, ok := seen[k.symbol]; ok {
			continue
		}
		seen[k.symbol] = struct{}{}
		out = append(out, k.symbol)
	}
	return out
}

// Run subscribes to every venue and consumes each feed on its own
// goroutine until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	if len(a.deps.Venues) == 0 {
		return errors.New("aggregator: no venues")
	}
	g, gctx := errgroup.WithContext(ctx)
	for id, v := range a.deps.Venues {
		id := id
		symbols := a.symbolsFor(id)
		if len(symbols) == 0 {
			continue
		}
		ch, err := v.Subscribe(gctx, symbols)
		if err != nil {
			return fmt.Errorf("aggregator: subscribe %s: %w", id, err)
		}
		log.Info().Str("venue", string(id)).Strs("symbols", symbols).Msg("feed started")
		g.Go(func() error {
			a.consume(gctx, id, ch)
			return nil
		})
	}
	return g.Wait()
}

func (a *Aggregator) consume(ctx context.Context, venue model.VenueID, in <-chan model.MarketEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				log.Warn().Str("venue", string(venue)).Msg("feed closed")
				return
			}
			if ev.Venue == "" {
				ev.Venue = venue
			}
			a.Apply(ev)
		}
	}
}

// Apply writes one event into every pair that references the venue leg.
func (a *Aggregator) Apply(ev model.MarketEvent) {
	if ev.Kind == model.EventConnection {
		if a.deps.OnConnection != nil {
			a.deps.OnConnection(ev.Venue, ev.Connected, ev.Reason)
		}
		return
	}
	ids := a.legs[legKey{ev.Venue, ev.Symbol}]
	for _, id := range ids {
		s := a.slots[id]
		st, changed := s.write(ev)
		if !changed {
			continue
		}
		a.notify(st)
	}
}

func (s *slot) write(ev model.MarketEvent) (model.PairState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var leg *model.LegQuote
	switch ev.Venue {
	case s.state.A.Venue:
		leg = &s.state.A
	case s.state.B.Venue:
		leg = &s.state.B
	default:
		return model.PairState{}, false
	}
	if leg.Symbol != ev.Symbol {
		return model.PairState{}, false
	}

	now := time.Now()
	switch ev.Kind {
	case model.EventTicker:
		t := ev.Ticker
		if t == nil || t.Bid <= 0 || t.Ask <= 0 {
			return model.PairState{}, false
		}
		leg.Bid, leg.Ask = t.Bid, t.Ask
		leg.Mid = t.Mid
		if leg.Mid <= 0 {
			leg.Mid = (t.Bid + t.Ask) / 2
		}
		leg.UpdatedAt = pick(t.Time, now)
	case model.EventOrderBook:
		b := ev.Book
		if b == nil || len(b.Bids) == 0 || len(b.Asks) == 0 {
			return model.PairState{}, false
		}
		cp := *b
		leg.Book = &cp
		leg.Bid, leg.Ask = b.BestBid(), b.BestAsk()
		leg.Mid = (leg.Bid + leg.Ask) / 2
		leg.UpdatedAt = pick(b.Time, now)
	case model.EventFunding:
		f := ev.Funding
		if f == nil {
			return model.PairState{}, false
		}
		leg.Funding = f.Rate
		leg.HasFunding = true
		leg.FundingAt = pick(f.Time, now)
	default:
		return model.PairState{}, false
	}

	s.state.Version++
	s.state.UpdatedAt = now
	for _, w := range s.watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	return s.state, true
}

func (a *Aggregator) notify(st model.PairState) {
	a.lmu.RLock()
	ls := a.listeners
	a.lmu.RUnlock()
	for _, l := range ls {
		l(st)
	}
}

func pick(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}
