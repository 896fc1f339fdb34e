package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type placement struct {
	orderID string
	filled  float64
	err     error
}

// place submits one order and waits until the venue reports a terminal
// status or the leg timeout expires, in which case the order is cancelled.
func (x *Executor) place(ctx context.Context, venue model.VenueID, req model.OrderRequest) placement {
	tr, ok := x.deps.Venues[venue]
	if !ok {
		return placement{err: fmt.Errorf("%w: %s", port.ErrVenueNotFound, venue)}
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}

	ack, err := tr.NewOrder(ctx, req)
	if err != nil && port.IsReduceOnlyMismatch(err) && x.deps.Guard != nil {
		ack, req, err = x.deps.Guard.Resolve(ctx, venue, req)
	}
	if err == nil && !ack.Accepted {
		err = &port.VenueError{Venue: venue, Class: port.ClassTerminal, Msg: ack.Reason}
	}
	if err != nil {
		x.recordError(venue, err)
		return placement{err: err}
	}

	filled, err := x.await(ctx, tr, req, ack.OrderID)
	if err != nil {
		x.recordError(venue, err)
		return placement{orderID: ack.OrderID, filled: filled, err: err}
	}
	if x.deps.Backoff != nil {
		x.deps.Backoff.RecordSuccess(venue, x.now())
	}
	return placement{orderID: ack.OrderID, filled: filled}
}

func (x *Executor) await(ctx context.Context, tr port.Trading, req model.OrderRequest, orderID string) (float64, error) {
	wctx, cancel := context.WithTimeout(ctx, x.cfg.LegTimeout)
	defer cancel()

	ticker := time.NewTicker(x.cfg.PollInterval)
	defer ticker.Stop()

	var last model.OrderReport
	for {
		rep, err := tr.QueryOrder(wctx, req.Symbol, orderID)
		if err == nil {
			last = rep
			if rep.Status.Terminal() {
				return rep.FilledQty, nil
			}
		} else if port.ClassOf(err) != port.ClassTransport && !errors.Is(err, context.DeadlineExceeded) {
			return last.FilledQty, err
		}
		select {
		case <-wctx.Done():
			return x.cancelAndSettle(ctx, tr, req.Symbol, orderID, last)
		case <-ticker.C:
		}
	}
}

// cancelAndSettle cancels a timed out order and reads its final fill.
func (x *Executor) cancelAndSettle(ctx context.Context, tr port.Trading, symbol, orderID string, last model.OrderReport) (float64, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.cfg.LegTimeout)
	defer cancel()
	if err := tr.CancelOrder(cctx, symbol, orderID); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Str("order_id", orderID).Msg("cancel after timeout failed")
	}
	rep, err := tr.QueryOrder(cctx, symbol, orderID)
	if err != nil {
		return last.FilledQty, err
	}
	return rep.FilledQty, nil
}

func (x *Executor) recordError(venue model.VenueID, err error) {
	class := port.ClassOf(err)
	log.Warn().Err(err).Str("venue", string(venue)).Str("class", class.String()).Msg("order failed")
	if x.deps.Backoff != nil {
		x.deps.Backoff.Record(venue, class, x.now())
	}
	// 维护期间暂停该交易所开仓，余额轮询成功后恢复
	if port.ReasonOf(err) == port.ReasonMaintenance && x.deps.Risk != nil {
		if x.deps.Risk.MarkMaintenance(venue) {
			log.Warn().Str("venue", string(venue)).Msg("venue under maintenance, opening paused")
		}
	}
}

// submitLeg places the leg's child orders concurrently and folds the
// outcomes back into the leg.
func (x *Executor) submitLeg(ctx context.Context, leg *model.OrderLeg, children []float64) {
	results := make([]placement, len(children))
	var g errgroup.Group
	for i, qty := range children {
		i, qty := i, qty
		g.Go(func() error {
			results[i] = x.place(ctx, leg.Venue, model.OrderRequest{
				Symbol:     leg.Symbol,
				Side:       leg.Side,
				Qty:        qty,
				Market:     true,
				ReduceOnly: leg.ReduceOnly,
			})
			return nil
		})
	}
	_ = g.Wait()

	leg.Status = model.LegSubmitted
	for _, r := range results {
		if r.orderID != "" {
			leg.OrderIDs = append(leg.OrderIDs, r.orderID)
		}
		leg.FilledQty += r.filled
		if r.err != nil {
			leg.LastError = r.err.Error()
			leg.Err = r.err
		}
	}
	leg.Status = legStatus(leg)
}

func legStatus(leg *model.OrderLeg) model.LegStatus {
	switch {
	case leg.FilledQty >= leg.Qty-1e-12:
		return model.LegFilled
	case leg.FilledQty > 0:
		return model.LegPartial
	case leg.Err != nil:
		return model.LegFailed
	}
	return model.LegSubmitted
}

// retriable reports whether a leg error allows imbalance recovery.
func retriable(err error) bool {
	if err == nil {
		return true
	}
	switch port.ClassOf(err) {
	case port.ClassTerminal, port.ClassAuth:
		return false
	}
	return !errors.Is(err, port.ErrVenueNotFound)
}

// recoverLeg brings the lagging leg up by need with exactly three attempts:
// market, market, then an IOC limit priced through the best quote.
func (x *Executor) recoverLeg(ctx context.Context, pair model.PairID, leg *model.OrderLeg, need float64) float64 {
	got := 0.0
	for attempt := 1; attempt <= 3 && need-got > 1e-12; attempt++ {
		req := model.OrderRequest{
			Symbol:     leg.Symbol,
			Side:       leg.Side,
			Qty:        need - got,
			Market:     true,
			ReduceOnly: leg.ReduceOnly,
		}
		if attempt == 3 {
			px, ok := x.iocPrice(pair, leg.Venue, leg.Side)
			if !ok {
				leg.LastError = "no quote for IOC recovery"
				leg.Attempts++
				break
			}
			req.Market = false
			req.Price = px
			req.TimeInForce = model.TIFIOC
		}
		leg.Attempts++
		r := x.place(ctx, leg.Venue, req)
		if r.orderID != "" {
			leg.OrderIDs = append(leg.OrderIDs, r.orderID)
		}
		got += r.filled
		log.Info().
			Str("pair", string(pair)).
			Str("venue", string(leg.Venue)).
			Int("attempt", leg.Attempts).
			Bool("ioc", attempt == 3).
			Float64("need", need).
			Float64("filled", r.filled).
			Err(r.err).
			Msg("imbalance recovery")
		if r.err != nil {
			leg.LastError = r.err.Error()
			leg.Err = r.err
			if !retriable(r.err) {
				break
			}
		}
	}
	leg.FilledQty += got
	leg.Status = legStatus(leg)
	return got
}

func (x *Executor) iocPrice(pair model.PairID, venue model.VenueID, side model.Side) (float64, bool) {
	if x.deps.Quotes == nil {
		return 0, false
	}
	st, ok := x.deps.Quotes.Snapshot(pair)
	if !ok {
		return 0, false
	}
	q, ok := st.Leg(venue)
	if !ok {
		return 0, false
	}
	off := x.cfg.IOCPriceOffsetPct / 100
	if side == model.SideBuy {
		if q.Ask <= 0 {
			return 0, false
		}
		return q.Ask * (1 + off), true
	}
	if q.Bid <= 0 {
		return 0, false
	}
	return q.Bid * (1 - off), true
}
