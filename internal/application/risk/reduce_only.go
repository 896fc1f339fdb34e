package risk

import (
	"context"
	"fmt"
	"math"
	"strings"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"

	"github.com/rs/zerolog/log"
)

// ReduceOnlyGuard 处理 reduce-only 标志与实际持仓不一致导致的拒单
type ReduceOnlyGuard struct {
	venues map[model.VenueID]port.Trading
}

func NewReduceOnlyGuard(venues map[model.VenueID]port.Trading) *ReduceOnlyGuard {
	return &ReduceOnlyGuard{venues: venues}
}

// RequiredFlag derives the reduce-only flag the venue expects: only an
// order that shrinks an existing position may carry it.
func RequiredFlag(position float64, side model.Side, qty float64) bool {
	if position == 0 {
		return false
	}
	if (position > 0 && side != model.SideSell) || (position < 0 && side != model.SideBuy) {
		return false
	}
	return qty <= math.Abs(position)+1e-12
}

// Resolve reads the venue position, corrects the flag and retries the
// order once. A second mismatch escalates as a terminal venue error.
func (g *ReduceOnlyGuard) Resolve(ctx context.Context, venue model.VenueID, req model.OrderRequest) (model.OrderAck, model.OrderRequest, error) {
	tr, ok := g.venues[venue]
	if !ok {
		return model.OrderAck{}, req, fmt.Errorf("%w: %s", port.ErrVenueNotFound, venue)
	}
	positions, err := tr.GetPositions(ctx)
	if err != nil {
		return model.OrderAck{}, req, fmt.Errorf("query %s position: %w", venue, err)
	}
	pos := 0.0
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, req.Symbol) {
			pos = p.Qty
			break
		}
	}

	fixed := req
	fixed.ReduceOnly = RequiredFlag(pos, req.Side, req.Qty)
	log.Warn().
		Str("venue", string(venue)).
		Str("symbol", req.Symbol).
		Float64("position", pos).
		Bool("reduce_only", fixed.ReduceOnly).
		Msg("reduce-only mismatch, retrying with corrected flag")

	ack, err := tr.NewOrder(ctx, fixed)
	if err == nil {
		return ack, fixed, nil
	}
	if port.IsReduceOnlyMismatch(err) {
		return ack, fixed, &port.VenueError{
			Venue:  venue,
			Class:  port.ClassTerminal,
			Reason: port.ReasonReduceOnly,
			Msg:    "reduce-only mismatch persists after correction",
			Err:    err,
		}
	}
	return ack, fixed, err
}
