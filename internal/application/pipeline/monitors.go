package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"segarb/internal/application/aggregator"
	"segarb/internal/application/port"
	"segarb/internal/domain/model"
	"segarb/internal/domain/service"

	"github.com/rs/zerolog/log"
)

// checkBalances 余额监控：低于警告线暂停开仓，低于危险线通知运维
func (p *Pipeline) checkBalances(ctx context.Context) {
	if p.deps.Risk == nil {
		return
	}
	var all []model.Balance
	for id, v := range p.deps.Venues {
		bs, err := v.GetBalance(ctx)
		p.venueHealth(ctx, id, err)
		if err != nil {
			log.Warn().Err(err).Str("venue", string(id)).Msg("balance query failed")
			continue
		}
		for i := range bs {
			bs[i].Venue = id
		}
		all = append(all, bs...)
	}
	if len(all) == 0 {
		return
	}
	level, changed := p.deps.Risk.UpdateBalances(all)
	if !changed {
		return
	}
	switch level {
	case service.BalanceCritical:
		p.report(ctx, model.Failure{Stage: "balance", Cause: "available balance below critical level, opening paused"})
	case service.BalanceWarning:
		log.Warn().Msg("available balance low, opening paused")
	default:
		log.Info().Msg("balances recovered, opening resumed")
	}
}

// venueHealth 根据余额轮询结果标记或解除交易所维护
func (p *Pipeline) venueHealth(ctx context.Context, venue model.VenueID, err error) {
	if err == nil {
		if p.deps.Risk.MarkMaintenanceOver(venue) {
			log.Info().Str("venue", string(venue)).Msg("venue maintenance over, opening resumed")
		}
		return
	}
	if port.ReasonOf(err) != port.ReasonMaintenance || !p.deps.Risk.MarkMaintenance(venue) {
		return
	}
	log.Warn().Err(err).Str("venue", string(venue)).Msg("venue under maintenance, opening paused")
	p.report(ctx, model.Failure{Venue: venue, Stage: "maintenance", Cause: err.Error()})
}

// ForceResume 人工恢复所有交易所：清除错误退避与维护标记
func (p *Pipeline) ForceResume() {
	for id := range p.deps.Venues {
		if p.deps.Backoff != nil {
			p.deps.Backoff.ForceResume(id)
		}
		if p.deps.Risk != nil && p.deps.Risk.MarkMaintenanceOver(id) {
			log.Info().Str("venue", string(id)).Msg("maintenance cleared by operator")
		}
	}
}

// refreshPositions 同步交易所真实持仓到持仓簿与全局风控
func (p *Pipeline) refreshPositions(ctx context.Context) {
	if p.deps.Positions == nil {
		return
	}
	if err := p.deps.Positions.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("position refresh incomplete")
	}
	if p.deps.Risk == nil {
		return
	}
	byVenue := make(map[model.VenueID][]model.Position)
	for _, pos := range p.deps.Positions.Positions() {
		byVenue[pos.Venue] = append(byVenue[pos.Venue], pos)
	}
	for id := range p.deps.Venues {
		p.deps.Risk.UpdatePositions(id, byVenue[id])
	}

	now := p.now()
	for _, pair := range p.deps.Pairs {
		exposure, _ := p.deps.Positions.Actual(pair.VenueA, pair.SymbolA)
		p.deps.Risk.TrackExposure(pair.ID, exposure, now)
	}
	for _, id := range p.deps.Risk.OverdurationPairs(now) {
		p.report(ctx, model.Failure{PairID: id, Stage: "position_duration", Cause: "position held longer than the configured maximum"})
	}
}

// pollFunding backfills funding rates over REST for venues whose push
// feed does not carry them.
func (p *Pipeline) pollFunding(ctx context.Context) {
	for _, pair := range p.deps.Pairs {
		for _, venue := range pair.Venues() {
			v, ok := p.deps.Venues[venue]
			if !ok {
				continue
			}
			symbol := pair.SymbolOn(venue)
			fr, err := v.GetFundingRate(ctx, symbol)
			if err != nil {
				log.Debug().Err(err).Str("venue", string(venue)).Str("symbol", symbol).Msg("funding poll failed")
				continue
			}
			p.deps.Aggregator.Apply(model.MarketEvent{
				Kind:    model.EventFunding,
				Venue:   venue,
				Symbol:  symbol,
				Funding: &fr,
			})
		}
	}
}

// status renders the live line, a periodic snapshot line and mirrors the
// latest state to the cache.
func (p *Pipeline) status(ctx context.Context) error {
	t := time.NewTicker(p.cfg.StatusInterval)
	defer t.Stop()
	var snap <-chan time.Time
	if p.cfg.SnapshotInterval > 0 {
		st := time.NewTicker(p.cfg.SnapshotInterval)
		defer st.Stop()
		snap = st.C
	}
	for {
		select {
		case <-ctx.Done():
			_ = p.deps.Sink.NewLine()
			return ctx.Err()
		case <-t.C:
			_ = p.deps.Sink.WriteLive(p.fmt.Render(p.summary(), p.lines(ctx), RenderLive))
		case now := <-snap:
			_ = p.deps.Sink.WriteSnapshot(now, p.fmt.Render(p.summary(), p.lines(ctx), RenderSnapshot))
		}
	}
}

func (p *Pipeline) summary() Summary {
	var s Summary
	if p.deps.Risk != nil {
		s.Risk = p.deps.Risk.Status()
	}
	if p.deps.Backoff == nil {
		return s
	}
	now := p.now()
	ids := make([]model.VenueID, 0, len(p.deps.Venues))
	for id := range p.deps.Venues {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		vl := VenueLine{Venue: id}
		vl.Trading, vl.Transport = p.deps.Backoff.Counts(id, now)
		if ok, reason := p.deps.Backoff.Allowed(id, now); !ok {
			vl.Blocked = reason
		}
		s.Venues = append(s.Venues, vl)
	}
	return s
}

func (p *Pipeline) lines(ctx context.Context) []PairLine {
	now := p.now()
	out := make([]PairLine, 0, len(p.deps.Pairs))
	for _, pair := range p.deps.Pairs {
		st, ok := p.deps.Aggregator.Snapshot(pair.ID)
		if !ok {
			continue
		}
		b, known := p.deps.Calculator.Baseline(pair.ID, now)
		line := PairLine{
			ID:        pair.ID,
			Symbol:    pair.Symbol,
			State:     st,
			Baseline:  b,
			Known:     known,
			Threshold: p.deps.Thresholds[pair.ID],
		}
		if p.deps.Positions != nil {
			line.Exposure, _ = p.deps.Positions.Actual(pair.VenueA, pair.SymbolA)
		}
		if p.deps.Engine != nil {
			line.Pending = p.deps.Engine.PendingImbalances(pair.ID)
			line.Carry = p.deps.Engine.Carry(pair.ID)
		}
		if p.deps.Finder != nil {
			line.SpreadActive = p.deps.Finder.Active(pair.ID, model.OpportunitySpread)
			line.FundingActive = p.deps.Finder.Active(pair.ID, model.OpportunityFunding)
		}
		if p.deps.Risk != nil {
			line.Disabled = p.deps.Risk.IsSymbolDisabled(pair.Symbol)
		}
		out = append(out, line)
		if p.deps.Cache != nil {
			if err := p.deps.Cache.PutPairState(ctx, st); err != nil {
				log.Debug().Err(err).Str("pair", string(pair.ID)).Msg("state cache write failed")
			}
		}
	}
	return out
}

// ConnectionHandler pauses opening on a venue while its feed is down and
// resumes it on reconnect.
func ConnectionHandler(rm *service.RiskManager, reporter port.Reporter) aggregator.ConnectionHandler {
	return func(venue model.VenueID, connected bool, reason string) {
		if connected {
			if rm.MarkNetworkRecovered(venue) {
				log.Info().Str("venue", string(venue)).Msg("venue feed recovered, opening resumed")
			}
			return
		}
		if !rm.MarkNetworkFailure(venue, reason) {
			return
		}
		log.Warn().Str("venue", string(venue)).Str("reason", reason).Msg("venue feed down, opening paused")
		if reporter != nil {
			f := model.Failure{Venue: venue, Stage: "feed", Cause: fmt.Sprintf("feed disconnected: %s", reason)}
			// runs on the feed goroutine
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := reporter.Report(ctx, f); err != nil {
					log.Warn().Err(err).Msg("report failed")
				}
			}()
		}
	}
}
