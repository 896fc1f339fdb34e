package decision

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"

	"github.com/rs/zerolog/log"
)

type posKey struct {
	venue  model.VenueID
	symbol string
}

// PositionBook 持仓缓存：以交易所返回为准，带显式过期时间
type PositionBook struct {
	venues map[model.VenueID]port.Trading
	maxAge time.Duration
	now    func() time.Time

	mu          sync.RWMutex
	entries     map[posKey]model.Position
	refreshedAt map[model.VenueID]time.Time
	// 快照按开始拉取的顺序编号；较早开始的快照不能覆盖较新的快照或之后的成交
	seq       uint64
	landedSeq map[model.VenueID]uint64
	fillSeq   map[model.VenueID]uint64
}

func NewPositionBook(venues map[model.VenueID]port.Trading, maxAge time.Duration) *PositionBook {
	return &PositionBook{
		venues:      venues,
		maxAge:      maxAge,
		now:         time.Now,
		entries:     make(map[posKey]model.Position),
		refreshedAt: make(map[model.VenueID]time.Time),
		landedSeq:   make(map[model.VenueID]uint64),
		fillSeq:     make(map[model.VenueID]uint64),
	}
}

// Refresh replaces the cached positions of each venue with venue truth.
func (b *PositionBook) Refresh(ctx context.Context, venues ...model.VenueID) error {
	if len(venues) == 0 {
		for id := range b.venues {
			venues = append(venues, id)
		}
	}
	var firstErr error
	for _, id := range venues {
		tr, ok := b.venues[id]
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %s", port.ErrVenueNotFound, id)
			}
			continue
		}
		seq, startedAt := b.begin()
		positions, err := tr.GetPositions(ctx)
		if err != nil {
			log.Warn().Err(err).Str("venue", string(id)).Msg("position refresh failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("refresh %s positions: %w", id, err)
			}
			continue
		}
		if !b.replace(id, positions, seq, startedAt) {
			log.Debug().Str("venue", string(id)).Uint64("seq", seq).Msg("outdated position snapshot dropped")
		}
	}
	return firstErr
}

// begin numbers a snapshot fetch and records when it started.
func (b *PositionBook) begin() (uint64, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return b.seq, b.now()
}

// replace installs a snapshot unless a later-started snapshot already
// landed or a fill was applied after this one started.
func (b *PositionBook) replace(id model.VenueID, positions []model.Position, seq uint64, startedAt time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq < b.landedSeq[id] || seq <= b.fillSeq[id] {
		return false
	}
	now := startedAt
	for k := range b.entries {
		if k.venue == id {
			delete(b.entries, k)
		}
	}
	for _, p := range positions {
		p.Venue = id
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
		b.entries[posKey{id, strings.ToUpper(p.Symbol)}] = p
	}
	b.refreshedAt[id] = now
	b.landedSeq[id] = seq
	return true
}

// Actual returns the signed position and whether the venue's snapshot is
// within the staleness bound. A fresh snapshot without the symbol is flat.
func (b *PositionBook) Actual(venue model.VenueID, symbol string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	at, ok := b.refreshedAt[venue]
	if !ok {
		return 0, false
	}
	fresh := b.maxAge <= 0 || b.now().Sub(at) <= b.maxAge
	return b.entries[posKey{venue, strings.ToUpper(symbol)}].Qty, fresh
}

// ApplyFill moves the cached position by a signed fill so that the book
// stays usable between refreshes.
func (b *PositionBook) ApplyFill(venue model.VenueID, symbol string, signedQty float64) {
	if signedQty == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	k := posKey{venue, strings.ToUpper(symbol)}
	p := b.entries[k]
	p.Venue, p.Symbol = venue, k.symbol
	p.Qty += signedQty
	p.UpdatedAt = b.now()
	b.entries[k] = p
	// snapshots already in flight may predate this fill
	b.fillSeq[venue] = b.seq
}

// Positions returns a copy of every cached position.
func (b *PositionBook) Positions() []model.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.Position, 0, len(b.entries))
	for _, p := range b.entries {
		out = append(out, p)
	}
	return out
}
