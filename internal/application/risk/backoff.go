package risk

import (
	"fmt"
	"sync"
	"time"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"

	"github.com/rs/zerolog/log"
)

const GateBackoff = "error_backoff"

// BackoffConfig 错误退避参数
type BackoffConfig struct {
	ErrorThreshold int
	ErrorWindow    time.Duration
	BaseCooldown   time.Duration
	MaxCooldown    time.Duration
}

type venueErrors struct {
	trading     []time.Time
	transport   []time.Time
	strikes     int
	pausedUntil time.Time
	halted      bool
	haltReason  string
}

// BackoffController 按交易所统计错误，超过阈值后指数退避暂停
// 网络错误与交易拒绝分开计数；认证错误直接停用直到人工恢复
type BackoffController struct {
	cfg BackoffConfig

	mu     sync.Mutex
	venues map[model.VenueID]*venueErrors
}

func NewBackoffController(cfg BackoffConfig) *BackoffController {
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 5
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = time.Minute
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = 10 * time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 10 * time.Minute
	}
	return &BackoffController{cfg: cfg, venues: make(map[model.VenueID]*venueErrors)}
}

func (b *BackoffController) get(v model.VenueID) *venueErrors {
	ve, ok := b.venues[v]
	if !ok {
		ve = &venueErrors{}
		b.venues[v] = ve
	}
	return ve
}

// Record counts one error of the given class. It reports whether the
// venue became paused or halted by this error.
func (b *BackoffController) Record(v model.VenueID, class port.ErrorClass, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ve := b.get(v)

	if class == port.ClassAuth {
		if ve.halted {
			return false
		}
		ve.halted = true
		ve.haltReason = "authentication failure"
		log.Error().Str("venue", string(v)).Msg("venue halted on auth failure, force resume required")
		return true
	}

	from := now.Add(-b.cfg.ErrorWindow)
	var bucket *[]time.Time
	if class == port.ClassTransport {
		bucket = &ve.transport
	} else {
		bucket = &ve.trading
	}
	*bucket = append(prune(*bucket, from), now)
	if len(*bucket) < b.cfg.ErrorThreshold {
		return false
	}

	cooldown := b.cfg.BaseCooldown << ve.strikes
	if cooldown <= 0 || cooldown > b.cfg.MaxCooldown {
		cooldown = b.cfg.MaxCooldown
	}
	ve.strikes++
	ve.pausedUntil = now.Add(cooldown)
	*bucket = (*bucket)[:0]
	log.Warn().
		Str("venue", string(v)).
		Str("class", class.String()).
		Int("strikes", ve.strikes).
		Dur("cooldown", cooldown).
		Msg("venue paused by error backoff")
	return true
}

// RecordSuccess resets the exponent once a venue trades cleanly again.
func (b *BackoffController) RecordSuccess(v model.VenueID, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ve := b.get(v)
	if now.After(ve.pausedUntil) {
		ve.strikes = 0
	}
}

// Allowed reports whether the venue may trade now.
func (b *BackoffController) Allowed(v model.VenueID, now time.Time) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ve, ok := b.venues[v]
	if !ok {
		return true, ""
	}
	if ve.halted {
		return false, fmt.Sprintf("%s halted: %s", v, ve.haltReason)
	}
	if now.Before(ve.pausedUntil) {
		return false, fmt.Sprintf("%s cooling down until %s", v, ve.pausedUntil.Format(time.RFC3339))
	}
	return true, ""
}

// ForceResume clears any pause or halt on the venue.
func (b *BackoffController) ForceResume(v model.VenueID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.venues[v] = &venueErrors{}
	log.Info().Str("venue", string(v)).Msg("venue force resumed")
}

// Counts returns the in-window trading and transport error counts.
func (b *BackoffController) Counts(v model.VenueID, now time.Time) (trading, transport int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ve, ok := b.venues[v]
	if !ok {
		return 0, 0
	}
	from := now.Add(-b.cfg.ErrorWindow)
	ve.trading = prune(ve.trading, from)
	ve.transport = prune(ve.transport, from)
	return len(ve.trading), len(ve.transport)
}

func prune(ts []time.Time, from time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(from) {
		i++
	}
	return ts[i:]
}
