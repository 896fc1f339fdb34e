package venue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
)

// Settings 创建交易所适配器所需的连接参数
type Settings struct {
	ID           model.VenueID
	RestURL      string
	WsURL        string
	APIKey       string
	APISecret    string
	RateLimit    float64 // requests per second
	RateBurst    int
	RecvWindowMs int
	QtyStep      map[string]float64
	PriceTick    map[string]float64
}

// Factory builds a venue adapter from its settings.
type Factory func(Settings) (port.Venue, error)

var (
	mu       sync.RWMutex
	registry = make(map[model.VenueID]Factory)
)

// Register 注册交易所适配器工厂，由各交易所包的 init() 调用
func Register(id model.VenueID, factory Factory) {
	if factory == nil {
		log.Warn().Str("venue", string(id)).Msg("invalid venue factory")
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[id]; exists {
		log.Warn().Str("venue", string(id)).Msg("venue factory already registered, overwriting")
	}
	registry[id] = factory
}

// Get 获取已注册的工厂
func Get(id model.VenueID) (Factory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := registry[id]
	return f, ok
}

// New builds the adapter registered under s.ID.
func New(s Settings) (port.Venue, error) {
	f, ok := Get(s.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", port.ErrVenueNotFound, s.ID)
	}
	v, err := f(s)
	if err != nil {
		return nil, fmt.Errorf("create venue %s: %w", s.ID, err)
	}
	return v, nil
}

// Names lists registered venue ids in order.
func Names() []model.VenueID {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]model.VenueID, 0, len(registry))
	for id := range registry {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
