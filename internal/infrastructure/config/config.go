package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	App struct {
		LogLevel       string        `toml:"log_level"`
		LogFile        string        `toml:"log_file"`
		CycleInterval  time.Duration `toml:"cycle_interval"`
		StatusInterval time.Duration `toml:"status_interval"`
		// 每隔多久追加一行快照（0 关闭）
		SnapshotInterval time.Duration `toml:"snapshot_interval"`
		MaxDataAge       time.Duration `toml:"max_data_age"`
	} `toml:"app"`

	History struct {
		Store           string        `toml:"store"` // sqlite | postgres | memory
		Window          time.Duration `toml:"window"`
		MinSamples      int           `toml:"min_samples"`
		RefreshInterval time.Duration `toml:"refresh_interval"`
		PruneInterval   time.Duration `toml:"prune_interval"`
		Retention       time.Duration `toml:"retention"`
		QueueSize       int           `toml:"queue_size"`
	} `toml:"history"`

	Storage struct {
		SQLite   SQLiteConfig   `toml:"sqlite"`
		Postgres PostgresConfig `toml:"postgres"`
		Redis    RedisConfig    `toml:"redis"`
	} `toml:"storage"`

	Venues map[string]VenueConfig `toml:"venues"`

	Pairs []PairConfig `toml:"pairs"`

	Execution struct {
		LegTimeout        time.Duration `toml:"leg_timeout"`
		PollInterval      time.Duration `toml:"poll_interval"`
		IOCPriceOffsetPct float64       `toml:"ioc_price_offset_pct"`
		Tolerance         float64       `toml:"tolerance"`
		PositionMaxAge    time.Duration `toml:"position_max_age"`
		PositionInterval  time.Duration `toml:"position_interval"`
		BalanceInterval   time.Duration `toml:"balance_interval"`
		FundingInterval   time.Duration `toml:"funding_interval"`
		// 失衡平仓最多尝试次数
		MaxImbalanceCloses int `toml:"max_imbalance_closes"`
	} `toml:"execution"`

	Risk RiskConfig `toml:"risk"`

	Notify struct {
		Telegram TelegramConfig `toml:"telegram"`
	} `toml:"notify"`
}

type SQLiteConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

type PostgresConfig struct {
	Enabled  bool   `toml:"enabled"`
	DSN      string `toml:"dsn"`
	DSNEnv   string `toml:"dsn_env"`
	MaxConns int32  `toml:"max_conns"`
}

type RedisConfig struct {
	Enabled       bool   `toml:"enabled"`
	Addr          string `toml:"addr"`
	Password      string `toml:"password"`
	DB            int    `toml:"db"`
	Prefix        string `toml:"prefix"`
	TTLSeconds    int    `toml:"ttl_seconds"`
	SignalStream  string `toml:"signal_stream"`
	SignalChannel string `toml:"signal_channel"`
}

// VenueConfig 单个交易所连接参数，密钥只保存环境变量名
type VenueConfig struct {
	Enabled      bool    `toml:"enabled"`
	RestURL      string  `toml:"rest_url"`
	WsURL        string  `toml:"ws_url"`
	APIKeyEnv    string  `toml:"api_key_env"`
	APISecretEnv string  `toml:"api_secret_env"`
	RateLimit    float64 `toml:"rate_limit"` // requests per second
	RateBurst    int     `toml:"rate_burst"`
	RecvWindowMs int     `toml:"recv_window_ms"`
	// symbol -> 下单数量步长
	QtyStep map[string]float64 `toml:"qty_step"`
	// symbol -> 价格最小变动
	PriceTick map[string]float64 `toml:"price_tick"`
}

// Credentials resolves the api key and secret from the environment.
func (v VenueConfig) Credentials() (key, secret string) {
	if v.APIKeyEnv != "" {
		key = os.Getenv(v.APIKeyEnv)
	}
	if v.APISecretEnv != "" {
		secret = os.Getenv(v.APISecretEnv)
	}
	return key, secret
}

type PairConfig struct {
	ID      string `toml:"id"`
	Symbol  string `toml:"symbol"`
	VenueA  string `toml:"venue_a"`
	VenueB  string `toml:"venue_b"`
	SymbolA string `toml:"symbol_a"`
	SymbolB string `toml:"symbol_b"`

	SpreadThreshold  float64 `toml:"spread_threshold"`
	FundingThreshold float64 `toml:"funding_threshold"`
	FundingDebounce  int     `toml:"funding_debounce"`

	MaxExposure     float64 `toml:"max_exposure"`
	UnwindRate      float64 `toml:"unwind_rate"`
	FundingQuantity float64 `toml:"funding_quantity"`

	Policy         string  `toml:"policy"` // grid | scalp | grid_plus
	BaseQuantity   float64 `toml:"base_quantity"`
	GridStep       float64 `toml:"grid_step"`
	MaxSegments    int     `toml:"max_segments"`
	SplitOrderSize float64 `toml:"split_order_size"`
	ChildOrders    int     `toml:"child_orders"`
	MinOrderSize   float64 `toml:"min_order_size"`

	ScalpingEnabled        bool    `toml:"scalping_enabled"`
	ScalpingTriggerSegment int     `toml:"scalping_trigger_segment"`
	ScalpingTakeProfit     float64 `toml:"scalping_take_profit"`

	// 开平仓前价差需连续满足的秒数，<=1 关闭
	SpreadPersistenceSeconds int     `toml:"spread_persistence_seconds"`
	StrictPersistenceCheck   bool    `toml:"strict_persistence_check"`
	T0CloseRatio             float64 `toml:"t0_close_ratio"`
	ProfitPerSegment         float64 `toml:"profit_per_segment"` // >0 时非对称平仓
}

type RiskConfig struct {
	PriceStabilityThresholdPct float64       `toml:"price_stability_threshold_pct"`
	PriceStabilityWindow       time.Duration `toml:"price_stability_window"`

	RequireOrderbookLiquidity bool    `toml:"require_orderbook_liquidity"`
	SlippageTolerancePct      float64 `toml:"slippage_tolerance_pct"`
	DepthUsageRatio           float64 `toml:"depth_usage_ratio"`
	MinOrderbookQty           float64 `toml:"min_orderbook_qty"`

	ErrorThreshold int           `toml:"error_threshold"`
	ErrorWindow    time.Duration `toml:"error_window"`
	BaseCooldown   time.Duration `toml:"base_cooldown"`
	MaxCooldown    time.Duration `toml:"max_cooldown"`

	MaxSymbolQty        map[string]float64 `toml:"max_symbol_qty"`
	DefaultMaxSymbolQty float64            `toml:"default_max_symbol_qty"`
	MaxTotalQty         float64            `toml:"max_total_qty"`
	MaxDailyTrades      int                `toml:"max_daily_trades"`
	DisabledSymbols     []string           `toml:"disabled_symbols"`
	BalanceWarning      float64            `toml:"balance_warning"`
	BalanceCritical     float64            `toml:"balance_critical"`
	MaxPositionDuration time.Duration      `toml:"max_position_duration"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	TokenEnv string `toml:"token_env"`
	ChatID   string `toml:"chat_id"`
}

// Token reads the bot token from the environment.
func (t TelegramConfig) Token() string {
	if t.TokenEnv == "" {
		return ""
	}
	return os.Getenv(t.TokenEnv)
}

// Load 读取 .env（可选）与 TOML 配置，补默认值并校验
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.CycleInterval <= 0 {
		cfg.App.CycleInterval = time.Second
	}
	if cfg.App.StatusInterval <= 0 {
		cfg.App.StatusInterval = time.Second
	}
	if cfg.App.MaxDataAge <= 0 {
		cfg.App.MaxDataAge = 2 * time.Second
	}

	if cfg.History.Store == "" {
		cfg.History.Store = "sqlite"
	}
	if cfg.History.Window <= 0 {
		cfg.History.Window = 24 * time.Hour
	}
	if cfg.History.MinSamples <= 0 {
		cfg.History.MinSamples = 30
	}
	if cfg.History.RefreshInterval <= 0 {
		cfg.History.RefreshInterval = time.Minute
	}
	if cfg.History.PruneInterval <= 0 {
		cfg.History.PruneInterval = time.Hour
	}
	if cfg.History.Retention < cfg.History.Window {
		cfg.History.Retention = 2 * cfg.History.Window
	}
	if cfg.History.QueueSize <= 0 {
		cfg.History.QueueSize = 1024
	}

	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "data/segarb.db"
	}
	if cfg.Storage.Postgres.MaxConns <= 0 {
		cfg.Storage.Postgres.MaxConns = 4
	}
	if cfg.Storage.Redis.Prefix == "" {
		cfg.Storage.Redis.Prefix = "segarb:"
	}
	if cfg.Storage.Redis.TTLSeconds <= 0 {
		cfg.Storage.Redis.TTLSeconds = 60
	}

	venues := make(map[string]VenueConfig, len(cfg.Venues))
	for id, v := range cfg.Venues {
		id = strings.ToLower(strings.TrimSpace(id))
		if v.RateLimit <= 0 {
			v.RateLimit = 10
		}
		if v.RateBurst <= 0 {
			v.RateBurst = int(v.RateLimit)
		}
		if v.RecvWindowMs <= 0 {
			v.RecvWindowMs = 5000
		}
		venues[id] = v
	}
	cfg.Venues = venues

	for i := range cfg.Pairs {
		p := &cfg.Pairs[i]
		if p.Policy == "" {
			p.Policy = "grid"
		}
		if p.MaxSegments <= 0 {
			p.MaxSegments = 1
		}
		if p.ChildOrders <= 0 {
			p.ChildOrders = 1
		}
		if p.FundingDebounce <= 0 {
			p.FundingDebounce = 1
		}
		if p.UnwindRate <= 0 {
			p.UnwindRate = p.BaseQuantity
		}
		if p.MaxExposure <= 0 {
			p.MaxExposure = float64(p.MaxSegments)*p.BaseQuantity + p.FundingQuantity
		}
		if p.T0CloseRatio <= 0 {
			p.T0CloseRatio = 0.4
		}
	}

	if cfg.Execution.LegTimeout <= 0 {
		cfg.Execution.LegTimeout = 5 * time.Second
	}
	if cfg.Execution.PollInterval <= 0 {
		cfg.Execution.PollInterval = 200 * time.Millisecond
	}
	if cfg.Execution.IOCPriceOffsetPct <= 0 {
		cfg.Execution.IOCPriceOffsetPct = 0.1
	}
	if cfg.Execution.Tolerance <= 0 {
		cfg.Execution.Tolerance = 1e-9
	}
	if cfg.Execution.PositionMaxAge <= 0 {
		cfg.Execution.PositionMaxAge = 30 * time.Second
	}
	if cfg.Execution.PositionInterval <= 0 {
		cfg.Execution.PositionInterval = 10 * time.Second
	}
	if cfg.Execution.BalanceInterval <= 0 {
		cfg.Execution.BalanceInterval = 30 * time.Second
	}
	if cfg.Execution.FundingInterval <= 0 {
		cfg.Execution.FundingInterval = time.Minute
	}
	if cfg.Execution.MaxImbalanceCloses <= 0 {
		cfg.Execution.MaxImbalanceCloses = 3
	}

	r := &cfg.Risk
	if r.PriceStabilityWindow <= 0 {
		r.PriceStabilityWindow = 5 * time.Second
	}
	if r.SlippageTolerancePct <= 0 {
		r.SlippageTolerancePct = 0.1
	}
	if r.DepthUsageRatio <= 0 || r.DepthUsageRatio > 1 {
		r.DepthUsageRatio = 0.5
	}
	if r.ErrorThreshold <= 0 {
		r.ErrorThreshold = 5
	}
	if r.ErrorWindow <= 0 {
		r.ErrorWindow = time.Minute
	}
	if r.BaseCooldown <= 0 {
		r.BaseCooldown = 30 * time.Second
	}
	if r.MaxCooldown < r.BaseCooldown {
		r.MaxCooldown = 10 * time.Minute
	}
}

func validate(cfg *Config) error {
	switch cfg.App.LogLevel = strings.ToLower(strings.TrimSpace(cfg.App.LogLevel)); cfg.App.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app.log_level %q invalid", cfg.App.LogLevel)
	}

	switch cfg.History.Store {
	case "sqlite", "memory":
	case "postgres":
		if !cfg.Storage.Postgres.Enabled {
			return errors.New("history.store is postgres but storage.postgres disabled")
		}
	default:
		return fmt.Errorf("history.store %q invalid", cfg.History.Store)
	}
	if cfg.Storage.Postgres.Enabled && cfg.Storage.Postgres.ResolveDSN() == "" {
		return errors.New("storage.postgres.dsn empty but postgres enabled")
	}
	if cfg.Storage.Redis.Enabled && strings.TrimSpace(cfg.Storage.Redis.Addr) == "" {
		return errors.New("storage.redis.addr empty but redis enabled")
	}

	enabled := cfg.EnabledVenues()
	if len(enabled) < 2 {
		return errors.New("at least two venues must be enabled")
	}
	for _, id := range enabled {
		v := cfg.Venues[id]
		if strings.TrimSpace(v.RestURL) == "" {
			return fmt.Errorf("venues.%s.rest_url empty but enabled", id)
		}
		if strings.TrimSpace(v.WsURL) == "" {
			return fmt.Errorf("venues.%s.ws_url empty but enabled", id)
		}
	}

	if len(cfg.Pairs) == 0 {
		return errors.New("pairs is empty")
	}
	seen := map[string]struct{}{}
	for i := range cfg.Pairs {
		p := &cfg.Pairs[i]
		p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
		p.VenueA = strings.ToLower(strings.TrimSpace(p.VenueA))
		p.VenueB = strings.ToLower(strings.TrimSpace(p.VenueB))
		p.Policy = strings.ToLower(strings.TrimSpace(p.Policy))
		name := fmt.Sprintf("pairs[%d]", i)

		if p.Symbol == "" {
			return fmt.Errorf("%s.symbol empty", name)
		}
		if p.VenueA == p.VenueB {
			return fmt.Errorf("%s: venue_a and venue_b must differ", name)
		}
		for _, v := range []string{p.VenueA, p.VenueB} {
			if vc, ok := cfg.Venues[v]; !ok || !vc.Enabled {
				return fmt.Errorf("%s: venue %q not enabled", name, v)
			}
		}
		if p.SymbolA == "" || p.SymbolB == "" {
			return fmt.Errorf("%s: symbol_a and symbol_b required", name)
		}
		if p.SpreadThreshold <= 0 {
			return fmt.Errorf("%s.spread_threshold must be > 0", name)
		}
		if p.BaseQuantity <= 0 {
			return fmt.Errorf("%s.base_quantity must be > 0", name)
		}
		if p.GridStep <= 0 {
			return fmt.Errorf("%s.grid_step must be > 0", name)
		}
		if p.MinOrderSize < 0 {
			return fmt.Errorf("%s.min_order_size must be >= 0", name)
		}
		if p.SpreadPersistenceSeconds < 0 {
			return fmt.Errorf("%s.spread_persistence_seconds must be >= 0", name)
		}
		if p.T0CloseRatio > 1 {
			return fmt.Errorf("%s.t0_close_ratio must be in (0, 1]", name)
		}
		if p.ProfitPerSegment < 0 {
			return fmt.Errorf("%s.profit_per_segment must be >= 0", name)
		}
		switch p.Policy {
		case "grid", "scalp", "grid_plus":
		default:
			return fmt.Errorf("%s.policy %q invalid", name, p.Policy)
		}
		if p.ScalpingEnabled {
			if p.ScalpingTriggerSegment <= 0 || p.ScalpingTriggerSegment > p.MaxSegments {
				return fmt.Errorf("%s.scalping_trigger_segment must be in [1, max_segments]", name)
			}
			if p.ScalpingTakeProfit <= 0 {
				return fmt.Errorf("%s.scalping_take_profit must be > 0", name)
			}
		}
		id := p.PairID()
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%s: duplicate pair id %s", name, id)
		}
		seen[id] = struct{}{}
	}

	cfg.Risk.DisabledSymbols = normalizeSymbols(cfg.Risk.DisabledSymbols)
	if cfg.Risk.BalanceCritical > 0 && cfg.Risk.BalanceWarning > 0 && cfg.Risk.BalanceCritical > cfg.Risk.BalanceWarning {
		return errors.New("risk.balance_critical must not exceed risk.balance_warning")
	}

	if cfg.Notify.Telegram.Enabled && cfg.Notify.Telegram.ChatID == "" {
		return errors.New("notify.telegram.chat_id empty but telegram enabled")
	}
	return nil
}

// PairID returns the configured id or the derived "<symbol>:<a>-<b>".
func (p PairConfig) PairID() string {
	if id := strings.TrimSpace(p.ID); id != "" {
		return id
	}
	return fmt.Sprintf("%s:%s-%s", strings.ToUpper(p.Symbol), p.VenueA, p.VenueB)
}

// ResolveDSN prefers the environment variable over the inline dsn.
func (p PostgresConfig) ResolveDSN() string {
	if p.DSNEnv != "" {
		if v := os.Getenv(p.DSNEnv); v != "" {
			return v
		}
	}
	return strings.TrimSpace(p.DSN)
}

// EnabledVenues 返回已启用的交易所（按名称排序）
func (c *Config) EnabledVenues() []string {
	out := make([]string, 0, len(c.Venues))
	for id, v := range c.Venues {
		if v.Enabled {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := strings.ToUpper(strings.TrimSpace(s))
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
