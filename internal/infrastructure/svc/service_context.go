package svc

import (
	"context"
	"fmt"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"segarb/internal/application/aggregator"
	"segarb/internal/application/decision"
	"segarb/internal/application/executor"
	"segarb/internal/application/history"
	"segarb/internal/application/opportunity"
	"segarb/internal/application/pipeline"
	"segarb/internal/application/port"
	"segarb/internal/application/risk"
	"segarb/internal/domain/model"
	"segarb/internal/domain/service"
	"segarb/internal/infrastructure/config"
	"segarb/internal/infrastructure/notify"
	"segarb/internal/infrastructure/storage"
	"segarb/internal/infrastructure/storage/composite"
	postgresrepo "segarb/internal/infrastructure/storage/postgres"
	redisrepo "segarb/internal/infrastructure/storage/redis"
	sqliterepo "segarb/internal/infrastructure/storage/sqlite"
	"segarb/internal/infrastructure/venue"
	"segarb/internal/interfaces/console"

	// venue adapters register themselves in init()
	_ "segarb/internal/infrastructure/exchange/binance"
	_ "segarb/internal/infrastructure/exchange/bybit"
)

type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 基础设施层（第一层初始化）
	redisClient  *redisclient.Client
	redisRepo    *redisrepo.Repo
	sqliteRepo   *sqliterepo.Repo
	postgresRepo *postgresrepo.Repo

	History  port.HistoryStore
	Journal  port.Journal
	Cache    port.StateCache
	Reporter port.Reporter
	Sink     port.Sink

	Pairs  []model.SymbolPair
	Venues map[model.VenueID]port.Venue

	// 应用业务组件（依赖基础设施）
	Risk     *service.RiskManager
	Pipeline *pipeline.Pipeline

	// 资源管理
	closerChain []func() error
}

// New 创建并初始化 ServiceContext
// 这是应用启动的唯一入口点，所有依赖初始化都在这里完成
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		Sink:        console.NewSink(),
		closerChain: make([]func() error, 0),
	}

	if err := sc.initializeComponents(); err != nil {
		// 清理已初始化的资源
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents 按依赖顺序初始化：存储 → 交易所 → 通知 → 流水线
func (sc *ServiceContext) initializeComponents() error {
	if err := sc.initializeStorage(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInitFailed, err)
	}
	if err := sc.initVenues(); err != nil {
		return err
	}
	sc.initPairs()
	sc.initReporter()
	sc.initPipeline()

	log.Info().
		Int("venues", len(sc.Venues)).
		Int("pairs", len(sc.Pairs)).
		Str("history", sc.Config.History.Store).
		Msg("✓ All components initialized")
	return nil
}

// initializeStorage 初始化存储层：历史样本库、审计日志、状态缓存
func (sc *ServiceContext) initializeStorage() error {
	st := sc.Config.Storage

	if st.Redis.Enabled {
		if err := sc.initRedis(); err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
	}
	if st.SQLite.Enabled || sc.Config.History.Store == "sqlite" {
		if err := sc.initSQLite(); err != nil {
			return fmt.Errorf("sqlite initialization failed: %w", err)
		}
	}
	if st.Postgres.Enabled {
		if err := sc.initPostgres(); err != nil {
			return fmt.Errorf("postgres initialization failed: %w", err)
		}
	}

	switch sc.Config.History.Store {
	case "postgres":
		sc.History = sc.postgresRepo
	case "memory":
		sc.History = storage.NewInMemoryHistory()
	default:
		sc.History = sc.sqliteRepo
	}

	journals := make([]port.Journal, 0, 3)
	if sc.sqliteRepo != nil {
		journals = append(journals, sc.sqliteRepo)
	}
	if sc.postgresRepo != nil {
		journals = append(journals, sc.postgresRepo)
	}
	if sc.redisRepo != nil {
		journals = append(journals, sc.redisRepo)
		sc.Cache = sc.redisRepo
	}
	if len(journals) > 0 {
		sc.Journal = composite.New(journals...)
	}
	return nil
}

// initRedis 初始化 Redis 连接
func (sc *ServiceContext) initRedis() error {
	rc := sc.Config.Storage.Redis
	rdb := redisclient.NewClient(&redisclient.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return err
	}

	sc.redisClient = rdb
	sc.redisRepo = redisrepo.New(rdb, rc.Prefix, time.Duration(rc.TTLSeconds)*time.Second, rc.SignalStream, rc.SignalChannel)
	sc.closerChain = append(sc.closerChain, rdb.Close)
	log.Info().Str("addr", rc.Addr).Msg("✓ Redis initialized")
	return nil
}

// initSQLite 初始化 SQLite 数据库
func (sc *ServiceContext) initSQLite() error {
	path := sc.Config.Storage.SQLite.Path
	repo, err := sqliterepo.New(path)
	if err != nil {
		return err
	}
	sc.sqliteRepo = repo
	sc.closerChain = append(sc.closerChain, repo.Close)
	log.Info().Str("path", path).Msg("✓ SQLite initialized")
	return nil
}

func (sc *ServiceContext) initPostgres() error {
	pc := sc.Config.Storage.Postgres
	ctx, cancel := context.WithTimeout(sc.Ctx, 10*time.Second)
	defer cancel()
	repo, err := postgresrepo.New(ctx, pc.ResolveDSN(), pc.MaxConns)
	if err != nil {
		return err
	}
	sc.postgresRepo = repo
	sc.closerChain = append(sc.closerChain, repo.Close)
	log.Info().Msg("✓ Postgres initialized")
	return nil
}

// initVenues 通过注册表创建已启用的交易所适配器
func (sc *ServiceContext) initVenues() error {
	names := sc.Config.EnabledVenues()
	if len(names) < 2 {
		return ErrNoVenuesEnabled
	}
	sc.Venues = make(map[model.VenueID]port.Venue, len(names))
	for _, name := range names {
		vc := sc.Config.Venues[name]
		key, secret := vc.Credentials()
		v, err := venue.New(venue.Settings{
			ID:           model.VenueID(name),
			RestURL:      vc.RestURL,
			WsURL:        vc.WsURL,
			APIKey:       key,
			APISecret:    secret,
			RateLimit:    vc.RateLimit,
			RateBurst:    vc.RateBurst,
			RecvWindowMs: vc.RecvWindowMs,
			QtyStep:      vc.QtyStep,
			PriceTick:    vc.PriceTick,
		})
		if err != nil {
			return fmt.Errorf("venue %s: %w", name, err)
		}
		if key == "" || secret == "" {
			log.Warn().Str("venue", name).Msg("no API credentials, trading calls will be rejected")
		}
		sc.Venues[model.VenueID(name)] = v
		log.Info().Str("venue", name).Msg("✓ Venue initialized")
	}
	return nil
}

func (sc *ServiceContext) initPairs() {
	sc.Pairs = make([]model.SymbolPair, 0, len(sc.Config.Pairs))
	for _, p := range sc.Config.Pairs {
		sc.Pairs = append(sc.Pairs, model.NewSymbolPair(
			p.PairID(), p.Symbol,
			model.VenueID(p.VenueA), model.VenueID(p.VenueB),
			p.SymbolA, p.SymbolB,
		))
	}
}

func (sc *ServiceContext) initReporter() {
	var next port.Reporter
	if tg := sc.Config.Notify.Telegram; tg.Enabled {
		if token := tg.Token(); token != "" {
			next = notify.NewNotifier(notify.NewTelegramSender(token, tg.ChatID))
			log.Info().Msg("✓ Telegram notifications enabled")
		} else {
			log.Warn().Str("env", tg.TokenEnv).Msg("telegram enabled but token is empty")
		}
	}
	sc.Reporter = console.NewReporter(next)
}

// initPipeline 组装行情 → 历史 → 机会 → 决策 → 执行 链路
func (sc *ServiceContext) initPipeline() {
	cfg := sc.Config
	rc := cfg.Risk

	market := make(map[model.VenueID]port.MarketData, len(sc.Venues))
	trading := make(map[model.VenueID]port.Trading, len(sc.Venues))
	for id, v := range sc.Venues {
		market[id] = v
		trading[id] = v
	}

	sc.Risk = service.NewRiskManager(service.RiskLimits{
		MaxSymbolQty:        rc.MaxSymbolQty,
		DefaultMaxSymbolQty: rc.DefaultMaxSymbolQty,
		MaxTotalQty:         rc.MaxTotalQty,
		MaxDailyTrades:      rc.MaxDailyTrades,
		DisabledSymbols:     rc.DisabledSymbols,
		BalanceWarning:      rc.BalanceWarning,
		BalanceCritical:     rc.BalanceCritical,
		MaxPositionDuration: rc.MaxPositionDuration,
	})

	agg := aggregator.New(aggregator.Deps{
		Venues:       market,
		Pairs:        sc.Pairs,
		OnConnection: pipeline.ConnectionHandler(sc.Risk, sc.Reporter),
	})

	calc := history.NewCalculator(sc.History, sc.Pairs, history.CalculatorConfig{
		Window:          cfg.History.Window,
		RefreshInterval: cfg.History.RefreshInterval,
		MinSamples:      cfg.History.MinSamples,
		PruneInterval:   cfg.History.PruneInterval,
		Retention:       cfg.History.Retention,
	}, sc.Cache)

	thresholds := make(map[model.PairID]opportunity.Thresholds, len(sc.Pairs))
	spread := make(map[model.PairID]float64, len(sc.Pairs))
	pairCfgs := make([]decision.PairConfig, 0, len(sc.Pairs))
	segmenters := make(map[model.PairID]executor.Segmenter, len(sc.Pairs))
	byID := make(map[model.PairID]model.SymbolPair, len(sc.Pairs))
	for i, pair := range sc.Pairs {
		pc := cfg.Pairs[i]
		byID[pair.ID] = pair
		spread[pair.ID] = pc.SpreadThreshold
		thresholds[pair.ID] = opportunity.Thresholds{
			Spread:          pc.SpreadThreshold,
			Funding:         pc.FundingThreshold,
			FundingDebounce: pc.FundingDebounce,
		}
		pairCfgs = append(pairCfgs, decision.PairConfig{
			Pair:               pair,
			SpreadThreshold:    pc.SpreadThreshold,
			GridStep:           pc.GridStep,
			MaxSegments:        pc.MaxSegments,
			BaseQuantity:       pc.BaseQuantity,
			FundingQuantity:    pc.FundingQuantity,
			MaxExposure:        pc.MaxExposure,
			UnwindRate:         pc.UnwindRate,
			MinOrderSize:       pc.MinOrderSize,
			Tolerance:          cfg.Execution.Tolerance,
			Policy:             model.SegmentPolicy(pc.Policy),
			ScalpingEnabled:    pc.ScalpingEnabled,
			ScalpingTrigger:    pc.ScalpingTriggerSegment,
			ScalpingTakeProfit: pc.ScalpingTakeProfit,
			Persistence:        time.Duration(pc.SpreadPersistenceSeconds) * time.Second,
			StrictPersistence:  pc.StrictPersistenceCheck,
			T0CloseRatio:       pc.T0CloseRatio,
			ProfitPerSegment:   pc.ProfitPerSegment,
		})
		segmenters[pair.ID] = executor.Segmenter{
			BaseQuantity:   pc.BaseQuantity,
			SplitOrderSize: pc.SplitOrderSize,
			MinOrderSize:   pc.MinOrderSize,
			ChildOrders:    pc.ChildOrders,
		}
	}

	book := decision.NewPositionBook(trading, cfg.Execution.PositionMaxAge)
	engine := decision.NewEngine(pairCfgs, book)
	stability := risk.NewStabilityFilter(rc.PriceStabilityThresholdPct, rc.PriceStabilityWindow)
	backoff := risk.NewBackoffController(risk.BackoffConfig{
		ErrorThreshold: rc.ErrorThreshold,
		ErrorWindow:    rc.ErrorWindow,
		BaseCooldown:   rc.BaseCooldown,
		MaxCooldown:    rc.MaxCooldown,
	})
	gate := &risk.Gatekeeper{
		Risk:      sc.Risk,
		Backoff:   backoff,
		Stability: stability,
		Liquidity: risk.NewLiquidityCheck(risk.LiquidityConfig{
			Enabled:              rc.RequireOrderbookLiquidity,
			SlippageTolerancePct: rc.SlippageTolerancePct,
			DepthUsageRatio:      rc.DepthUsageRatio,
			MinQty:               rc.MinOrderbookQty,
		}),
	}

	exec := executor.New(executor.Deps{
		Venues:    trading,
		Pairs:     byID,
		Segmenter: segmenters,
		Quotes:    agg,
		Imbalance: engine,
		Gate:      gate,
		Positions: book,
		Backoff:   backoff,
		Guard:     risk.NewReduceOnlyGuard(trading),
		Risk:      sc.Risk,
		Journal:   sc.Journal,
		Reporter:  sc.Reporter,
	}, executor.Config{
		LegTimeout:         cfg.Execution.LegTimeout,
		PollInterval:       cfg.Execution.PollInterval,
		IOCPriceOffsetPct:  cfg.Execution.IOCPriceOffsetPct,
		MaxImbalanceCloses: cfg.Execution.MaxImbalanceCloses,
	})

	sc.Pipeline = pipeline.New(pipeline.Deps{
		Pairs:      sc.Pairs,
		Venues:     sc.Venues,
		Aggregator: agg,
		Recorder:   history.NewRecorder(sc.History, cfg.History.QueueSize),
		Calculator: calc,
		Finder:     opportunity.NewFinder(thresholds, cfg.App.MaxDataAge),
		Engine:     engine,
		Positions:  book,
		Executor:   exec,
		Risk:       sc.Risk,
		Backoff:    backoff,
		Stability:  stability,
		Journal:    sc.Journal,
		Cache:      sc.Cache,
		Reporter:   sc.Reporter,
		Sink:       sc.Sink,
		Thresholds: spread,
	}, pipeline.Config{
		CycleInterval:    cfg.App.CycleInterval,
		BalanceInterval:  cfg.Execution.BalanceInterval,
		PositionInterval: cfg.Execution.PositionInterval,
		FundingInterval:  cfg.Execution.FundingInterval,
		StatusInterval:   cfg.App.StatusInterval,
		SnapshotInterval: cfg.App.SnapshotInterval,
	})
}

// Close 按初始化的逆序释放资源
func (sc *ServiceContext) Close() error {
	var firstErr error
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	sc.closerChain = nil
	return firstErr
}
