package execution

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/divbot/internal/bus"
	"github.com/web3guy0/divbot/internal/bybit"
	"github.com/web3guy0/divbot/internal/config"
	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/store"
)

const (
	ordersSweepInterval = 5 * time.Second
	reconcileInterval   = 5 * time.Second
	posSyncInterval     = 10 * time.Second
	riskMonitorInterval = 10 * time.Second
	snapshotInterval    = 30 * time.Second
)

// BusLocker adapts the broker's advisory plan lock to the engine.
type BusLocker struct {
	broker *bus.Broker
}

func NewBusLocker(broker *bus.Broker) *BusLocker { return &BusLocker{broker: broker} }

func (l *BusLocker) Acquire(ctx context.Context, idem string, ttl time.Duration) (func(context.Context), bool, error) {
	pl, err := l.broker.AcquirePlanLock(ctx, idem, ttl)
	if err != nil {
		return nil, false, err
	}
	if pl == nil {
		return nil, false, nil
	}
	return func(ctx context.Context) {
		if err := pl.Release(ctx); err != nil {
			log.Warn().Err(err).Msg("Plan lock release failed")
		}
	}, true, nil
}

// Service is the execution daemon: plan admission, bar-driven lifecycle and
// the live-mode maintenance loops.
type Service struct {
	cfg    *config.Config
	st     *store.Store
	broker *bus.Broker
	client *bybit.Client
	engine *Engine
	rep    *Reporter
}

func NewService(cfg *config.Config, st *store.Store, broker *bus.Broker) *Service {
	limiter := bybit.NewLimiter(bybit.LimiterConfig{
		PublicRPS:                cfg.PublicRPS,
		PublicBurst:              cfg.PublicBurst,
		PrivateCriticalRPS:       cfg.PrivateCriticalRPS,
		PrivateCriticalBurst:     cfg.PrivateCriticalBurst,
		PrivateOrderQueryRPS:     cfg.PrivateOrderQueryRPS,
		PrivateOrderQueryBurst:   cfg.PrivateOrderQueryBurst,
		PrivateAccountQueryRPS:   cfg.PrivateAccountQueryRPS,
		PrivateAccountQueryBurst: cfg.PrivateAccountQueryBurst,
		PerSymbolRPS:             cfg.PerSymbolRPS,
		PerSymbolBurst:           cfg.PerSymbolBurst,
		MaxWait:                  cfg.RateLimitMaxWait,
	})
	client := bybit.NewClient(bybit.Options{
		BaseURL:    cfg.BybitRESTBaseURL,
		APIKey:     cfg.BybitAPIKey,
		APISecret:  cfg.BybitAPISecret,
		Category:   cfg.BybitCategory,
		RecvWindow: cfg.BybitRecvWindow,
		Limiter:    limiter,
	})

	rep := NewReporter(cfg.Env, st, broker)

	var trader Trader = PaperTrader{}
	if cfg.ExecutionMode == config.ModeLive {
		trader = NewLiveTrader(client, cfg.EntryOrderType)
	}

	runID := runIDFor(cfg.ExecutionMode)
	engine := NewEngine(cfg, st, rep, trader, NewBusLocker(broker), client,
		equityFunc(cfg, st, client), runID)

	return &Service{cfg: cfg, st: st, broker: broker, client: client, engine: engine, rep: rep}
}

// Engine exposes the admission engine; replay drives it directly.
func (s *Service) Engine() *Engine { return s.engine }

// runIDFor gives live and paper a stable run scope while each backtest run
// gets its own id.
func runIDFor(mode string) string {
	if mode == config.ModeBacktest {
		return uuid.NewString()
	}
	return mode
}

// equityFunc selects the sizing equity source for the mode: live asks the
// exchange, paper and backtest track the simulated account.
func equityFunc(cfg *config.Config, st *store.Store, client *bybit.Client) EquityFunc {
	if cfg.ExecutionMode == config.ModeLive {
		return func(ctx context.Context) (float64, error) {
			wb, err := client.GetWalletBalance(ctx, cfg.BybitAccountType)
			if err != nil {
				return 0, err
			}
			return wb.TotalEquity, nil
		}
	}
	return func(ctx context.Context) (float64, error) {
		now := time.Now().UnixMilli()
		rs, err := st.GetOrInitRiskState(tradeDate(now), decimal.NewFromFloat(cfg.PaperEquity))
		if err != nil {
			return 0, err
		}
		return rs.CurrentEquity.InexactFloat64(), nil
	}
}

// Run starts all consumers and loops and blocks until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	group := s.cfg.RedisStreamGroup + ":execution"
	consumer := s.cfg.RedisStreamConsumer

	var wg sync.WaitGroup
	start := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			log.Debug().Str("loop", name).Msg("Execution loop stopped")
		}()
	}

	start("trade_plan", func() {
		err := s.broker.Consume(ctx, events.StreamTradePlan, group, consumer,
			func(ctx context.Context, env *events.Envelope, _ string) error {
				return s.engine.HandleTradePlan(ctx, env)
			})
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Trade plan consumer exited")
		}
	})
	start("bar_close", func() {
		err := s.broker.Consume(ctx, events.StreamBarClose, group, consumer,
			func(ctx context.Context, env *events.Envelope, _ string) error {
				return s.engine.HandleBarClose(ctx, env)
			})
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Bar close consumer exited")
		}
	})

	start("risk_monitor", func() {
		NewRiskMonitor(s.cfg, s.st, s.rep, s.engine.equity).Run(ctx, riskMonitorInterval)
	})

	if s.cfg.ExecutionMode == config.ModeLive {
		s.startLiveLoops(ctx, start)
	}

	log.Info().Str("mode", s.cfg.ExecutionMode).Msg("Execution service started 🚀")
	wg.Wait()
	return ctx.Err()
}

func (s *Service) startLiveLoops(ctx context.Context, start func(string, func())) {
	reconciler := NewReconciler(s.cfg, s.st, s.client, s.engine.trader, s.rep, s.client, s.engine)
	start("reconcile", func() { reconciler.Run(ctx, reconcileInterval) })

	syncer := NewPositionSyncer(s.cfg, s.st, s.client, s.rep, s.engine)
	start("possync", func() { syncer.Run(ctx, posSyncInterval) })

	snapshotter := NewSnapshotter(s.cfg, s.st, s.client, s.rep)
	start("snapshot", func() { snapshotter.Run(ctx, snapshotInterval) })

	if s.cfg.EntryOrderType == "Limit" {
		om := NewOrderManager(ManagerConfig{
			EntryTimeout:   s.cfg.EntryTimeout,
			PartialTimeout: s.cfg.EntryPartialTimeout,
			MaxRetries:     s.cfg.EntryMaxRetries,
			RepriceBps:     s.cfg.EntryRepriceBps,
			FallbackMarket: s.cfg.EntryFallbackMarket,
		}, s.st, s.client, s.rep, s.client)
		start("order_manager", func() { om.Run(ctx, ordersSweepInterval) })
	}

	ingest := NewWSIngestor(s.st, s.rep)
	handlers := ingest.Handlers(ctx)
	handlers.OnWallet = func(u bybit.WalletUpdate) {
		snapshotter.RecordWalletWS(parseF(u.TotalEquity), parseF(u.TotalAvailableBalance))
	}
	ws := bybit.NewPrivateWS(s.cfg.BybitWSPrivateURL, s.cfg.BybitAPIKey, s.cfg.BybitAPISecret, handlers)
	start("private_ws", func() { ws.Run(ctx) })
}
