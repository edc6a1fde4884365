package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"PerpAgent/internal/api"
	"PerpAgent/internal/cache"
	"PerpAgent/internal/config"
	"PerpAgent/internal/events"
	"PerpAgent/internal/exchange"
	"PerpAgent/internal/ledger"
	"PerpAgent/internal/market"
	"PerpAgent/internal/metabolism"
	"PerpAgent/internal/monitor"
	"PerpAgent/internal/observability/metrics"
	"PerpAgent/internal/payout"
	"PerpAgent/internal/settle"
	"PerpAgent/internal/signal/openai"
	"PerpAgent/internal/store"
	"PerpAgent/pkg/logger"

	sig "PerpAgent/internal/signal"
)

// main 是 perpagentd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("perpagentd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("PERPAGENT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "perpagent.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit:       logger.AuditTo(cfg.Logging.AuditPath),
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	st, err := createStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	cacheStore, err := createCache(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = cacheStore.Close() }()

	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭事件队列失败: %v", err)
		}
	}()
	emitter := events.NewEmitter(queue)

	adapter, err := exchange.NewHTTPAdapter(exchange.HTTPConfig{
		BaseURL: cfg.Exchange.BaseURL,
		APIKey:  config.ResolveSecret(cfg.Exchange.APIKey, cfg.Exchange.APIKeyEnv),
		Timeout: cfg.Exchange.Timeout(),
	})
	if err != nil {
		return err
	}

	gateway := market.NewGateway(adapter, cacheStore,
		market.WithPriceTTL(time.Duration(cfg.Cache.PriceTTL)*time.Second),
		market.WithCandleTTL(time.Duration(cfg.Cache.CandleTTL)*time.Second),
	)

	evaluator, err := createEvaluator(cfg)
	if err != nil {
		return err
	}

	locks := store.NewKeyedLocks()
	meta := metabolism.NewEngine(st, locks,
		metabolism.WithPublisher(emitter),
		metabolism.WithMinEnergyToLive(cfg.Engine.MinEnergyToLive),
		metabolism.WithReferralBurnShare(cfg.Engine.ReferralBurnShare),
	)
	lgr := ledger.New(st, locks,
		ledger.WithInvestExitFeeRate(cfg.Engine.InvestExitFeeRate),
	)

	orchestrator := monitor.NewOrchestrator(st, gateway, adapter, evaluator, meta,
		monitor.WithWorkers(cfg.Engine.MonitorWorkers),
		monitor.WithHeartbeatBurn(cfg.Engine.HeartbeatBurn),
		monitor.WithConfidenceThreshold(cfg.Engine.ConfidenceThreshold),
		monitor.WithTradeSizeBounds(cfg.Engine.MinTradeSizeUsd, cfg.Engine.MaxTradeSizeUsd),
	)

	reconciler := settle.NewReconciler(st, adapter, lgr, meta,
		settle.WithPublisher(emitter),
		settle.WithFeeRates(cfg.Engine.PerformanceFeeRate, cfg.Engine.CreatorFeeSplit),
		settle.WithVampireFeedRate(cfg.Engine.VampireFeedRate),
		settle.WithReferralFuelBonus(cfg.Engine.ReferralFuelBonus),
	)

	// 事件消费协程: 推荐分成、推荐奖励与生命周期事件。
	dispatcher := events.NewDispatcher(st, lgr, meta)
	consumerCtx, cancelConsumer := context.WithCancel(ctx)
	defer cancelConsumer()
	go func() {
		if err := queue.Consume(consumerCtx, cfg.EventQueue.Workers, dispatcher.Handle); err != nil &&
			!errors.Is(err, context.Canceled) {
			logger.L().Error("事件消费退出", "error", err)
		}
	}()

	// 后台巡检与结算节拍，cron 端点可随时手动补一轮。
	go runLoop(ctx, time.Duration(cfg.Engine.MonitorIntervalSec)*time.Second, func(ctx context.Context) {
		if _, err := orchestrator.CheckAllActiveAgents(ctx); err != nil {
			logger.L().Error("定时巡检失败", "error", err)
		}
	})
	go runLoop(ctx, time.Duration(cfg.Engine.SettleIntervalSec)*time.Second, func(ctx context.Context) {
		if _, err := reconciler.SettleClosedPositions(ctx); err != nil {
			logger.L().Error("定时结算失败", "error", err)
		}
	})

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil &&
				!errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务退出", "error", err)
			}
		}()
	}

	server := api.NewServer(api.Config{
		Address:      cfg.Server.Address,
		CronSecret:   config.ResolveSecret(cfg.Server.CronSecret, cfg.Server.CronSecretEnv),
		MonitorRPS:   cfg.Server.MonitorRPS,
		MonitorBurst: cfg.Server.MonitorBurst,
	}, st, gateway, orchestrator, reconciler)

	if cfg.Chains.Settlement.RPCURL != "" && cfg.Chains.Payout.RPCURL != "" {
		key := config.ResolveSecret(cfg.Chains.PrivateKey, cfg.Chains.KeyEnv)
		settlementChain, err := payout.NewChainClient(ctx, chainClientConfig(cfg.Chains.Settlement, key))
		if err != nil {
			return err
		}
		defer settlementChain.Close()
		payoutChain, err := payout.NewChainClient(ctx, chainClientConfig(cfg.Chains.Payout, key))
		if err != nil {
			return err
		}
		defer payoutChain.Close()
		server.WithPayouts(payout.NewPipeline(lgr, adapter, settlementChain, payoutChain, locks))
	}

	return server.Start(ctx)
}

func chainClientConfig(chain config.ChainConfig, privateKey string) payout.ChainClientConfig {
	return payout.ChainClientConfig{
		Name:          chain.Name,
		RPCURL:        chain.RPCURL,
		USDCContract:  chain.USDCContract,
		BridgeAddress: chain.BridgeAddress,
		PrivateKeyHex: privateKey,
	}
}

func runLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func createStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "mysql":
		return store.NewMySQLStore(store.MySQLConfig{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetime) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func createCache(cfg *config.Config) (cache.Store, error) {
	switch cfg.Cache.Driver {
	case "", "memory":
		return cache.NewMemoryStore(), nil
	case "redis":
		return cache.NewRedisStore(cache.RedisConfig{
			Address:  cfg.Cache.Address,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
	default:
		return nil, fmt.Errorf("未知的缓存驱动: %s", cfg.Cache.Driver)
	}
}

func createQueue(cfg *config.Config) (events.Queue, error) {
	switch cfg.EventQueue.Driver {
	case "", "memory":
		return events.NewMemoryQueue(1024), nil
	case "redis":
		return events.NewRedisQueue(events.RedisQueueConfig{
			Address:   cfg.EventQueue.Redis.Address,
			Password:  cfg.EventQueue.Redis.Password,
			DB:        cfg.EventQueue.Redis.DB,
			Queue:     cfg.EventQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.EventQueue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return events.NewRabbitMQQueue(events.RabbitMQConfig{
			URL:        cfg.EventQueue.RabbitMQ.URL,
			Queue:      cfg.EventQueue.RabbitMQ.Queue,
			Prefetch:   cfg.EventQueue.RabbitMQ.Prefetch,
			Durable:    cfg.EventQueue.RabbitMQ.Durable,
			AutoDelete: cfg.EventQueue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.EventQueue.Driver)
	}
}

func createEvaluator(cfg *config.Config) (sig.Client, error) {
	switch cfg.Signal.Provider {
	case "", "openai":
		apiKey := config.ResolveSecret(cfg.Signal.APIKey, cfg.Signal.APIKeyEnv)
		if apiKey == "" {
			return nil, errors.New("信号评估需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.Signal.BaseURL,
			Model:   cfg.Signal.Model,
			Timeout: cfg.Signal.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的信号 provider: %s", cfg.Signal.Provider)
	}
}
