package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"resonance-trader/internal/api"
	"resonance-trader/internal/engine"
	"resonance-trader/internal/events"
	"resonance-trader/internal/gateway"
	"resonance-trader/internal/monitor"
	"resonance-trader/internal/order"
	"resonance-trader/internal/pairs"
	"resonance-trader/internal/risk"
	"resonance-trader/internal/settings"
	"resonance-trader/internal/strategy"
	"resonance-trader/pkg/config"
	"resonance-trader/pkg/db"
	"resonance-trader/pkg/logging"
)

var buildVersion = "dev"

func main() {
	issueToken := flag.String("issue-token", "", "print a control token for the given subject and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of tokens printed by -issue-token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		token, err := api.GenerateToken(cfg.JWTSecret, *issueToken, *tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	logger, err := logging.Build(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("trader exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	logger.Info("database ready", zap.String("path", cfg.DBPath))

	store := settings.NewStore(database, logger)

	registry := pairs.NewRegistry(database, logger)
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("load pairs: %w", err)
	}

	scfg, err := strategy.LoadConfig(cfg.StrategyConfigPath)
	if err != nil {
		return err
	}
	// Risk thresholds come from the environment so operators tune them in one place.
	scfg.StopLoss, scfg.TakeProfit = cfg.StopLossPct, cfg.TakeProfitPct
	if err := scfg.Validate(); err != nil {
		return err
	}
	seeds := cfg.Symbols
	if len(scfg.Pairs) > 0 && os.Getenv("TRADING_SYMBOLS") == "" {
		seeds = scfg.Pairs
	}
	if err := registry.SeedIfEmpty(ctx, seeds); err != nil {
		return fmt.Errorf("seed pairs: %w", err)
	}
	stratEngine, err := strategy.NewEngine(scfg)
	if err != nil {
		return err
	}

	metrics := monitor.NewMetrics()
	bus := events.NewBus()

	gw, mode, err := gateway.New(cfg, logger, metrics.GatewayRetry)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	logger.Info("gateway ready", zap.String("mode", mode), zap.String("venue", gw.Name()))

	timeframe, source := store.ResolveTimeframe(ctx, cfg.TimeframeOverride, scfg.DefaultTimeframe, gw.AvailableTimeframes())
	logger.Info("timeframe resolved", zap.String("timeframe", timeframe), zap.String("source", string(source)))

	riskMgr := risk.NewManager(risk.Limits{
		PositionSize:     cfg.PositionSize,
		MaxDailyLoss:     cfg.MaxDailyLoss,
		MaxPositionRatio: cfg.MaxPositionRatio,
		StopLossPct:      cfg.StopLossPct,
		TakeProfitPct:    cfg.TakeProfitPct,
		MaxPositions:     cfg.MaxPositions,
		AllowShort:       cfg.AllowShort,
	}, cfg.InitialBalance, database, logger)
	if err := riskMgr.LoadDaily(ctx, time.Now().UTC()); err != nil {
		logger.Warn("load daily risk failed, starting from zero", zap.Error(err))
	}
	if n, err := riskMgr.RestorePositions(ctx, database); err != nil {
		logger.Warn("restore positions failed, starting flat", zap.Error(err))
	} else if n > 0 {
		logger.Info("restored open positions", zap.Int("count", n))
	}

	orders := order.NewManager(gw, database, bus, logger)
	if n, err := orders.Restore(ctx); err != nil {
		logger.Warn("restore outstanding orders failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("restored outstanding orders", zap.Int("count", n))
	}

	controller, err := engine.New(engine.Config{
		Gateway:        gw,
		Settings:       store,
		Pairs:          registry,
		Strategy:       stratEngine,
		Risk:           riskMgr,
		Orders:         orders,
		Bus:            bus,
		Metrics:        metrics,
		Health:         gw.Health,
		Logger:         logger,
		Mode:           mode,
		Timeframe:      timeframe,
		TradingEnabled: store.Bool(ctx, settings.KeyTradingEnabled, true),
		TickOnStart:    true,
		CandleLimit:    cfg.CandleLimit,
	})
	if err != nil {
		return err
	}

	mon := &monitor.Monitor{Bus: bus, Sink: monitor.LogSink{Logger: logger}, Logger: logger}
	go mon.Start(ctx)

	engineErr := make(chan error, 1)
	go func() { engineErr <- controller.Run(ctx) }()

	server := api.NewServer(controller, bus, metrics, logger, api.SystemMeta{
		Mode:    mode,
		Venue:   gw.Name(),
		Symbols: cfg.Symbols,
		Version: buildVersion,
	}, cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, control endpoints are unauthenticated")
	}
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(":" + cfg.Port) }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-engineErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("engine: %w", err)
		}
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if err := controller.Close(); err != nil {
		logger.Warn("engine close failed", zap.Error(err))
	}
	return runErr
}
