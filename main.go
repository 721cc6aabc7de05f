package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"
	"os/signal"
	"syscall"
	"time"

	"signalPilot/config"
	"signalPilot/internal/adapters/binanceclient"
	"signalPilot/internal/adapters/httpapi"
	"signalPilot/internal/adapters/logger"
	"signalPilot/internal/adapters/sqlite"
	"signalPilot/internal/app"
	"signalPilot/internal/ledger"
	"signalPilot/internal/ports"
	"signalPilot/internal/registry"
	"signalPilot/internal/risk"
)

func newLogger(cfg *config.Config) (ports.Logger, func()) {
	if cfg.LogFormat == "zap" {
		zl, err := logger.NewZapLogger(cfg.LogLevel, "signal-pilot")
		if err != nil {
			log.Fatalf("FATAL: Failed to build zap logger: %v", err)
		}
		return zl, func() { _ = zl.Sync() }
	}
	return logger.NewStdLogger(cfg.LogLevel), func() {}
}

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger, syncLogger := newLogger(cfg)
	defer syncLogger()
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String(), "format": cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Snapshot store
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()

	// 4. Broker gateway
	broker, err := binanceclient.New(binanceclient.Config{
		APIKey:         cfg.APIKey,
		SecretKey:      cfg.SecretKey,
		UseTestnet:     cfg.IsTestnet,
		QuantityPerLot: cfg.QuantityPerLot,
		Logger:         appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	startupCtx, cancelStartup := context.WithTimeout(ctx, 10*time.Second)
	if err := broker.SetServerTime(startupCtx); err != nil {
		appLogger.Warn(ctx, "Could not sync server time, continuing", map[string]interface{}{"error": err.Error()})
	}
	if err := broker.Ping(startupCtx); err != nil {
		cancelStartup()
		log.Fatalf("FATAL: Binance is unreachable: %v", err)
	}
	cancelStartup()

	// 5. Engines
	erCfg := risk.DefaultEntryRangeConfig()
	erCfg.LotStep = cfg.LotStep
	erCfg.MaxAverageEntries = cfg.MaxAverageEntries
	erCfg.MaxScaleEntries = cfg.MaxScaleEntries
	entryRange, err := risk.NewEntryRangeEngine(erCfg, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Invalid entry-range settings: %v", err)
	}
	takeProfit, err := risk.NewTakeProfitEngine(risk.TakeProfitConfig{
		MinLotsRemaining: cfg.MinLotsRemaining,
		LotStep:          cfg.LotStep,
		AutoSLCascade:    cfg.AutoSLCascade,
	})
	if err != nil {
		log.Fatalf("FATAL: Invalid take-profit settings: %v", err)
	}

	// 6. Application service
	svc, err := app.NewService(app.Deps{
		Logger:     appLogger,
		Broker:     broker,
		Store:      repo,
		Registry:   registry.New(),
		Ledger:     ledger.New(cfg.LedgerCapacity),
		EntryRange: entryRange,
		BreakEven:  risk.NewBreakEvenEngine(),
		TakeProfit: takeProfit,
	}, app.ServiceConfig{
		Monitor: app.MonitorConfig{
			PollInterval:      cfg.PollInterval,
			PriceCacheTTL:     cfg.PriceCacheTTL,
			BrokerCallTimeout: cfg.BrokerCallTimeout,
			SymbolWorkers:     cfg.SymbolWorkers,
			SnapshotInterval:  cfg.SnapshotInterval,
		},
		DefaultTimeout: cfg.EntryTimeout,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize lifecycle service: %v", err)
	}

	restored, err := svc.Restore(ctx)
	if err != nil {
		log.Fatalf("FATAL: Failed to restore positions: %v", err)
	}
	appLogger.Info(ctx, "Positions restored", map[string]interface{}{"count": restored})

	// 7. Status API
	if cfg.StatusAPIEnabled {
		srv, err := httpapi.NewServer(httpapi.Config{Addr: cfg.StatusAddr, Service: svc, Logger: appLogger})
		if err != nil {
			log.Fatalf("FATAL: Failed to build status API: %v", err)
		}
		go func() {
			if err := srv.Start(ctx); err != nil {
				appLogger.Error(ctx, err, "Status API stopped")
			}
		}()
	}

	// 8. Run the monitor until a signal arrives
	if err := svc.Monitor().Start(ctx); err != nil {
		log.Fatalf("FATAL: Failed to start monitor: %v", err)
	}
	<-ctx.Done()
	appLogger.Info(context.Background(), "Shutdown signal received, stopping monitor")
	svc.Monitor().Stop()

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
