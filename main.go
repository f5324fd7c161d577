package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os/signal"
	"syscall"
	"time"

	"kisTradeBot/config"
	"kisTradeBot/internal/adapters/kis"
	"kisTradeBot/internal/adapters/logger"
	"kisTradeBot/internal/adapters/sqlite"
	"kisTradeBot/internal/adapters/telegram"
	"kisTradeBot/internal/auth"
	"kisTradeBot/internal/brokerage"
	"kisTradeBot/internal/coordinator"
	"kisTradeBot/internal/executor"
	"kisTradeBot/internal/pipeline"
	"kisTradeBot/internal/ports"
	"kisTradeBot/internal/server"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel})

	// Base context: cancelled on SIGINT/SIGTERM for a clean shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized")

	// 4. Initialize KIS Client (Brokerage Adapter)
	kisClient, err := kis.New(kis.Config{
		BaseURL:       cfg.KISBaseURL,
		AppKey:        cfg.KISAppKey,
		AppSecret:     cfg.KISAppSecret,
		AccountNumber: cfg.KISAccountNumber,
		RealAccount:   cfg.KISRealAccount,
		Logger:        appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize KIS client")
		log.Fatalf("FATAL: Failed to initialize KIS client: %v", err)
	}
	appLogger.Info(ctx, "KIS client initialized", map[string]interface{}{"realAccount": cfg.KISRealAccount})

	// 5. Initialize Credential Broker (shared token via DB)
	tokenBroker, err := auth.New(auth.Config{
		Store:        repo,
		Issuer:       kisClient,
		Logger:       appLogger,
		SafetyMargin: cfg.TokenSafetyMargin,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize credential broker")
		log.Fatalf("FATAL: Failed to initialize credential broker: %v", err)
	}

	// 6. Initialize Request Coordinator and start its worker
	coord, err := coordinator.New(coordinator.Config{
		Logger:        appLogger,
		CacheTTL:      cfg.CacheTTL,
		MinInterval:   cfg.MinRequestInterval,
		SubmitTimeout: cfg.SubmitTimeout,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize request coordinator")
		log.Fatalf("FATAL: Failed to initialize request coordinator: %v", err)
	}
	coord.Start(ctx)
	appLogger.Info(ctx, "Request coordinator started")

	// 7. Initialize Brokerage Service
	broker, err := brokerage.New(brokerage.Config{
		API:         kisClient,
		Tokens:      tokenBroker,
		Coordinator: coord,
		Logger:      appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize brokerage service")
		log.Fatalf("FATAL: Failed to initialize brokerage service: %v", err)
	}

	// 8. Initialize Notifier (optional)
	var notifier ports.Notifier
	if cfg.TelegramBotToken != "" {
		tg, err := telegram.New(telegram.Config{
			BotToken: cfg.TelegramBotToken,
			ChatID:   cfg.TelegramChatID,
			Logger:   appLogger,
		})
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to initialize telegram notifier")
			log.Fatalf("FATAL: Failed to initialize telegram notifier: %v", err)
		}
		notifier = tg
		appLogger.Info(ctx, "Telegram notifier initialized")
	}

	// 9. Initialize Position Lifecycle Manager
	manager, err := executor.New(executor.Config{
		BudgetPerPosition: cfg.BudgetPerPosition,
		TakeProfitPercent: cfg.TakeProfitPercent,
		StopLossPercent:   cfg.StopLossPercent,
		MarketOpenHour:    cfg.MarketOpenHour,
		MarketOpenMinute:  cfg.MarketOpenMinute,
		MarketCloseHour:   cfg.MarketCloseHour,
		MarketCloseMinute: cfg.MarketCloseMinute,
		ForceCloseHour:    cfg.ForceCloseHour,
		ForceCloseMinute:  cfg.ForceCloseMinute,
		PollInterval:      cfg.PollInterval,
		Timezone:          cfg.MarketTimezone,
	}, repo, broker, notifier, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize lifecycle manager")
		log.Fatalf("FATAL: Failed to initialize lifecycle manager: %v", err)
	}

	// 10. Initialize Decision Pipeline
	signalPipeline, err := pipeline.New(repo, appLogger, cfg.AnalysisThresholdPercent)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize decision pipeline")
		log.Fatalf("FATAL: Failed to initialize decision pipeline: %v", err)
	}

	// 11. Expose the HTTP API (signals, positions, metrics) when configured
	if cfg.APIAddr != "" {
		apiSrv, err := server.New(server.Config{
			Addr:     cfg.APIAddr,
			Pipeline: signalPipeline,
			Repo:     repo,
			Logger:   appLogger,
		})
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to initialize HTTP server")
			log.Fatalf("FATAL: Failed to initialize HTTP server: %v", err)
		}
		if err := apiSrv.Start(ctx); err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to start HTTP server")
			log.Fatalf("FATAL: Failed to start HTTP server: %v", err)
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = apiSrv.Shutdown(shutdownCtx)
		}()
	}

	// 12. Run the lifecycle loop until a shutdown signal arrives
	if err := manager.Run(ctx); err != nil {
		appLogger.Error(context.Background(), err, "Lifecycle manager exited with error")
		log.Fatalf("FATAL: Lifecycle manager exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
