package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/spot_averaging/internal/config"
	"github.com/vitos/spot_averaging/internal/domain"
	"github.com/vitos/spot_averaging/internal/infrastructure/exchange"
	"github.com/vitos/spot_averaging/internal/infrastructure/logger"
	"github.com/vitos/spot_averaging/internal/infrastructure/notify"
	"github.com/vitos/spot_averaging/internal/infrastructure/storage"
	"github.com/vitos/spot_averaging/internal/usecase"
	"github.com/vitos/spot_averaging/internal/web"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	mode := flag.String("mode", "run", "run: trade every pending account, seed: queue the configured accounts")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	switch *mode {
	case "seed":
		seed(cfg, store, log)
	case "run":
		if err := run(cfg, store, log); err != nil {
			log.Error("Bot stopped on infrastructure failure", zap.Error(err))
			log.Sync()
			store.Close()
			os.Exit(1)
		}
	default:
		log.Fatal("Unknown mode", zap.String("mode", *mode))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Logging.File == "" {
		return logger.NewLogger(cfg.Logging.Level)
	}
	return logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level, logger.FileOptions{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   true,
	})
}

func seed(cfg *config.Config, store *storage.SQLiteStore, log *zap.Logger) {
	ctx := context.Background()
	for _, acc := range cfg.Accounts {
		id, err := store.AddToQueue(ctx, acc, cfg.Session.Mode)
		if err != nil {
			log.Fatal("Failed to queue account", zap.String("account", acc.Label), zap.Error(err))
		}
		log.Info("Queued account", zap.String("account", acc.Label), zap.Int64("id", id))
	}
	log.Info("Seed complete", zap.Int("accounts", len(cfg.Accounts)))
}

func run(cfg *config.Config, store *storage.SQLiteStore, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Wait for Shutdown: first signal cancels, second exits
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)
	go usecase.NewShutdownHandler(cancel, log).Listen(stop)

	// 5. Notifiers
	notifier := notify.NewTelegram(cfg.Telegram.APIURL, cfg.Telegram.BotToken, cfg.Telegram.ChatIDs)
	profit := notify.NewTelegram(cfg.Telegram.APIURL, cfg.Telegram.BotToken, cfg.Telegram.ProfitChatIDs)
	if !notifier.Enabled() {
		log.Warn("Telegram is not configured, notifications are disabled")
	}

	// 6. Init Exchange
	pair := cfg.TradingPair()
	var feed *exchange.PriceFeed
	if cfg.Venue.WSEndpoint != "" {
		feed = exchange.NewPriceFeed(cfg.Venue.WSEndpoint, []string{pair.Base.Mint}, cfg.Venue.PriceMaxAge, log)
		go feed.Run(ctx)
	}
	factory := exchange.NewFactory(exchange.Options{
		BaseURL:  cfg.Venue.RESTEndpoint,
		ReadRPS:  cfg.Venue.ReadRPS,
		WriteRPS: cfg.Venue.WriteRPS,
		Timeout:  cfg.Venue.Timeout,
		Sizing:   exchange.Sizing{Mode: cfg.Sizing.Mode, Amount: cfg.Sizing.Amount},
		Tokens:   []domain.Token{pair.Base, pair.Quote},
	}, feed)

	// 7. Boards and Web Server
	startup := usecase.NewStartupBoard(notifier, 0, cfg.Session.StartupDelay, log)
	status := usecase.NewStatusBoard()
	if cfg.Server.Port > 0 {
		server := web.NewServer(cfg.Server.Port, status, store, log)
		go func() {
			if err := server.Start(); err != nil {
				log.Error("Server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			server.Shutdown(shutdownCtx)
		}()
	}

	// 8. Sessions
	engineCfg := usecase.DefaultEngineConfig()
	engineCfg.Step = cfg.Strategy.Step
	engineCfg.Aggr = cfg.Strategy.Aggr
	engineCfg.TradingEnabled = cfg.TradingEnabled()
	engineCfg.CycleDelay = cfg.Strategy.CycleDelay
	engineCfg.ErrorDelay = cfg.Strategy.ErrorDelay
	engineCfg.RestartDelay = cfg.Strategy.RestartDelay
	engineCfg.HeartbeatEvery = cfg.Strategy.HeartbeatEvery
	engineCfg.WarnCooldown = cfg.Strategy.WarnCooldown

	session := usecase.NewAccountSession(usecase.SessionConfig{
		Engine:       engineCfg,
		Pair:         pair,
		PauseMin:     cfg.Session.PauseMin,
		PauseMax:     cfg.Session.PauseMax,
		FailurePause: cfg.Session.FailurePause,
	}, usecase.SessionDeps{
		Factory:  factory,
		Reports:  store,
		Notifier: notifier,
		Profit:   profit,
		Stats:    store,
		Startup:  startup,
		Status:   status,
		Logger:   log,
	})

	orchestrator := usecase.NewOrchestrator(session, store, cfg.Threads, log)
	orchestrator.SetStartup(startup)

	log.Info("Bot starting",
		zap.String("pair", pair.String()),
		zap.String("step", engineCfg.Step.String()),
		zap.String("aggr", engineCfg.Aggr.String()),
		zap.String("pwr", engineCfg.Pwr().String()),
		zap.Bool("trading_enabled", engineCfg.TradingEnabled))

	if err := orchestrator.RunPending(ctx); err != nil {
		return err
	}
	log.Info("Shutdown complete")
	return nil
}
