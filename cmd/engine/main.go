// Command engine runs the autonomous perpetual-futures trading engine:
// two instances of the same component set, one per spec §6 account
// (linear/USDT-margined, inverse/coin-margined), sharing one process,
// one Postgres pool, and one Redis connection but scanning their own
// symbol universes and posting through their own notification fan-out.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"perpfutures-engine/internal/admission"
	"perpfutures-engine/internal/binanceadapter"
	"perpfutures-engine/internal/cache"
	"perpfutures-engine/internal/config"
	"perpfutures-engine/internal/configstore"
	"perpfutures-engine/internal/entry"
	"perpfutures-engine/internal/events"
	"perpfutures-engine/internal/exchange"
	"perpfutures-engine/internal/exitmonitor"
	"perpfutures-engine/internal/logging"
	"perpfutures-engine/internal/notification"
	"perpfutures-engine/internal/optimizer"
	"perpfutures-engine/internal/pricing"
	"perpfutures-engine/internal/scanner"
	"perpfutures-engine/internal/scoring"
	"perpfutures-engine/internal/storage"
	"perpfutures-engine/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the engine's JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LogLevel,
		Output:     "stdout",
		Component:  "engine",
		JSONFormat: cfg.LogJSON,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := storage.New(ctx, cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("connect to database")
	}
	defer db.Pool.Close()

	var redisCache *cache.RedisCache
	if cfg.Redis.Enabled {
		redisCache, err = cache.New(cfg.Redis, logger)
		if err != nil {
			logger.WithError(err).Warn("redis cache unavailable, config store will read straight from postgres")
		}
	}

	positions := storage.NewPositionRepository(db)
	configRepo := storage.NewConfigRepository(db)

	var wg sync.WaitGroup
	for _, acct := range []struct {
		name   string
		linear bool
		cfg    config.AccountConfig
	}{
		{"linear", true, cfg.Linear},
		{"inverse", false, cfg.Inverse},
	} {
		if acct.cfg.AccountID == "" {
			logger.WithField("instance", acct.name).Warn("no account configured, skipping instance")
			continue
		}
		wg.Add(1)
		go func(name string, linear bool, acctCfg config.AccountConfig) {
			defer wg.Done()
			runInstance(ctx, name, linear, acctCfg, cfg, db, redisCache, positions, configRepo, logger)
		}(acct.name, acct.linear, acct.cfg)
	}

	wg.Wait()
	logger.Info("engine shut down")
}

// runInstance wires and runs one account's full component set until ctx
// is cancelled. Each instance differs only in its pricing strategy,
// symbol universe, and credentials — everything else is the same engine.
func runInstance(
	ctx context.Context,
	instanceName string,
	linear bool,
	acctCfg config.AccountConfig,
	cfg *config.Config,
	db *storage.DB,
	redisCache *cache.RedisCache,
	positions *storage.PositionRepository,
	configRepo *storage.ConfigRepository,
	logger *logging.Logger,
) {
	log := logger.WithComponent("engine").WithAccount(acctCfg.AccountID)
	log.WithField("instance", instanceName).Info("starting engine instance")

	notifier := notification.NewManager()
	if cfg.Notification.Telegram.Enabled {
		notifier.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
			BotToken: cfg.Notification.Telegram.BotToken,
			ChatID:   cfg.Notification.Telegram.ChatID,
			Enabled:  true,
		}))
	}
	if cfg.Notification.Discord.Enabled {
		notifier.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
			WebhookURL: cfg.Notification.Discord.WebhookURL,
			Enabled:    true,
		}))
	}

	bus := events.NewEventBus()

	strategy := pricing.For(linear)

	wsBase := acctCfg.Credentials.WSBaseURL
	ex := binanceadapter.New(acctCfg.Credentials.APIKey, acctCfg.Credentials.APISecret, false, wsBase, log)
	go ex.Run(ctx)

	store := configstore.New(acctCfg.AccountID, configRepo, redisCache, acctCfg.AdaptiveLong, acctCfg.AdaptiveShort, log)
	if err := store.Reload(ctx); err != nil {
		log.WithError(err).Fatal("initial config store load failed")
	}
	go store.RunPeriodicReload(ctx, 60*time.Second)

	scorer := scoring.New(log)
	admissionFilter := admission.New(store, positions, log)

	monitor := exitmonitor.New(acctCfg.AccountID, ex, positions, strategy, notifier, bus, acctCfg.SmartExit, acctCfg.AdaptiveLong, acctCfg.AdaptiveShort, log)
	if err := monitor.ReconcileFromStore(ctx); err != nil {
		log.WithError(err).Error("initial exit monitor reconciliation failed")
	}

	batchRatios := acctCfg.BatchEntry.BatchRatios
	executor := entry.New(acctCfg.AccountID, ex, positions, strategy, monitor, batchRatios, acctCfg.BatchEntry.SamplingIntervalSec, log)

	super := supervisor.New(acctCfg.AccountID, positions, monitor, notifier, 0, log)
	go super.Run(ctx)

	if acctCfg.Optimizer.Enabled {
		opt := optimizer.New(acctCfg.AccountID, positions, configRepo, store, notifier, acctCfg.Optimizer.DryRun, log)
		runAt := acctCfg.Optimizer.RunAt
		if runAt == "" {
			runAt = "02:00"
		}
		go opt.RunDaily(ctx, runAt)
	}

	sc := scanner.New(acctCfg.AccountID, acctCfg.Symbols, ex, scorer, admissionFilter, executor, monitor, store, positions, notifier, bus, acctCfg, log)
	sc.Run(ctx)

	log.Info("engine instance stopped")
}
