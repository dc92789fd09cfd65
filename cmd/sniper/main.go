package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mexc_sniper/internal/cache"
	"mexc_sniper/internal/config"
	"mexc_sniper/internal/discovery"
	"mexc_sniper/internal/infrastructure/metrics"
	"mexc_sniper/internal/mexc"
	"mexc_sniper/internal/notify"
	"mexc_sniper/internal/secrets"
	"mexc_sniper/internal/store"
	"mexc_sniper/internal/workflows"
	apperrors "mexc_sniper/pkg/errors"
	"mexc_sniper/pkg/logging"
	"mexc_sniper/pkg/retry"
	"mexc_sniper/pkg/telemetry"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"golang.org/x/sync/errgroup"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	onceFlag   = flag.Bool("once", false, "Run a single discovery cycle and exit")
)

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	// 1. Load configuration: file when present, environment otherwise
	var (
		cfg *config.Config
		err error
	)
	if _, statErr := os.Stat(*configFile); statErr == nil {
		cfg, err = config.LoadConfig(*configFile)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		bootLogger, _ := logging.NewZapLogger("INFO")
		bootLogger.Fatal("Failed to load configuration", "error", err)
	}

	// 2. Logger
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)
	defer logger.Sync()

	logger.Info("Starting MEXC sniper discovery engine",
		"environment", cfg.System.Environment,
		"mexc_configured", cfg.MexcConfigured())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Telemetry
	tel, err := telemetry.Setup(cfg.System.AppName)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", "error", err)
	}

	var metricsServer *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		metricsServer.Start()
	}

	// 4. Decrypt stored exchange credentials when an encrypted pair is supplied
	if cfg.System.EncryptionPassphrase != "" {
		if err := loadEncryptedCredentials(cfg, logger); err != nil {
			logger.Fatal("Failed to decrypt exchange credentials", "error", err)
		}
	}

	// 5. Cache
	cacheService := cache.NewService(cfg.CacheURL(), logger)
	cacheService.Start(ctx)

	// 6. Store, with bounded connect retries
	var st *store.SQLStore
	err = retry.Do(ctx, retry.DefaultPolicy, func(err error) bool {
		return errors.Is(err, apperrors.ErrDBUnavailable)
	}, func() error {
		var openErr error
		st, openErr = store.Open(ctx, cfg.Database.URL, logger)
		return openErr
	})
	if err != nil {
		logger.Fatal("Failed to open store", "error", err)
	}

	// 7. Upstream adapter
	client := mexc.NewClient(mexc.ClientOptions{
		BaseURL:        cfg.Mexc.BaseURL,
		APIKey:         cfg.Mexc.APIKey.Reveal(),
		SecretKey:      cfg.Mexc.SecretKey.Reveal(),
		CalendarPath:   cfg.Mexc.CalendarPath,
		SymbolsPath:    cfg.Mexc.SymbolsV2Path,
		RequestTimeout: time.Duration(cfg.Mexc.RequestTimeout) * time.Second,
		MinSpacing:     time.Duration(cfg.Mexc.MinRequestSpace) * time.Millisecond,
		TTLSymbols:     time.Duration(cfg.Cache.TTLSymbols) * time.Second,
		TTLCalendar:    time.Duration(cfg.Cache.TTLCalendar) * time.Second,
		TTLAccount:     time.Duration(cfg.Cache.TTLAccount) * time.Second,
	}, cacheService, logger)

	if client.Ping(ctx) {
		logger.Info("Upstream reachable", "server_time_ms", client.ServerTime(ctx))
	} else {
		logger.Warn("Upstream ping failed, continuing anyway")
	}

	// 8. Discovery engine
	pattern, _ := cfg.Discovery.ParseReadyPattern()
	engine := discovery.NewEngine(discovery.Options{
		ReadyPattern:       pattern,
		TargetAdvanceHours: cfg.Discovery.TargetAdvanceHours,
		PollInterval:       time.Duration(cfg.Discovery.PollIntervalSeconds) * time.Second,
		ErrorSleep:         time.Duration(cfg.Discovery.ErrorSleepSeconds) * time.Second,
		DefaultBuyAmount:   cfg.Trading.DefaultBuyAmountUSDT,
	}, client, st, logger)

	if *onceFlag {
		result, err := engine.RunDiscoveryCycle(ctx)
		if err != nil {
			logger.Fatal("Discovery cycle failed", "error", err)
		}
		logger.Info("Discovery cycle finished",
			"new_listings", result.NewListings,
			"ready_targets", result.ReadyTargets,
			"scheduled_targets", result.ScheduledTargets,
			"errors", len(result.Errors))
		teardown(nil, client, cacheService, st, tel, metricsServer, logger)
		return
	}

	// 9. Durable scheduler, when a Postgres system database is available
	var scheduler *workflows.Scheduler
	if strings.HasPrefix(cfg.Database.URL, "postgres://") || strings.HasPrefix(cfg.Database.URL, "postgresql://") {
		dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
			AppName:     cfg.System.AppName,
			DatabaseURL: cfg.Database.URL,
		})
		if err != nil {
			logger.Fatal("Failed to create workflow runtime", "error", err)
		}

		wf := workflows.NewSniperWorkflows(engine, client, nil, logger, cfg.Discovery.MaxRecheckAttempts)
		scheduler = workflows.NewScheduler(dbosCtx, wf, workflows.SchedulerOptions{
			CronSpec:     cfg.Discovery.PollCron,
			RecheckDelay: time.Duration(cfg.Discovery.SymbolsPollSeconds) * time.Second,
		}, logger)
		wf.SetPublisher(scheduler)
		if n := buildNotifier(cfg, logger); n != nil {
			scheduler.SetNotifier(n)
		}

		dbos.RegisterWorkflow(dbosCtx, wf.PollCalendar)
		dbos.RegisterWorkflow(dbosCtx, wf.WatchSymbol)

		if err := scheduler.Start(ctx); err != nil {
			logger.Fatal("Failed to start scheduler", "error", err)
		}
	} else {
		logger.Warn("Durable scheduler disabled: DATABASE_URL is not Postgres, relying on background loop only")
	}

	// 10. Background discovery loop
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Discovery loop exited with error", "error", err)
	}

	// Ordered teardown: scheduler, adapter, cache, store
	teardown(scheduler, client, cacheService, st, tel, metricsServer, logger)
}

func teardown(scheduler *workflows.Scheduler, _ *mexc.Client, cacheService *cache.Service, st *store.SQLStore, tel *telemetry.Telemetry, metricsServer *metrics.Server, logger *logging.ZapLogger) {
	if scheduler != nil {
		scheduler.Stop()
	}
	if err := cacheService.Close(); err != nil {
		logger.Warn("Cache close failed", "error", err)
	}
	if err := st.Close(); err != nil {
		logger.Warn("Store close failed", "error", err)
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Stop(shutdownCtx)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown failed", "error", err)
	}
	logger.Info("Shutdown complete")
}

// buildNotifier assembles the operator notifier from the configured channels.
// Returns nil when no channel is configured.
func buildNotifier(cfg *config.Config, logger *logging.ZapLogger) *notify.Notifier {
	n := notify.NewNotifier(logger)
	configured := false

	if cfg.Notify.TelegramBotToken != "" && cfg.Notify.TelegramChatID != "" {
		n.AddChannel(notify.NewTelegramChannel(cfg.Notify.TelegramBotToken.Reveal(), cfg.Notify.TelegramChatID))
		configured = true
	}
	if cfg.Notify.SlackWebhookURL != "" {
		n.AddChannel(notify.NewSlackChannel(cfg.Notify.SlackWebhookURL.Reveal()))
		configured = true
	}

	if !configured {
		return nil
	}
	return n
}

// loadEncryptedCredentials replaces MEXC_API_KEY_ENCRYPTED /
// MEXC_SECRET_KEY_ENCRYPTED with their decrypted values
func loadEncryptedCredentials(cfg *config.Config, logger *logging.ZapLogger) error {
	encAPI := os.Getenv("MEXC_API_KEY_ENCRYPTED")
	encSecret := os.Getenv("MEXC_SECRET_KEY_ENCRYPTED")
	if encAPI == "" && encSecret == "" {
		return nil
	}

	enc, err := secrets.NewEncryptor(cfg.System.EncryptionPassphrase.Reveal())
	if err != nil {
		return err
	}

	if encAPI != "" {
		apiKey, err := enc.Decrypt(encAPI)
		if err != nil {
			return err
		}
		cfg.Mexc.APIKey = config.Secret(apiKey)
	}
	if encSecret != "" {
		secretKey, err := enc.Decrypt(encSecret)
		if err != nil {
			return err
		}
		cfg.Mexc.SecretKey = config.Secret(secretKey)
	}

	logger.Info("Loaded encrypted exchange credentials")
	return nil
}
