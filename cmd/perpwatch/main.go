package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rewired-gh/perpwatch/internal/binance"
	"github.com/rewired-gh/perpwatch/internal/chart"
	"github.com/rewired-gh/perpwatch/internal/config"
	"github.com/rewired-gh/perpwatch/internal/dispatch"
	"github.com/rewired-gh/perpwatch/internal/logger"
	"github.com/rewired-gh/perpwatch/internal/metrics"
	"github.com/rewired-gh/perpwatch/internal/models"
	"github.com/rewired-gh/perpwatch/internal/monitor"
	"github.com/rewired-gh/perpwatch/internal/policy"
	"github.com/rewired-gh/perpwatch/internal/retention"
	"github.com/rewired-gh/perpwatch/internal/scheduler"
	"github.com/rewired-gh/perpwatch/internal/storage"
	"github.com/rewired-gh/perpwatch/internal/telegram"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file (empty for defaults and environment only)")

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.InitWithFile(cfg.Logging.Level, cfg.Logging.Format, logger.FileConfig{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := openStore(cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()
	logger.Info("Using %s storage backend", cfg.Storage.Backend)

	exchangeCfg := binance.Config{
		FuturesURL:  cfg.Binance.FuturesURL,
		SpotURL:     cfg.Binance.SpotURL,
		Timeout:     cfg.Binance.Timeout,
		RatioPeriod: cfg.Binance.RatioPeriod,
		QuoteAsset:  cfg.Binance.QuoteAsset,
	}
	exchange := binance.NewClient(exchangeCfg)
	caps := binance.NewMarketCaps(exchangeCfg, cfg.Monitor.CirculatingSupply)

	thresholds := policy.Thresholds{
		FundingRate: cfg.Monitor.FundingRateThreshold,
		OIRatio:     cfg.Monitor.OIRatioThreshold,
		MarketCap:   cfg.Monitor.MarketCapThreshold,
		Tiered:      cfg.Monitor.Tiered,
	}

	var transport dispatch.Transport = dispatch.DisabledTransport{}
	var telegramClient *telegram.Client
	if cfg.Telegram.Configured() {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		transport = telegramClient
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Warn("Telegram credentials missing or disabled: alerts will only be logged")
	}

	dispatcher := dispatch.New(transport, thresholds,
		dispatch.WithChart(chart.NewRenderer(thresholds.FundingRate)),
		dispatch.WithCooldown(cfg.Monitor.AlertCooldown),
	)

	state := models.NewMonitorState(time.Now())
	svc := monitor.New(monitor.Config{
		Thresholds:    thresholds,
		TopN:          cfg.Binance.TopN,
		Workers:       cfg.Binance.Workers,
		RequestDelay:  cfg.Binance.RequestDelay,
		FetchTimeout:  cfg.Binance.Timeout,
		AlertMode:     cfg.Monitor.AlertMode,
		ReportWindows: cfg.Monitor.ReportWindows,
		ReportTopN:    cfg.Monitor.ReportTopN,
		StaleAfter:    3 * cfg.Monitor.CollectionInterval,
	}, monitor.Deps{
		Source:     exchange,
		Directory:  exchange,
		Caps:       caps,
		Store:      store,
		Retention:  retention.NewManager(store, cfg.Storage.SizeThresholdBytes(), cfg.Storage.MaxRows),
		Dispatcher: dispatcher,
		Transport:  transport,
		State:      state,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(state.Snapshot, store.Size)
	if cfg.Metrics.ListenAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.ListenAddr); err != nil {
				logger.Error("Metrics server failed: %v", err)
			}
		}()
	}

	sched := scheduler.New(
		scheduler.WithBackoff(cfg.Monitor.ErrorBackoff),
		scheduler.WithObserver(m.ObserveJob),
	)
	if err := registerJobs(sched, svc, cfg.Monitor); err != nil {
		logger.Fatal("Failed to register jobs: %v", err)
	}

	if telegramClient != nil {
		telegramClient.SetStatusFunc(svc.StatusText)
		telegramClient.ListenForCommands(ctx)
	}

	logger.Info("Starting monitoring service (interval: %v, funding: %.4f, oi ratio: %.2f, tiered: %v)",
		cfg.Monitor.CollectionInterval,
		thresholds.FundingRate,
		thresholds.OIRatio,
		thresholds.Tiered,
	)
	svc.AnnounceStartup(ctx)

	if err := sched.Run(ctx); err != nil {
		logger.Error("Scheduler exited: %v", err)
	}
	logger.Info("Service stopped")
}

func registerJobs(s *scheduler.Scheduler, svc *monitor.Service, cfg config.MonitorConfig) error {
	cleanup, err := scheduler.ParseSchedule(cfg.CleanupSchedule)
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule: %w", err)
	}
	jobs := []scheduler.Job{
		{Name: "collect", Schedule: scheduler.Every(cfg.CollectionInterval), Handler: svc.Collect},
		{Name: "status", Schedule: scheduler.Every(cfg.StatusInterval), Handler: svc.Status},
		{Name: "cleanup", Schedule: cleanup, Handler: svc.Cleanup},
	}
	if cfg.ReportInterval > 0 {
		jobs = append(jobs, scheduler.Job{Name: "report", Schedule: scheduler.Every(cfg.ReportInterval), Handler: svc.Report})
	}
	for _, job := range jobs {
		if err := s.Add(job); err != nil {
			return err
		}
	}
	return nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return storage.NewSQLiteStore(cfg.DBPath)
	case "redis":
		return storage.NewRedisStore(storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	case "csv", "":
		return storage.NewCSVStore(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
