package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/stockapp/crawlsync/internal/config"
	"github.com/stockapp/crawlsync/internal/crawler"
	"github.com/stockapp/crawlsync/internal/crawljob"
	"github.com/stockapp/crawlsync/internal/cycle"
	"github.com/stockapp/crawlsync/internal/database"
	"github.com/stockapp/crawlsync/internal/enrichment"
	"github.com/stockapp/crawlsync/internal/events"
	"github.com/stockapp/crawlsync/internal/ingestion"
	"github.com/stockapp/crawlsync/internal/logging"
	"github.com/stockapp/crawlsync/internal/metrics"
	"github.com/stockapp/crawlsync/internal/models"
	"github.com/stockapp/crawlsync/internal/notify"
	"github.com/stockapp/crawlsync/internal/scheduler"
	"github.com/stockapp/crawlsync/internal/server"
)

const (
	eventPublishTimeout = 5 * time.Second
	dispatcherDrainTime = 15 * time.Second
	startupTimeout      = 30 * time.Second
)

// repositories groups the storage backends selected at startup.
type repositories struct {
	jobs          crawljob.Repository
	news          ingestion.NewsRepository
	settings      notify.SettingsRepository
	notifications notify.NotificationRepository
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to init logger", "error", err)
		os.Exit(1)
	}

	logger.Info("starting crawlsync")

	collector, err := metrics.NewCollector()
	if err != nil {
		logger.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), startupTimeout)
	defer cancelStartup()

	healthChecks := map[string]server.HealthCheck{}

	db, repos, err := openRepositories(startupCtx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to initialise storage", "error", err)
		os.Exit(1)
	}
	if db != nil {
		defer db.Close()
		if err := collector.RegisterDB(db, "crawlsync"); err != nil {
			logger.Warn("failed to register database pool metrics", "error", err)
		}
		healthChecks["database"] = func(ctx context.Context) error { return database.HealthCheck(ctx, db) }
	}

	// Event bus, optionally mirrored to NATS.
	bus := events.NewBus(cfg.Notify.EventQueueSize, eventPublishTimeout, logger, collector)
	var publisher crawljob.EventPublisher = bus

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = events.Connect(cfg.NATS.URL, logger)
		if err != nil {
			logger.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		publisher = events.Fanout{bus, events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix)}
		healthChecks["nats"] = func(ctx context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		}
		logger.Info("nats connected", "url", nc.ConnectedUrlRedacted(), "prefix", cfg.NATS.SubjectPrefix)
	}

	trackerConfig := crawljob.DefaultConfig()
	trackerConfig.FailureBackoff = cfg.Crawl.FailureBackoff
	tracker := crawljob.NewTracker(repos.jobs, publisher, logger, trackerConfig)

	var extractor ingestion.EntityExtractor
	if cfg.OpenAI.APIKey != "" {
		openaiExtractor, err := enrichment.NewOpenAIExtractor(enrichment.Config{
			APIKey: cfg.OpenAI.APIKey,
			Model:  cfg.OpenAI.Model,
		}, logger)
		if err != nil {
			logger.Error("failed to init entity extractor", "error", err)
			os.Exit(1)
		}
		extractor = openaiExtractor
		logger.Info("entity enrichment enabled", "model", cfg.OpenAI.Model)
	}

	engine := ingestion.NewEngine(repos.news, extractor, logger, collector, ingestion.EngineConfig{
		RetentionDays: cfg.News.RetentionDays,
	})

	feed := crawler.NewClient(crawler.Config{
		BaseURL:  cfg.Crawl.SourceURL,
		APIToken: cfg.Crawl.APIToken,
	}, logger)

	runner := cycle.NewRunner(tracker, engine, feed, logger, collector, cycle.Config{
		Workers:  cfg.Crawl.Workers,
		PageSize: cfg.Crawl.PageSize,
		Symbols:  cfg.Crawl.Symbols,
	})

	dispatcher := notify.NewDispatcher(repos.settings, repos.notifications, buildSenders(cfg, nc, logger), logger, collector, notify.Config{
		SendTimeout: cfg.Notify.SendTimeout,
	})

	// A cycle abandoned by a previous process must not keep its symbol locked.
	if _, err := tracker.RecoverStale(startupCtx, cfg.Crawl.StaleAfter); err != nil {
		logger.Error("startup stale-cycle recovery failed", "error", err)
	}
	cancelStartup()

	sched := scheduler.New(logger, collector, cfg.Scheduler.Location)
	if err := registerJobs(sched, cfg, runner, engine, tracker); err != nil {
		logger.Error("failed to register scheduled jobs", "error", err)
		os.Exit(1)
	}

	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(dispatchCtx, bus.Events(), cfg.Notify.Workers)
	}()

	sched.Start()

	// The first crawl runs now instead of one interval after startup.
	initialCtx, cancelInitial := context.WithCancel(context.Background())
	defer cancelInitial()
	go func() {
		if err := sched.RunNow(initialCtx, "crawl-cycle"); err != nil && !errors.Is(err, scheduler.ErrJobRunning) {
			logger.Error("initial crawl cycle failed", "error", err)
		}
	}()

	srv := server.New(cfg.Server, logger, server.Routes(healthChecks, collector))
	if err := srv.Listen(); err != nil {
		logger.Error("failed to bind http port", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := srv.Serve(); err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("crawlsync started",
		"port", cfg.Server.Port,
		"crawl_interval", cfg.Crawl.Interval,
		"watchlist", len(cfg.Crawl.Symbols),
		"store", storeName(db))

	waitForSignal(logger)

	logger.Info("shutting down")

	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+dispatcherDrainTime)
	defer cancelStop()

	cancelInitial()
	if err := sched.Stop(stopCtx); err != nil {
		logger.Error("scheduler shutdown error", "error", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Closing the bus lets the dispatcher drain queued events and return.
	bus.Close()
	select {
	case <-dispatcherDone:
	case <-time.After(dispatcherDrainTime):
		logger.Warn("dispatcher did not drain in time, abandoning queued events", "queued", bus.Len())
		cancelDispatch()
		<-dispatcherDone
	}

	if nc != nil {
		if err := nc.Drain(); err != nil {
			logger.Error("nats drain error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

// openRepositories connects to PostgreSQL when a URL is configured and falls
// back to in-memory repositories otherwise.
func openRepositories(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*sql.DB, repositories, error) {
	dsn, err := database.BuildURL(cfg)
	if err != nil {
		return nil, repositories{}, err
	}
	if dsn == "" {
		logger.Warn("no database configured, using in-memory repositories")
		return nil, repositories{
			jobs:          crawljob.NewMemoryRepository(),
			news:          ingestion.NewMemoryNewsRepository(),
			settings:      notify.NewMemorySettingsRepository(),
			notifications: notify.NewMemoryNotificationRepository(),
		}, nil
	}

	dbConfig := database.DefaultConfig()
	dbConfig.URL = dsn

	logger.Info("connecting to database", "dsn", database.RedactURL(dsn))
	db, err := database.Connect(ctx, dbConfig)
	if err != nil {
		return nil, repositories{}, err
	}
	logger.Info("database connected")

	if err := database.RunMigrations(ctx, db, cfg.MigrationsPath, logger); err != nil {
		db.Close()
		return nil, repositories{}, fmt.Errorf("run migrations: %w", err)
	}

	return db, repositories{
		jobs:          database.NewPostgresCrawlJobRepository(db),
		news:          database.NewPostgresNewsRepository(db),
		settings:      database.NewPostgresSettingsRepository(db),
		notifications: database.NewPostgresNotificationRepository(db),
	}, nil
}

// buildSenders registers a sender for every configured channel. IN_APP
// always has one: NATS when connected, the service log otherwise.
func buildSenders(cfg config.Config, nc *nats.Conn, logger *slog.Logger) map[models.NotificationType]notify.Sender {
	senders := make(map[models.NotificationType]notify.Sender)

	if cfg.Notify.SMTPAddr != "" {
		senders[models.NotificationTypeEmail] = notify.NewSMTPSender(
			cfg.Notify.SMTPAddr, cfg.Notify.SMTPFrom, cfg.Notify.SMTPUsername, cfg.Notify.SMTPPassword)
	}
	if cfg.Notify.TelegramBotToken != "" {
		senders[models.NotificationTypePush] = notify.NewTelegramSender(cfg.Notify.TelegramBotToken)
	}
	if cfg.Notify.SMSGatewayURL != "" {
		senders[models.NotificationTypeSMS] = notify.NewSMSSender(cfg.Notify.SMSGatewayURL)
	}
	if nc != nil {
		senders[models.NotificationTypeInApp] = notify.NewNATSInboxSender(nc, cfg.NATS.SubjectPrefix)
	} else {
		senders[models.NotificationTypeInApp] = notify.NewLogSender(logger)
	}

	channels := make([]string, 0, len(senders))
	for channel := range senders {
		channels = append(channels, string(channel))
	}
	logger.Info("notification channels configured", "channels", channels)
	return senders
}

func registerJobs(
	sched *scheduler.Scheduler,
	cfg config.Config,
	runner *cycle.Runner,
	engine *ingestion.Engine,
	tracker *crawljob.Tracker,
) error {
	midnight, err := scheduler.DailyAt(0, 0, cfg.Scheduler.Location)
	if err != nil {
		return err
	}

	jobs := []scheduler.Job{
		{
			Name:     "crawl-cycle",
			Schedule: scheduler.Every(cfg.Crawl.Interval),
			Run: func(ctx context.Context) error {
				_, err := runner.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			},
		},
		{
			Name:     "news-retention-sweep",
			Schedule: midnight,
			Run: func(ctx context.Context) error {
				_, err := engine.Sweep(ctx)
				return err
			},
		},
		{
			Name:     "stale-cycle-recovery",
			Schedule: scheduler.Every(cfg.Crawl.StaleAfter),
			Run: func(ctx context.Context) error {
				_, err := tracker.RecoverStale(ctx, cfg.Crawl.StaleAfter)
				return err
			},
		},
	}

	for _, job := range jobs {
		if err := sched.Register(job); err != nil {
			return err
		}
	}
	return nil
}

func storeName(db *sql.DB) string {
	if db == nil {
		return "memory"
	}
	return "postgres"
}

func waitForSignal(logger *slog.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	sig := <-c
	logger.Info("received signal", "signal", sig.String())
	signal.Stop(c)
}
