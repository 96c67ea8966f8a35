package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration derived from environment variables.
type Config struct {
	Server    ServerConfig
	Logging   LoggingConfig
	Database  DatabaseConfig
	Crawl     CrawlConfig
	News      NewsConfig
	Scheduler SchedulerConfig
	Notify    NotifyConfig
	NATS      NATSConfig
	OpenAI    OpenAIConfig
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

// DatabaseConfig locates the PostgreSQL store. Either URL or the Cloud SQL
// instance fields may be set; neither selects in-memory repositories.
type DatabaseConfig struct {
	URL            string
	MigrationsPath string

	InstanceConnectionName string // Cloud SQL "project:region:instance", reached over its unix socket
	User                   string
	Password               string
	Name                   string
}

// CrawlConfig controls the crawl cycle.
type CrawlConfig struct {
	Interval       time.Duration
	Workers        int
	PageSize       int
	StaleAfter     time.Duration
	Symbols        []string
	FailureBackoff time.Duration // Zero disables back-off after failures
	SourceURL      string
	APIToken       string
}

// NewsConfig controls news retention.
type NewsConfig struct {
	RetentionDays int
}

// SchedulerConfig holds the location used for wall-clock schedules.
type SchedulerConfig struct {
	Location *time.Location
}

// NotifyConfig configures notification delivery and channel senders.
type NotifyConfig struct {
	Workers          int
	SendTimeout      time.Duration
	EventQueueSize   int
	SMTPAddr         string
	SMTPFrom         string
	SMTPUsername     string
	SMTPPassword     string
	TelegramBotToken string
	SMSGatewayURL    string
}

// NATSConfig configures the optional NATS connection.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// OpenAIConfig configures entity extraction. An empty key disables it.
type OpenAIConfig struct {
	APIKey string
	Model  string
}

const (
	defaultPort            = "8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	defaultLogFormat = "json"

	defaultMigrationsPath = "migrations"

	defaultCrawlInterval   = 60 * time.Minute
	defaultCrawlWorkers    = 4
	defaultCrawlPageSize   = 50
	defaultCrawlStaleAfter = 30 * time.Minute
	defaultRetentionDays   = 30

	defaultNotifyWorkers     = 4
	defaultNotifySendTimeout = 10 * time.Second
	defaultEventQueueSize    = 256

	defaultNATSSubjectPrefix = "crawlsync"
	defaultOpenAIModel       = "gpt-4o-mini"
)

// Load reads configuration from environment variables, applying defaults when
// values are not provided or invalid.
func Load() (Config, error) {
	// PORT wins over SERVER_PORT for container platforms
	port := getEnv("PORT", "")
	if port == "" {
		port = getEnv("SERVER_PORT", defaultPort)
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            port,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
		Database: DatabaseConfig{
			URL:                    os.Getenv("DATABASE_URL"),
			MigrationsPath:         getEnv("MIGRATIONS_PATH", defaultMigrationsPath),
			InstanceConnectionName: os.Getenv("INSTANCE_CONNECTION_NAME"),
			User:                   os.Getenv("DB_USER"),
			Password:               os.Getenv("DB_PASSWORD"),
			Name:                   os.Getenv("DB_NAME"),
		},
		Crawl: CrawlConfig{
			Interval:   defaultCrawlInterval,
			Workers:    defaultCrawlWorkers,
			PageSize:   defaultCrawlPageSize,
			StaleAfter: defaultCrawlStaleAfter,
			Symbols:    parseSymbols(os.Getenv("CRAWL_SYMBOLS")),
			SourceURL:  os.Getenv("CRAWL_SOURCE_URL"),
			APIToken:   os.Getenv("CRAWL_API_TOKEN"),
		},
		News: NewsConfig{
			RetentionDays: defaultRetentionDays,
		},
		Scheduler: SchedulerConfig{
			Location: time.UTC,
		},
		Notify: NotifyConfig{
			Workers:          defaultNotifyWorkers,
			SendTimeout:      defaultNotifySendTimeout,
			EventQueueSize:   defaultEventQueueSize,
			SMTPAddr:         os.Getenv("SMTP_ADDR"),
			SMTPFrom:         os.Getenv("SMTP_FROM"),
			SMTPUsername:     os.Getenv("SMTP_USERNAME"),
			SMTPPassword:     os.Getenv("SMTP_PASSWORD"),
			TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
			SMSGatewayURL:    os.Getenv("SMS_GATEWAY_URL"),
		},
		NATS: NATSConfig{
			URL:           os.Getenv("NATS_URL"),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", defaultNATSSubjectPrefix),
		},
		OpenAI: OpenAIConfig{
			APIKey: os.Getenv("OPENAI_API_KEY"),
			Model:  getEnv("OPENAI_MODEL", defaultOpenAIModel),
		},
	}

	durations := []struct {
		key    string
		target *time.Duration
		parse  func(string) (time.Duration, error)
	}{
		{"SERVER_READ_TIMEOUT_SECONDS", &cfg.Server.ReadTimeout, parseSeconds},
		{"SERVER_WRITE_TIMEOUT_SECONDS", &cfg.Server.WriteTimeout, parseSeconds},
		{"SERVER_SHUTDOWN_TIMEOUT_SECONDS", &cfg.Server.ShutdownTimeout, parseSeconds},
		{"CRAWL_INTERVAL_MINUTES", &cfg.Crawl.Interval, parsePositiveMinutes},
		{"CRAWL_STALE_MINUTES", &cfg.Crawl.StaleAfter, parsePositiveMinutes},
		{"CRAWL_FAILURE_BACKOFF_MINUTES", &cfg.Crawl.FailureBackoff, parseMinutes},
		{"NOTIFY_SEND_TIMEOUT_SECONDS", &cfg.Notify.SendTimeout, parsePositiveSeconds},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := d.parse(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.target = parsed
	}

	counts := []struct {
		key    string
		target *int
	}{
		{"CRAWL_WORKERS", &cfg.Crawl.Workers},
		{"CRAWL_PAGE_SIZE", &cfg.Crawl.PageSize},
		{"NEWS_RETENTION_DAYS", &cfg.News.RetentionDays},
		{"NOTIFY_WORKERS", &cfg.Notify.Workers},
		{"EVENT_QUEUE_SIZE", &cfg.Notify.EventQueueSize},
	}
	for _, c := range counts {
		v := os.Getenv(c.key)
		if v == "" {
			continue
		}
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", c.key, err)
		}
		*c.target = n
	}

	if v := os.Getenv("SCHEDULER_TIMEZONE"); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SCHEDULER_TIMEZONE: %w", err)
		}
		cfg.Scheduler.Location = loc
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	return cfg, nil
}

func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(seconds) * time.Second, nil
}

func parsePositiveSeconds(raw string) (time.Duration, error) {
	n, err := parsePositiveInt(raw)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parseMinutes(raw string) (time.Duration, error) {
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(minutes) * time.Minute, nil
}

func parsePositiveMinutes(raw string) (time.Duration, error) {
	n, err := parsePositiveInt(raw)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Minute, nil
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return n, nil
}

// parseSymbols splits a comma list, upper-casing and de-duplicating entries.
func parseSymbols(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	seen := make(map[string]bool)
	var symbols []string
	for _, part := range strings.Split(raw, ",") {
		symbol := strings.ToUpper(strings.TrimSpace(part))
		if symbol == "" || seen[symbol] {
			continue
		}
		seen[symbol] = true
		symbols = append(symbols, symbol)
	}
	return symbols
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
