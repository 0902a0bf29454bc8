package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"pricewatch/models"
)

// Config holds every setting read from the environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Telegram TelegramConfig
	Scraping ScrapingConfig
	Schedule ScheduleConfig
	FX       FXConfig
	LogLevel string
	LogDebug bool
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Host           string
	Port           string
	AllowedOrigins []string
	APIKeys        []string
	RateLimit      float64 // requests per second per client
	MaxUploadSize  int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ShutdownGrace  time.Duration
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds the Postgres connection string.
type DatabaseConfig struct {
	URL string
}

// RedisConfig is optional; an empty URL disables the FX cache.
type RedisConfig struct {
	URL string
}

// TelegramConfig is optional; alerts are only logged without it.
type TelegramConfig struct {
	BotToken string
	ChatID   int64
	Endpoint string
}

// Enabled reports whether Telegram notifications are configured.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != 0
}

// ScrapingConfig holds the job defaults every scan request is merged over.
type ScrapingConfig struct {
	BatchSize           int
	BatchDelay          time.Duration
	MaxRetries          int
	ConfidenceThreshold float64
	MarginThreshold     float64
	AdapterTimeout      time.Duration
	MaxConcurrency      int
	MaxConcurrentJobs   int
	QueueSize           int
	BrowserBin          string
}

// JobDefaults converts the scraping settings to a job config.
func (s ScrapingConfig) JobDefaults() models.JobConfig {
	batch := s.BatchSize
	delay := int(s.BatchDelay / time.Millisecond)
	retries := s.MaxRetries
	confidence := s.ConfidenceThreshold
	margin := s.MarginThreshold
	timeout := int(s.AdapterTimeout / time.Millisecond)
	concurrency := s.MaxConcurrency
	return models.JobConfig{
		BatchSize:           &batch,
		DelayBetweenBatches: &delay,
		MaxRetries:          &retries,
		ConfidenceThreshold: &confidence,
		MarginThreshold:     &margin,
		AdapterTimeoutMs:    &timeout,
		MaxConcurrency:      &concurrency,
	}
}

// ScheduleConfig drives recurring scans and the stale job reaper.
type ScheduleConfig struct {
	ScanSchedule       string
	ScheduledSuppliers []string
	StaleJobAfter      time.Duration
	ReaperInterval     time.Duration
}

// FXConfig points at a Frankfurter-compatible rates API.
type FXConfig struct {
	APIURL   string
	CacheTTL time.Duration
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("HOST", "0.0.0.0"),
			Port:           getEnv("PORT", "8080"),
			AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			APIKeys:        getEnvList("API_KEYS", nil),
			RateLimit:      getEnvFloat("API_RATE_LIMIT", 10),
			MaxUploadSize:  int64(getEnvInt("API_MAX_UPLOAD_MB", 20)) << 20,
			ReadTimeout:    getEnvDuration("API_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getEnvDuration("API_WRITE_TIMEOUT", 60*time.Second),
			ShutdownGrace:  getEnvDuration("SHUTDOWN_GRACE", 30*time.Second),
		},
		Database: DatabaseConfig{URL: os.Getenv("DATABASE_URL")},
		Redis:    RedisConfig{URL: os.Getenv("REDIS_URL")},
		Telegram: TelegramConfig{
			BotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
			ChatID:   getEnvInt64("TELEGRAM_CHAT_ID", 0),
			Endpoint: os.Getenv("TELEGRAM_API_ENDPOINT"),
		},
		Scraping: ScrapingConfig{
			BatchSize:           getEnvInt("SCRAPE_BATCH_SIZE", models.DefaultBatchSize),
			BatchDelay:          getEnvDuration("SCRAPE_BATCH_DELAY", models.DefaultDelayBetweenBatches*time.Millisecond),
			MaxRetries:          getEnvInt("SCRAPE_MAX_RETRIES", models.DefaultMaxRetries),
			ConfidenceThreshold: getEnvFloat("SCRAPE_CONFIDENCE_THRESHOLD", models.DefaultConfidenceThreshold),
			MarginThreshold:     getEnvFloat("MARGIN_ALERT_THRESHOLD", models.DefaultMarginThreshold),
			AdapterTimeout:      getEnvDuration("SCRAPE_ADAPTER_TIMEOUT", models.DefaultAdapterTimeout*time.Millisecond),
			MaxConcurrency:      getEnvInt("SCRAPE_MAX_CONCURRENCY", 0),
			MaxConcurrentJobs:   getEnvInt("MAX_CONCURRENT_JOBS", 2),
			QueueSize:           getEnvInt("JOB_QUEUE_SIZE", 100),
			BrowserBin:          os.Getenv("ROD_BROWSER_BIN"),
		},
		Schedule: ScheduleConfig{
			ScanSchedule:       os.Getenv("SCAN_SCHEDULE"),
			ScheduledSuppliers: getEnvList("SCHEDULED_SUPPLIERS", nil),
			StaleJobAfter:      getEnvDuration("STALE_JOB_AFTER", 30*time.Minute),
			ReaperInterval:     getEnvDuration("REAPER_INTERVAL", 5*time.Minute),
		},
		FX: FXConfig{
			APIURL:   getEnv("FX_API_URL", "https://api.frankfurter.app"),
			CacheTTL: getEnvDuration("FX_CACHE_TTL", 12*time.Hour),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogDebug: getEnvBool("LOG_DEVELOPMENT", false),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.Scraping.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("SCRAPE_BATCH_SIZE must be positive, got %d", c.Scraping.BatchSize))
	}
	if c.Scraping.ConfidenceThreshold < 0 || c.Scraping.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("SCRAPE_CONFIDENCE_THRESHOLD must be within [0,1], got %v", c.Scraping.ConfidenceThreshold))
	}
	if c.Scraping.MarginThreshold <= 0 {
		errs = append(errs, fmt.Errorf("MARGIN_ALERT_THRESHOLD must be positive, got %v", c.Scraping.MarginThreshold))
	}
	if c.Scraping.MaxConcurrentJobs <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_JOBS must be positive, got %d", c.Scraping.MaxConcurrentJobs))
	}
	if c.Schedule.ScanSchedule != "" && len(c.Schedule.ScheduledSuppliers) == 0 {
		errs = append(errs, errors.New("SCAN_SCHEDULE is set but SCHEDULED_SUPPLIERS is empty"))
	}
	return errors.Join(errs...)
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("5s") and bare milliseconds ("5000").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
