// Package config loads service configuration from an optional YAML file,
// a .env file and the process environment, in that order of precedence
// (environment wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Services  ServicesConfig  `yaml:"services"`
	Storage   StorageConfig   `yaml:"storage"`
	Detection DetectionConfig `yaml:"detection"`
	Worker    WorkerConfig    `yaml:"worker"`
	Retry     RetryConfig     `yaml:"retry"`
	Notify    NotifyConfig    `yaml:"notify"`
}

type ServerConfig struct {
	Port      int    `yaml:"port"`
	APIKey    string `yaml:"api_key"`
	UploadDir string `yaml:"upload_dir"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

// ServicesConfig holds base URLs and credentials of the external services.
type ServicesConfig struct {
	AuthURL          string `yaml:"auth_url"`
	AuthUsername     string `yaml:"auth_username"`
	AuthPassword     string `yaml:"auth_password"`
	SplitURL         string `yaml:"split_url"`
	TranscriptionURL string `yaml:"transcription_url"`
	AnalysisURL      string `yaml:"analysis_url"`
	SentimentURL     string `yaml:"sentiment_url"`
	StorageURL       string `yaml:"storage_url"`
	NotificationURL  string `yaml:"notification_url"`
}

type StorageConfig struct {
	Backend         string `yaml:"backend"` // http, mongo, memory
	MongoURI        string `yaml:"mongo_uri"`
	MongoDatabase   string `yaml:"mongo_database"`
	MongoCollection string `yaml:"mongo_collection"`
}

type DetectionConfig struct {
	Mode            string `yaml:"mode"` // http, local
	CompetitorsFile string `yaml:"competitors_file"`
}

type WorkerConfig struct {
	Count                int           `yaml:"count"`
	SentimentConcurrency int           `yaml:"sentiment_concurrency"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	LeaseTimeout         time.Duration `yaml:"lease_timeout"`
	ReapSchedule         string        `yaml:"reap_schedule"`
	// MaxAttempts fails a job after this many claims without finishing.
	MaxAttempts          int           `yaml:"max_attempts"`
}

type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt. Unset
	// means 3; an explicit 0 makes every call a single attempt.
	MaxRetries *int          `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
}

// Retries returns MaxRetries with the default applied.
func (r RetryConfig) Retries() int {
	if r.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *r.MaxRetries
}

// DefaultMaxRetries applies when retry.max_retries and RETRY_MAX are unset.
const DefaultMaxRetries = 3

type NotifyConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	DiscordBotToken  string `yaml:"discord_bot_token"`
	DiscordChannelID string `yaml:"discord_channel_id"`
}

// Load reads an optional YAML file (path may be empty), a .env file if
// present, applies environment overrides and defaults, then validates.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // loads .env when present

	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = b
	}
	return Parse(data, os.LookupEnv)
}

// Parse unmarshals YAML bytes, overlays values found through lookup and
// returns a validated Config.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []string
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	// numPtr keeps an explicit 0 distinguishable from unset.
	numPtr := func(key string, dst **int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = &n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}

	num("PORT", &c.Server.Port)
	str("API_KEY", &c.Server.APIKey)
	str("UPLOAD_DIR", &c.Server.UploadDir)

	str("DATABASE_DRIVER", &c.Database.Driver)
	str("DATABASE_URL", &c.Database.DSN)

	str("AUTH_URL", &c.Services.AuthURL)
	str("AUTH_USERNAME", &c.Services.AuthUsername)
	str("AUTH_PASSWORD", &c.Services.AuthPassword)
	str("SPLIT_URL", &c.Services.SplitURL)
	str("TRANSCRIPTION_URL", &c.Services.TranscriptionURL)
	str("ANALYSIS_URL", &c.Services.AnalysisURL)
	str("SENTIMENT_URL", &c.Services.SentimentURL)
	str("STORAGE_URL", &c.Services.StorageURL)
	str("NOTIFICATION_URL", &c.Services.NotificationURL)

	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("MONGO_URI", &c.Storage.MongoURI)
	str("MONGO_DATABASE", &c.Storage.MongoDatabase)
	str("MONGO_COLLECTION", &c.Storage.MongoCollection)

	str("DETECTION_MODE", &c.Detection.Mode)
	str("COMPETITORS_FILE", &c.Detection.CompetitorsFile)

	num("WORKER_COUNT", &c.Worker.Count)
	num("SENTIMENT_CONCURRENCY", &c.Worker.SentimentConcurrency)
	dur("WORKER_POLL_INTERVAL", &c.Worker.PollInterval)
	dur("WORKER_LEASE_TIMEOUT", &c.Worker.LeaseTimeout)
	str("REAP_SCHEDULE", &c.Worker.ReapSchedule)
	num("WORKER_MAX_ATTEMPTS", &c.Worker.MaxAttempts)

	numPtr("RETRY_MAX", &c.Retry.MaxRetries)
	dur("RETRY_BASE_DELAY", &c.Retry.BaseDelay)

	str("SLACK_WEBHOOK_URL", &c.Notify.SlackWebhookURL)
	str("DISCORD_BOT_TOKEN", &c.Notify.DiscordBotToken)
	str("DISCORD_CHANNEL_ID", &c.Notify.DiscordChannelID)

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.UploadDir == "" {
		c.Server.UploadDir = "uploads"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "call-insights.db"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "http"
	}
	if c.Storage.MongoDatabase == "" {
		c.Storage.MongoDatabase = "call_insights"
	}
	if c.Storage.MongoCollection == "" {
		c.Storage.MongoCollection = "documents"
	}
	if c.Detection.Mode == "" {
		c.Detection.Mode = "http"
	}
	if c.Worker.Count == 0 {
		c.Worker.Count = 2
	}
	if c.Worker.SentimentConcurrency == 0 {
		c.Worker.SentimentConcurrency = 8
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = 2 * time.Second
	}
	if c.Worker.LeaseTimeout == 0 {
		c.Worker.LeaseTimeout = 5 * time.Minute
	}
	if c.Worker.ReapSchedule == "" {
		c.Worker.ReapSchedule = "@every 30s"
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 5
	}
	if c.Retry.MaxRetries == nil {
		n := DefaultMaxRetries
		c.Retry.MaxRetries = &n
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = 2 * time.Second
	}
}

// validate checks that required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}

	switch c.Storage.Backend {
	case "http":
		if c.Services.StorageURL == "" {
			errs = append(errs, "services.storage_url is required for the http storage backend")
		}
	case "mongo":
		if c.Storage.MongoURI == "" {
			errs = append(errs, "storage.mongo_uri is required for the mongo storage backend")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported", c.Storage.Backend))
	}

	switch c.Detection.Mode {
	case "http":
		if c.Services.AnalysisURL == "" {
			errs = append(errs, "services.analysis_url is required for http detection")
		}
	case "local":
		if c.Detection.CompetitorsFile == "" {
			errs = append(errs, "detection.competitors_file is required for local detection")
		}
	default:
		errs = append(errs, fmt.Sprintf("detection.mode %q is not supported", c.Detection.Mode))
	}

	if c.Worker.Count < 1 {
		errs = append(errs, "worker.count must be at least 1")
	}
	if c.Worker.SentimentConcurrency < 1 {
		errs = append(errs, "worker.sentiment_concurrency must be at least 1")
	}
	if c.Worker.MaxAttempts < 0 {
		errs = append(errs, "worker.max_attempts must not be negative")
	}
	if c.Retry.Retries() < 0 {
		errs = append(errs, "retry.max_retries must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
