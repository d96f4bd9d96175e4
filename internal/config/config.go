package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/unclebandit/outreach-sequencer/internal/ratelimit"
	"github.com/unclebandit/outreach-sequencer/internal/sendwindow"
)

// Config holds all configuration for the server, scheduler and worker binaries.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	RateLimits RateLimitConfig  `yaml:"rate_limits"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	SES        SESConfig        `yaml:"ses"`
	IMAP       IMAPConfig       `yaml:"imap"`
	Logging    LoggingConfig    `yaml:"logging"`
	Campaigns  CampaignDefaults `yaml:"campaign_defaults"`
}

type ServerConfig struct {
	Host           string   `yaml:"host" env:"SERVER_HOST"`
	Port           int      `yaml:"port" env:"PORT"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	URL                    string `yaml:"url" env:"DATABASE_URL"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

type RedisConfig struct {
	URL string `yaml:"url" env:"REDIS_URL"`
}

type RabbitMQConfig struct {
	URL        string `yaml:"url" env:"AMQP_URL"`
	SendQueue  string `yaml:"send_queue"`
	ReplyQueue string `yaml:"reply_queue"`
}

// SchedulerConfig controls the sequence scheduler tick.
type SchedulerConfig struct {
	TickIntervalSeconds int `yaml:"tick_interval_seconds" env:"SCHEDULER_TICK_SECONDS"`
	Workers             int `yaml:"workers" env:"SCHEDULER_WORKERS"`
	StoreTimeoutSeconds int `yaml:"store_timeout_seconds"`
	FailureThreshold    int `yaml:"failure_threshold"`
}

func (c SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

func (c SchedulerConfig) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type RateLimitConfig struct {
	Backend string                      `yaml:"backend" env:"RATE_LIMIT_BACKEND"`
	Default ratelimit.Limits            `yaml:"default"`
	Groups  map[string]ratelimit.Limits `yaml:"groups"`
}

func (c RateLimitConfig) Limits() ratelimit.Config {
	return ratelimit.Config{Default: c.Default, Groups: c.Groups}
}

// DeliveryConfig controls the delivery worker.
type DeliveryConfig struct {
	MaxAttempts         int `yaml:"max_attempts"`
	Concurrency         int `yaml:"concurrency"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	BatchSize           int `yaml:"batch_size"`
	// DryRun logs messages instead of sending them through SES.
	DryRun bool `yaml:"dry_run" env:"DELIVERY_DRY_RUN"`
}

func (c DeliveryConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

type SESConfig struct {
	Region           string `yaml:"region" env:"AWS_SES_REGION"`
	AccessKey        string `yaml:"access_key" env:"AWS_SES_ACCESS_KEY"`
	SecretKey        string `yaml:"secret_key" env:"AWS_SES_SECRET_KEY"`
	ConfigurationSet string `yaml:"configuration_set"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
}

func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// IMAPConfig points the reply poller at the shared outreach inbox.
type IMAPConfig struct {
	Enabled             bool   `yaml:"enabled" env:"IMAP_ENABLED"`
	Addr                string `yaml:"addr" env:"IMAP_ADDR"`
	Username            string `yaml:"username" env:"IMAP_USERNAME"`
	Password            string `yaml:"password" env:"IMAP_PASSWORD"`
	Folder              string `yaml:"folder"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	InsecureSkipVerify  bool   `yaml:"insecure_skip_verify"`
}

func (c IMAPConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

type LoggingConfig struct {
	Level       string `yaml:"level" env:"LOG_LEVEL"`
	File        string `yaml:"file" env:"LOG_FILE"`
	Development bool   `yaml:"development"`
}

// CampaignDefaults fill in fields a new campaign leaves empty.
type CampaignDefaults struct {
	WindowStart  string `yaml:"send_window_start"`
	WindowEnd    string `yaml:"send_window_end"`
	Timezone     string `yaml:"timezone"`
	WeekdaysOnly *bool  `yaml:"weekdays_only"`
	FromEmail    string `yaml:"from_email" env:"DEFAULT_FROM_EMAIL"`
	FromName     string `yaml:"from_name" env:"DEFAULT_FROM_NAME"`
}

// Load reads and parses the configuration file. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads a .env file if present, the YAML file, then environment overrides,
// and validates the result.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetimeMinutes == 0 {
		c.Database.ConnMaxLifetimeMinutes = 30
	}
	if c.RabbitMQ.SendQueue == "" {
		c.RabbitMQ.SendQueue = "outbound_sends"
	}
	if c.RabbitMQ.ReplyQueue == "" {
		c.RabbitMQ.ReplyQueue = "reply_events"
	}
	if c.Scheduler.TickIntervalSeconds == 0 {
		c.Scheduler.TickIntervalSeconds = 60
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 1
	}
	if c.Scheduler.StoreTimeoutSeconds == 0 {
		c.Scheduler.StoreTimeoutSeconds = 5
	}
	if c.Scheduler.FailureThreshold == 0 {
		c.Scheduler.FailureThreshold = 5
	}
	if c.RateLimits.Backend == "" {
		c.RateLimits.Backend = BackendPostgres
	}
	if c.RateLimits.Default.Hourly == 0 {
		c.RateLimits.Default.Hourly = ratelimit.DefaultHourly
	}
	if c.RateLimits.Default.Daily == 0 {
		c.RateLimits.Default.Daily = ratelimit.DefaultDaily
	}
	if c.Delivery.MaxAttempts == 0 {
		c.Delivery.MaxAttempts = 3
	}
	if c.Delivery.Concurrency == 0 {
		c.Delivery.Concurrency = 4
	}
	if c.Delivery.PollIntervalSeconds == 0 {
		c.Delivery.PollIntervalSeconds = 30
	}
	if c.Delivery.BatchSize == 0 {
		c.Delivery.BatchSize = 100
	}
	if c.SES.Region == "" {
		c.SES.Region = "us-west-2"
	}
	if c.SES.TimeoutSeconds == 0 {
		c.SES.TimeoutSeconds = 30
	}
	if c.IMAP.Folder == "" {
		c.IMAP.Folder = "INBOX"
	}
	if c.IMAP.PollIntervalSeconds == 0 {
		c.IMAP.PollIntervalSeconds = 120
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Campaigns.WindowStart == "" {
		c.Campaigns.WindowStart = sendwindow.DefaultStart
	}
	if c.Campaigns.WindowEnd == "" {
		c.Campaigns.WindowEnd = sendwindow.DefaultEnd
	}
	if c.Campaigns.Timezone == "" {
		c.Campaigns.Timezone = sendwindow.DefaultTimezone
	}
	if c.Campaigns.WeekdaysOnly == nil {
		weekdays := true
		c.Campaigns.WeekdaysOnly = &weekdays
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required (DATABASE_URL)")
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be at least 1, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.TickIntervalSeconds < 1 {
		return fmt.Errorf("scheduler.tick_interval_seconds must be positive")
	}
	switch c.RateLimits.Backend {
	case BackendMemory, BackendPostgres:
	case BackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("rate_limits.backend redis requires redis.url (REDIS_URL)")
		}
	default:
		return fmt.Errorf("unknown rate_limits.backend %q", c.RateLimits.Backend)
	}
	if c.RateLimits.Default.Hourly < 0 || c.RateLimits.Default.Daily < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	for name, l := range c.RateLimits.Groups {
		if l.Hourly < 0 || l.Daily < 0 {
			return fmt.Errorf("rate limits for group %q must not be negative", name)
		}
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1")
	}
	if c.IMAP.Enabled && (c.IMAP.Addr == "" || c.IMAP.Username == "") {
		return fmt.Errorf("imap.enabled requires imap.addr and imap.username")
	}
	if _, err := sendwindow.New(c.Campaigns.WindowStart, c.Campaigns.WindowEnd, c.Campaigns.Timezone, *c.Campaigns.WeekdaysOnly); err != nil {
		return fmt.Errorf("campaign_defaults: %w", err)
	}
	return nil
}
