// Package config loads the reconciler configuration.
//
// DESIGN: One YAML file, ${VAR} references expanded from the environment before
// parsing. Every section has a Validate method; unset fields fall back to the
// values in defaults.go.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the top-level reconciler configuration.
type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	Billing  BillingConfig  `yaml:"billing"`
	Retry    RetryConfig    `yaml:"retry"`
	Store    StoreConfig    `yaml:"store"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Queue    QueueConfig    `yaml:"queue"`
	Worker   WorkerConfig   `yaml:"worker"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// UpstreamConfig points at the metering endpoint.
type UpstreamConfig struct {
	BaseURL string        `yaml:"base_url"`
	Path    string        `yaml:"path"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// BillingConfig holds the fixed-point scale and markup.
type BillingConfig struct {
	UnitScale int64  `yaml:"unit_scale"`
	Markup    string `yaml:"markup"` // decimal fraction, e.g. "0.055"
}

// MarkupDecimal parses Markup. Call Validate first.
func (b BillingConfig) MarkupDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(b.Markup)
	if err != nil {
		return decimal.RequireFromString(DefaultMarkup)
	}
	return d
}

// RetryConfig configures the backoff policy used by the upstream lookup.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// StoreConfig selects the reservation/conversation store backend.
type StoreConfig struct {
	Driver             string `yaml:"driver"` // memory, sqlite, redis, postgres, dynamodb
	Path               string `yaml:"path"`   // sqlite
	DSN                string `yaml:"dsn"`    // postgres
	Addr               string `yaml:"addr"`   // redis
	Password           string `yaml:"password"`
	DB                 int    `yaml:"db"`
	KeyPrefix          string `yaml:"key_prefix"`
	Region             string `yaml:"region"`   // dynamodb
	Endpoint           string `yaml:"endpoint"` // dynamodb (local)
	ReservationsTable  string `yaml:"reservations_table"`
	ConversationsTable string `yaml:"conversations_table"`
	MaxConflictRetries int    `yaml:"max_conflict_retries"`
}

// LedgerConfig selects where settlements are committed.
type LedgerConfig struct {
	Driver  string        `yaml:"driver"` // memory, sqlite, http
	Path    string        `yaml:"path"`   // sqlite
	URL     string        `yaml:"url"`    // http
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// QueueConfig configures the SQS consumer.
type QueueConfig struct {
	URL               string        `yaml:"url"`
	Region            string        `yaml:"region"`
	Endpoint          string        `yaml:"endpoint"`
	MaxMessages       int32         `yaml:"max_messages"`
	WaitTime          time.Duration `yaml:"wait_time"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// WorkerConfig configures message processing.
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	SettleClaimTTL  time.Duration `yaml:"settle_claim_ttl"`
	StatsAddr       string        `yaml:"stats_addr"`
	AuditLogPath    string        `yaml:"audit_log_path"` // settlement JSONL trail, empty disables
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console, auto
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config bytes, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultUpstreamBaseURL
	}
	if c.Upstream.Path == "" {
		c.Upstream.Path = DefaultUpstreamPath
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = DefaultUpstreamTimeout
	}

	if c.Billing.UnitScale == 0 {
		c.Billing.UnitScale = DefaultUnitScale
	}
	if c.Billing.Markup == "" {
		c.Billing.Markup = DefaultMarkup
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultRetryMaxAttempts
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = DefaultRetryInitialDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = DefaultRetryMaxDelay
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = DefaultRetryMultiplier
	}
	if c.Retry.Jitter == 0 {
		c.Retry.Jitter = DefaultRetryJitter
	}

	if c.Store.Driver == "" {
		c.Store.Driver = DefaultStoreDriver
	}
	if c.Store.Path == "" {
		c.Store.Path = DefaultSQLitePath
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = DefaultRedisKeyPrefix
	}
	if c.Store.ReservationsTable == "" {
		c.Store.ReservationsTable = DefaultReservationsTable
	}
	if c.Store.ConversationsTable == "" {
		c.Store.ConversationsTable = DefaultConversationsTable
	}
	if c.Store.MaxConflictRetries == 0 {
		c.Store.MaxConflictRetries = DefaultMaxConflictRetries
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "sqlite"
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = c.Store.Path
	}
	if c.Ledger.Timeout == 0 {
		c.Ledger.Timeout = DefaultUpstreamTimeout
	}

	if c.Queue.MaxMessages == 0 {
		c.Queue.MaxMessages = MaxSQSBatchSize
	}
	if c.Queue.WaitTime == 0 {
		c.Queue.WaitTime = DefaultSQSWaitTime
	}
	if c.Queue.VisibilityTimeout == 0 {
		c.Queue.VisibilityTimeout = DefaultSQSVisibilityTimeout
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = DefaultConcurrency
	}
	if c.Worker.SettleClaimTTL == 0 {
		c.Worker.SettleClaimTTL = DefaultSettleClaimTTL
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "auto"
	}
}

// Validate checks the config for required fields and consistency.
func (c *Config) Validate() error {
	if err := c.Upstream.Validate(); err != nil {
		return err
	}
	if err := c.Billing.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Ledger.Validate(); err != nil {
		return err
	}
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.SettleClaimTTL < 0 {
		return fmt.Errorf("worker.settle_claim_ttl must be >= 0, got %s", c.Worker.SettleClaimTTL)
	}
	switch c.Logging.Format {
	case "json", "console", "auto":
	default:
		return fmt.Errorf("logging.format must be json, console or auto, got %q", c.Logging.Format)
	}
	return nil
}

// Validate checks upstream settings.
func (u UpstreamConfig) Validate() error {
	if !strings.HasPrefix(u.BaseURL, "http://") && !strings.HasPrefix(u.BaseURL, "https://") {
		return fmt.Errorf("upstream.base_url must be an http(s) URL, got %q", u.BaseURL)
	}
	if u.Timeout < 0 {
		return fmt.Errorf("upstream.timeout must be >= 0, got %s", u.Timeout)
	}
	return nil
}

// Validate checks billing settings.
func (b BillingConfig) Validate() error {
	if b.UnitScale <= 0 {
		return fmt.Errorf("billing.unit_scale must be > 0, got %d", b.UnitScale)
	}
	m, err := decimal.NewFromString(b.Markup)
	if err != nil {
		return fmt.Errorf("billing.markup: %w", err)
	}
	if m.IsNegative() {
		return fmt.Errorf("billing.markup must be >= 0, got %s", b.Markup)
	}
	return nil
}

// Validate checks retry settings.
func (r RetryConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", r.MaxAttempts)
	}
	if r.InitialDelay < 0 || r.MaxDelay < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}
	if r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("retry.max_delay (%s) must be >= retry.initial_delay (%s)", r.MaxDelay, r.InitialDelay)
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1, got %f", r.Multiplier)
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be within [0, 1], got %f", r.Jitter)
	}
	return nil
}

// Validate checks store settings.
func (s StoreConfig) Validate() error {
	switch s.Driver {
	case "memory", "sqlite":
	case "redis":
		if s.Addr == "" {
			return fmt.Errorf("store.addr is required for driver redis")
		}
	case "postgres":
		if s.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver postgres")
		}
	case "dynamodb":
		if s.Region == "" && s.Endpoint == "" {
			return fmt.Errorf("store.region or store.endpoint is required for driver dynamodb")
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", s.Driver)
	}
	if s.MaxConflictRetries < 1 {
		return fmt.Errorf("store.max_conflict_retries must be >= 1, got %d", s.MaxConflictRetries)
	}
	return nil
}

// Validate checks ledger settings.
func (l LedgerConfig) Validate() error {
	switch l.Driver {
	case "memory", "sqlite":
	case "http":
		if l.URL == "" {
			return fmt.Errorf("ledger.url is required for driver http")
		}
	default:
		return fmt.Errorf("ledger.driver %q is not supported", l.Driver)
	}
	return nil
}

// Validate checks queue settings. The URL is only required by the worker command.
func (q QueueConfig) Validate() error {
	if q.MaxMessages < 1 || q.MaxMessages > MaxSQSBatchSize {
		return fmt.Errorf("queue.max_messages must be within [1, %d], got %d", MaxSQSBatchSize, q.MaxMessages)
	}
	if q.WaitTime < 0 || q.WaitTime > 20*time.Second {
		return fmt.Errorf("queue.wait_time must be within [0s, 20s], got %s", q.WaitTime)
	}
	return nil
}
