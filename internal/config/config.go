package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/slipstream/indexproxy/internal/indexer"
	"github.com/slipstream/indexproxy/internal/indexer/cardigann"
	"github.com/slipstream/indexproxy/internal/indexer/ratelimit"
	"github.com/slipstream/indexproxy/internal/indexer/status"
	"github.com/slipstream/indexproxy/internal/indexer/transport"
	"github.com/slipstream/indexproxy/internal/indexer/types"
	"github.com/slipstream/indexproxy/internal/logger"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig              `mapstructure:"server"`
	Database    DatabaseConfig            `mapstructure:"database"`
	Logging     logger.Config             `mapstructure:"logging"`
	Indexer     IndexerConfig             `mapstructure:"indexer"`
	Definitions DefinitionsConfig         `mapstructure:"definitions"`
	Health      HealthConfig              `mapstructure:"health"`
	Cache       CacheConfig               `mapstructure:"cache"`
	Search      SearchConfig              `mapstructure:"search"`
	Indexers    []types.IndexerDefinition `mapstructure:"indexers"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// APIKey, when set, is required on every /api request as X-Api-Key or ?apikey=.
	APIKey string `mapstructure:"api_key"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// IndexerConfig holds outbound request settings shared by every remote.
type IndexerConfig struct {
	UserAgent         string         `mapstructure:"user_agent"`
	RequestTimeout    time.Duration  `mapstructure:"request_timeout"`
	MaxRedirects      int            `mapstructure:"max_redirects"`
	MaxBodySize       int64          `mapstructure:"max_body_size"`
	CookieValidity    time.Duration  `mapstructure:"cookie_validity"`
	RateLimitInterval time.Duration  `mapstructure:"rate_limit_interval"`
	HostIntervals     []HostInterval `mapstructure:"host_intervals"`
}

// HostInterval overrides the request spacing for one host. Listed rather than
// keyed by host because viper splits map keys on dots.
type HostInterval struct {
	Host     string        `mapstructure:"host"`
	Interval time.Duration `mapstructure:"interval"`
}

// DefinitionsConfig locates cardigann definitions on disk and upstream.
type DefinitionsConfig struct {
	Dir           string        `mapstructure:"dir"`
	CustomDir     string        `mapstructure:"custom_dir"`
	RepositoryURL string        `mapstructure:"repository_url"`
	Branch        string        `mapstructure:"branch"`
	Version       string        `mapstructure:"version"`
	SyncCron      string        `mapstructure:"sync_cron"` // empty disables scheduled sync
	SyncTimeout   time.Duration `mapstructure:"sync_timeout"`
}

// HealthConfig holds the breaker backoff schedule.
type HealthConfig struct {
	status.BackoffConfig `mapstructure:",squash"`
	// RateLimitCooldown quarantines a rate-limited remote that sent no retry-after.
	RateLimitCooldown time.Duration `mapstructure:"rate_limit_cooldown"`
}

// CacheConfig holds cache lifetimes.
type CacheConfig struct {
	CapsTTL         time.Duration `mapstructure:"caps_ttl"`
	DefinitionTTL   time.Duration `mapstructure:"definition_ttl"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

// SearchConfig holds fan-out settings.
type SearchConfig struct {
	MaxConcurrency      int           `mapstructure:"max_concurrency"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"` // zero disables the periodic check
}

// Default returns a Config with default values.
func Default() *Config {
	t := transport.DefaultConfig()
	ix := indexer.DefaultConfig()
	repo := cardigann.DefaultRepositoryConfig()
	store := cardigann.DefaultStoreConfig()
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 9696,
		},
		Database: DatabaseConfig{
			Path: "./data/indexproxy.db",
		},
		Logging: logger.Config{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Indexer: IndexerConfig{
			UserAgent:         t.UserAgent,
			RequestTimeout:    t.Timeout,
			MaxRedirects:      t.MaxRedirects,
			MaxBodySize:       t.MaxBodySize,
			CookieValidity:    ix.CookieValidity,
			RateLimitInterval: ratelimit.DefaultConfig().DefaultInterval,
		},
		Definitions: DefinitionsConfig{
			Dir:           store.DefinitionsDir,
			RepositoryURL: repo.BaseURL,
			Branch:        repo.Branch,
			Version:       repo.Version,
			SyncTimeout:   repo.RequestTimeout,
		},
		Health: HealthConfig{
			BackoffConfig:     status.DefaultBackoffConfig(),
			RateLimitCooldown: ix.RateLimitCooldown,
		},
		Cache: CacheConfig{
			CapsTTL:         7 * 24 * time.Hour,
			DefinitionTTL:   store.TTL,
			JanitorInterval: 10 * time.Minute,
		},
		Search: SearchConfig{
			MaxConcurrency:      8,
			HealthCheckInterval: 15 * time.Minute,
		},
	}
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults.
// A .env file in the working directory is loaded into the environment first.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.indexproxy")
	}

	v.SetEnvPrefix("INDEXPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every scalar key so environment overrides resolve.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.api_key", "")

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.buffer_size", 0)

	v.SetDefault("indexer.user_agent", d.Indexer.UserAgent)
	v.SetDefault("indexer.request_timeout", d.Indexer.RequestTimeout)
	v.SetDefault("indexer.max_redirects", d.Indexer.MaxRedirects)
	v.SetDefault("indexer.max_body_size", d.Indexer.MaxBodySize)
	v.SetDefault("indexer.cookie_validity", d.Indexer.CookieValidity)
	v.SetDefault("indexer.rate_limit_interval", d.Indexer.RateLimitInterval)

	v.SetDefault("definitions.dir", d.Definitions.Dir)
	v.SetDefault("definitions.custom_dir", "")
	v.SetDefault("definitions.repository_url", d.Definitions.RepositoryURL)
	v.SetDefault("definitions.branch", d.Definitions.Branch)
	v.SetDefault("definitions.version", d.Definitions.Version)
	v.SetDefault("definitions.sync_cron", "")
	v.SetDefault("definitions.sync_timeout", d.Definitions.SyncTimeout)

	v.SetDefault("health.initial_backoff", d.Health.InitialBackoff)
	v.SetDefault("health.connection_initial_backoff", d.Health.ConnectionInitialBackoff)
	v.SetDefault("health.max_backoff", d.Health.MaxBackoff)
	v.SetDefault("health.multiplier", d.Health.Multiplier)
	v.SetDefault("health.max_escalation", d.Health.MaxEscalation)
	v.SetDefault("health.rate_limit_cooldown", d.Health.RateLimitCooldown)

	v.SetDefault("cache.caps_ttl", d.Cache.CapsTTL)
	v.SetDefault("cache.definition_ttl", d.Cache.DefinitionTTL)
	v.SetDefault("cache.janitor_interval", d.Cache.JanitorInterval)

	v.SetDefault("search.max_concurrency", d.Search.MaxConcurrency)
	v.SetDefault("search.health_check_interval", d.Search.HealthCheckInterval)
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Health.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("health.multiplier must be at least 1, got %v", c.Health.Multiplier))
	}
	if c.Health.MaxBackoff < c.Health.InitialBackoff {
		errs = append(errs, errors.New("health.max_backoff is shorter than health.initial_backoff"))
	}
	if c.Search.MaxConcurrency < 1 {
		errs = append(errs, errors.New("search.max_concurrency must be positive"))
	}
	for _, h := range c.Indexer.HostIntervals {
		if h.Host == "" || h.Interval < 0 {
			errs = append(errs, fmt.Errorf("indexer.host_intervals: invalid entry %q", h.Host))
		}
	}
	seen := make(map[int64]bool, len(c.Indexers))
	for _, def := range c.Indexers {
		if seen[def.ID] {
			errs = append(errs, fmt.Errorf("indexers: duplicate id %d", def.ID))
		}
		seen[def.ID] = true
	}
	return errors.Join(errs...)
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Transport returns the outbound HTTP settings.
func (c *IndexerConfig) Transport() transport.Config {
	return transport.Config{
		UserAgent:    c.UserAgent,
		Timeout:      c.RequestTimeout,
		MaxRedirects: c.MaxRedirects,
		MaxBodySize:  c.MaxBodySize,
	}
}

// RateLimit returns the per-host spacing settings.
func (c *IndexerConfig) RateLimit() ratelimit.Config {
	cfg := ratelimit.Config{DefaultInterval: c.RateLimitInterval}
	if len(c.HostIntervals) > 0 {
		cfg.HostIntervals = make(map[string]time.Duration, len(c.HostIntervals))
		for _, h := range c.HostIntervals {
			cfg.HostIntervals[strings.ToLower(h.Host)] = h.Interval
		}
	}
	return cfg
}

// Orchestration returns the per-fetch settings of every remote.
func (c *Config) Orchestration() indexer.Config {
	return indexer.Config{
		CookieValidity:    c.Indexer.CookieValidity,
		RateLimitCooldown: c.Health.RateLimitCooldown,
		MaxRedirects:      c.Indexer.MaxRedirects,
	}
}

// Store returns the definition store settings.
func (c *Config) Store() cardigann.StoreConfig {
	return cardigann.StoreConfig{
		DefinitionsDir: c.Definitions.Dir,
		CustomDir:      c.Definitions.CustomDir,
		TTL:            c.Cache.DefinitionTTL,
	}
}

// Repository returns the upstream definition repository settings.
func (c *Config) Repository() cardigann.RepositoryConfig {
	return cardigann.RepositoryConfig{
		BaseURL:        c.Definitions.RepositoryURL,
		Branch:         c.Definitions.Branch,
		Version:        c.Definitions.Version,
		RequestTimeout: c.Definitions.SyncTimeout,
		UserAgent:      c.Indexer.UserAgent,
	}
}
