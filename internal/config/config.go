package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"poolcache/pkg/models"
	"poolcache/pkg/subgraph"
	"poolcache/pkg/subgraph/uniswapv3"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Chain       ChainConfig       `yaml:"chain"`
	Subgraph    SubgraphConfig    `yaml:"subgraph"`
	Cache       CacheConfig       `yaml:"cache"`
	Watch       WatchConfig       `yaml:"watch"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ChainConfig selects the network whose pools are served.
type ChainConfig struct {
	ChainID uint64 `yaml:"chain_id"`
}

// SubgraphConfig holds remote indexer settings.
type SubgraphConfig struct {
	BaseURL           string                          `yaml:"base_url"`
	PageSize          int                             `yaml:"page_size"`
	Timeout           time.Duration                   `yaml:"timeout"`
	RequestsPerSecond float64                         `yaml:"requests_per_second"` // 0 disables rate limiting
	Burst             int                             `yaml:"burst"`
	Deployments       map[uint64]uniswapv3.Deployment `yaml:"deployments"`
}

// CacheConfig holds pool cache settings.
type CacheConfig struct {
	MaxAge         time.Duration `yaml:"max_age"`
	UpdateInterval time.Duration `yaml:"update_interval"`
	UpdateSize     int           `yaml:"update_size"` // 0 refreshes every stale entry each tick
}

// WatchConfig holds the pairs the run command keeps fetching.
type WatchConfig struct {
	Pairs    []string      `yaml:"pairs"` // "0xTokenA,0xTokenB"
	Interval time.Duration `yaml:"interval"`
}

// PersistenceConfig holds database settings.
type PersistenceConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SQLitePath string `yaml:"sqlite_path"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"` // empty logs to stdout only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	// Set defaults
	cfg.setDefaults()

	// Read YAML file if it exists
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if len(data) > 0 {
		// Expand environment variables in YAML content
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options.
func (c *Config) setDefaults() {
	c.Chain = ChainConfig{
		ChainID: 1, // Ethereum mainnet
	}
	c.Subgraph = SubgraphConfig{
		BaseURL:  uniswapv3.DefaultBaseURL,
		PageSize: subgraph.MaxPageSize,
		Timeout:  30 * time.Second,
		Burst:    1,
	}
	c.Cache = CacheConfig{
		MaxAge:         30 * time.Second,
		UpdateInterval: 10 * time.Second,
		UpdateSize:     100,
	}
	c.Watch = WatchConfig{
		Interval: 15 * time.Second,
	}
	c.Persistence = PersistenceConfig{
		Enabled:    false,
		SQLitePath: "./data/poolcache.db",
	}
	c.Metrics = MetricsConfig{
		Enabled: true,
		Port:    8080,
		Path:    "/metrics",
	}
	c.Logging = LoggingConfig{
		Level:      "info",
		Format:     "json",
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// applyEnvOverrides applies environment variable overrides to configuration.
func (c *Config) applyEnvOverrides() {
	// Chain config
	if v := os.Getenv("CHAIN_ID"); v != "" {
		var id uint64
		if _, err := fmt.Sscanf(v, "%d", &id); err == nil && id > 0 {
			c.Chain.ChainID = id
		}
	}

	// Subgraph config
	if v := os.Getenv("SUBGRAPH_BASE_URL"); v != "" {
		c.Subgraph.BaseURL = v
	}
	if v := os.Getenv("SUBGRAPH_REQUESTS_PER_SECOND"); v != "" {
		var rps float64
		if _, err := fmt.Sscanf(v, "%f", &rps); err == nil && rps >= 0 {
			c.Subgraph.RequestsPerSecond = rps
		}
	}

	// Cache config
	if v := os.Getenv("CACHE_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cache.MaxAge = d
		}
	}
	if v := os.Getenv("CACHE_UPDATE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cache.UpdateInterval = d
		}
	}
	if v := os.Getenv("CACHE_UPDATE_SIZE"); v != "" {
		var size int
		if _, err := fmt.Sscanf(v, "%d", &size); err == nil && size >= 0 {
			c.Cache.UpdateSize = size
		}
	}

	// Watch config, pairs separated by ';'
	if v := os.Getenv("WATCH_PAIRS"); v != "" {
		c.Watch.Pairs = nil
		for _, p := range strings.Split(v, ";") {
			if p = strings.TrimSpace(p); p != "" {
				c.Watch.Pairs = append(c.Watch.Pairs, p)
			}
		}
	}

	// Metrics config
	if v := os.Getenv("METRICS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Metrics.Port = port
		}
	}

	// Persistence config
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Persistence.Enabled = true
		c.Persistence.SQLitePath = v
	}

	// Logging config
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Logging.File = v
	}
}

// validate checks that all required configuration values are present and valid.
func (c *Config) validate() error {
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("chain.chain_id is required (set CHAIN_ID env var)")
	}
	if c.Subgraph.BaseURL == "" {
		return fmt.Errorf("subgraph.base_url is required (set SUBGRAPH_BASE_URL env var)")
	}
	if c.Subgraph.PageSize <= 0 || c.Subgraph.PageSize > subgraph.MaxPageSize {
		return fmt.Errorf("subgraph.page_size must be between 1 and %d", subgraph.MaxPageSize)
	}
	if c.Subgraph.RequestsPerSecond < 0 {
		return fmt.Errorf("subgraph.requests_per_second must not be negative")
	}
	if c.Cache.MaxAge <= 0 {
		return fmt.Errorf("cache.max_age must be positive")
	}
	if c.Cache.UpdateInterval <= 0 {
		return fmt.Errorf("cache.update_interval must be positive")
	}
	if c.Cache.UpdateSize < 0 {
		return fmt.Errorf("cache.update_size must not be negative")
	}
	if _, err := c.WatchPairs(); err != nil {
		return err
	}
	if len(c.Watch.Pairs) > 0 && c.Watch.Interval <= 0 {
		return fmt.Errorf("watch.interval must be positive")
	}
	if c.Persistence.Enabled && c.Persistence.SQLitePath == "" {
		return fmt.Errorf("persistence.sqlite_path is required when persistence is enabled")
	}
	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be a valid port number")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}

// WatchPairs parses the configured watch pairs.
func (c *Config) WatchPairs() ([]models.TokenPair, error) {
	pairs := make([]models.TokenPair, 0, len(c.Watch.Pairs))
	for _, s := range c.Watch.Pairs {
		pair, err := models.ParseTokenPair(s)
		if err != nil {
			return nil, fmt.Errorf("watch.pairs: %w", err)
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}
