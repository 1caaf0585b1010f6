// Package config loads replication settings from environment variables
// (LEDGERLIFT_ prefix) and an optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable for both replication modes.
type Config struct {
	// Source API.
	APIBaseURL     string        `mapstructure:"api_base_url"`
	APIToken       string        `mapstructure:"api_token"`
	APIRateLimit   float64       `mapstructure:"api_rate_limit"`
	APITimeout     time.Duration `mapstructure:"api_timeout"`
	NetworkRetries int           `mapstructure:"network_retries"`
	RateRetries    int           `mapstructure:"rate_retries"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`

	// Adaptive chunking.
	ChunkMinCalls  int           `mapstructure:"chunk_min_calls"`
	ChunkMaxCalls  int           `mapstructure:"chunk_max_calls"`
	ChunkTargetDur time.Duration `mapstructure:"chunk_target_duration"`

	// Warehouse.
	WarehouseDSN      string        `mapstructure:"warehouse_dsn"`
	WarehouseSessions int           `mapstructure:"warehouse_sessions"`
	StagingBatchSize  int           `mapstructure:"staging_batch_size"`
	StagingRetention  time.Duration `mapstructure:"staging_retention"`

	// Quality gate.
	QualitySumEpsilon float64 `mapstructure:"quality_sum_epsilon"`

	// Bulk load.
	SourceDSN          string `mapstructure:"source_dsn"`
	PartitionWorkers   int    `mapstructure:"partition_workers"`
	PartitionBatchSize int    `mapstructure:"partition_batch_size"`
	JobWorkers         int    `mapstructure:"job_workers"`

	// Archive (optional; empty endpoint disables archiving).
	ArchiveEndpoint  string `mapstructure:"archive_endpoint"`
	ArchiveAccessKey string `mapstructure:"archive_access_key"`
	ArchiveSecretKey string `mapstructure:"archive_secret_key"`
	ArchiveBucket    string `mapstructure:"archive_bucket"`
	ArchivePrefix    string `mapstructure:"archive_prefix"`
	ArchiveRegion    string `mapstructure:"archive_region"`

	// Logging.
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`
	LogFile    string `mapstructure:"log_file"`
	LogMaxSize int    `mapstructure:"log_max_size_mb"`
}

// setDefaults registers every key. Keys without a meaningful default get
// a zero value anyway: viper only surfaces environment variables through
// Unmarshal for keys it already knows about.
func setDefaults(v *viper.Viper) {
	v.SetDefault("api_base_url", "")
	v.SetDefault("api_token", "")
	v.SetDefault("api_rate_limit", 5.0)
	v.SetDefault("api_timeout", "30s")
	v.SetDefault("network_retries", 5)
	v.SetDefault("rate_retries", 8)
	v.SetDefault("backoff_base", "500ms")
	v.SetDefault("backoff_max", "60s")

	v.SetDefault("chunk_min_calls", 1)
	v.SetDefault("chunk_max_calls", 16)
	v.SetDefault("chunk_target_duration", "30s")

	v.SetDefault("warehouse_dsn", "")
	v.SetDefault("warehouse_sessions", 8)
	v.SetDefault("staging_batch_size", 500)
	v.SetDefault("staging_retention", "168h")

	v.SetDefault("quality_sum_epsilon", 0.01)

	v.SetDefault("source_dsn", "")
	v.SetDefault("partition_workers", 2)
	v.SetDefault("partition_batch_size", 5000)
	v.SetDefault("job_workers", 2)

	v.SetDefault("archive_endpoint", "")
	v.SetDefault("archive_access_key", "")
	v.SetDefault("archive_secret_key", "")
	v.SetDefault("archive_region", "")
	v.SetDefault("archive_prefix", "staging")
	v.SetDefault("archive_bucket", "ledgerlift-archive")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 0)
}

// Load reads configuration from the environment and, when path is not
// empty, from a config file. Environment variables win over file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LEDGERLIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ChunkMinCalls < 1 {
		return fmt.Errorf("chunk_min_calls must be >= 1, got %d", c.ChunkMinCalls)
	}
	if c.ChunkMaxCalls < c.ChunkMinCalls {
		return fmt.Errorf("chunk_max_calls (%d) must be >= chunk_min_calls (%d)", c.ChunkMaxCalls, c.ChunkMinCalls)
	}
	if c.QualitySumEpsilon < 0 {
		return fmt.Errorf("quality_sum_epsilon must not be negative")
	}
	if c.PartitionWorkers < 1 {
		return fmt.Errorf("partition_workers must be >= 1, got %d", c.PartitionWorkers)
	}
	return nil
}

// ArchiveEnabled reports whether object-store archiving is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveEndpoint != ""
}
