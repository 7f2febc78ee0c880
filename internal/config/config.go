// Package config loads the layered runtime configuration: built-in defaults,
// then an optional YAML file, then KABANDA_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"kabanda/internal/engine"
	kberrors "kabanda/internal/errors"
	"kabanda/internal/escalation"
	"kabanda/internal/notify"
	"kabanda/internal/parse"
	"kabanda/internal/server"
	"kabanda/internal/wake"
)

// DatabaseConfig selects and tunes the task store. An empty URL runs the
// in-memory store, for development and tests only.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// ParserConfig wraps the LLM extraction settings. When disabled (or when
// base_url is empty) only the deterministic fallback parser runs.
type ParserConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	parse.LLMConfig `mapstructure:",squash" yaml:",inline"`
}

// IngestConfig tunes webhook processing.
type IngestConfig struct {
	DedupSize int `mapstructure:"dedup_size" yaml:"dedup_size"`
}

// Config is the full service configuration.
type Config struct {
	LogLevel   string                 `mapstructure:"log_level" yaml:"log_level"`
	Server     server.Config          `mapstructure:"server" yaml:"server"`
	Database   DatabaseConfig         `mapstructure:"database" yaml:"database"`
	Telegram   notify.TelegramConfig  `mapstructure:"telegram" yaml:"telegram"`
	Parser     ParserConfig           `mapstructure:"parser" yaml:"parser"`
	Escalation escalation.Config      `mapstructure:"escalation" yaml:"escalation"`
	Engine     engine.Config          `mapstructure:"engine" yaml:"engine"`
	Delivery   kberrors.RetryConfig   `mapstructure:"delivery" yaml:"delivery"`
	Wake       wake.Config            `mapstructure:"wake" yaml:"wake"`
	Ingest     IngestConfig           `mapstructure:"ingest" yaml:"ingest"`
}

// Load reads configuration. path may be empty, in which case the default
// search path applies and a missing file is fine.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("kabanda")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/kabanda")
	}

	v.SetEnvPrefix("KABANDA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Only an explicitly named file is required to exist.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	srv := server.DefaultConfig()
	v.SetDefault("server.host", srv.Host)
	v.SetDefault("server.port", srv.Port)
	v.SetDefault("server.enable_cors", srv.EnableCORS)
	v.SetDefault("server.read_timeout", srv.ReadTimeout)
	v.SetDefault("server.write_timeout", srv.WriteTimeout)

	// Empty-string defaults keep the keys known to viper so environment
	// overrides bind without a config file.
	v.SetDefault("server.webhook_secret", "")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", int32(8))

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.base_url", "https://api.telegram.org")
	v.SetDefault("telegram.timeout", 15*time.Second)

	v.SetDefault("parser.enabled", false)
	v.SetDefault("parser.base_url", "")
	v.SetDefault("parser.api_key", "")
	v.SetDefault("parser.model", "gpt-4o-mini")
	v.SetDefault("parser.timeout", 30*time.Second)

	esc := escalation.DefaultConfig()
	v.SetDefault("escalation.level2_threshold", esc.Level2Threshold)
	v.SetDefault("escalation.level3_threshold", esc.Level3Threshold)
	v.SetDefault("escalation.urgent_level2_threshold", esc.UrgentLevel2Threshold)
	v.SetDefault("escalation.initial_interval", esc.InitialInterval)
	v.SetDefault("escalation.repeat_interval", esc.RepeatInterval)
	v.SetDefault("escalation.floor_interval", esc.FloorInterval)
	v.SetDefault("escalation.reset_count_on_edit", esc.ResetCountOnEdit)

	v.SetDefault("engine.commit_retries", engine.DefaultConfig().CommitRetries)

	retry := kberrors.DefaultRetryConfig()
	v.SetDefault("delivery.max_attempts", retry.MaxAttempts)
	v.SetDefault("delivery.base_delay", retry.BaseDelay)
	v.SetDefault("delivery.max_delay", retry.MaxDelay)
	v.SetDefault("delivery.jitter_factor", retry.JitterFactor)

	wk := wake.DefaultConfig()
	v.SetDefault("wake.sweep_schedule", wk.SweepSchedule)
	v.SetDefault("wake.sweep_batch", wk.SweepBatch)

	v.SetDefault("ingest.dedup_size", 4096)
}
