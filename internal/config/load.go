package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// ADMINHUB_STATE_STORAGE_PASSWORD overrides state_storage.password.
const EnvPrefix = "ADMINHUB"

// LoadConfig reads the YAML file at path, applies defaults and environment
// overrides, and validates the result. A missing file is not an error when
// path is empty.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_storage.type", "sqlite")
	v.SetDefault("state_storage.file_path", "admin-hub.db")
	v.SetDefault("state_storage.host", "127.0.0.1")
	v.SetDefault("state_storage.port", 3306)
	v.SetDefault("state_storage.user", "")
	v.SetDefault("state_storage.password", "")
	v.SetDefault("state_storage.database", "adminhub")

	v.SetDefault("sync.default_batch_size", 50)
	v.SetDefault("sync.max_batch_size", 500)
	v.SetDefault("sync.default_phone_region", "US")
	v.SetDefault("sync.chain.mode", "queue")
	v.SetDefault("sync.chain.attempts", 3)
	v.SetDefault("sync.chain.debounce", "500ms")
	v.SetDefault("sync.chain.initial_backoff", "1s")
	v.SetDefault("sync.chain.max_backoff", "10s")
	v.SetDefault("sync.chain.timeout", "10s")
	v.SetDefault("sync.chain.self_url", "")

	v.SetDefault("sources.staging", []string{"webhook", "csv", "crm"})

	v.SetDefault("binlog.source", "crm")
	v.SetDefault("binlog.server_id", 100)
	v.SetDefault("binlog.id_column", "id")
	v.SetDefault("binlog.database.password", "")
	v.SetDefault("binlog.database.replication_password", "")

	v.SetDefault("workers.count", 2)
	v.SetDefault("workers.poll_interval", "1s")
	v.SetDefault("workers.max_attempts", 5)
	v.SetDefault("workers.retry_delay", "5s")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.trigger_rate_limit", 60)
	v.SetDefault("server.trigger_rate_window", "1m")
	v.SetDefault("server.max_upload_bytes", 32<<20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks cross-field constraints viper cannot express.
func (c *Config) Validate() error {
	var errs []error

	switch c.StateStorage.Type {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("state_storage.type must be mysql or sqlite, got %q", c.StateStorage.Type))
	}

	if c.Sync.DefaultBatchSize <= 0 {
		errs = append(errs, errors.New("sync.default_batch_size must be positive"))
	}
	if c.Sync.MaxBatchSize < c.Sync.DefaultBatchSize {
		errs = append(errs, errors.New("sync.max_batch_size must be >= sync.default_batch_size"))
	}

	switch c.Sync.Chain.Mode {
	case "queue":
	case "http":
		if c.Sync.Chain.SelfURL == "" {
			errs = append(errs, errors.New("sync.chain.self_url is required in http chain mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("sync.chain.mode must be queue or http, got %q", c.Sync.Chain.Mode))
	}
	if c.Sync.Chain.Attempts <= 0 {
		errs = append(errs, errors.New("sync.chain.attempts must be positive"))
	}
	for key, raw := range map[string]string{
		"sync.chain.debounce":        c.Sync.Chain.Debounce,
		"sync.chain.initial_backoff": c.Sync.Chain.InitialBackoff,
		"sync.chain.max_backoff":     c.Sync.Chain.MaxBackoff,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	seen := make(map[string]bool)
	for _, s := range c.Sources.Staging {
		seen[s] = true
	}
	for _, p := range c.Sources.Providers {
		if p.Name == "" {
			errs = append(errs, errors.New("sources.providers: name is required"))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("sources.providers: duplicate source %q", p.Name))
		}
		seen[p.Name] = true
		switch p.Kind {
		case "stripe", "paypal":
		default:
			errs = append(errs, fmt.Errorf("sources.providers[%s]: unknown kind %q", p.Name, p.Kind))
		}
		if p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("sources.providers[%s]: base_url is required", p.Name))
		}
	}

	if c.Binlog.Enabled && !seen[c.Binlog.Source] {
		errs = append(errs, fmt.Errorf("binlog.source %q must be listed in sources.staging", c.Binlog.Source))
	}

	return errors.Join(errs...)
}
