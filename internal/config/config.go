package config

import (
	"time"
)

type Config struct {
	StateStorage StateStorage    `mapstructure:"state_storage"`
	Sync         SyncConfig      `mapstructure:"sync"`
	Sources      SourcesConfig   `mapstructure:"sources"`
	Binlog       BinlogConfig    `mapstructure:"binlog"`
	Scheduler    SchedulerConfig `mapstructure:"scheduler"`
	Workers      WorkersConfig   `mapstructure:"workers"`
	Server       ServerConfig    `mapstructure:"server"`
	Logging      LoggingConfig   `mapstructure:"logging"`
}

type DatabaseConnection struct {
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	User                string `mapstructure:"user"`
	Password            string `mapstructure:"password"`
	Database            string `mapstructure:"database"`
	ReplicationUser     string `mapstructure:"replication_user"`
	ReplicationPassword string `mapstructure:"replication_password"`
}

// StateStorage selects the persistence layer. Type is "mysql" or "sqlite".
type StateStorage struct {
	Type     string `mapstructure:"type"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	FilePath string `mapstructure:"file_path"` // For SQLite
}

type SyncConfig struct {
	DefaultBatchSize   int         `mapstructure:"default_batch_size"`
	MaxBatchSize       int         `mapstructure:"max_batch_size"`
	DefaultPhoneRegion string      `mapstructure:"default_phone_region"`
	Chain              ChainConfig `mapstructure:"chain"`
}

// ChainConfig controls how a run schedules its own continuation.
// Mode is "queue" (durable sync_jobs table) or "http" (self-trigger).
type ChainConfig struct {
	Mode           string `mapstructure:"mode"`
	Attempts       int    `mapstructure:"attempts"`
	Debounce       string `mapstructure:"debounce"`
	InitialBackoff string `mapstructure:"initial_backoff"`
	MaxBackoff     string `mapstructure:"max_backoff"`
	SelfURL        string `mapstructure:"self_url"`
	Timeout        string `mapstructure:"timeout"`
}

func (c ChainConfig) GetDebounce() time.Duration       { return parseDuration(c.Debounce) }
func (c ChainConfig) GetInitialBackoff() time.Duration { return parseDuration(c.InitialBackoff) }
func (c ChainConfig) GetMaxBackoff() time.Duration     { return parseDuration(c.MaxBackoff) }
func (c ChainConfig) GetTimeout() time.Duration        { return parseDuration(c.Timeout) }

type SourcesConfig struct {
	Staging   []string         `mapstructure:"staging"`
	Providers []ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig describes an externally paginated transactional API.
// Kind selects the page decoder ("stripe" or "paypal").
type ProviderConfig struct {
	Name      string `mapstructure:"name"`
	Kind      string `mapstructure:"kind"`
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	PageSize  int    `mapstructure:"page_size"`
	PageDelay string `mapstructure:"page_delay"`
	MaxPages  int    `mapstructure:"max_pages"`
	Timeout   string `mapstructure:"timeout"`
}

func (p ProviderConfig) GetPageDelay() time.Duration { return parseDuration(p.PageDelay) }
func (p ProviderConfig) GetTimeout() time.Duration   { return parseDuration(p.Timeout) }

// BinlogConfig configures change capture from an upstream CRM database.
// Columns maps contact payload fields (email, phone, full_name, ...) to
// column names of Table.
type BinlogConfig struct {
	Enabled  bool               `mapstructure:"enabled"`
	Source   string             `mapstructure:"source"`
	ServerID uint32             `mapstructure:"server_id"`
	Database DatabaseConnection `mapstructure:"database"`
	Table    string             `mapstructure:"table"`
	IDColumn string             `mapstructure:"id_column"`
	Columns  map[string]string  `mapstructure:"columns"`
}

type SchedulerConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	Jobs    []ScheduledJob `mapstructure:"jobs"`
}

type ScheduledJob struct {
	Spec      string   `mapstructure:"spec"`
	Sources   []string `mapstructure:"sources"`
	BatchSize int      `mapstructure:"batch_size"`
}

type WorkersConfig struct {
	Count        int    `mapstructure:"count"`
	PollInterval string `mapstructure:"poll_interval"`
	MaxAttempts  int    `mapstructure:"max_attempts"`
	RetryDelay   string `mapstructure:"retry_delay"`
}

func (w WorkersConfig) GetPollInterval() time.Duration { return parseDuration(w.PollInterval) }

func (w WorkersConfig) GetRetryDelay() time.Duration { return parseDuration(w.RetryDelay) }

type ServerConfig struct {
	Port              int      `mapstructure:"port"`
	Host              string   `mapstructure:"host"`
	AuthToken         string   `mapstructure:"auth_token"`
	ReadTimeout       string   `mapstructure:"read_timeout"`
	WriteTimeout      string   `mapstructure:"write_timeout"`
	CorsOrigins       []string `mapstructure:"cors_origins"`
	TriggerRateLimit  int      `mapstructure:"trigger_rate_limit"`
	TriggerRateWindow string   `mapstructure:"trigger_rate_window"`
	MaxUploadBytes    int64    `mapstructure:"max_upload_bytes"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	return parseDuration(s.ReadTimeout)
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	return parseDuration(s.WriteTimeout)
}

func (s ServerConfig) GetTriggerRateWindow() time.Duration {
	return parseDuration(s.TriggerRateWindow)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func parseDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
