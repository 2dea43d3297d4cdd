package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Lease      LeaseConfig      `mapstructure:"lease"`
	Queue      QueueConfig      `mapstructure:"queue"`
	BulkImport BulkImportConfig `mapstructure:"bulk_import"`
	Export     ExportConfig     `mapstructure:"export"`
	Reaper     ReaperConfig     `mapstructure:"reaper"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Source     SourceConfig     `mapstructure:"source"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// AccessToken guards the export endpoints; empty leaves them open.
	AccessToken string `mapstructure:"access_token"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// DSN builds the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	return c.Path + "?_busy_timeout=5000"
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LeaseConfig struct {
	Backend string        `mapstructure:"backend"` // redis, database, memory
	TTL     time.Duration `mapstructure:"ttl"`
}

type QueueConfig struct {
	Backend      string        `mapstructure:"backend"` // database, memory
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
	// Queue-native retry, used only by the export request and relation export jobs.
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

type BulkImportConfig struct {
	ExtractionTimeout    time.Duration `mapstructure:"extraction_timeout"`
	EmptyExportTimeout   time.Duration `mapstructure:"empty_export_timeout"`
	ExportPollDelay      time.Duration `mapstructure:"export_poll_delay"`
	BatchStaleness       time.Duration `mapstructure:"batch_staleness"`
	BatchPollDelay       time.Duration `mapstructure:"batch_poll_delay"`
	ConcurrentBatchLimit int           `mapstructure:"concurrent_pipeline_batch_limit"`
	BatchCapDelay        time.Duration `mapstructure:"batch_cap_delay"`
	SequencerRetryDelay  time.Duration `mapstructure:"sequencer_retry_delay"`
	Retry                RetryConfig   `mapstructure:"retry"`
}

// RetryConfig selects the delay curve used when a pipeline reports a retryable error.
type RetryConfig struct {
	Strategy   string        `mapstructure:"strategy"` // fixed, exponential
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type ExportConfig struct {
	ConcurrentBatchLimit int           `mapstructure:"concurrent_batch_limit"`
	CapDelay             time.Duration `mapstructure:"cap_delay"`
	WatcherTimeout       time.Duration `mapstructure:"watcher_timeout"`
	WatcherPollDelay     time.Duration `mapstructure:"watcher_poll_delay"`
	BatchSize            int           `mapstructure:"batch_size"`
}

type ReaperConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	PageSize   int           `mapstructure:"page_size"`
}

type StorageConfig struct {
	Type      string `mapstructure:"type"` // r2, s3, s3compatible
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
}

type SourceConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets are bound explicitly so they never need to live in the file.
	v.BindEnv("server.access_token", "SERVER_ACCESS_TOKEN")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/bulkimport.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "bulkimport")
	v.SetDefault("database.dbname", "bulkimport")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("lease.backend", "database")
	v.SetDefault("lease.ttl", 30*time.Second)

	v.SetDefault("queue.backend", "database")
	v.SetDefault("queue.workers", 10)
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.lock_timeout", 15*time.Minute)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.initial_interval", 10*time.Second)
	v.SetDefault("queue.max_interval", 10*time.Minute)

	v.SetDefault("bulk_import.extraction_timeout", 90*time.Minute)
	v.SetDefault("bulk_import.empty_export_timeout", 5*time.Minute)
	v.SetDefault("bulk_import.export_poll_delay", 5*time.Second)
	v.SetDefault("bulk_import.batch_staleness", 4*time.Hour)
	v.SetDefault("bulk_import.batch_poll_delay", 5*time.Second)
	v.SetDefault("bulk_import.concurrent_pipeline_batch_limit", 25)
	v.SetDefault("bulk_import.batch_cap_delay", 5*time.Second)
	v.SetDefault("bulk_import.sequencer_retry_delay", 5*time.Second)
	v.SetDefault("bulk_import.retry.strategy", "exponential")
	v.SetDefault("bulk_import.retry.base_delay", 30*time.Second)
	v.SetDefault("bulk_import.retry.max_delay", 10*time.Minute)
	v.SetDefault("bulk_import.retry.max_retries", 5)

	v.SetDefault("export.concurrent_batch_limit", 8)
	v.SetDefault("export.cap_delay", time.Minute)
	v.SetDefault("export.watcher_timeout", 6*time.Hour)
	v.SetDefault("export.watcher_poll_delay", 5*time.Second)
	v.SetDefault("export.batch_size", 1000)

	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.interval", time.Hour)
	v.SetDefault("reaper.stale_after", 24*time.Hour)
	v.SetDefault("reaper.page_size", 100)

	v.SetDefault("storage.type", "")
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "bulk-import-exports")
	v.SetDefault("storage.prefix", "exports")

	v.SetDefault("source.timeout", 60*time.Second)
	v.SetDefault("source.user_agent", "bulkimport")
}
