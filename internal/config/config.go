package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database" validate:"required"`
	Redis         RedisConfig         `mapstructure:"redis" validate:"required"`
	Processor     ProcessorConfig     `mapstructure:"processor" validate:"required"`
	Relay         RelayConfig         `mapstructure:"relay" validate:"required"`
	Sweeper       SweeperConfig       `mapstructure:"sweeper" validate:"required"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	InstanceID    string              `mapstructure:"instance_id" validate:"required"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	User            string        `mapstructure:"user" validate:"required"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database" validate:"required"`
	MaxConnections  int           `mapstructure:"max_connections" validate:"gt=0"`
	MinConnections  int           `mapstructure:"min_connections" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gt=0"`
	SSLMode         string        `mapstructure:"ssl_mode"`
}

// RedisConfig holds the broker connection configuration
type RedisConfig struct {
	Host              string        `mapstructure:"host" validate:"required"`
	Port              int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	DB                int           `mapstructure:"db" validate:"gte=0"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

// ProcessorConfig drives the payment batch processor tick.
type ProcessorConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	BatchSize         int           `mapstructure:"batch_size" validate:"gt=0"`
	MaxBatchesPerTick int           `mapstructure:"max_batches_per_tick" validate:"gt=0"`
	LockOwner         string        `mapstructure:"lock_owner"`
	LockTTL           time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
	TickInterval      time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	ProviderName      string        `mapstructure:"provider_name" validate:"required"`
}

// RelayConfig drives the outbox relay tick.
type RelayConfig struct {
	BatchSize          int           `mapstructure:"batch_size" validate:"gt=0"`
	LockOwner          string        `mapstructure:"lock_owner"`
	LockTTL            time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
	TickInterval       time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	RetryBase          time.Duration `mapstructure:"retry_base" validate:"gt=0"`
	RetryMax           time.Duration `mapstructure:"retry_max" validate:"gt=0"`
	MaxPublishAttempts int           `mapstructure:"max_publish_attempts" validate:"gt=0"`
}

// SweeperConfig drives the stuck-batch sweeper tick.
type SweeperConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	RetryBase          time.Duration `mapstructure:"retry_base" validate:"gt=0"`
	RetryMax           time.Duration `mapstructure:"retry_max" validate:"gt=0"`
	MaxBatchAttempts   int           `mapstructure:"max_batch_attempts" validate:"gte=0"`
	MaxPaymentAttempts int           `mapstructure:"max_payment_attempts" validate:"gte=0"`
	LockTTL            time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
	TickInterval       time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
}

// ObservabilityConfig holds logging, metrics and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
	MetricsPort    int    `mapstructure:"metrics_port" validate:"gt=0,lte=65535"`
}

// Load reads configuration from environment variables and config files
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PAYRUN")
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/payrun")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the struct tags plus the cross-field constraints the
// tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	var errs []error
	if c.Relay.RetryMax < c.Relay.RetryBase {
		errs = append(errs, fmt.Errorf("relay.retry_max must be >= relay.retry_base"))
	}
	if c.Sweeper.RetryMax < c.Sweeper.RetryBase {
		errs = append(errs, fmt.Errorf("sweeper.retry_max must be >= sweeper.retry_base"))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "payrun")
	v.SetDefault("database.password", "payrun")
	v.SetDefault("database.database", "payrun")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Processor defaults
	v.SetDefault("processor.enabled", true)
	v.SetDefault("processor.batch_size", 100)
	v.SetDefault("processor.max_batches_per_tick", 5)
	v.SetDefault("processor.lock_owner", "")
	v.SetDefault("processor.lock_ttl", "60s")
	v.SetDefault("processor.tick_interval", "5s")
	v.SetDefault("processor.provider_name", "ach-mock")

	// Relay defaults
	v.SetDefault("relay.batch_size", 50)
	v.SetDefault("relay.lock_owner", "")
	v.SetDefault("relay.lock_ttl", "30s")
	v.SetDefault("relay.tick_interval", "2s")
	v.SetDefault("relay.retry_base", "1s")
	v.SetDefault("relay.retry_max", "5m")
	v.SetDefault("relay.max_publish_attempts", 10)

	// Sweeper defaults
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.retry_base", "30s")
	v.SetDefault("sweeper.retry_max", "30m")
	v.SetDefault("sweeper.max_batch_attempts", 5)
	v.SetDefault("sweeper.max_payment_attempts", 3)
	v.SetDefault("sweeper.lock_ttl", "60s")
	v.SetDefault("sweeper.tick_interval", "60s")

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", false)
	v.SetDefault("observability.metrics_port", 9090)

	// Instance ID
	v.SetDefault("instance_id", "payrun-1")
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Addr returns the Redis address
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
