package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Notification NotificationConfig `yaml:"notification"`
	Log          LogConfig          `yaml:"log"`
	Fulfillment  FulfillmentConfig  `yaml:"fulfillment"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	MaxUploadMB         int64  `yaml:"max_upload_mb"`
}

// DatabaseConfig contains storage settings. Driver "memory" keeps everything
// in process and ignores the connection fields.
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // "postgres" or "memory"
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig enables the idempotency cache when Addr is set
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig enables low-stock event publishing when Brokers is non-empty
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	LowStockTopic string   `yaml:"low_stock_topic"`
}

// NotificationConfig contains the low-stock email settings
type NotificationConfig struct {
	SendgridAPIKey string `yaml:"sendgrid_api_key"`
	FromEmail      string `yaml:"from_email"`
	FromName       string `yaml:"from_name"`
	LowStockEmail  string `yaml:"low_stock_email"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
}

// FulfillmentConfig holds the business knobs of the order and inventory core
type FulfillmentConfig struct {
	Currency                  string `yaml:"currency"`
	LowStockThreshold         int    `yaml:"low_stock_threshold"`
	MaxImportErrors           int    `yaml:"max_import_errors"`
	ReservationTimeoutMinutes int    `yaml:"reservation_timeout_minutes"`
	CompensationMaxTries      uint   `yaml:"compensation_max_tries"`
	CompensationInitialMillis int    `yaml:"compensation_initial_millis"`
	IdempotencyTTLHours       int    `yaml:"idempotency_ttl_hours"`
	SweepBatchSize            int    `yaml:"sweep_batch_size"`
	IDCodecSecret             string `yaml:"id_codec_secret"`
}

// SchedulerConfig contains cron schedule settings (seconds precision, UTC)
type SchedulerConfig struct {
	ExpireUnits              string `yaml:"expire_units"`
	ReleaseStaleReservations string `yaml:"release_stale_reservations"`
	ReconcileOrders          string `yaml:"reconcile_orders"`
	VerifyLedgerBalances     string `yaml:"verify_ledger_balances"`
}

// Load reads configuration from a YAML file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML bytes, applying env overrides and defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override with environment variables if present
	cfg.overrideWithEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// overrideWithEnv overrides config values with environment variables
func (c *Config) overrideWithEnv() {
	// Database
	if val := os.Getenv("DB_DRIVER"); val != "" {
		c.Database.Driver = val
	}
	if val := os.Getenv("DB_HOST"); val != "" {
		c.Database.Host = val
	}
	if val := os.Getenv("DB_PORT"); val != "" {
		fmt.Sscanf(val, "%d", &c.Database.Port)
	}
	if val := os.Getenv("DB_USER"); val != "" {
		c.Database.User = val
	}
	if val := os.Getenv("DB_PASSWORD"); val != "" {
		c.Database.Password = val
	}
	if val := os.Getenv("DB_NAME"); val != "" {
		c.Database.Database = val
	}
	if val := os.Getenv("DB_SSL_MODE"); val != "" {
		c.Database.SSLMode = val
	}

	// Redis / Kafka
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		c.Redis.Addr = val
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		c.Redis.Password = val
	}
	if val := os.Getenv("KAFKA_BROKERS"); val != "" {
		c.Kafka.Brokers = strings.Split(val, ",")
	}

	// Notification
	if val := os.Getenv("SENDGRID_API_KEY"); val != "" {
		c.Notification.SendgridAPIKey = val
	}
	if val := os.Getenv("LOW_STOCK_EMAIL"); val != "" {
		c.Notification.LowStockEmail = val
	}

	// Server
	if val := os.Getenv("SERVER_HOST"); val != "" {
		c.Server.Host = val
	}
	if val := os.Getenv("SERVER_PORT"); val != "" {
		fmt.Sscanf(val, "%d", &c.Server.Port)
	}

	// Log
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}

	if val := os.Getenv("ID_CODEC_SECRET"); val != "" {
		c.Fulfillment.IDCodecSecret = val
	}

	// Set defaults for log if not configured
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks if the configuration is valid and fills defaults
func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeoutSeconds == 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds == 0 {
		c.Server.WriteTimeoutSeconds = 30
	}
	if c.Server.MaxUploadMB == 0 {
		c.Server.MaxUploadMB = 10
	}

	// Database validation
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = "disable"
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.LowStockTopic == "" {
		c.Kafka.LowStockTopic = "inventory.low-stock"
	}

	if c.Notification.SendgridAPIKey != "" && c.Notification.LowStockEmail == "" {
		return fmt.Errorf("notification low_stock_email is required when sendgrid is configured")
	}
	if c.Notification.FromName == "" {
		c.Notification.FromName = "CardVault"
	}
	if c.Notification.TimeoutSeconds == 0 {
		c.Notification.TimeoutSeconds = 10
	}

	// Fulfillment defaults
	f := &c.Fulfillment
	if f.Currency == "" {
		f.Currency = "SAR"
	}
	if len(f.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code: %q", f.Currency)
	}
	if f.LowStockThreshold == 0 {
		f.LowStockThreshold = 5
	}
	if f.MaxImportErrors == 0 {
		f.MaxImportErrors = 50
	}
	if f.ReservationTimeoutMinutes == 0 {
		f.ReservationTimeoutMinutes = 15
	}
	if f.CompensationMaxTries == 0 {
		f.CompensationMaxTries = 5
	}
	if f.CompensationInitialMillis == 0 {
		f.CompensationInitialMillis = 100
	}
	if f.IdempotencyTTLHours == 0 {
		f.IdempotencyTTLHours = 24
	}
	if f.SweepBatchSize == 0 {
		f.SweepBatchSize = 200
	}
	if f.IDCodecSecret != "" && len(f.IDCodecSecret) < 32 {
		return fmt.Errorf("id codec secret must be at least 32 characters")
	}

	// Scheduler defaults
	if c.Scheduler.ExpireUnits == "" {
		c.Scheduler.ExpireUnits = "0 */10 * * * *" // every 10 minutes
	}
	if c.Scheduler.ReleaseStaleReservations == "" {
		c.Scheduler.ReleaseStaleReservations = "0 */5 * * * *" // every 5 minutes
	}
	if c.Scheduler.ReconcileOrders == "" {
		c.Scheduler.ReconcileOrders = "30 */5 * * * *" // every 5 minutes, offset
	}
	if c.Scheduler.VerifyLedgerBalances == "" {
		c.Scheduler.VerifyLedgerBalances = "0 0 3 * * *" // 3 AM UTC
	}

	return nil
}

// GetDatabaseConnectionString returns a PostgreSQL connection string
func (c *Config) GetDatabaseConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// GetServerAddress returns the HTTP listen address
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (f FulfillmentConfig) ReservationTimeout() time.Duration {
	return time.Duration(f.ReservationTimeoutMinutes) * time.Minute
}

func (f FulfillmentConfig) IdempotencyTTL() time.Duration {
	return time.Duration(f.IdempotencyTTLHours) * time.Hour
}

func (f FulfillmentConfig) CompensationInitialInterval() time.Duration {
	return time.Duration(f.CompensationInitialMillis) * time.Millisecond
}
