package config

import "time"

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Lock      LockConfig      `yaml:"lock"`
	Redis     RedisConfig     `yaml:"redis"`
	Events    EventsConfig    `yaml:"events"`
	Log       LogConfig       `yaml:"log"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"             env:"SERVER_HOST"             env-default:"0.0.0.0"`
	Port            int           `yaml:"port"             env:"PORT"                    env-default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"SERVER_READ_TIMEOUT"     env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"SERVER_WRITE_TIMEOUT"    env-default:"30s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"     env:"SERVER_IDLE_TIMEOUT"     env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// Database drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// DatabaseConfig selects the contact store backend.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"            env:"DATABASE_DRIVER"            env-default:"sqlite3"`
	DSN             string        `yaml:"dsn"               env:"DATABASE_URL"               env-default:"./contacts.db"`
	MaxOpenConns    int           `yaml:"max_open_conns"    env:"DATABASE_MAX_OPEN_CONNS"    env-default:"25"`
	MaxIdleConns    int           `yaml:"max_idle_conns"    env:"DATABASE_MAX_IDLE_CONNS"    env-default:"5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME" env-default:"1h"`
	AutoMigrate     bool          `yaml:"auto_migrate"      env:"DATABASE_AUTO_MIGRATE"      env-default:"true"`
}

// Lock backends.
const (
	LockAuto  = "auto"
	LockLocal = "local"
	LockRedis = "redis"
)

// LockConfig controls per-cluster serialization of resolves. Redis locks
// are held for TTL and renewed while the resolve is still running.
type LockConfig struct {
	Backend string        `yaml:"backend" env:"LOCK_BACKEND" env-default:"auto"`
	TTL     time.Duration `yaml:"ttl"     env:"LOCK_TTL"     env-default:"10s"`
	Wait    time.Duration `yaml:"wait"    env:"LOCK_WAIT"    env-default:"5s"`
}

// RedisConfig holds the optional Redis connection used for distributed locks.
type RedisConfig struct {
	URL          string        `yaml:"url"            env:"REDIS_URL"`
	PoolSize     int           `yaml:"pool_size"      env:"REDIS_POOL_SIZE"      env-default:"10"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"REDIS_MIN_IDLE_CONNS" env-default:"2"`
	DialTimeout  time.Duration `yaml:"dial_timeout"   env:"REDIS_DIAL_TIMEOUT"   env-default:"5s"`
	ReadTimeout  time.Duration `yaml:"read_timeout"   env:"REDIS_READ_TIMEOUT"   env-default:"3s"`
	WriteTimeout time.Duration `yaml:"write_timeout"  env:"REDIS_WRITE_TIMEOUT"  env-default:"3s"`
}

// EventsConfig configures the Kafka publisher. With no brokers, events are logged.
type EventsConfig struct {
	Brokers  []string `yaml:"brokers"   env:"EVENTS_KAFKA_BROKERS"   env-separator:","`
	Topic    string   `yaml:"topic"     env:"EVENTS_KAFKA_TOPIC"     env-default:"contacts.identity"`
	ClientID string   `yaml:"client_id" env:"EVENTS_KAFKA_CLIENT_ID" env-default:"identity-reconciliation"`
	// PublishTimeout bounds how long a resolve waits for its events after commit.
	PublishTimeout time.Duration `yaml:"publish_timeout" env:"EVENTS_PUBLISH_TIMEOUT" env-default:"5s"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// RateLimitConfig bounds /identify calls per remote address. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"RATE_LIMIT_RPS"   env-default:"20"`
	Burst             int     `yaml:"burst"               env:"RATE_LIMIT_BURST" env-default:"40"`
}

// Trace exporters.
const (
	TraceExporterNone   = "none"
	TraceExporterStdout = "stdout"
)

// TracingConfig selects where resolver spans go. With exporter none spans are
// sampled and recorded but not exported.
type TracingConfig struct {
	Exporter    string  `yaml:"exporter"     env:"TRACING_EXPORTER"     env-default:"none"`
	SampleRatio float64 `yaml:"sample_ratio" env:"TRACING_SAMPLE_RATIO" env-default:"1"`
	ServiceName string  `yaml:"service_name" env:"TRACING_SERVICE_NAME" env-default:"identity-reconciliation"`
}
