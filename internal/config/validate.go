package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Redis locks are renewed every third of their TTL, so the TTL must leave
// room for a renewal round trip.
const minRedisLockTTL = 300 * time.Millisecond

// Validate performs business-rule validation on the loaded configuration.
// Load calls it automatically.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535 (got %d)", c.Server.Port)
	}

	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver must be one of sqlite3, postgres, memory (got %q)", c.Database.Driver)
	}

	c.Lock.Backend = strings.ToLower(strings.TrimSpace(c.Lock.Backend))
	switch c.Lock.Backend {
	case LockAuto, LockLocal:
	case LockRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required when lock.backend is redis")
		}
	default:
		return fmt.Errorf("lock.backend must be one of auto, local, redis (got %q)", c.Lock.Backend)
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be > 0 (got %s)", c.Lock.TTL)
	}
	if c.Lock.Backend == LockRedis && c.Lock.TTL < minRedisLockTTL {
		return fmt.Errorf("lock.ttl must be at least %s for the redis backend (got %s)", minRedisLockTTL, c.Lock.TTL)
	}

	if c.Events.PublishTimeout <= 0 {
		return fmt.Errorf("events.publish_timeout must be > 0 (got %s)", c.Events.PublishTimeout)
	}

	c.Tracing.Exporter = strings.ToLower(strings.TrimSpace(c.Tracing.Exporter))
	switch c.Tracing.Exporter {
	case TraceExporterNone, TraceExporterStdout:
	default:
		return fmt.Errorf("tracing.exporter must be one of none, stdout (got %q)", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be in 0..1 (got %v)", c.Tracing.SampleRatio)
	}

	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be >= 0 (got %v)", c.RateLimit.RequestsPerSecond)
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit.burst must be > 0 when limiting is enabled (got %d)", c.RateLimit.Burst)
	}

	return nil
}

// Addr returns the host:port the HTTP server listens on.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
