package domain

import (
	"fmt"
	"time"
)

// EngineType identifies a backend implementation.
type EngineType string

const (
	EnginePostgres EngineType = "postgresql"
	EngineMySQL    EngineType = "mysql"
	EngineSQLite   EngineType = "sqlite"
	EngineMongo    EngineType = "mongodb"
	EngineRedis    EngineType = "redis"
)

// Config holds the complete Kestrel configuration. Constructed once at
// startup and immutable thereafter.
type Config struct {
	// Server settings for the admin/ops HTTP surface.
	Server ServerConfig `json:"server"`

	// Engines maps engine id to its database block.
	Engines map[string]DatabaseConfig `json:"engines"`

	// DefaultEngine is the id routed to when a request names none.
	DefaultEngine string `json:"defaultEngine"`

	// Security is the shared security-layer configuration.
	Security SecurityConfig `json:"security"`

	// Audit configures audit emission and sinks.
	Audit AuditConfig `json:"audit"`

	// Logging settings.
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// DatabaseConfig describes one registered engine instance.
type DatabaseConfig struct {
	Type EngineType `json:"type"`

	// Connection endpoint. URI wins when set; otherwise host/port/path.
	URI      string `json:"uri,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Path     string `json:"path,omitempty"` // sqlite file path
	Database string `json:"database,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	SSLMode  string `json:"sslMode,omitempty"`

	Pool PoolConfig `json:"pool"`
}

// PoolConfig bounds the connection pool for one engine.
type PoolConfig struct {
	MinConnections int           `json:"minConnections"`
	MaxConnections int           `json:"maxConnections"`
	AcquireTimeout time.Duration `json:"acquireTimeout"`
	IdleTimeout    time.Duration `json:"idleTimeout"`
	MaxLifetime    time.Duration `json:"maxLifetime"`
}

// SecurityConfig toggles the layers applied between callers and
// backends.
type SecurityConfig struct {
	EnableSQLInjectionDetection bool `json:"enableSqlInjectionDetection"`
	EnableRBAC                  bool `json:"enableRbac"`
	EnableAuditLogging          bool `json:"enableAuditLogging"`
	MaxQueryLength              int  `json:"maxQueryLength"`

	// Timezone used for time-of-day and day-of-week conditions.
	Timezone string `json:"timezone"`

	// EmergencyOverride bypasses time-window conditions; flipping it
	// is itself an audited admin action.
	EmergencyOverride bool `json:"emergencyOverride"`
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	// Sink is "memory", "channel" or "nats".
	Sink string `json:"sink"`

	// BufferSize bounds the in-memory append-only log and the channel
	// sink.
	BufferSize int `json:"bufferSize"`

	// NATS settings, used when Sink == "nats".
	NATSUrl           string `json:"natsUrl,omitempty"`
	NATSToken         string `json:"natsToken,omitempty"`
	NATSMaxReconnects int    `json:"natsMaxReconnects,omitempty"`
	NATSReconnectWait int    `json:"natsReconnectWait,omitempty"` // seconds
}

// DefaultConfig returns a single-engine SQLite configuration with the
// full security layer enabled.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Engines: map[string]DatabaseConfig{
			"default": {
				Type: EngineSQLite,
				Path: "./kestrel.db",
				Pool: DefaultPoolConfig(),
			},
		},
		DefaultEngine: "default",
		Security: SecurityConfig{
			EnableSQLInjectionDetection: true,
			EnableRBAC:                  true,
			EnableAuditLogging:          true,
			MaxQueryLength:              100_000,
			Timezone:                    "UTC",
		},
		Audit: AuditConfig{
			Sink:       "memory",
			BufferSize: 10_000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultPoolConfig returns pool bounds suitable for a single-node
// deployment.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinConnections: 1,
		MaxConnections: 10,
		AcquireTimeout: 5 * time.Second,
		IdleTimeout:    5 * time.Minute,
		MaxLifetime:    30 * time.Minute,
	}
}

// Validate checks a database block before any resource is allocated.
func (c DatabaseConfig) Validate() error {
	switch c.Type {
	case EnginePostgres, EngineMySQL:
		if c.URI == "" && c.Host == "" {
			return E(ErrConfiguration, "%s: host or uri is required", c.Type)
		}
		if c.URI == "" && c.User == "" {
			return E(ErrConfiguration, "%s: user is required", c.Type)
		}
	case EngineSQLite:
		if c.Path == "" && c.URI == "" {
			return E(ErrConfiguration, "sqlite: path is required")
		}
	case EngineMongo:
		if c.URI == "" && c.Host == "" {
			return E(ErrConfiguration, "mongodb: host or uri is required")
		}
	case EngineRedis:
		if c.URI == "" && c.Host == "" {
			return E(ErrConfiguration, "redis: host or uri is required")
		}
	default:
		return E(ErrConfiguration, "unsupported engine type: %q", c.Type)
	}
	return c.Pool.Validate()
}

// Validate checks pool bounds.
func (p PoolConfig) Validate() error {
	if p.MaxConnections <= 0 {
		return E(ErrConfiguration, "pool: maxConnections must be positive, got %d", p.MaxConnections)
	}
	if p.MinConnections < 0 || p.MinConnections > p.MaxConnections {
		return E(ErrConfiguration, "pool: minConnections %d out of range [0, %d]", p.MinConnections, p.MaxConnections)
	}
	if p.AcquireTimeout <= 0 {
		return E(ErrConfiguration, "pool: acquireTimeout must be positive")
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if len(c.Engines) == 0 {
		return E(ErrConfiguration, "at least one engine must be configured")
	}
	for id, eng := range c.Engines {
		if err := eng.Validate(); err != nil {
			return fmt.Errorf("engine %q: %w", id, err)
		}
	}
	if c.DefaultEngine != "" {
		if _, ok := c.Engines[c.DefaultEngine]; !ok {
			return E(ErrConfiguration, "default engine %q is not configured", c.DefaultEngine)
		}
	}
	if c.Security.Timezone != "" {
		if _, err := time.LoadLocation(c.Security.Timezone); err != nil {
			return E(ErrConfiguration, "invalid timezone %q", c.Security.Timezone)
		}
	}
	return nil
}
