package config

import "fmt"

const (
	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultDatabaseDriver is the default database driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "testpilot.db"

	DefaultReadRequestsPerMinute  = 600
	DefaultWriteRequestsPerMinute = 60
)

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Read    RateLimitTier `yaml:"read,omitempty" mapstructure:"read"`
	Write   RateLimitTier `yaml:"write,omitempty" mapstructure:"write"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

func (s *ServerConfig) applyDefaults() {
	if s.Listen == "" {
		s.Listen = DefaultListen
	}

	if s.RateLimit.Read.RequestsPerMinute <= 0 {
		s.RateLimit.Read.RequestsPerMinute = DefaultReadRequestsPerMinute
	}

	if s.RateLimit.Write.RequestsPerMinute <= 0 {
		s.RateLimit.Write.RequestsPerMinute = DefaultWriteRequestsPerMinute
	}
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

func (d *DatabaseConfig) applyDefaults() {
	if d.Driver == "" {
		d.Driver = DefaultDatabaseDriver
	}

	if d.Driver == "sqlite" && d.SQLite.Path == "" {
		d.SQLite.Path = DefaultSQLitePath
	}

	if d.Postgres.Port == 0 {
		d.Postgres.Port = 5432
	}

	if d.Postgres.SSLMode == "" {
		d.Postgres.SSLMode = "disable"
	}
}

// Validate checks the database configuration.
func (d *DatabaseConfig) Validate() error {
	switch d.Driver {
	case "sqlite":
		if d.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required")
		}
	case "postgres":
		if d.Postgres.Host == "" {
			return fmt.Errorf("postgres.host is required")
		}

		if d.Postgres.Database == "" {
			return fmt.Errorf("postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported driver %q (must be sqlite or postgres)", d.Driver)
	}

	return nil
}
