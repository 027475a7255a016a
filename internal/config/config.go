package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/ksred/schemaflow/internal/state"
)

// Config represents the main application configuration
type Config struct {
	Database   Database   `json:"database" mapstructure:"database"`
	Migrations Migrations `json:"migrations" mapstructure:"migrations"`
	Server     Server     `json:"server" mapstructure:"server"`
	JWT        JWT        `json:"jwt" mapstructure:"jwt"`
	HTTP       HTTP       `json:"http" mapstructure:"http"`
	Auth       Auth       `json:"auth" mapstructure:"auth"`
}

// Database represents database configuration
type Database struct {
	Dialect         string        `json:"dialect" mapstructure:"dialect"`
	Host            string        `json:"host" mapstructure:"host"`
	Port            int           `json:"port" mapstructure:"port"`
	User            string        `json:"user" mapstructure:"user"`
	Password        string        `json:"password" mapstructure:"password"`
	DBName          string        `json:"dbname" mapstructure:"dbname"`
	SSLMode         string        `json:"sslmode" mapstructure:"sslmode"`
	Path            string        `json:"path" mapstructure:"path"`
	MaxConnections  int           `json:"max_connections" mapstructure:"max_connections"`
	MaxIdleConns    int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
	LogLevel        string        `json:"log_level" mapstructure:"log_level"`
}

// Migrations configures where definitions live and how runs are guarded
type Migrations struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	ModelsFile string `json:"models_file" mapstructure:"models_file"`
	LockKey    string `json:"lock_key" mapstructure:"lock_key"`
	// FailOnWarnings refuses to execute plans carrying risky-change warnings
	FailOnWarnings bool `json:"fail_on_warnings" mapstructure:"fail_on_warnings"`
}

// Server represents server configuration
type Server struct {
	LogLevel string `json:"log_level" mapstructure:"log_level"`
	Debug    bool   `json:"debug" mapstructure:"debug"`
}

// JWT represents JWT configuration
type JWT struct {
	Secret string `json:"secret" mapstructure:"secret"`
}

// HTTP represents HTTP server configuration
type HTTP struct {
	Port         int      `json:"port" mapstructure:"port"`
	AllowOrigins []string `json:"allow_origins" mapstructure:"allow_origins"`
}

// Auth holds the bcrypt hash of the API key accepted by the inspection API
type Auth struct {
	APIKeyHash string `json:"api_key_hash" mapstructure:"api_key_hash"`
}

// NewDefault returns a Config instance with default values
func NewDefault() *Config {
	return &Config{
		Database: Database{
			Dialect:         string(state.DialectPostgres),
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "",
			DBName:          "postgres",
			SSLMode:         "disable",
			Path:            "schemaflow.db",
			MaxConnections:  10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 1 * time.Minute,
			LogLevel:        "silent",
		},
		Migrations: Migrations{
			Dir:        "migrations",
			ModelsFile: "models.yaml",
			LockKey:    "schemaflow",
		},
		Server: Server{
			LogLevel: "info",
			Debug:    false,
		},
		JWT: JWT{
			Secret: "change-me-in-production",
		},
		HTTP: HTTP{
			Port:         8082,
			AllowOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	dialect := state.Dialect(c.Database.Dialect)
	if !dialect.Valid() {
		return fmt.Errorf("unsupported database dialect: %q", c.Database.Dialect)
	}

	if dialect == state.DialectSQLite {
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	} else {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("database port must be between 1 and 65535")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.DBName == "" {
			return fmt.Errorf("database name is required")
		}
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be greater than 0")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("max idle connections cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxConnections {
		return fmt.Errorf("max idle connections cannot exceed max connections")
	}

	validGormLevels := map[string]bool{"silent": true, "error": true, "warn": true, "info": true}
	if !validGormLevels[c.Database.LogLevel] {
		return fmt.Errorf("invalid database log level: %s", c.Database.LogLevel)
	}

	if c.Migrations.Dir == "" {
		return fmt.Errorf("migrations directory is required")
	}
	if c.Migrations.LockKey == "" {
		return fmt.Errorf("migration lock key cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Server.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.Server.LogLevel)
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT secret cannot be empty")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}

	return nil
}

// Dialect returns the configured backend
func (c *Config) Dialect() state.Dialect {
	return state.Dialect(c.Database.Dialect)
}

// DSN builds the driver connection string for the configured dialect
func (c *Config) DSN() string {
	switch c.Dialect() {
	case state.DialectMySQL:
		return c.mysqlDSN()
	case state.DialectSQLite:
		return c.Database.Path
	default:
		return c.DatabaseURL()
	}
}

// DatabaseURL constructs a PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	params := url.Values{}
	params.Set("sslmode", c.Database.SSLMode)

	var userInfo *url.Userinfo
	if c.Database.Password == "" {
		userInfo = url.User(c.Database.User)
	} else {
		userInfo = url.UserPassword(c.Database.User, c.Database.Password)
	}

	u := &url.URL{
		Scheme:   "postgres",
		User:     userInfo,
		Host:     fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port),
		Path:     c.Database.DBName,
		RawQuery: params.Encode(),
	}

	return u.String()
}

func (c *Config) mysqlDSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.Database.User
	cfg.Passwd = c.Database.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port)
	cfg.DBName = c.Database.DBName
	cfg.ParseTime = true
	cfg.MultiStatements = false
	return cfg.FormatDSN()
}
