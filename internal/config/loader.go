package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	v.SetConfigName("schemaflow")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/schemaflow")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".schemaflow"))
		}
	}

	// Set defaults (these will be overridden by config file and env vars)
	setDefaults(v)

	v.SetEnvPrefix("SCHEMAFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file doesn't exist, we have defaults and env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// DATABASE_URL wins over individual settings
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if err := parseDatabaseURL(v, dbURL); err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	d := NewDefault()

	v.SetDefault("database.dialect", d.Database.Dialect)
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", d.Database.DBName)
	v.SetDefault("database.sslmode", d.Database.SSLMode)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.conn_max_idle_time", "1m")
	v.SetDefault("database.log_level", d.Database.LogLevel)

	v.SetDefault("migrations.dir", d.Migrations.Dir)
	v.SetDefault("migrations.models_file", d.Migrations.ModelsFile)
	v.SetDefault("migrations.lock_key", d.Migrations.LockKey)
	v.SetDefault("migrations.fail_on_warnings", false)

	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.debug", false)

	v.SetDefault("jwt.secret", d.JWT.Secret)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.allow_origins", d.HTTP.AllowOrigins)
	v.SetDefault("auth.api_key_hash", "")
}

// bindEnvVars binds specific environment variables to configuration keys
func bindEnvVars(v *viper.Viper) {
	v.BindEnv("server.log_level", "LOG_LEVEL", "SCHEMAFLOW_SERVER_LOG_LEVEL")
	v.BindEnv("server.debug", "DEBUG", "SCHEMAFLOW_SERVER_DEBUG")
	v.BindEnv("jwt.secret", "JWT_SECRET", "SCHEMAFLOW_JWT_SECRET")
	v.BindEnv("migrations.dir", "MIGRATIONS_DIR", "SCHEMAFLOW_MIGRATIONS_DIR")
}

// parseDatabaseURL reads postgres://, mysql:// and sqlite:// URLs into the
// individual database settings
func parseDatabaseURL(v *viper.Viper, dbURL string) error {
	u, err := url.Parse(dbURL)
	if err != nil {
		return err
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		v.Set("database.dialect", "postgres")
	case "mysql":
		v.Set("database.dialect", "mysql")
	case "sqlite", "sqlite3", "file":
		v.Set("database.dialect", "sqlite")
		path := u.Opaque
		if path == "" {
			path = u.Host + u.Path
		}
		if path == "" {
			return fmt.Errorf("sqlite URL has no path")
		}
		v.Set("database.path", path)
		return nil
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if u.User != nil {
		v.Set("database.user", u.User.Username())
		if pw, ok := u.User.Password(); ok {
			v.Set("database.password", pw)
		}
	}
	if u.Hostname() == "" {
		return fmt.Errorf("host not found in URL")
	}
	v.Set("database.host", u.Hostname())
	if port := u.Port(); port != "" {
		v.Set("database.port", port)
	}

	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return fmt.Errorf("database name not found in URL")
	}
	v.Set("database.dbname", name)

	if mode := u.Query().Get("sslmode"); mode != "" {
		v.Set("database.sslmode", mode)
	}
	return nil
}

// LoadConfigOrDefault loads configuration or returns default if loading fails
func LoadConfigOrDefault(configPath string) *Config {
	config, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to load config: %v. Using defaults.\n", err)
		return NewDefault()
	}
	return config
}
