/*
config.go - Runtime configuration

SOURCES (later wins):
  1. Defaults set below (the binary runs with no file at all)
  2. Optional YAML file (path given to Load)
  3. Optional .env file, loaded into the process environment
  4. Environment variables: section.key becomes SECTION_KEY
     (database.sqlite_path -> DATABASE_SQLITE_PATH)
  5. DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME for postgres
  6. Command-line flags, applied by cmd/server after Load

EXAMPLE (config.yaml):
  server:
    port: 8080
  database:
    driver: postgres
    host: db.internal
    name: fleet_ledger
  redis:
    enabled: true
    addr: cache.internal:6379
  business:
    timezone: Asia/Kolkata
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port               int           `mapstructure:"port"`
		CorsAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
		ReadTimeout        time.Duration `mapstructure:"read_timeout"`
		WriteTimeout       time.Duration `mapstructure:"write_timeout"`
		IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	Database struct {
		// Driver is "sqlite" or "postgres".
		Driver     string `mapstructure:"driver"`
		SQLitePath string `mapstructure:"sqlite_path"`

		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		User            string        `mapstructure:"user"`
		Password        string        `mapstructure:"password"`
		Name            string        `mapstructure:"name"`
		SSLMode         string        `mapstructure:"sslmode"`
		MaxOpenConns    int           `mapstructure:"max_open_conns"`
		MaxIdleConns    int           `mapstructure:"max_idle_conns"`
		ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	} `mapstructure:"database"`

	Redis struct {
		Enabled    bool          `mapstructure:"enabled"`
		Addr       string        `mapstructure:"addr"`
		Password   string        `mapstructure:"password"`
		DB         int           `mapstructure:"db"`
		BalanceTTL time.Duration `mapstructure:"balance_ttl"`
	} `mapstructure:"redis"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Business struct {
		Timezone string `mapstructure:"timezone"`
		// OverdueRefreshInterval runs the overdue refresh on a ticker. The
		// default 0 leaves it off: reads refresh statuses on demand.
		OverdueRefreshInterval time.Duration `mapstructure:"overdue_refresh_interval"`
	} `mapstructure:"business"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_allowed_origins", []string{"*"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.sqlite_path", "fleet_ledger.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "fleet_ledger")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.balance_ttl", 5*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("business.timezone", "Asia/Kolkata")
	v.SetDefault("business.overdue_refresh_interval", time.Duration(0))
}

// Load reads configuration from path (may be empty or missing) and the
// environment, then validates it.
func Load(path string) (*Config, error) {
	// .env is optional; a missing file is not an error
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.overrideWithEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// overrideWithEnv applies the conventional DB_* variables.
func (c *Config) overrideWithEnv() {
	if host := os.Getenv("DB_HOST"); host != "" {
		c.Database.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil && n > 0 {
			c.Database.Port = n
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		c.Database.User = user
	}
	if pass := os.Getenv("DB_PASSWORD"); pass != "" {
		c.Database.Password = pass
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		c.Database.Name = name
	}
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return errors.New("database.sqlite_path is required for sqlite")
		}
	case DriverPostgres:
		if c.Database.Host == "" || c.Database.Name == "" {
			return errors.New("database.host and database.name are required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q must be %s or %s", c.Database.Driver, DriverSQLite, DriverPostgres)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	if c.Business.OverdueRefreshInterval < 0 {
		return errors.New("business.overdue_refresh_interval must not be negative")
	}
	if _, err := time.LoadLocation(c.Business.Timezone); err != nil {
		return fmt.Errorf("business.timezone: %w", err)
	}
	return nil
}
