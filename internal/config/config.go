package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "PARTNERBOARD"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDataDir       = "data"
	defaultStorageDriver = StorageDriverJSON
	defaultSQLitePath    = "partnerboard.db"
	defaultLogLevel      = "info"
	defaultFlushInterval = 30 * time.Second
	defaultTokenTTL      = 7 * 24 * time.Hour
)

// Supported storage drivers.
const (
	StorageDriverJSON   = "json"
	StorageDriverSQLite = "sqlite"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DataDir       string
	StorageDriver string
	SQLitePath    string
	SigningSecret string
	TokenTTL      time.Duration
	AdminEmail    string
	FlushInterval time.Duration
	LogLevel      string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("data.dir", defaultDataDir)
	configViper.SetDefault("storage.driver", defaultStorageDriver)
	configViper.SetDefault("storage.sqlite_path", defaultSQLitePath)
	configViper.SetDefault("storage.flush_interval", defaultFlushInterval)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DataDir:       configViper.GetString("data.dir"),
		StorageDriver: configViper.GetString("storage.driver"),
		SQLitePath:    configViper.GetString("storage.sqlite_path"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),
		AdminEmail:    configViper.GetString("auth.admin_email"),
		FlushInterval: configViper.GetDuration("storage.flush_interval"),
		LogLevel:      configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AdminEmail) == "" {
		return fmt.Errorf("auth.admin_email is required")
	}
	switch c.StorageDriver {
	case StorageDriverJSON:
		if strings.TrimSpace(c.DataDir) == "" {
			return fmt.Errorf("data.dir is required for the json storage driver")
		}
	case StorageDriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite storage driver")
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.StorageDriver)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("storage.flush_interval must be positive")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}
