package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "BATTLEMAP"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "battlemap.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "app_session"
	defaultSessionIssuer     = "battlemap-auth"
	defaultFlushBaseURL      = "http://127.0.0.1:8080"
	defaultFlushIntervalSecs = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	LogFile            string
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookieName  string
	RelayFlushSecret   string
	RelayFlushBaseURL  string
	RelayFlushInterval time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("relay.flush_base_url", defaultFlushBaseURL)
	configViper.SetDefault("relay.flush_interval_s", defaultFlushIntervalSecs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogFile:            configViper.GetString("log.file"),
		SessionSigningKey:  configViper.GetString("session.signing_secret"),
		SessionIssuer:      configViper.GetString("session.issuer"),
		SessionCookieName:  configViper.GetString("session.cookie_name"),
		RelayFlushSecret:   configViper.GetString("relay.flush_secret"),
		RelayFlushBaseURL:  configViper.GetString("relay.flush_base_url"),
		RelayFlushInterval: time.Duration(configViper.GetInt("relay.flush_interval_s")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.RelayFlushSecret) == "" {
		return fmt.Errorf("relay.flush_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.RelayFlushInterval <= 0 {
		return fmt.Errorf("relay.flush_interval_s must be positive")
	}
	return nil
}
