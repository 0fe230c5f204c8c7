package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "PILOT"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "pilot.db"
	defaultLogLevel     = "info"

	defaultSessionBreak   = 15 * time.Minute
	defaultLivenessWindow = 30 * time.Minute

	// Fast-mode windows keep local development and end-to-end tests from
	// waiting minutes for a session break or a liveness sweep.
	fastSessionBreak   = 30 * time.Second
	fastLivenessWindow = 5 * time.Minute
)

// AppConfig captures runtime configuration for the realtime server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	// ExchangeSecret authenticates the surrounding application's token
	// exchange calls. Defaults to the signing secret when unset.
	ExchangeSecret string
	SessionBreak   time.Duration
	LivenessWindow time.Duration
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
	configViper.SetDefault("realtime.fast", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		ExchangeSecret: configViper.GetString("auth.exchange_secret"),
		SessionBreak:   defaultSessionBreak,
		LivenessWindow: defaultLivenessWindow,
	}

	if strings.TrimSpace(cfg.ExchangeSecret) == "" {
		cfg.ExchangeSecret = cfg.SigningSecret
	}

	if configViper.GetBool("realtime.fast") {
		cfg.SessionBreak = fastSessionBreak
		cfg.LivenessWindow = fastLivenessWindow
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
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}
