package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address %s", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "pilot.db" {
		t.Fatalf("unexpected database path %s", cfg.DatabasePath)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected log level %s", cfg.LogLevel)
	}
	if cfg.SessionBreak != 15*time.Minute {
		t.Fatalf("unexpected session break %s", cfg.SessionBreak)
	}
	if cfg.LivenessWindow != 30*time.Minute {
		t.Fatalf("unexpected liveness window %s", cfg.LivenessWindow)
	}
}

func TestLoadFastModeShortensWindows(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("realtime.fast", true)

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SessionBreak != 30*time.Second {
		t.Fatalf("unexpected fast session break %s", cfg.SessionBreak)
	}
	if cfg.LivenessWindow != 5*time.Minute {
		t.Fatalf("unexpected fast liveness window %s", cfg.LivenessWindow)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for missing signing secret")
	}
}

func TestLoadRequiresDatabasePath(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("database.path", "  ")

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for blank database path")
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("http.address", "127.0.0.1:9999")
	configViper.Set("log.level", "debug")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9999" {
		t.Fatalf("unexpected http address %s", cfg.HTTPAddress)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("unexpected log level %s", cfg.LogLevel)
	}
}

func TestLoadExchangeSecretFallsBackToSigningSecret(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ExchangeSecret != "secret" {
		t.Fatalf("unexpected exchange secret %s", cfg.ExchangeSecret)
	}

	configViper.Set("auth.exchange_secret", "exchange")
	cfg, err = Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ExchangeSecret != "exchange" {
		t.Fatalf("unexpected exchange secret %s", cfg.ExchangeSecret)
	}
}
