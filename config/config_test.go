package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}

	def := GetDefaultConfig()
	if cfg.Server.Address != def.Server.Address {
		t.Errorf("Expected address %q, got %q", def.Server.Address, cfg.Server.Address)
	}
	if cfg.Live.PollInterval != 5*time.Second {
		t.Errorf("Expected poll interval 5s, got %v", cfg.Live.PollInterval)
	}
	if cfg.Timescale.TableName != "measurements" {
		t.Errorf("Expected table measurements, got %q", cfg.Timescale.TableName)
	}
}

func TestLoadConfig_FileAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("server:\n  address: \":9000\"\ndatabase:\n  host: file-host\n  driver: memory\nlive:\n  poll_interval: 3s\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("DATABASE_HOST", "env-host")
	t.Setenv("AUTH_SECRET_KEY", "s3cret")

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}

	if cfg.Server.Address != ":9000" {
		t.Errorf("Expected file value :9000, got %q", cfg.Server.Address)
	}
	if cfg.Database.Host != "env-host" {
		t.Errorf("Expected env to win, got %q", cfg.Database.Host)
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("Expected memory driver, got %q", cfg.Database.Driver)
	}
	if cfg.Auth.SecretKey != "s3cret" {
		t.Errorf("Expected secret from env, got %q", cfg.Auth.SecretKey)
	}
	if cfg.Live.PollInterval != 3*time.Second {
		t.Errorf("Expected poll interval 3s, got %v", cfg.Live.PollInterval)
	}
}

func TestLoadConfig_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Error("Expected error for unsupported driver")
	}
}

func TestGetMQTTBrokerURL(t *testing.T) {
	cases := map[string]string{
		"tcp://broker":        "tcp://broker:1883",
		"tcp://broker:1999":   "tcp://broker:1999",
		"wss://broker":        "wss://broker:1883",
		"http://broker":       "tcp://broker:1883",
		"https://broker:8883": "ssl://broker:8883",
		"broker.example.com":  "tcp://broker.example.com:1883",
	}

	for in, want := range cases {
		cfg := GetDefaultConfig()
		cfg.MQTT.Broker = in
		if got := cfg.GetMQTTBrokerURL(); got != want {
			t.Errorf("GetMQTTBrokerURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAccessTokenTTL(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Auth.AccessTokenExpireMinutes = 30
	if got := cfg.AccessTokenTTL(); got != 30*time.Minute {
		t.Errorf("Expected 30m, got %v", got)
	}
}
