package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/commatea/APNS-Bridge/pkg/apns"
)

func TestLoadFile(t *testing.T) {
	content := `
environment: production
connect_timeout: 5s
tls:
  cert_file: /etc/apns/cert.pem
  key_file: /etc/apns/key.pem
backend:
  connections: 4
journal:
  enabled: true
  path: /var/lib/apns/journal.db
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Environment != apns.EnvironmentProduction {
		t.Errorf("environment = %s, want production", cfg.Environment)
	}
	if cfg.ConnectTimeout != 5*time.Second {
		t.Errorf("connect_timeout = %v, want 5s", cfg.ConnectTimeout)
	}
	if cfg.Backend.Connections != 4 {
		t.Errorf("backend.connections = %d, want 4", cfg.Backend.Connections)
	}
	if !cfg.Journal.Enabled || cfg.Journal.Path != "/var/lib/apns/journal.db" {
		t.Errorf("journal = %+v, want enabled at /var/lib/apns/journal.db", cfg.Journal)
	}
	// Unset fields keep their defaults.
	if cfg.Logging.Level != "info" {
		t.Errorf("logging.level = %s, want default info", cfg.Logging.Level)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() with explicit missing path succeeded, want error")
	}
}

func TestValidateRejectsBadEnvironment(t *testing.T) {
	content := "environment: staging\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() accepted unknown environment")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.Backend.Connections = 8

	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() after Save error = %v", err)
	}
	if loaded.Backend.Connections != 8 {
		t.Errorf("round-trip connections = %d, want 8", loaded.Backend.Connections)
	}
}
