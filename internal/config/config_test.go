package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected ListenAddr %q", cfg.ListenAddr)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Fatalf("unexpected PollInterval %s", cfg.PollInterval)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected LogLevel %v", cfg.LogLevel)
	}
	if cfg.DefaultClient != "auto" {
		t.Fatalf("unexpected DefaultClient %q", cfg.DefaultClient)
	}
	if cfg.Longview.BaseURL != "https://longview.linode.com/fetch" {
		t.Fatalf("unexpected Longview.BaseURL %q", cfg.Longview.BaseURL)
	}
	if cfg.Longview.Rate.PerSecond != 5 || cfg.Longview.Rate.Burst != 5 {
		t.Fatalf("unexpected Longview.Rate %+v", cfg.Longview.Rate)
	}
	if !cfg.Local.Enable {
		t.Fatalf("expected local sampler enabled by default")
	}
	if cfg.Local.History != 720 {
		t.Fatalf("unexpected Local.History %d", cfg.Local.History)
	}
	if len(cfg.Clients) != 0 {
		t.Fatalf("expected no remote clients, got %+v", cfg.Clients)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APP_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("APP_POLL_INTERVAL", "30s")
	t.Setenv("APP_ALLOWED_ORIGINS", "https://example.com, https://other.test")
	t.Setenv("APP_DEFAULT_CLIENT", "default")
	t.Setenv("APP_ENABLE_PROMETHEUS", "true")
	t.Setenv("APP_ENABLE_PPROF", "true")
	t.Setenv("APP_LOG_LEVEL", "debug")
	t.Setenv("APP_LONGVIEW_URL", "http://127.0.0.1:9999/fetch")
	t.Setenv("APP_LONGVIEW_API_KEY", " secret ")
	t.Setenv("APP_LONGVIEW_TIMEOUT", "2s")
	t.Setenv("APP_LONGVIEW_RATE", "0.5")
	t.Setenv("APP_LONGVIEW_BURST", "2")
	t.Setenv("APP_LOCAL_ENABLE", "false")
	t.Setenv("APP_LOCAL_INTERVAL", "1s")
	t.Setenv("APP_LOCAL_HISTORY", "60")
	t.Setenv("APP_API_RATE", "100")
	t.Setenv("APP_API_BURST", "200")
	t.Setenv("APP_WS_MAX_CLIENTS", "2048")
	t.Setenv("APP_WS_WRITE_TIMEOUT", "10s")
	t.Setenv("APP_WS_READ_TIMEOUT", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("ListenAddr override failed, got %q", cfg.ListenAddr)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Fatalf("PollInterval override failed, got %s", cfg.PollInterval)
	}
	wantOrigins := []string{"https://example.com", "https://other.test"}
	if !reflect.DeepEqual(cfg.AllowedOrigins, wantOrigins) {
		t.Fatalf("AllowedOrigins mismatch: %+v", cfg.AllowedOrigins)
	}
	if cfg.DefaultClient != "default" {
		t.Fatalf("DefaultClient override failed, got %q", cfg.DefaultClient)
	}
	if !cfg.EnablePrometheus || !cfg.EnablePprof {
		t.Fatalf("feature toggles not applied")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel override failed, got %v", cfg.LogLevel)
	}
	if cfg.Longview.BaseURL != "http://127.0.0.1:9999/fetch" {
		t.Fatalf("Longview.BaseURL override failed, got %q", cfg.Longview.BaseURL)
	}
	if cfg.Longview.Timeout != 2*time.Second {
		t.Fatalf("Longview.Timeout override failed, got %s", cfg.Longview.Timeout)
	}
	if cfg.Longview.Rate.PerSecond != 0.5 || cfg.Longview.Rate.Burst != 2 {
		t.Fatalf("Longview.Rate override failed, got %+v", cfg.Longview.Rate)
	}
	wantClients := []ClientConfig{{ID: DefaultClientID, Label: "Default client", APIKey: "secret"}}
	if !reflect.DeepEqual(cfg.Clients, wantClients) {
		t.Fatalf("Clients mismatch: %+v", cfg.Clients)
	}
	if cfg.Local.Enable {
		t.Fatalf("Local.Enable override failed, expected false")
	}
	if cfg.Local.Interval != time.Second || cfg.Local.History != 60 {
		t.Fatalf("Local override failed, got %+v", cfg.Local)
	}
	if cfg.API.PerSecond != 100 || cfg.API.Burst != 200 {
		t.Fatalf("API rate override failed, got %+v", cfg.API)
	}
	if cfg.WS.MaxClients != 2048 {
		t.Fatalf("WS.MaxClients override failed, got %d", cfg.WS.MaxClients)
	}
	if cfg.WS.WriteTimeout != 10*time.Second {
		t.Fatalf("WS.WriteTimeout override failed, got %s", cfg.WS.WriteTimeout)
	}
	if cfg.WS.ReadTimeout != 45*time.Second {
		t.Fatalf("WS.ReadTimeout override failed, got %s", cfg.WS.ReadTimeout)
	}
}

func TestLoadClientsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.yaml")
	content := `clients:
  - id: web1
    label: Web server
    api_key: KEY-1
  - id: db1
    api_key: " KEY-2 "
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write clients file: %v", err)
	}
	t.Setenv("APP_CLIENTS_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	want := []ClientConfig{
		{ID: "web1", Label: "Web server", APIKey: "KEY-1"},
		{ID: "db1", Label: "db1", APIKey: "KEY-2"},
	}
	if !reflect.DeepEqual(cfg.Clients, want) {
		t.Fatalf("Clients mismatch: %+v", cfg.Clients)
	}
}

func TestLoadClientsFileRejectsBadEntries(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{"MissingID", "clients:\n  - api_key: K\n"},
		{"MissingKey", "clients:\n  - id: web1\n"},
		{"Duplicate", "clients:\n  - id: a\n    api_key: K\n  - id: a\n    api_key: L\n"},
		{"ShadowsLocal", "clients:\n  - id: local\n    api_key: K\n"},
		{"Malformed", "clients: [\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "clients.yaml")
			if err := os.WriteFile(path, []byte(tc.content), 0o600); err != nil {
				t.Fatalf("write clients file: %v", err)
			}
			t.Setenv("APP_CLIENTS_FILE", path)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procview.env")
	if err := os.WriteFile(path, []byte("APP_LISTEN_ADDR=:7070\nAPP_LOG_LEVEL=warn\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("APP_ENV_FILE", path)
	// Registered for restoration, then cleared so the file can supply it.
	t.Setenv("APP_LISTEN_ADDR", "")
	os.Unsetenv("APP_LISTEN_ADDR")
	// Process environment wins over the file.
	t.Setenv("APP_LOG_LEVEL", "error")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Fatalf("expected listen addr from env file, got %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != slog.LevelError {
		t.Fatalf("expected process env to win, got %v", cfg.LogLevel)
	}
}

func TestLoadMissingExplicitEnvFile(t *testing.T) {
	t.Setenv("APP_ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing explicit env file")
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		val  string
	}{
		{"NegativePollInterval", "APP_POLL_INTERVAL", "-1s"},
		{"InvalidPollInterval", "APP_POLL_INTERVAL", "often"},
		{"InvalidOrigins", "APP_ALLOWED_ORIGINS", ","},
		{"InvalidPrometheusBool", "APP_ENABLE_PROMETHEUS", "maybe"},
		{"InvalidLogLevel", "APP_LOG_LEVEL", "loud"},
		{"InvalidLongviewTimeout", "APP_LONGVIEW_TIMEOUT", "soon"},
		{"NonPositiveLongviewRate", "APP_LONGVIEW_RATE", "0"},
		{"InvalidLongviewBurst", "APP_LONGVIEW_BURST", "lots"},
		{"InvalidLocalEnable", "APP_LOCAL_ENABLE", "maybe"},
		{"NonPositiveLocalInterval", "APP_LOCAL_INTERVAL", "0"},
		{"NonPositiveLocalHistory", "APP_LOCAL_HISTORY", "-5"},
		{"InvalidAPIRate", "APP_API_RATE", "fast"},
		{"NonPositiveAPIBurst", "APP_API_BURST", "0"},
		{"InvalidWSMaxClients", "APP_WS_MAX_CLIENTS", "zero"},
		{"NonPositiveWSMaxClients", "APP_WS_MAX_CLIENTS", "0"},
		{"InvalidWSWriteTimeout", "APP_WS_WRITE_TIMEOUT", "nope"},
		{"NegativeWSReadTimeout", "APP_WS_READ_TIMEOUT", "-1s"},
		{"MissingClientsFile", "APP_CLIENTS_FILE", "/nonexistent/clients.yaml"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.val)
			}
		})
	}
}
