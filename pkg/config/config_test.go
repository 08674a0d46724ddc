package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFile_ReturnsDefault(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, path, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if path == "" {
		t.Fatalf("expected config path")
	}
	if got := cfg.Host(); got != DefaultHost {
		t.Fatalf("cfg.Host() = %q, want %q", got, DefaultHost)
	}
	if got := cfg.Port(); got != DefaultPort {
		t.Fatalf("cfg.Port() = %d, want %d", got, DefaultPort)
	}
}

func TestEnsureDefaultConfig_CreatesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path, err := EnsureDefaultConfig()
	if err != nil {
		t.Fatalf("EnsureDefaultConfig() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist at %s: %v", path, err)
	}

	cfg, gotPath, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if filepath.Clean(gotPath) != filepath.Clean(path) {
		t.Fatalf("Load() path = %s, want %s", gotPath, path)
	}
	if got := cfg.Host(); got != DefaultHost {
		t.Fatalf("cfg.Host() = %q, want %q", got, DefaultHost)
	}
	if got := cfg.Port(); got != DefaultPort {
		t.Fatalf("cfg.Port() = %d, want %d", got, DefaultPort)
	}
}

func TestLoad_ParsesHostAndPort(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	configDir := filepath.Join(home, ".inkos")
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("server:\n  host: 0.0.0.0\n  port: 9090\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Host(); got != "0.0.0.0" {
		t.Fatalf("cfg.Host() = %q, want %q", got, "0.0.0.0")
	}
	if got := cfg.Port(); got != 9090 {
		t.Fatalf("cfg.Port() = %d, want %d", got, 9090)
	}
}

func TestLoad_ParsesPort(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	configDir := filepath.Join(home, ".inkos")
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("server:\n  port: 9090\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Port(); got != 9090 {
		t.Fatalf("cfg.Port() = %d, want %d", got, 9090)
	}
}

func TestLoad_AppliesSectionDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.DatabaseDriver(); got != "sqlite" {
		t.Fatalf("cfg.DatabaseDriver() = %q, want sqlite", got)
	}
	if got := filepath.Base(cfg.DatabaseDSN()); got != DefaultDatabaseFileName {
		t.Fatalf("cfg.DatabaseDSN() base = %q, want %q", got, DefaultDatabaseFileName)
	}
	if got := cfg.SchedulerTick(); got != time.Minute {
		t.Fatalf("cfg.SchedulerTick() = %s, want 1m", got)
	}
	if got := cfg.NightlySchedule(); got != DefaultNightly {
		t.Fatalf("cfg.NightlySchedule() = %q, want %q", got, DefaultNightly)
	}
	if got := cfg.WarnRatio(); got != 0.75 {
		t.Fatalf("cfg.WarnRatio() = %v, want 0.75", got)
	}
	if got := cfg.ForceRatio(); got != 0.9 {
		t.Fatalf("cfg.ForceRatio() = %v, want 0.9", got)
	}
	if !cfg.PreferLocal() || !cfg.RequeueAbandoned() {
		t.Fatalf("expected prefer_local and requeue_abandoned to default to true")
	}
	if got := cfg.SummaryLookaside(); got != "memory" {
		t.Fatalf("cfg.SummaryLookaside() = %q, want memory", got)
	}
}

func TestLoadFile_ParsesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
scheduler:
  tick: 30s
  workers: 3
  abandoned_after: 15m
rollover:
  warn_ratio: 0.6
  force_ratio: 0.8
summary:
  lookaside: none
providers:
  - id: lmstudio
    kind: local
    driver: openai
    base_url: http://127.0.0.1:1234/v1
    capability_tags: [ctx-8k]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if got := cfg.SchedulerTick(); got != 30*time.Second {
		t.Fatalf("cfg.SchedulerTick() = %s, want 30s", got)
	}
	if got := cfg.SchedulerWorkers(); got != 3 {
		t.Fatalf("cfg.SchedulerWorkers() = %d, want 3", got)
	}
	if got := cfg.AbandonedAfter(); got != 15*time.Minute {
		t.Fatalf("cfg.AbandonedAfter() = %s, want 15m", got)
	}
	if got := cfg.WarnRatio(); got != 0.6 {
		t.Fatalf("cfg.WarnRatio() = %v, want 0.6", got)
	}
	if got := cfg.SummaryLookaside(); got != "none" {
		t.Fatalf("cfg.SummaryLookaside() = %q, want none", got)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].ID != "lmstudio" {
		t.Fatalf("cfg.Providers = %+v, want one lmstudio entry", cfg.Providers)
	}
}

func TestLoadFile_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "port", body: "server:\n  port: 70000\n"},
		{name: "driver", body: "database:\n  driver: oracle\n"},
		{name: "mysql without dsn", body: "database:\n  driver: mysql\n"},
		{name: "warn above force", body: "rollover:\n  warn_ratio: 0.95\n  force_ratio: 0.9\n"},
		{name: "redis without addr", body: "summary:\n  lookaside: redis\n"},
		{name: "provider without id", body: "providers:\n  - kind: local\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.body), 0o600); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := LoadFile(path); err == nil {
				t.Fatalf("LoadFile() error = nil, want validation error")
			}
		})
	}
}
