package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Deadlock.CounterStore != "memory" {
		t.Errorf("expected memory counter store, got %q", cfg.Deadlock.CounterStore)
	}
	if cfg.Deadlock.MaxAttempts != 3 {
		t.Errorf("expected 3 resolution attempts, got %d", cfg.Deadlock.MaxAttempts)
	}
	if cfg.Coordinator.SweepInterval != 10*time.Second {
		t.Errorf("expected sweep interval 10s, got %v", cfg.Coordinator.SweepInterval)
	}
	if len(cfg.Recovery.Backoff) != 5 || cfg.Recovery.Backoff[4] != 2*time.Minute {
		t.Errorf("unexpected recovery backoff %v", cfg.Recovery.Backoff)
	}

	p, err := cfg.MessagingPolicy()
	if err != nil {
		t.Fatal(err)
	}
	if p.Timeout(models.PriorityCritical) != time.Minute {
		t.Errorf("expected critical timeout 1m, got %v", p.Timeout(models.PriorityCritical))
	}
	if p.MaxRetries() != 3 {
		t.Errorf("expected 3 message retries, got %d", p.MaxRetries())
	}
}

func TestLoadFromPath(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, configPath, `
log:
  level: debug
  format: json
messaging:
  timeouts:
    critical: 30s
  backoff: [2s, 4s]
  max_retries: 4
deadlock:
  max_attempts: 5
  counter_store: redis
redis:
  addr: redis.internal:6379
  namespace: team-a
coordinator:
  sweep_interval: 3s
tui:
  refresh_rate: 250ms
`)

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}
	if cfg.Deadlock.MaxAttempts != 5 || cfg.Deadlock.CounterStore != "redis" {
		t.Errorf("unexpected deadlock config %+v", cfg.Deadlock)
	}
	if cfg.Redis.Addr != "redis.internal:6379" || cfg.Redis.Namespace != "team-a" {
		t.Errorf("unexpected redis config %+v", cfg.Redis)
	}
	if cfg.Redis.TTL != 24*time.Hour {
		t.Errorf("expected default redis ttl, got %v", cfg.Redis.TTL)
	}
	if got := cfg.LoopConfig().SweepInterval; got != 3*time.Second {
		t.Errorf("expected sweep interval 3s, got %v", got)
	}
	if cfg.TUI.RefreshRate != 250*time.Millisecond {
		t.Errorf("expected refresh rate 250ms, got %v", cfg.TUI.RefreshRate)
	}

	p, err := cfg.MessagingPolicy()
	if err != nil {
		t.Fatal(err)
	}
	if p.Timeout(models.PriorityCritical) != 30*time.Second {
		t.Errorf("expected critical timeout 30s, got %v", p.Timeout(models.PriorityCritical))
	}
	if p.Timeout(models.PriorityHigh) != 5*time.Minute {
		t.Errorf("expected high timeout to keep its default, got %v", p.Timeout(models.PriorityHigh))
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	if !reflect.DeepEqual(p.Backoff, want) {
		t.Errorf("expected backoff %v, got %v", want, p.Backoff)
	}
}

func TestLoadFromPath_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown counter store": "deadlock:\n  counter_store: etcd\n",
		"unknown priority":      "messaging:\n  timeouts:\n    urgent: 1s\n",
		"zero attempts":         "deadlock:\n  max_attempts: 0\n",
		"negative timeout":      "messaging:\n  timeouts:\n    low: -1s\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, path, content)
			if _, err := LoadFromPath(path); err == nil {
				t.Error("expected an error")
			}
		})
	}

	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "log:\n  level: info\n")
	t.Setenv("HIVEMIND_LOG_LEVEL", "warn")
	t.Setenv("HIVEMIND_DEADLOCK_MAX_ATTEMPTS", "7")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected env to override log level, got %q", cfg.Log.Level)
	}
	if cfg.Deadlock.MaxAttempts != 7 {
		t.Errorf("expected env max attempts 7, got %d", cfg.Deadlock.MaxAttempts)
	}
}

func TestWriteFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.Log.Level = "error"
	cfg.Coordinator.ResolveInterval = 45 * time.Second
	if err := WriteFile(path, cfg); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Log.Level != "error" {
		t.Errorf("expected log level error, got %q", loaded.Log.Level)
	}
	if loaded.Coordinator.ResolveInterval != 45*time.Second {
		t.Errorf("expected resolve interval 45s, got %v", loaded.Coordinator.ResolveInterval)
	}
	if !reflect.DeepEqual(loaded.Messaging.Timeouts, cfg.Messaging.Timeouts) {
		t.Errorf("timeouts did not round-trip: %v", loaded.Messaging.Timeouts)
	}
}

func TestLoad_ProjectOverridesUser(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	writeFile(t, filepath.Join(xdg, "hivemind", "config.yaml"), "log:\n  level: warn\ntui:\n  refresh_rate: 5s\n")

	project := t.TempDir()
	writeFile(t, filepath.Join(project, ProjectFileName), "log:\n  level: debug\n")
	nested := filepath.Join(project, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected project log level debug, got %q", cfg.Log.Level)
	}
	if cfg.TUI.RefreshRate != 5*time.Second {
		t.Errorf("expected user refresh rate 5s, got %v", cfg.TUI.RefreshRate)
	}

	root, err := filepath.EvalSymlinks(ProjectRoot())
	if err != nil {
		t.Fatal(err)
	}
	want, _ := filepath.EvalSymlinks(project)
	if root != want {
		t.Errorf("expected project root %s, got %s", want, root)
	}
}

func TestWatch_ReloadsProjectFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	project := t.TempDir()
	path := filepath.Join(project, ProjectFileName)
	writeFile(t, path, "log:\n  level: info\n")
	t.Chdir(project)

	v, err := NewViper()
	if err != nil {
		t.Fatal(err)
	}
	reloaded := make(chan *Config, 4)
	Watch(v, func(cfg *Config, err error) {
		if err == nil {
			reloaded <- cfg
		}
	})

	writeFile(t, path, "log:\n  level: error\n")
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			if cfg.Log.Level == "error" {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
