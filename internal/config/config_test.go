package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	path := writeFile(t, t.TempDir(), "willow.yaml", `
logging:
  level: debug
engine:
  workers: 4
  coalesce_window: 250ms
buffer:
  max_time_to_keep: 2h
  compression:
    enabled: true
    tolerance: 0.5
ingest:
  kafka:
    enabled: true
    brokers: [localhost:9092]
    topic: telemetry
    group_id: willow
storage:
  enabled: true
  driver: sqlite
`)
	t.Setenv("WILLOW_API_ADDR", ":9999")
	t.Setenv("WILLOW_INGEST_KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Engine.Workers != 4 || cfg.Engine.CoalesceWindow != 250*time.Millisecond {
		t.Fatalf("unexpected engine/logging config %+v %+v", cfg.Logging, cfg.Engine)
	}
	if cfg.Buffer.MaxTimeToKeep != 2*time.Hour || !cfg.Buffer.Compression.Enabled || cfg.Buffer.Compression.Tolerance != 0.5 {
		t.Fatalf("unexpected buffer settings %+v", cfg.Buffer)
	}
	if cfg.Buffer.PeriodAlpha == 0 || cfg.Buffer.Compression.MeasurementNoise == 0 {
		t.Fatalf("buffer defaults not applied %+v", cfg.Buffer)
	}
	if cfg.API.Addr != ":9999" {
		t.Fatalf("env override not applied: %q", cfg.API.Addr)
	}
	if len(cfg.Ingest.Kafka.Brokers) != 2 || cfg.Ingest.Kafka.Brokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Ingest.Kafka.Brokers)
	}
	if cfg.Expression.Timeout != 250*time.Millisecond || cfg.Activity.StoreLimit != 1000 {
		t.Fatalf("defaults not applied")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"kafka.yaml":    "ingest:\n  kafka:\n    enabled: true\n",
		"storage.yaml":  "storage:\n  enabled: true\n  driver: mongo\n",
		"command.yaml":  "command:\n  enabled: true\n  publisher: http\n",
		"timezone.yaml": "ingest:\n  parser:\n    timezone: Mars/Olympus\n",
	}
	for name, content := range cases {
		if _, err := Load(writeFile(t, dir, name, content)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := DefaultConfig()
	cfg.Engine.Workers = 3
	cfg.Command.Enabled = true
	cfg.Command.Publisher = "http"
	cfg.Command.HTTP.URL = "http://command.local/sync"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Engine.Workers != 3 || loaded.Command.HTTP.URL != cfg.Command.HTTP.URL || loaded.Command.RetryDelay != cfg.Command.RetryDelay {
		t.Fatalf("round trip mismatch %+v", loaded.Command)
	}
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "willow.yaml", "engine:\n  workers: 1\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if m.Get().Engine.Workers != 1 {
		t.Fatalf("unexpected workers %d", m.Get().Engine.Workers)
	}
	writeFile(t, dir, "willow.yaml", "engine:\n  workers: 2\n")
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	needs, err := m.NeedsReload()
	if err != nil || !needs {
		t.Fatalf("expected reload needed, got %v %v", needs, err)
	}
	cfg, err := m.Reload()
	if err != nil || cfg.Engine.Workers != 2 || m.Get().Engine.Workers != 2 {
		t.Fatalf("reload failed: %v", err)
	}
}

func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rules.yaml", "rule_instances: []\n")
	changed := make(chan struct{}, 1)
	stop := make(chan struct{})
	go WatchFile(path, 10*time.Millisecond, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}, nil, stop)
	defer close(stop)

	// The watcher records the initial mtime when it starts, so keep moving
	// the mtime forward until a change is observed.
	for i := 1; i <= 40; i++ {
		future := time.Now().Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, future, future); err != nil {
			t.Fatal(err)
		}
		select {
		case <-changed:
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatalf("change not detected")
}
