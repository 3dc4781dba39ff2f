package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

const sampleProject = `
plugins:
  extractors:
    - name: tap-csv
      executable: /bin/sh
      args: ["-c", "cat users.csv"]
      capabilities: [catalog, state]
  loaders:
    - name: target-postgres
      executable: /bin/sh
      timeout: 30m
      env:
        PGAPPNAME: conveyor
  transformers:
    - name: dbt
      executable: dbt
connections:
  - name: prod
    default: true
    destination:
      host: db.internal
      database: analytics
  - name: staging
schedules:
  - name: nightly
    extractor: tap-csv
    loader: target-postgres
    connection: prod
    cron: "0 2 * * *"
  - name: hourly
    extractor: tap-csv
    loader: target-postgres
    interval_sec: 3600
    enabled: false
`

// --- Project Tests ---

func TestParseProject(t *testing.T) {
	p, err := ParseProject([]byte(sampleProject))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	plugins := p.DomainPlugins()
	if len(plugins) != 3 {
		t.Fatalf("expected 3 plugins, got %d", len(plugins))
	}
	if plugins[0].Kind != domain.PluginExtractor || plugins[0].Name != "tap-csv" {
		t.Errorf("unexpected first plugin: %+v", plugins[0])
	}
	if !plugins[0].Invocation.HasCapability("state") {
		t.Error("tap-csv should declare state capability")
	}
	if plugins[1].Invocation.Timeout != 30*time.Minute {
		t.Errorf("expected loader timeout 30m, got %v", plugins[1].Invocation.Timeout)
	}
	if plugins[1].Invocation.Env["PGAPPNAME"] != "conveyor" {
		t.Error("loader env should be parsed")
	}

	conns := p.DomainConnections()
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(conns))
	}
	if !conns[0].Default || conns[0].Destination["host"] != "db.internal" {
		t.Errorf("unexpected prod connection: %+v", conns[0])
	}

	scheds := p.DomainSchedules()
	if len(scheds) != 2 {
		t.Fatalf("expected 2 schedules, got %d", len(scheds))
	}
	if !scheds[0].Enabled || scheds[0].Timezone != "UTC" {
		t.Errorf("nightly should default to enabled UTC: %+v", scheds[0])
	}
	if scheds[1].Enabled {
		t.Error("hourly should be disabled")
	}
}

func TestProject_Validate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing executable",
			yaml: "plugins:\n  extractors:\n    - name: tap-csv\n",
		},
		{
			name: "duplicate plugin",
			yaml: "plugins:\n  loaders:\n    - {name: a, executable: x}\n    - {name: a, executable: y}\n",
		},
		{
			name: "bad timeout",
			yaml: "plugins:\n  loaders:\n    - {name: a, executable: x, timeout: soon}\n",
		},
		{
			name: "two defaults",
			yaml: "connections:\n  - {name: a, default: true}\n  - {name: b, default: true}\n",
		},
		{
			name: "schedule without trigger",
			yaml: "schedules:\n  - {name: s, extractor: e, loader: l}\n",
		},
		{
			name: "schedule bad timezone",
			yaml: "schedules:\n  - {name: s, extractor: e, loader: l, cron: '* * * * *', timezone: Mars/Base}\n",
		},
		{
			name: "not yaml",
			yaml: "plugins: [",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProject([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalidProject) {
				t.Errorf("expected ErrInvalidProject, got %v", err)
			}
		})
	}
}

func TestLoadProject_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.yml")
	if err := os.WriteFile(path, []byte(sampleProject), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProject(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Plugins.Extractors) != 1 {
		t.Errorf("expected 1 extractor, got %d", len(p.Plugins.Extractors))
	}

	if _, err := LoadProject(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("expected error for missing file")
	}
}

// --- Runtime Tests ---

func TestLoadRuntime_Defaults(t *testing.T) {
	for _, k := range []string{"CONVEYOR_PROJECT", "CONVEYOR_GRACE_PERIOD", "CONVEYOR_RETAIN_JOBS", "DB_URL"} {
		t.Setenv(k, "")
	}

	rt, err := LoadRuntime()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rt.ProjectFile != DefaultProjectFile {
		t.Errorf("ProjectFile = %q, want %q", rt.ProjectFile, DefaultProjectFile)
	}
	if rt.GracePeriod != DefaultGracePeriod {
		t.Errorf("GracePeriod = %v, want %v", rt.GracePeriod, DefaultGracePeriod)
	}
	if rt.RetainJobs != DefaultRetainJobs {
		t.Errorf("RetainJobs = %d, want %d", rt.RetainJobs, DefaultRetainJobs)
	}
	if rt.DatabaseURL != "" {
		t.Error("DatabaseURL should be empty by default")
	}
}

func TestLoadRuntime_Overrides(t *testing.T) {
	t.Setenv("CONVEYOR_GRACE_PERIOD", "3s")
	t.Setenv("CONVEYOR_RETAIN_JOBS", "50")
	t.Setenv("CONVEYOR_SPOOL_DIR", "/var/spool/conveyor")

	rt, err := LoadRuntime()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rt.GracePeriod != 3*time.Second {
		t.Errorf("GracePeriod = %v, want 3s", rt.GracePeriod)
	}
	if rt.RetainJobs != 50 {
		t.Errorf("RetainJobs = %d, want 50", rt.RetainJobs)
	}
	if rt.SpoolDir != "/var/spool/conveyor" {
		t.Errorf("SpoolDir = %q", rt.SpoolDir)
	}
}

func TestLoadRuntime_Invalid(t *testing.T) {
	t.Setenv("CONVEYOR_STAGE_TIMEOUT", "forever")

	if _, err := LoadRuntime(); !errors.Is(err, ErrInvalidEnv) {
		t.Errorf("expected ErrInvalidEnv, got %v", err)
	}
}
