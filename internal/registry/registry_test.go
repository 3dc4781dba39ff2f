package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/domain"
)

const projectV1 = `
plugins:
  extractors:
    - name: tap-csv
      executable: /bin/sh
    - name: tap-missing
      executable: conveyor-no-such-binary
  loaders:
    - name: target-postgres
      executable: /bin/sh
connections:
  - name: prod
    default: true
    destination: {host: db.internal}
  - name: staging
`

const projectV2 = `
plugins:
  extractors:
    - name: tap-csv
      executable: /bin/sh
  loaders:
    - name: target-postgres
      executable: /bin/sh
    - name: target-jsonl
      executable: /bin/sh
connections:
  - name: staging
`

func writeProject(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func newFileRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conveyor.yml")
	writeProject(t, path, projectV1, time.Now().Add(-time.Hour))

	r, err := New(Config{Path: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, path
}

func TestRegistry_Resolve(t *testing.T) {
	r, _ := newFileRegistry(t)
	ctx := context.Background()

	p, err := r.Resolve(ctx, "tap-csv", domain.PluginExtractor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Invocation.Executable != "/bin/sh" {
		t.Errorf("unexpected executable %q", p.Invocation.Executable)
	}
	if !p.Installed {
		t.Error("tap-csv should be installed")
	}

	// та же роль, другое имя
	if _, err := r.Resolve(ctx, "tap-nope", domain.PluginExtractor); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("expected ErrPluginNotFound, got %v", err)
	}

	// имя есть, но с другой ролью
	if _, err := r.Resolve(ctx, "tap-csv", domain.PluginLoader); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("expected ErrPluginNotFound for wrong kind, got %v", err)
	}

	// объявлен, но не установлен — Resolve всё равно успешен
	p, err = r.Resolve(ctx, "tap-missing", domain.PluginExtractor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Installed {
		t.Error("tap-missing should not be installed")
	}
}

func TestRegistry_ListInstalled(t *testing.T) {
	r, _ := newFileRegistry(t)

	installed := r.ListInstalled(context.Background())
	if len(installed) != 2 {
		t.Fatalf("expected 2 installed plugins, got %d", len(installed))
	}
	for _, p := range installed {
		if p.Name == "tap-missing" {
			t.Error("tap-missing should not be listed as installed")
		}
	}

	if all := r.List(context.Background()); len(all) != 3 {
		t.Errorf("expected 3 declared plugins, got %d", len(all))
	}
}

func TestRegistry_ReloadOnChange(t *testing.T) {
	r, path := newFileRegistry(t)
	ctx := context.Background()

	writeProject(t, path, projectV2, time.Now())

	if _, err := r.Resolve(ctx, "target-jsonl", domain.PluginLoader); err != nil {
		t.Errorf("target-jsonl should be visible after reload: %v", err)
	}
	if _, err := r.Resolve(ctx, "tap-missing", domain.PluginExtractor); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("tap-missing should be gone after reload, got %v", err)
	}
	if _, err := r.Connection(ctx, "prod"); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("prod should be gone after reload, got %v", err)
	}
}

func TestRegistry_ReloadErrorKeepsSnapshot(t *testing.T) {
	r, path := newFileRegistry(t)

	writeProject(t, path, "plugins: [", time.Now())

	if _, err := r.Resolve(context.Background(), "tap-csv", domain.PluginExtractor); err != nil {
		t.Errorf("last good snapshot should be kept: %v", err)
	}
}

func TestRegistry_Connection(t *testing.T) {
	r, _ := newFileRegistry(t)
	ctx := context.Background()

	c, err := r.Connection(ctx, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Name != "prod" {
		t.Errorf("default connection = %q, want prod", c.Name)
	}

	c, err = r.Connection(ctx, "staging")
	if err != nil || c.Name != "staging" {
		t.Errorf("staging lookup: %+v, %v", c, err)
	}

	if _, err := r.Connection(ctx, "qa"); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("expected ErrConnectionNotFound, got %v", err)
	}

	conns := r.ListConnections(ctx)
	if len(conns) != 2 || conns[0].Name != "prod" || conns[1].Name != "staging" {
		t.Errorf("unexpected connections: %+v", conns)
	}
}

func TestRegistry_StaticNoDefault(t *testing.T) {
	r := NewStatic(&config.Project{
		Connections: []config.ConnectionConfig{{Name: "prod"}},
	})

	c, err := r.Connection(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.IsZero() {
		t.Errorf("expected zero connection, got %+v", c)
	}
}

func TestNew_MissingFile(t *testing.T) {
	if _, err := New(Config{Path: filepath.Join(t.TempDir(), "nope.yml")}); err == nil {
		t.Error("expected error for missing project file")
	}
}
