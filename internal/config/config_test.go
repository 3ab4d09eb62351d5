package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadProjectConfigDefaultsWhenMissing(t *testing.T) {
	projectDir := t.TempDir()
	root := filepath.Join(projectDir, ".stoneforge")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatal(err)
	}
	c := &Config{ProjectDir: projectDir, StoneforgeProjectDir: root, Project: defaultProjectConfig()}
	if err := c.loadProjectConfig(); err != nil {
		t.Fatalf("loadProjectConfig returned error: %v", err)
	}
	if c.Project.Version != 1 {
		t.Fatalf("expected default version == 1, got %d", c.Project.Version)
	}
	if c.StoreBackend() != BackendSQLite {
		t.Fatalf("expected sqlite backend, got %q", c.StoreBackend())
	}
	if c.StorePath() != filepath.Join(root, defaultStorePath) {
		t.Fatalf("unexpected store path %s", c.StorePath())
	}
	if !c.Project.Cache.RebuildOnStart {
		t.Fatalf("expected rebuild_on_start default true")
	}
}

func TestLoadProjectConfigParsesYaml(t *testing.T) {
	projectDir := t.TempDir()
	root := filepath.Join(projectDir, ".stoneforge")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatal(err)
	}
	configYAML := strings.TrimSpace(`
version: 1
store:
  backend: SQLite
  path: data/graph.db
readiness:
  include_ephemeral: true
  default_limit: 25
cache:
  rebuild_on_start: false
`)
	if err := os.WriteFile(filepath.Join(root, "config.yaml"), []byte(configYAML), 0644); err != nil {
		t.Fatal(err)
	}
	c := &Config{ProjectDir: projectDir, StoneforgeProjectDir: root, Project: defaultProjectConfig()}
	if err := c.loadProjectConfig(); err != nil {
		t.Fatalf("loadProjectConfig returned error: %v", err)
	}
	if c.StoreBackend() != BackendSQLite {
		t.Fatalf("expected backend to be normalized, got %q", c.StoreBackend())
	}
	if !strings.HasPrefix(c.StorePath(), root) || !strings.HasSuffix(c.StorePath(), filepath.Join("data", "graph.db")) {
		t.Fatalf("expected store path to be resolved, got %s", c.StorePath())
	}
	if !c.Project.Readiness.IncludeEphemeral || c.Project.Readiness.DefaultLimit != 25 {
		t.Fatalf("unexpected readiness config: %+v", c.Project.Readiness)
	}
	if c.Project.Cache.RebuildOnStart {
		t.Fatalf("expected rebuild_on_start false")
	}
}

func TestLoadProjectConfigValidation(t *testing.T) {
	projectDir := t.TempDir()
	root := filepath.Join(projectDir, ".stoneforge")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatal(err)
	}
	configYAML := strings.TrimSpace(`
version: 1
store:
  backend: postgres
`)
	if err := os.WriteFile(filepath.Join(root, "config.yaml"), []byte(configYAML), 0644); err != nil {
		t.Fatal(err)
	}
	c := &Config{ProjectDir: projectDir, StoneforgeProjectDir: root, Project: defaultProjectConfig()}
	if err := c.loadProjectConfig(); err == nil {
		t.Fatalf("expected validation error but got none")
	}
}

func TestInitDirWritesDefaultConfig(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitDir(projectDir); err != nil {
		t.Fatalf("InitDir: %v", err)
	}
	for _, dir := range []string{"logs", "seeds"} {
		if info, err := os.Stat(filepath.Join(projectDir, StoneforgeDir, dir)); err != nil || !info.IsDir() {
			t.Fatalf("expected %s directory: %v", dir, err)
		}
	}
	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.StoreBackend() != BackendSQLite {
		t.Fatalf("expected sqlite backend from default config, got %s", cfg.StoreBackend())
	}
	if err := cfg.SetStoreBackend("memory"); err != nil {
		t.Fatalf("SetStoreBackend: %v", err)
	}
	reloaded, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.StoreBackend() != BackendMemory {
		t.Fatalf("expected persisted memory backend, got %s", reloaded.StoreBackend())
	}
	data, err := os.ReadFile(filepath.Join(projectDir, StoneforgeDir, "config.yaml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if strings.Contains(string(data), projectDir) || !strings.Contains(string(data), "path: stoneforge.db") {
		t.Fatalf("expected the store path to stay relative:\n%s", data)
	}
}

func TestSaveKeepsPathsOutsideTheProjectAbsolute(t *testing.T) {
	projectDir := t.TempDir()
	elsewhere := filepath.Join(t.TempDir(), "shared.db")
	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	cfg.Project.Store.Path = elsewhere
	if err := cfg.SetStoreBackend(BackendSQLite); err != nil {
		t.Fatalf("SetStoreBackend: %v", err)
	}
	reloaded, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.StorePath() != elsewhere {
		t.Fatalf("expected %s, got %s", elsewhere, reloaded.StorePath())
	}
}

func TestSetStoreBackendRejectsUnknownBackend(t *testing.T) {
	projectDir := t.TempDir()
	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if err := cfg.SetStoreBackend("tape"); err == nil {
		t.Fatal("expected an unknown backend to be rejected")
	}
	if cfg.StoreBackend() != BackendSQLite {
		t.Fatalf("backend should be unchanged, got %s", cfg.StoreBackend())
	}
	if _, err := os.Stat(filepath.Join(projectDir, StoneforgeDir, "config.yaml")); !os.IsNotExist(err) {
		t.Fatalf("nothing should be written, got %v", err)
	}
}

func TestActorFromEnvironment(t *testing.T) {
	c := &Config{}
	t.Setenv(ActorEnv, "")
	if c.Actor() != "" {
		t.Fatalf("expected no actor, got %s", c.Actor())
	}
	t.Setenv(ActorEnv, "ana")
	if c.Actor() != "ana" {
		t.Fatalf("expected env actor, got %s", c.Actor())
	}
}
