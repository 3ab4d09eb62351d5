// internal/config/config.go
//
// This package handles configuration and the .stoneforge directory structure.
// Every project that tracks work with Stoneforge gets a .stoneforge/ folder
// created in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// StoneforgeDir is the name of the directory we create in each project
	StoneforgeDir = ".stoneforge"

	// ActorEnv overrides the actor recorded on mutations made from the CLI.
	ActorEnv = "STONEFORGE_ACTOR"

	BackendSQLite = "sqlite"
	BackendMemory = "memory"

	defaultStorePath = "stoneforge.db"
)

const defaultProjectConfigYAML = `# stoneforge project configuration
version: 1

# Where elements and dependencies are kept. backend: sqlite | memory
store:
  backend: sqlite
  path: stoneforge.db

readiness:
  # Tasks under ephemeral workflows are hidden from ready/blocked/backlog.
  include_ephemeral: false
  # 0 means no limit.
  default_limit: 0

cache:
  rebuild_on_start: true
`

// StoreConfig selects the element store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path,omitempty"`
}

// ReadinessConfig holds defaults applied to readiness queries.
type ReadinessConfig struct {
	IncludeEphemeral bool `yaml:"include_ephemeral"`
	DefaultLimit     int  `yaml:"default_limit"`
}

// CacheConfig controls the blocked-state cache.
type CacheConfig struct {
	RebuildOnStart bool `yaml:"rebuild_on_start"`
}

// ProjectConfig models .stoneforge/config.yaml.
type ProjectConfig struct {
	Version   int             `yaml:"version"`
	Store     StoreConfig     `yaml:"store"`
	Readiness ReadinessConfig `yaml:"readiness"`
	Cache     CacheConfig     `yaml:"cache"`
}

// Config holds the runtime configuration for Stoneforge.
type Config struct {
	// ProjectDir is the directory where the user ran `stoneforge` from
	ProjectDir string

	// StoneforgeProjectDir is ProjectDir/.stoneforge
	StoneforgeProjectDir string

	Project ProjectConfig
}

// InitDir creates the .stoneforge directory structure in the given project directory.
//
// Structure created:
// .stoneforge/
// ├── config.yaml
// ├── logs/         <- stoneforge.log
// └── seeds/        <- YAML graph seeds
func InitDir(projectDir string) error {
	root := filepath.Join(projectDir, StoneforgeDir)

	dirs := []string{
		filepath.Join(root, "logs"),
		filepath.Join(root, "seeds"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	if err := ensureProjectConfig(filepath.Join(root, "config.yaml")); err != nil {
		return err
	}

	return nil
}

// NewConfig creates a new Config instance populated with project settings.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:           projectDir,
		StoneforgeProjectDir: filepath.Join(projectDir, StoneforgeDir),
		Project:              defaultProjectConfig(),
	}

	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SeedsDir returns the directory conventionally holding seed graphs
func (c *Config) SeedsDir() string {
	return filepath.Join(c.StoneforgeProjectDir, "seeds")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.StoneforgeProjectDir, "config.yaml")
}

// StoreBackend returns the configured store backend.
func (c *Config) StoreBackend() string {
	return c.Project.Store.Backend
}

// StorePath returns the absolute path of the SQLite database.
func (c *Config) StorePath() string {
	return c.Project.Store.Path
}

// Actor returns $STONEFORGE_ACTOR, or "" when it is unset. An empty actor
// lets the engine fall back to the element's creator.
func (c *Config) Actor() string {
	return strings.TrimSpace(os.Getenv(ActorEnv))
}

// SetStoreBackend updates the backend and persists the value back to
// .stoneforge/config.yaml.
func (c *Config) SetStoreBackend(backend string) error {
	next := c.Project
	next.Store.Backend = normalizeBackend(backend)
	if err := next.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Project = next
	return c.saveProjectConfig()
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.Project.normalize(c.StoneforgeProjectDir)
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize(c.StoneforgeProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		Store: StoreConfig{
			Backend: BackendSQLite,
			Path:    defaultStorePath,
		},
		Cache: CacheConfig{RebuildOnStart: true},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if strings.TrimSpace(pc.Store.Backend) == "" {
		pc.Store.Backend = BackendSQLite
	}
	if strings.TrimSpace(pc.Store.Path) == "" {
		pc.Store.Path = defaultStorePath
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Store.Backend = normalizeBackend(pc.Store.Backend)
	pc.Store.Path = resolvePath(base, pc.Store.Path)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	switch pc.Store.Backend {
	case BackendSQLite:
		if pc.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("store.backend must be 'sqlite' or 'memory'")
	}
	if pc.Readiness.DefaultLimit < 0 {
		return fmt.Errorf("readiness.default_limit must be >= 0")
	}
	return nil
}

func normalizeBackend(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

// relativePath undoes resolvePath for paths inside base so the project
// directory can be moved.
func relativePath(base, path string) string {
	if path == "" || !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0644)
}

func (c *Config) saveProjectConfig() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	c.Project.normalize(c.StoneforgeProjectDir)
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.StoneforgeProjectDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure stoneforge dir: %w", err)
	}
	onDisk := c.Project
	onDisk.Store.Path = relativePath(c.StoneforgeProjectDir, onDisk.Store.Path)
	data, err := yaml.Marshal(onDisk)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}
