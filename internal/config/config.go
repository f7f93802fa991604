// Package config manages docsync configuration and the .docsync directory.
// It handles loading, saving and initializing a workspace configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

const (
	Dir            = ".docsync"
	ConfigFile     = "config"
	PersistenceDir = "cache"
	EmulatorDir    = "emulator"
)

// Engines accepted by persistence.engine.
const (
	EngineBolt   = "bbolt"
	EngineSQLite = "sqlite"
)

// ErrNotInitialized is returned when no .docsync directory is found.
var ErrNotInitialized = errors.New("not a docsync workspace (or any parent up to root)")

// Config is the docsync workspace configuration.
type Config struct {
	ProjectID string `toml:"project_id"`
	Database  string `toml:"database,omitempty"`
	Host      string `toml:"host"`
	SSL       bool   `toml:"ssl"`

	// AuthToken is a JWT sent with every request. Empty means
	// unauthenticated.
	AuthToken     string `toml:"auth_token,omitempty"`
	AppCheckToken string `toml:"app_check_token,omitempty"`

	Persistence PersistenceConfig `toml:"persistence"`
	Log         LogConfig         `toml:"log"`
	MetricsAddr string            `toml:"metrics_addr,omitempty"`
	Emulator    EmulatorConfig    `toml:"emulator"`

	path string // path to .docsync directory
}

// PersistenceConfig tunes the local cache.
type PersistenceConfig struct {
	Engine                        string `toml:"engine"`
	CacheSizeBytes                int64  `toml:"cache_size_bytes"`
	MaxConcurrentLimboResolutions int    `toml:"max_concurrent_limbo_resolutions"`
	IndexAutoCreation             bool   `toml:"index_auto_creation"`
	MaxPendingWrites              int    `toml:"max_pending_writes"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// EmulatorConfig configures the local backend emulator.
type EmulatorConfig struct {
	Addr string `toml:"addr"`
	// Token, when set, must be presented as a bearer token by clients.
	Token string `toml:"token,omitempty"`
}

// Default returns the configuration written by Initialize.
func Default() *Config {
	return &Config{
		Host: "localhost:8080",
		Persistence: PersistenceConfig{
			Engine:                        EngineBolt,
			CacheSizeBytes:                100 << 20,
			MaxConcurrentLimboResolutions: 100,
			MaxPendingWrites:              10,
		},
		Log:      LogConfig{Level: "info", Format: "text"},
		Emulator: EmulatorConfig{Addr: ":8080"},
	}
}

// Validate checks the fields that have a fixed set of values.
func (c *Config) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	switch c.Persistence.Engine {
	case EngineBolt, EngineSQLite:
	default:
		return fmt.Errorf("unknown persistence engine %q (want %s or %s)", c.Persistence.Engine, EngineBolt, EngineSQLite)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Persistence.MaxConcurrentLimboResolutions < 0 {
		return fmt.Errorf("max_concurrent_limbo_resolutions must not be negative")
	}
	return nil
}

// FindRoot finds the .docsync directory by walking up from the current
// directory.
func FindRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		p := filepath.Join(dir, Dir)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotInitialized
		}
		dir = parent
	}
}

// Load loads the configuration of the enclosing workspace.
func Load() (*Config, error) {
	root, err := FindRoot()
	if err != nil {
		return nil, err
	}
	return LoadFrom(root)
}

// LoadFrom loads the configuration from the .docsync directory at root.
// Missing fields keep their defaults.
func LoadFrom(root string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(root, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.path = root
	return cfg, nil
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.path, ConfigFile), data, 0600)
}

// Path returns the path to the .docsync directory
func (c *Config) Path() string { return c.path }

// PersistencePath returns the directory holding the local cache.
func (c *Config) PersistencePath() string { return filepath.Join(c.path, PersistenceDir) }

// EmulatorPath returns the directory holding the emulator's data.
func (c *Config) EmulatorPath() string { return filepath.Join(c.path, EmulatorDir) }

// Initialize creates a .docsync directory in dir for projectID.
func Initialize(dir, projectID, host string) (*Config, error) {
	root := filepath.Join(dir, Dir)

	if _, err := os.Stat(root); err == nil {
		return nil, fmt.Errorf("docsync workspace already exists")
	}

	if err := os.MkdirAll(filepath.Join(root, PersistenceDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s directory: %w", Dir, err)
	}

	cfg := Default()
	cfg.ProjectID = projectID
	if host != "" {
		cfg.Host = host
	}
	cfg.path = root
	if err := cfg.Validate(); err != nil {
		os.RemoveAll(root)
		return nil, err
	}

	if err := cfg.Save(); err != nil {
		// Cleanup on failure
		os.RemoveAll(root)
		return nil, err
	}
	return cfg, nil
}
