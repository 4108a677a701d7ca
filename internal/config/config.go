package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for readwise-sync.
type Config struct {
	// Directory all synced highlight files are written under. Defaults
	// to ~/Readwise when empty.
	BaseDir string `env:"READWISE_BASE_DIR"`

	// Interval between automatic sync runs. 0 disables the scheduler;
	// sync then only happens on startup or via the `once` subcommand.
	IntervalMinutes int `env:"READWISE_SYNC_INTERVAL_MINUTES" envDefault:"0"`

	// Run a sync automatically on startup.
	SyncOnStart bool `env:"READWISE_SYNC_ON_START" envDefault:"true"`

	// Ask the server to regenerate a book's file when its local copy is
	// deleted. Off by default: deleting a file is usually intentional.
	RefreshDeleted bool `env:"READWISE_REFRESH_DELETED" envDefault:"false"`

	// Base URL of the Readwise API. Overridable for tests.
	APIBaseURL string `env:"READWISE_API_BASE_URL" envDefault:"https://readwise.io"`

	// Path of the state database. Defaults to ~/.readwise-sync/state.db.
	StateDBPath string `env:"READWISE_STATE_DB"`

	// Open the authorization page in a browser during first-time auth.
	// Disable for headless machines; the URL is logged instead.
	OpenBrowser bool `env:"READWISE_OPEN_BROWSER" envDefault:"true"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.BaseDir == "" {
		dir, err := defaultBaseDir()
		if err != nil {
			return nil, err
		}

		cfg.BaseDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve BaseDir to an absolute path at startup. The merge engine's
	// path containment checks compare string prefixes, which only works
	// reliably with absolute paths, and the file watcher reports events
	// with absolute paths that must match index keys exactly.
	absDir, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolving base dir to absolute path: %w", err)
	}

	cfg.BaseDir = absDir

	if cfg.StateDBPath == "" {
		path, err := defaultStateDBPath()
		if err != nil {
			return nil, err
		}

		cfg.StateDBPath = path
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.IntervalMinutes < 0 {
		return fmt.Errorf("READWISE_SYNC_INTERVAL_MINUTES must not be negative")
	}

	if c.APIBaseURL == "" {
		return fmt.Errorf("READWISE_API_BASE_URL must not be empty")
	}

	return nil
}

// defaultBaseDir returns the default sync directory: ~/Readwise
func defaultBaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, "Readwise"), nil
}

// defaultStateDBPath returns the default state database path:
// ~/.readwise-sync/state.db
func defaultStateDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".readwise-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
