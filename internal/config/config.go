package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains state and log directory configuration.
type Paths struct {
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
}

// Daemon contains daemon lifecycle timing and capacity settings. Durations
// are expressed in seconds.
type Daemon struct {
	IdleTimeout    int               `toml:"idle_timeout"`
	HealthInterval int               `toml:"health_interval"`
	CancelTimeout  int               `toml:"cancel_timeout"`
	StopGrace      int               `toml:"stop_grace"`
	MaxSessions    int               `toml:"max_sessions"`
	SingleUse      bool              `toml:"single_use"`
	HeapLimitMiB   int               `toml:"heap_limit_mib"`
	Properties     map[string]string `toml:"properties"`
}

// Build contains configuration for the build program the daemon executes.
type Build struct {
	Program           string   `toml:"program"`
	EnvPassthrough    []string `toml:"env_passthrough"`
	MaxChunkBytes     int      `toml:"max_chunk_bytes"`
	CompressThreshold int      `toml:"compress_threshold"`
}

// API contains the optional HTTP status and metrics endpoint settings.
// Every daemon serves its own API. When Bind's port is taken by another
// daemon, or is 0, the daemon listens on a free port of the same host and
// records the address in the registry.
type API struct {
	Bind  string `toml:"bind"`
	Token string `toml:"token"`
}

// Limits contains connection admission limits applied per peer user.
type Limits struct {
	ConnectionsPerSecond float64 `toml:"connections_per_second"`
	ConnectionBurst      int     `toml:"connection_burst"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for Kiln.
//
// Configuration sections by subsystem:
//   - Paths: state directory (registry, sockets, locks) and log directory
//   - Daemon: idle timeout, health checks, cancellation and capacity
//   - Build: the program executed for build invocations and output framing
//   - API: optional HTTP status/metrics endpoint
//   - Limits: per-user connection admission
//   - Logging: log format, level, and retention
type Config struct {
	Paths   Paths   `toml:"paths"`
	Daemon  Daemon  `toml:"daemon"`
	Build   Build   `toml:"build"`
	API     API     `toml:"api"`
	Limits  Limits  `toml:"limits"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/kiln/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("kiln.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.DaemonDir(), c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DaemonDir returns the directory holding per-daemon sockets, locks, and pid files.
func (c *Config) DaemonDir() string {
	return filepath.Join(c.Paths.StateDir, "daemons")
}

// RegistryPath returns the location of the daemon registry database.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.Paths.StateDir, "registry.db")
}

// SocketPath returns the unix socket path for the daemon with the given id.
func (c *Config) SocketPath(daemonID string) string {
	return filepath.Join(c.DaemonDir(), shortID(daemonID)+".sock")
}

// LockPath returns the single-instance lock path for the daemon with the given id.
func (c *Config) LockPath(daemonID string) string {
	return filepath.Join(c.DaemonDir(), shortID(daemonID)+".lock")
}

// PIDPath returns the pid file path for the daemon with the given id.
func (c *Config) PIDPath(daemonID string) string {
	return filepath.Join(c.DaemonDir(), shortID(daemonID)+".pid")
}

// IdleTimeout returns the daemon idle timeout.
func (c *Config) IdleTimeout() time.Duration {
	return seconds(c.Daemon.IdleTimeout)
}

// HealthInterval returns the period between daemon health checks.
func (c *Config) HealthInterval() time.Duration {
	return seconds(c.Daemon.HealthInterval)
}

// CancelTimeout returns how long a canceled build may take to wind down.
func (c *Config) CancelTimeout() time.Duration {
	return seconds(c.Daemon.CancelTimeout)
}

// StopGrace returns how long clients wait for a daemon to exit before force-killing it.
func (c *Config) StopGrace() time.Duration {
	return seconds(c.Daemon.StopGrace)
}

// HeapLimitBytes returns the heap size that expires the daemon, or 0 when disabled.
func (c *Config) HeapLimitBytes() uint64 {
	if c.Daemon.HeapLimitMiB <= 0 {
		return 0
	}
	return uint64(c.Daemon.HeapLimitMiB) * 1024 * 1024
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

// shortID keeps socket paths below the unix socket path length limit.
func shortID(id string) string {
	id = strings.ReplaceAll(strings.TrimSpace(id), "-", "")
	if len(id) > 12 {
		return id[:12]
	}
	if id == "" {
		return "kiln"
	}
	return id
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
