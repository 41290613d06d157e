package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateDaemon(); err != nil {
		return err
	}
	if err := c.validateBuild(); err != nil {
		return err
	}
	if err := c.validateLimits(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		return errors.New("paths.state_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateDaemon() error {
	if err := ensurePositiveMap(map[string]int{
		"daemon.idle_timeout":    c.Daemon.IdleTimeout,
		"daemon.health_interval": c.Daemon.HealthInterval,
		"daemon.cancel_timeout":  c.Daemon.CancelTimeout,
		"daemon.stop_grace":      c.Daemon.StopGrace,
		"daemon.max_sessions":    c.Daemon.MaxSessions,
	}); err != nil {
		return err
	}
	if c.Daemon.HealthInterval >= c.Daemon.IdleTimeout {
		return errors.New("daemon.health_interval must be less than daemon.idle_timeout")
	}
	if c.Daemon.HeapLimitMiB < 0 {
		return errors.New("daemon.heap_limit_mib must be >= 0")
	}
	return nil
}

func (c *Config) validateBuild() error {
	if strings.TrimSpace(c.Build.Program) == "" {
		return errors.New("build.program must be set (or export KILN_BUILD_PROGRAM)")
	}
	if c.Build.MaxChunkBytes < minChunkBytes || c.Build.MaxChunkBytes > maxChunkBytes {
		return fmt.Errorf("build.max_chunk_bytes must be between %d and %d", minChunkBytes, maxChunkBytes)
	}
	if c.Build.CompressThreshold < 0 {
		return errors.New("build.compress_threshold must be >= 0")
	}
	return nil
}

func (c *Config) validateLimits() error {
	if c.Limits.ConnectionsPerSecond < 0 {
		return errors.New("limits.connections_per_second must be >= 0")
	}
	if c.Limits.ConnectionBurst < 0 {
		return errors.New("limits.connection_burst must be >= 0")
	}
	if c.Limits.ConnectionsPerSecond > 0 && c.Limits.ConnectionBurst == 0 {
		return errors.New("limits.connection_burst must be positive when limits.connections_per_second is set")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
