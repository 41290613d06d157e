package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDaemon()
	c.normalizeBuild()
	c.normalizeAPI()
	c.normalizeLimits()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeDaemon() {
	if len(c.Daemon.Properties) == 0 {
		c.Daemon.Properties = nil
		return
	}
	props := make(map[string]string, len(c.Daemon.Properties))
	for key, value := range c.Daemon.Properties {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		props[key] = strings.TrimSpace(value)
	}
	c.Daemon.Properties = props
}

func (c *Config) normalizeBuild() {
	c.Build.Program = strings.TrimSpace(c.Build.Program)
	if c.Build.Program == "" {
		if value, ok := os.LookupEnv("KILN_BUILD_PROGRAM"); ok {
			c.Build.Program = strings.TrimSpace(value)
		}
	}
	if c.Build.Program == "" {
		c.Build.Program = defaultBuildProgram
	}

	seen := make(map[string]struct{}, len(c.Build.EnvPassthrough))
	names := make([]string, 0, len(c.Build.EnvPassthrough))
	for _, name := range c.Build.EnvPassthrough {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	c.Build.EnvPassthrough = names

	if c.Build.MaxChunkBytes <= 0 {
		c.Build.MaxChunkBytes = defaultMaxChunkBytes
	}
	if c.Build.CompressThreshold < 0 {
		c.Build.CompressThreshold = 0
	}
}

func (c *Config) normalizeAPI() {
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	c.API.Token = strings.TrimSpace(c.API.Token)
	if c.API.Token == "" {
		if value, ok := os.LookupEnv("KILN_API_TOKEN"); ok {
			c.API.Token = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeLimits() {
	if c.Limits.ConnectionsPerSecond == 0 {
		c.Limits.ConnectionsPerSecond = defaultConnectionsPerSecond
	}
	if c.Limits.ConnectionBurst == 0 {
		c.Limits.ConnectionBurst = defaultConnectionBurst
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
