package config

const (
	defaultStateDir             = "~/.local/share/kiln"
	defaultLogDir               = "~/.local/share/kiln/logs"
	defaultLogRetentionDays     = 14
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultIdleTimeout          = 3 * 60 * 60
	defaultHealthInterval       = 10
	defaultCancelTimeout        = 10
	defaultStopGrace            = 5
	defaultMaxSessions          = 16
	defaultBuildProgram         = "make"
	defaultMaxChunkBytes        = 32 * 1024
	defaultCompressThreshold    = 8 * 1024
	minChunkBytes               = 512
	maxChunkBytes               = 1024 * 1024
	defaultConnectionsPerSecond = 20
	defaultConnectionBurst      = 40
)

var defaultEnvPassthrough = []string{"PATH", "HOME", "LANG", "TERM"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		Daemon: Daemon{
			IdleTimeout:    defaultIdleTimeout,
			HealthInterval: defaultHealthInterval,
			CancelTimeout:  defaultCancelTimeout,
			StopGrace:      defaultStopGrace,
			MaxSessions:    defaultMaxSessions,
		},
		Build: Build{
			Program:           defaultBuildProgram,
			EnvPassthrough:    append([]string(nil), defaultEnvPassthrough...),
			MaxChunkBytes:     defaultMaxChunkBytes,
			CompressThreshold: defaultCompressThreshold,
		},
		Limits: Limits{
			ConnectionsPerSecond: defaultConnectionsPerSecond,
			ConnectionBurst:      defaultConnectionBurst,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
