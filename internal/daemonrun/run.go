package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"kiln/internal/config"
	"kiln/internal/daemon"
	"kiln/internal/fileutil"
	"kiln/internal/logging"
	"kiln/internal/registry"
	"kiln/internal/version"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// DaemonID is assigned by the launching client so it can find the
	// daemon's socket; a fresh id is generated when empty.
	DaemonID string
}

// Run starts a kiln daemon and blocks until it stops.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	id := strings.TrimSpace(opts.DaemonID)
	if id == "" {
		id = uuid.NewString()
	}

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("kiln-%s.log", runID))
	eventsPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("kiln-%s.events", runID))
	logHub := logging.NewStreamHub(4096)
	eventArchive, archiveErr := logging.NewEventArchive(eventsPath)
	if archiveErr != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to initialize log archive: %v\n", archiveErr)
	} else if eventArchive != nil {
		logHub.AddSink(eventArchive)
	}

	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stderr", logPath},
		Development: opts.Development,
		Stream:      logHub,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	logDependencySnapshot(logger, cfg)
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update kiln.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "kiln-*.log", Exclude: []string{logPath}},
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "kiln-*.events", Exclude: []string{eventsPath}},
	)

	pidPath := cfg.PIDPath(id)
	if err := fileutil.WritePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := registry.Open(cfg)
	if err != nil {
		logger.Error("open daemon registry", logging.Error(err))
		return err
	}
	housekeeping(signalCtx, store, cfg, logger)

	d, err := daemon.New(cfg, daemon.Deps{
		ID:         id,
		Store:      store,
		Logger:     logger,
		LogStream:  logHub,
		LogArchive: eventArchive,
	})
	if err != nil {
		store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the state directory and that no other daemon holds the lock"),
			logging.String(logging.FieldImpact, "clients will launch another daemon"),
		)
		return err
	}

	select {
	case <-d.Done():
	case <-signalCtx.Done():
		logger.Info("kiln daemon shutting down", logging.String(logging.FieldEventType, "daemon_signal"))
		d.Stop()
	}
	return nil
}

// housekeeping removes records of daemons that died without cleaning up and
// trims stop history past the log retention window.
func housekeeping(ctx context.Context, store *registry.Store, cfg *config.Config, logger *slog.Logger) {
	pruned, err := store.PruneDead(ctx, fileutil.ProcessAlive)
	if err != nil {
		logging.WarnWithContext(logger, "failed to prune dead daemons", "registry_prune_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale daemon records may remain in status output"))
	}
	for _, dead := range pruned {
		logger.Info("removed record of crashed daemon",
			logging.String("crashed_daemon_id", dead.ID),
			logging.Int("pid", dead.PID),
			logging.String(logging.FieldEventType, "daemon_record_pruned"))
	}

	if cfg.Logging.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().Add(-time.Duration(cfg.Logging.RetentionDays) * 24 * time.Hour)
	if removed, err := store.PruneStopEvents(ctx, cutoff); err != nil {
		logger.Debug("prune stop events failed", logging.Error(err))
	} else if removed > 0 {
		logger.Debug("pruned stop events", logging.Int64("removed", removed))
	}
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "kiln.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	program, available := resolveProgram(cfg.Build.Program)
	logger.Info("dependency snapshot",
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.String("kiln_version", version.String()),
		logging.String("platform", version.Platform()),
		logging.String("build_program", program),
		logging.Bool("build_program_available", available),
		logging.Int("env_passthrough", len(cfg.Build.EnvPassthrough)),
		logging.Bool("api_enabled", strings.TrimSpace(cfg.API.Bind) != ""),
		logging.Bool("single_use", cfg.Daemon.SingleUse),
	)
}

func resolveProgram(name string) (string, bool) {
	if strings.TrimSpace(name) == "" {
		return "", false
	}
	resolved, err := exec.LookPath(name)
	if err != nil {
		return name, false
	}
	return resolved, true
}
