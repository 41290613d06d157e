package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"kiln/internal/daemon"
	"kiln/internal/daemonctl"
	"kiln/internal/preflight"
	"kiln/internal/textutil"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a daemon for the current configuration if none is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := ctx.openRegistry()
			if err != nil {
				return err
			}
			defer store.Close()

			stdout := cmd.OutOrStdout()
			result, err := daemonctl.EnsureStarted(cmd.Context(), cfg, store, daemon.ContextFromConfig(cfg), ctx.connectOptions())
			if err != nil {
				return err
			}
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintf(stdout, "Daemon %s started\n", result.DaemonID)
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintf(stdout, "Daemon %s already running\n", result.DaemonID)
			}
			return nil
		},
	}

	var whenIdle bool
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop all daemons (running builds are canceled unless --when-idle is set)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := ctx.openRegistry()
			if err != nil {
				return err
			}
			defer store.Close()

			stdout := cmd.OutOrStdout()
			if whenIdle {
				results, err := daemonctl.StopWhenIdleAll(cmd.Context(), store)
				if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
					fmt.Fprintln(stdout, "No daemons are running")
					return nil
				}
				if err != nil {
					return err
				}
				for _, result := range results {
					fmt.Fprintf(stdout, "Daemon %s: %s\n", result.DaemonID, stopMessage(result.Message, "stopping"))
				}
				return nil
			}

			results, err := daemonctl.StopAll(cmd.Context(), cfg, store, cfg.StopGrace())
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "No daemons are running")
				return nil
			}
			printStopResults(stdout, results)
			return err
		},
	}
	stopCmd.Flags().BoolVar(&whenIdle, "when-idle", false, "Let running builds finish before each daemon stops")

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop all daemons and start a fresh one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := ctx.openRegistry()
			if err != nil {
				return err
			}
			defer store.Close()

			result, err := daemonctl.Restart(cmd.Context(), cfg, store, daemon.ContextFromConfig(cfg), ctx.connectOptions())
			stdout := cmd.OutOrStdout()
			printStopResults(stdout, result.Stopped)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Daemon %s started\n", result.Start.DaemonID)
			return nil
		},
	}

	var format outputFormat
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemons, recent stops and environment checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := format.validate(); err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			snapshot, err := daemonctl.BuildStatusSnapshot(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if handled, err := format.write(cmd, snapshot); handled {
				return err
			}
			renderStatus(cmd.OutOrStdout(), snapshot, shouldColorize(cmd.OutOrStdout()))
			return nil
		},
	}
	addOutputFlags(statusCmd.Flags(), &format)

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd}
}

func stopMessage(message, fallback string) string {
	if message == "" {
		return fallback
	}
	return message
}

func printStopResults(out io.Writer, results []daemonctl.StopResult) {
	for _, result := range results {
		if result.ForcedKill {
			fmt.Fprintf(out, "Daemon %s did not exit in time; killed pid %d\n", result.DaemonID, result.PID)
			continue
		}
		fmt.Fprintf(out, "Daemon %s stopped\n", result.DaemonID)
	}
}

func renderStatus(out io.Writer, snapshot *daemonctl.Snapshot, colorize bool) {
	for _, line := range renderSectionHeader("Daemons", colorize) {
		fmt.Fprintln(out, line)
	}
	if len(snapshot.Daemons) == 0 {
		fmt.Fprintln(out, "No daemons are running")
	} else {
		rows := make([][]string, 0, len(snapshot.Daemons))
		for _, d := range snapshot.Daemons {
			builds, sessions, idle := "-", "-", "-"
			if d.Live != nil {
				builds = humanize.Comma(d.Live.BuildsServed)
				sessions = strconv.Itoa(len(d.Live.Sessions))
				if !d.Live.IdleSince.IsZero() {
					idle = humanize.Time(d.Live.IdleSince)
				}
			}
			compat := textutil.Ternary(d.Compatible, "yes", "no")
			rows = append(rows, []string{
				shortDaemonID(d.ID),
				strconv.Itoa(d.PID),
				stateLabel(d.State),
				humanize.Time(d.StartedAt),
				idle,
				builds,
				sessions,
				compat,
			})
		}
		fmt.Fprint(out, renderTable([]column{
			{header: "Daemon"},
			{header: "PID", align: alignRight},
			{header: "State"},
			{header: "Started"},
			{header: "Idle Since"},
			{header: "Builds", align: alignRight},
			{header: "Sessions", align: alignRight},
			{header: "Compatible"},
		}, rows))
		fmt.Fprintln(out)
		for _, d := range snapshot.Daemons {
			if d.Mismatch != "" {
				fmt.Fprintln(out, renderStatusLine(shortDaemonID(d.ID), statusWarn, d.Mismatch, colorize))
			} else if kind := stateKind(d.State); kind == statusError {
				fmt.Fprintln(out, renderStatusLine(shortDaemonID(d.ID), kind, stateLabel(d.State), colorize))
			}
		}
	}
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Recent Stops", colorize) {
		fmt.Fprintln(out, line)
	}
	if len(snapshot.StopEvents) == 0 {
		fmt.Fprintln(out, "None in the last 24 hours")
	}
	for _, evt := range snapshot.StopEvents {
		kind := statusInfo
		if evt.Status != "stopped" {
			kind = statusWarn
		}
		fmt.Fprintln(out, renderStatusLine(shortDaemonID(evt.DaemonID), kind,
			fmt.Sprintf("%s (%s, %s)", evt.Reason, evt.Status, humanize.Time(evt.At)), colorize))
	}
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Environment", colorize) {
		fmt.Fprintln(out, line)
	}
	for _, check := range snapshot.Checks {
		fmt.Fprintln(out, renderStatusLine(check.Name, checkKind(check), check.Detail, colorize))
	}
	if total := historyTotal(snapshot.History); total > 0 {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "%d builds recorded (%d succeeded, %d failed, %d canceled)\n",
			total, snapshot.History["succeeded"], snapshot.History["failed"], snapshot.History["canceled"])
	}
}

func checkKind(r preflight.Result) statusKind {
	if r.Passed {
		return statusOK
	}
	return statusError
}

func historyTotal(stats map[string]int) int {
	total := 0
	for _, n := range stats {
		total += n
	}
	return total
}

func shortDaemonID(id string) string {
	return textutil.Abbreviate(id, 8)
}

// formatDuration rounds build durations for tables.
func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(100 * time.Millisecond).String()
	}
}
