package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"kiln/internal/daemonctl"
	"kiln/internal/textutil"
)

type sessionRow struct {
	DaemonID     string    `json:"daemon_id" yaml:"daemon_id"`
	SessionID    string    `json:"session_id" yaml:"session_id"`
	PID          int       `json:"pid" yaml:"pid"`
	ConnectedAt  time.Time `json:"connected_at" yaml:"connected_at"`
	InvocationID string    `json:"invocation_id,omitempty" yaml:"invocation_id,omitempty"`
	Args         []string  `json:"args,omitempty" yaml:"args,omitempty"`
	WorkDir      string    `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
}

func newSessionsCommand(ctx *commandContext) *cobra.Command {
	var format outputFormat
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List clients connected to running daemons",
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

			sessions := collectSessions(snapshot)
			if handled, err := format.write(cmd, sessions); handled {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No active sessions")
				return nil
			}
			rows := make([][]string, 0, len(sessions))
			for _, s := range sessions {
				rows = append(rows, []string{
					shortDaemonID(s.DaemonID),
					shortDaemonID(s.SessionID),
					strconv.Itoa(s.PID),
					humanize.Time(s.ConnectedAt),
					shortDaemonID(s.InvocationID),
					textutil.ShellJoin(s.Args),
				})
			}
			fmt.Fprint(out, renderTable([]column{
				{header: "Daemon"},
				{header: "Session"},
				{header: "Client PID", align: alignRight},
				{header: "Connected"},
				{header: "Invocation"},
				{header: "Args", maxWidth: 48},
			}, rows))
			fmt.Fprintln(out)
			return nil
		},
	}
	addOutputFlags(cmd.Flags(), &format)
	return cmd
}

func collectSessions(snapshot *daemonctl.Snapshot) []sessionRow {
	sessions := []sessionRow{}
	for _, d := range snapshot.Daemons {
		if d.Live == nil {
			continue
		}
		for _, s := range d.Live.Sessions {
			sessions = append(sessions, sessionRow{
				DaemonID:     d.ID,
				SessionID:    s.ID,
				PID:          s.PID,
				ConnectedAt:  s.ConnectedAt,
				InvocationID: s.InvocationID,
				Args:         s.Args,
				WorkDir:      s.WorkDir,
			})
		}
	}
	return sessions
}
