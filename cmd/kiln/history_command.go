package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"kiln/internal/registry"
	"kiln/internal/textutil"
)

type historyRow struct {
	ID         string        `json:"id" yaml:"id"`
	DaemonID   string        `json:"daemon_id" yaml:"daemon_id"`
	Status     string        `json:"status" yaml:"status"`
	ExitCode   int           `json:"exit_code" yaml:"exit_code"`
	Args       []string      `json:"args" yaml:"args"`
	WorkDir    string        `json:"work_dir" yaml:"work_dir"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero" yaml:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		format outputFormat
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent build invocations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := format.validate(); err != nil {
				return err
			}
			if limit < 0 {
				return fmt.Errorf("--limit must be zero or positive")
			}
			_, store, err := ctx.openRegistry()
			if err != nil {
				return err
			}
			defer store.Close()

			invocations, err := store.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			rows := make([]historyRow, 0, len(invocations))
			for _, inv := range invocations {
				rows = append(rows, historyFromInvocation(inv))
			}
			if handled, err := format.write(cmd, rows); handled {
				return err
			}

			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No builds recorded")
				return nil
			}
			table := make([][]string, 0, len(rows))
			for _, r := range rows {
				exit := "-"
				if r.Status != string(registry.InvocationRunning) {
					exit = strconv.Itoa(r.ExitCode)
				}
				table = append(table, []string{
					shortDaemonID(r.ID),
					stateLabel(r.Status),
					exit,
					formatDuration(r.Duration),
					humanize.Time(r.StartedAt),
					textutil.ShellJoin(r.Args),
				})
			}
			fmt.Fprint(out, renderTable([]column{
				{header: "Invocation"},
				{header: "Status"},
				{header: "Exit", align: alignRight},
				{header: "Duration", align: alignRight},
				{header: "Started"},
				{header: "Args", maxWidth: 48},
			}, table))
			fmt.Fprintln(out)
			return nil
		},
	}
	addOutputFlags(cmd.Flags(), &format)
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of builds to show (0 for all)")
	return cmd
}

func historyFromInvocation(inv registry.Invocation) historyRow {
	args := inv.Args
	if args == nil {
		args = []string{}
	}
	return historyRow{
		ID:         inv.ID,
		DaemonID:   inv.DaemonID,
		Status:     string(inv.Status),
		ExitCode:   inv.ExitCode,
		Args:       args,
		WorkDir:    inv.WorkDir,
		Error:      inv.Error,
		StartedAt:  inv.StartedAt,
		FinishedAt: inv.FinishedAt,
		Duration:   inv.Duration,
	}
}
