package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kiln/internal/logging"
	"kiln/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var (
		follow     bool
		lines      int
		invocation string
		component  string
		daemonID   string
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show daemon logs",
		Long: "Show daemon logs. Events come from the daemon HTTP API when api.bind is set;\n" +
			"otherwise the most recent daemon log file is read. Each daemon records the API\n" +
			"address it bound, so --daemon selects one when several are running.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			addr := cfg.API.Bind
			if addr != "" {
				if addr, err = ctx.resolveAPIAddr(cmd.Context(), daemonID); err != nil {
					return err
				}
			}
			stream, err := logs.NewStreamClient(addr, cfg.API.Token)
			if err != nil {
				return err
			}
			query := logs.StreamQuery{
				Limit:      lines,
				Tail:       true,
				Component:  component,
				Invocation: invocation,
			}
			err = streamEvents(cmd.Context(), out, stream, query, follow)
			if err == nil || !logs.IsAPIUnavailable(err) {
				return err
			}

			return tailFile(cmd.Context(), out, filepath.Join(cfg.Paths.LogDir, "kiln.log"), lines, invocation, follow)
		},
	}
	flags := cmd.Flags()
	flags.BoolVarP(&follow, "follow", "f", false, "Keep printing new log output")
	flags.IntVarP(&lines, "lines", "n", 50, "Number of recent lines to show")
	flags.StringVar(&invocation, "invocation", "", "Only show logs for one build invocation")
	flags.StringVar(&component, "component", "", "Only show events from one component (API only)")
	flags.StringVar(&daemonID, "daemon", "", "Read logs from this daemon's API (API only)")
	return cmd
}

// resolveAPIAddr returns the API address of the named daemon, or of the
// newest daemon with an API when daemonID is empty. It falls back to
// api.bind when no daemon has recorded one.
func (c *commandContext) resolveAPIAddr(ctx context.Context, daemonID string) (string, error) {
	cfg, store, err := c.openRegistry()
	if err != nil {
		return "", err
	}
	defer store.Close()

	daemons, err := store.List(ctx)
	if err != nil {
		return "", err
	}
	for _, d := range daemons {
		if d.APIAddr == "" {
			continue
		}
		if daemonID == "" || d.ID == daemonID {
			return d.APIAddr, nil
		}
	}
	if daemonID != "" {
		return "", fmt.Errorf("daemon %s is not running or has no http api", daemonID)
	}
	return cfg.API.Bind, nil
}

func streamEvents(ctx context.Context, out io.Writer, stream *logs.StreamClient, query logs.StreamQuery, follow bool) error {
	resp, err := stream.Fetch(ctx, query)
	if err != nil {
		return err
	}
	printEvents(out, resp.Events)
	if !follow {
		return nil
	}
	query.Tail = false
	query.Follow = true
	query.Since = resp.Next
	for {
		resp, err := stream.Fetch(ctx, query)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		printEvents(out, resp.Events)
		if resp.Next > query.Since {
			query.Since = resp.Next
		}
	}
}

func printEvents(out io.Writer, events []logging.LogEvent) {
	for _, evt := range events {
		fmt.Fprintln(out, formatEvent(evt))
	}
}

func formatEvent(evt logging.LogEvent) string {
	var b strings.Builder
	b.WriteString(evt.Timestamp.Local().Format(time.DateTime))
	b.WriteByte(' ')
	b.WriteString(strings.ToUpper(evt.Level))
	if evt.Component != "" {
		b.WriteString(" [" + evt.Component + "]")
	}
	b.WriteByte(' ')
	b.WriteString(evt.Message)
	if evt.InvocationID != "" {
		b.WriteString(" invocation_id=" + evt.InvocationID)
	}
	keys := make([]string, 0, len(evt.Fields))
	for key := range evt.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		b.WriteString(" " + key + "=" + evt.Fields[key])
	}
	return b.String()
}

// printLines writes log file lines, rendering JSON-format records the same
// way as events from the API.
func printLines(out io.Writer, lines []string) {
	for _, line := range lines {
		var evt logging.LogEvent
		if strings.HasPrefix(line, "{") && json.Unmarshal([]byte(line), &evt) == nil && evt.Message != "" {
			fmt.Fprintln(out, formatEvent(evt))
			continue
		}
		fmt.Fprintln(out, line)
	}
}

func tailFile(ctx context.Context, out io.Writer, path string, lines int, match string, follow bool) error {
	result, err := logs.Tail(ctx, path, logs.TailOptions{Offset: -1, Limit: lines, Match: match})
	if err != nil {
		return err
	}
	printLines(out, result.Lines)
	if !follow {
		return nil
	}
	offset := result.Offset
	for {
		result, err := logs.Tail(ctx, path, logs.TailOptions{Offset: offset, Follow: true, Wait: 30 * time.Second, Match: match})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		printLines(out, result.Lines)
		offset = result.Offset
	}
}
