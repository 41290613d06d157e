// Command kilnd runs a single kiln daemon in the foreground. It is the entry
// point for service managers; interactive use goes through "kiln".
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"kiln/internal/config"
	"kiln/internal/daemonrun"
	"kiln/internal/version"
)

type options struct {
	configPath  string
	daemonID    string
	logLevel    string
	development bool
	version     bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("kilnd", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.configPath, "config", "c", "", "Configuration file path")
	fs.StringVar(&opts.daemonID, "id", "", "Daemon identifier (generated when empty)")
	fs.StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")
	fs.BoolVar(&opts.development, "dev", false, "Use development log formatting")
	fs.BoolVar(&opts.version, "version", false, "Print the version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if opts.version {
		_, err := fmt.Fprintf(stdout, "kilnd %s\n", version.String())
		return err
	}

	cfg, _, _, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return daemonrun.Run(ctx, cfg, daemonrun.Options{
		LogLevel:    opts.logLevel,
		Development: opts.development,
		DaemonID:    opts.daemonID,
	})
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "kilnd: %v\n", err)
		os.Exit(1)
	}
}
