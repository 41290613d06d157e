package main

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// outputFormat selects machine-readable output for listing commands.
type outputFormat struct {
	json bool
	yaml bool
}

func addOutputFlags(fs *pflag.FlagSet, out *outputFormat) {
	fs.BoolVar(&out.json, "json", false, "Print JSON instead of a table")
	fs.BoolVar(&out.yaml, "yaml", false, "Print YAML instead of a table")
}

func (o outputFormat) validate() error {
	if o.json && o.yaml {
		return errors.New("--json and --yaml are mutually exclusive")
	}
	return nil
}

// write prints v in the selected format and reports whether it did.
func (o outputFormat) write(cmd *cobra.Command, v any) (bool, error) {
	switch {
	case o.json:
		return true, writeJSON(cmd, v)
	case o.yaml:
		return true, writeYAML(cmd, v)
	default:
		return false, nil
	}
}

// envVars collects repeated KEY=VALUE flags.
type envVars map[string]string

var _ pflag.Value = envVars(nil)

func (e envVars) String() string {
	keys := slices.Sorted(maps.Keys(e))
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+e[key])
	}
	return strings.Join(pairs, ",")
}

func (e envVars) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", value)
	}
	e[key] = val
	return nil
}

func (e envVars) Type() string {
	return "KEY=VALUE"
}
