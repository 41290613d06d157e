package preflight

import (
	"context"

	"kiln/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name" yaml:"name"`
	Passed bool   `json:"passed" yaml:"passed"`
	Detail string `json:"detail" yaml:"detail"`
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckBuildProgram(cfg.Build.Program),
		// Socket names are derived from a truncated id, so any id yields
		// the same length.
		CheckSocketPath(cfg.SocketPath("preflight")),
	}

	if cfg.API.Bind != "" {
		results = append(results, CheckAPI(ctx, cfg.API.Bind, cfg.API.Token))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
