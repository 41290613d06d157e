// Package version reports the kiln build version. Release builds set Version
// and Commit with -ldflags "-X kiln/internal/version.Version=...".
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = ""
)

// Platform returns GOOS/GOARCH of the running binary.
func Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// String describes the version for `kiln --version`.
func String() string {
	commit := Commit
	if commit == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
					commit = setting.Value[:7]
				}
			}
		}
	}
	if commit == "" {
		return fmt.Sprintf("%s (%s)", Version, Platform())
	}
	return fmt.Sprintf("%s (%s, %s)", Version, commit, Platform())
}
