// Package version provides build information for hearth.
package version

import (
	"fmt"
	"runtime"
)

// These variables are set during build time via ldflags
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Info returns a map with all version information.
func Info() map[string]string {
	return map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
		"goVersion": GoVersion,
	}
}

// Short returns the version with the abbreviated commit, e.g. "1.2.0+3f2a1bc".
func Short() string {
	if GitCommit == "" || GitCommit == "unknown" {
		return Version
	}
	commit := GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return Version + "+" + commit
}

// String returns the one-line banner printed by -version.
func String() string {
	return fmt.Sprintf("hearth %s (built %s, %s, %s/%s)", Short(), BuildTime, GoVersion, runtime.GOOS, runtime.GOARCH)
}
