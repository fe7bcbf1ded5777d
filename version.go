package fieldsync

import (
	"fmt"
	"runtime"
)

var (
	// Version is overridden with -ldflags "-X .../fieldsync.Version=...".
	Version = "v0.4.0"
	// GitCommit is the git SHA (inject via -ldflags at build time).
	GitCommit = "unknown"
	// BuildDate is the build timestamp (inject via -ldflags).
	BuildDate = "unknown"
	// GoVersion records the Go toolchain version used.
	GoVersion = runtime.Version()
)

// GetVersion returns the semantic version, suitable for a User-Agent.
func GetVersion() string {
	return Version
}

// VersionString describes the build for startup logs.
func VersionString() string {
	return fmt.Sprintf("fieldsync %s (commit: %s, built: %s, go: %s)",
		Version, GitCommit, BuildDate, GoVersion)
}

// GetVersionInfo returns version metadata as labels for the build info metric.
func GetVersionInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     GitCommit,
		"build_date": BuildDate,
		"go_version": GoVersion,
	}
}
