// Package buildinfo carries the build-time identity of rudis-server.
//
// Version, Commit, and BuildTime are injected via ldflags:
//
//	go build -ldflags "-X github.com/aleksandar-had/rudis/internal/infra/buildinfo.Version=v1.0.0"
//
// All three appear in the --version banner. Version and Commit also
// appear in the startup log line and as labels of the rudis_build_info
// metric; BuildTime appears only in the banner.
package buildinfo

import "runtime"

// Build-time variables (set via ldflags).
var (
	// Version is the semantic version.
	Version = "dev"

	// Commit is the git commit hash.
	Commit = "unknown"

	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String returns the single-line banner used by --version.
func String() string {
	return Version + " (commit " + Commit + ", built " + BuildTime + ", " + runtime.Version() + ")"
}
