// Package version carries the build identity stamped into run logs, so a
// consolidated artifact's log records which revision of the tooling
// produced it.
package version

// Set at build time via -ldflags.
var (
	// Version is the consolidation tooling version.
	Version = "dev"
	// GitSHA is the git commit SHA.
	GitSHA = "unknown"
)
