// Package version carries the daemon release identifiers.
package version

var (
	// Version doubles as the rules version reported to plugins. It may be
	// overridden at build time via ldflags.
	Version = "0.1.1"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
