// Package buildinfo exposes compile-time metadata shared by the speakloop binaries.
package buildinfo

import "fmt"

// Overridden via -ldflags "-X" in release builds.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// String renders the metadata as a single banner line for the named binary.
func String(binary string) string {
	return fmt.Sprintf("%s version: %s, commit: %s, built at: %s", binary, Version, Commit, BuildDate)
}
