// Package buildinfo carries the release metadata injected with -ldflags
// into cmd/server, for the startup banner and the /health endpoint.
package buildinfo

import "fmt"

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Summary renders the metadata on one line.
func Summary() string {
	return fmt.Sprintf("Version: %s, Commit: %s, BuiltAt: %s", Version, Commit, BuildDate)
}
