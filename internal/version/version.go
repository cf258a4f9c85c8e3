// Package version holds build metadata, stamped at link time with
// -ldflags "-X github.com/banshee-data/pump.lab/internal/version.Version=...".
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String renders the metadata on one line.
func String() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, GitSHA, BuildTime)
}
