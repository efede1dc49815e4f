// Package version holds build-time version metadata, overridable via
// -ldflags "-X github.com/wisbric/fleetswitch/internal/version.Version=...".
package version

var (
	Version = "dev"
	Commit  = "unknown"
)
