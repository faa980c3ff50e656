// Package buildinfo exposes version metadata stamped into the binary at
// link time.
package buildinfo

import "fmt"

// Set via -ldflags "-X github.com/terrpan/poolscaler/internal/buildinfo.<Name>=<value>".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// ServiceName is reported in telemetry resources and health responses.
const ServiceName = "poolscaler"

// UserAgent returns the User-Agent sent on outbound API calls.
func UserAgent() string {
	return fmt.Sprintf("%s/%s (%s)", ServiceName, Version, Commit)
}
