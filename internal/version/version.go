// Package version carries build metadata injected via -ldflags.
package version

import "fmt"

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func String() string {
	return fmt.Sprintf("meshgate %s commit=%s build_date=%s", Version, Commit, BuildDate)
}
