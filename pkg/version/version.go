// Package version reports the iblnwb build. The variables are set with
// -ldflags "-X github.com/Sumatoshi-tech/iblnwb/pkg/version.Version=...".
package version

import (
	"fmt"
	"runtime/debug"
)

// Build information.
var (
	Version = "dev"
	Commit  = "<unknown>"
	Date    = "<unknown>"
)

// SchemaVersion is the NWB schema the writer targets.
const SchemaVersion = "2.8.0"

const (
	settingRevision = "vcs.revision"
	settingTime     = "vcs.time"
)

// InitBinaryVersion fills unset build information from the Go build info,
// which carries the module version and VCS stamp for `go install` builds.
func InitBinaryVersion() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}

	for _, s := range info.Settings {
		switch s.Key {
		case settingRevision:
			if Commit == "<unknown>" {
				Commit = s.Value
			}
		case settingTime:
			if Date == "<unknown>" {
				Date = s.Value
			}
		}
	}
}

// String renders the build information on one line.
func String() string {
	return fmt.Sprintf("iblnwb %s (commit: %s, built: %s, nwb schema %s)", Version, Commit, Date, SchemaVersion)
}
