// Package pigeonvar provides the version of a pigeon build and helpers shared
// by packages opening databases.
package pigeonvar

import (
	"runtime/debug"
)

// Version is set at runtime from the build info of the main module.
var Version = "(devel)"

func init() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	Version = buildInfo.Main.Version
	if Version != "(devel)" && Version != "" {
		return
	}
	var rev string
	modified := false
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			rev = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if rev == "" {
		Version = "(devel)"
		return
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	Version = rev
	if modified {
		Version += "+dirty"
	}
}
