// Package version exposes build version information.
package version

import "runtime/debug"

// Version is set at build time via -ldflags. When unset, the module
// version recorded in build info is used instead.
var Version = "dev"

// Get returns the version string for this build.
func Get() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}
