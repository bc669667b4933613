// Package version reports the version of this module as recorded in the build info of the binary.
package version

import (
	"runtime/debug"
	"strings"
)

// Default is the version reported when the build info has none, e.g. in tests or `go run`.
const Default = "dev"

const modulePath = "github.com/tetratelabs/tiered"

// version is set with -ldflags "-X github.com/tetratelabs/tiered/internal/version.version=v1.2.3".
var version string

// GetVersion returns the version of this module, preferring the linker-provided one.
func GetVersion() string {
	if version != "" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Default
	}
	return fromBuildInfo(info)
}

func fromBuildInfo(info *debug.BuildInfo) string {
	if info.Main.Path == modulePath {
		return normalize(info.Main.Version)
	}
	for _, dep := range info.Deps {
		if dep.Path != modulePath {
			continue
		}
		if dep.Replace != nil && dep.Replace.Version != "" {
			return normalize(dep.Replace.Version)
		}
		return normalize(dep.Version)
	}
	return Default
}

func normalize(v string) string {
	// "(devel)" is what the main module reports when built from a checkout.
	if v == "" || strings.HasPrefix(v, "(") {
		return Default
	}
	return v
}
