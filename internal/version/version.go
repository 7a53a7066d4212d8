// Package version derives the binary's version from embedded build info.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const modulePath = "github.com/fgassert/nrt-launcher"

// Module returns the main module path recorded in build info.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if p := strings.TrimSpace(info.Main.Path); p != "" {
			return p
		}
	}
	return modulePath
}

// Current returns the module version when the binary was built from a
// tagged release, or a VCS pseudo-version when built from a checkout.
func Current() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "v0.0.0-unknown"
	}
	return fromBuildInfo(info)
}

func fromBuildInfo(info *debug.BuildInfo) string {
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return strings.TrimSuffix(v, "+dirty")
	}
	if v := vcsPseudoVersion(info); v != "" {
		return v
	}
	return "v0.0.0-unknown"
}

func vcsPseudoVersion(info *debug.BuildInfo) string {
	var revision, stamp string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			stamp = s.Value
		}
	}
	if revision == "" || stamp == "" {
		return ""
	}
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	return "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
}
