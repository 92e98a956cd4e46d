// Package version reports which fnhost build is running.
package version

import (
	"runtime/debug"
	"time"
)

// ldflagsVersion is stamped by release builds:
//
//	-ldflags "-X pkt.systems/fnhost/internal/version.ldflagsVersion=v1.4.0"
var ldflagsVersion string

const fallbackModule = "pkt.systems/fnhost"

// Current returns the stamped version, else the module version, else a
// pseudo-version derived from the VCS stamp, else v0.0.0-unknown.
func Current() string {
	if ldflagsVersion != "" {
		return ldflagsVersion
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "v0.0.0-unknown"
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	if v := fromVCS(info.Settings); v != "" {
		return v
	}
	return "v0.0.0-unknown"
}

// Module returns the main module path.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Path != "" {
		return info.Main.Path
	}
	return fallbackModule
}

// String is "<module> <version>", as printed by fnhost version.
func String() string { return Module() + " " + Current() }

// fromVCS builds v0.0.0-<commit time>-<12 char revision>, with +dirty for
// uncommitted changes.
func fromVCS(settings []debug.BuildSetting) string {
	vcs := map[string]string{}
	for _, s := range settings {
		vcs[s.Key] = s.Value
	}
	rev, stamp := vcs["vcs.revision"], vcs["vcs.time"]
	when, err := time.Parse(time.RFC3339, stamp)
	if rev == "" || err != nil {
		return ""
	}
	v := "v0.0.0-" + when.UTC().Format("20060102150405") + "-" + rev[:min(12, len(rev))]
	if vcs["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}
