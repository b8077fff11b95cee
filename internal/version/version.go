// Package version reports the build version of attachd binaries.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/attachd"

// buildVersion is set via -ldflags "-X pkt.systems/attachd/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Version   string
	Module    string
	Revision  string
	GoVersion string
	Modified  bool
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Module returns the module path from build info when available.
func Module() string {
	return Read().Module
}

// Read collects version details from linker flags and build info.
func Read() Info {
	info := Info{Module: defaultModule, GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			info.Module = path
		}
		info.Revision, info.Modified = vcsState(bi)
	}
	switch {
	case strings.TrimSpace(buildVersion) != "":
		info.Version = buildVersion
	case ok && bi.Main.Version != "" && bi.Main.Version != "(devel)":
		info.Version = bi.Main.Version
	case ok && pseudoVersion(bi) != "":
		info.Version = pseudoVersion(bi)
	default:
		info.Version = "v0.0.0-unknown"
	}
	return info
}

func vcsState(bi *debug.BuildInfo) (string, bool) {
	var revision string
	var modified bool
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	return revision, modified
}

func pseudoVersion(bi *debug.BuildInfo) string {
	if bi == nil {
		return ""
	}
	revision, modified := vcsState(bi)
	var vcsTime string
	for _, setting := range bi.Settings {
		if setting.Key == "vcs.time" {
			vcsTime = setting.Value
		}
	}
	if revision == "" || vcsTime == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return ""
	}
	rev := revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + rev
	if modified {
		ver += "+dirty"
	}
	return ver
}
