// Package version reports the release and build of the heimdall binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version is a semantic version plus the revision it was built from.
type Version struct {
	Major, Minor, Patch string
	Metadata            string
	Build               string
}

// HeimdallVersion is the current version of Heimdall. Build is replaced
// at link time or, failing that, by the VCS revision stamped by the Go
// toolchain.
var HeimdallVersion = Version{Major: "0", Minor: "9", Patch: "0"}

func (v Version) String() string {
	s := "Version: " + v.Major + "." + v.Minor + "." + v.Patch
	if v.Metadata != "" {
		s += "-" + v.Metadata
	}
	build := v.Build
	if build == "" {
		build = revision()
	}
	return s + "\nBuild: " + build
}

func revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return "unknown"
}

// BuildInfo lists the Go toolchain and the module versions compiled into
// the binary.
func BuildInfo() string {
	var b strings.Builder
	b.WriteString(runtime.Version())
	b.WriteByte('\n')
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b.String()
	}
	fmt.Fprintf(&b, "mod %s %s\n", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		m := dep
		if dep.Replace != nil {
			m = dep.Replace
		}
		fmt.Fprintf(&b, "dep %s %s\n", m.Path, m.Version)
	}
	return b.String()
}
