package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abcdef"}
	if got, want := v.String(), "Version: 1.2.3-rc1\nBuild: abcdef"; got != want {
		t.Errorf("String() = %q; want %q", got, want)
	}
	v = Version{Major: "1", Minor: "0", Patch: "0"}
	if got := v.String(); !strings.HasPrefix(got, "Version: 1.0.0\nBuild: ") || strings.HasSuffix(got, "Build: ") {
		t.Errorf("String() = %q", got)
	}
}

func TestBuildInfo(t *testing.T) {
	if s := BuildInfo(); !strings.HasPrefix(s, runtime.Version()+"\n") {
		t.Errorf("BuildInfo() = %q; want the Go version first", s)
	}
}
