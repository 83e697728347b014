package goversion

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestReadSelf(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skip(err)
	}
	f, err := os.Open(exe)
	if err != nil {
		t.Skip(err)
	}
	defer f.Close()
	info, err := Read(f)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(info.GoVersion, "go") && !strings.HasPrefix(info.GoVersion, "devel") {
		t.Errorf("unexpected toolchain version %q", info.GoVersion)
	}
}

func TestReadNotGo(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("\x7fELF not really")))
	if !errors.Is(err, ErrNotGo) {
		t.Fatalf("Read() = %v; want ErrNotGo", err)
	}
}

func TestReleaseVersion(t *testing.T) {
	for _, tc := range []struct{ v, want string }{{"(devel)", ""}, {"", ""}, {"v1.4.2", "1.4.2"}} {
		info := &Info{Module: Module{"example.com/m", tc.v}}
		if got := info.ReleaseVersion(); got != tc.want {
			t.Errorf("ReleaseVersion(%q) = %q; want %q", tc.v, got, tc.want)
		}
	}
}
