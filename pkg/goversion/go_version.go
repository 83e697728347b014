// Package goversion reads the toolchain and module facts that the Go
// linker embeds in executables.
package goversion

import (
	"debug/buildinfo"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Module is a module linked into a binary.
type Module struct {
	Path    string
	Version string
}

// Info holds the build information of a Go binary.
type Info struct {
	// GoVersion is the toolchain version as recorded, e.g. go1.22.3.
	GoVersion string
	// Module is the main module. Its version is "(devel)" for binaries
	// built from a working tree.
	Module Module
	Deps   []Module
}

// ErrNotGo is returned by Read for binaries without Go build information.
var ErrNotGo = errors.New("not a Go binary")

// Read returns the build information embedded in the executable r.
func Read(r io.ReaderAt) (*Info, error) {
	bi, err := buildinfo.Read(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotGo, err)
	}
	info := &Info{
		GoVersion: bi.GoVersion,
		Module:    Module{bi.Main.Path, bi.Main.Version},
	}
	for _, d := range bi.Deps {
		if d.Replace != nil {
			d = d.Replace
		}
		info.Deps = append(info.Deps, Module{d.Path, d.Version})
	}
	return info, nil
}

// ReleaseVersion returns the version of the main module, or an empty
// string for development builds.
func (info *Info) ReleaseVersion() string {
	v := info.Module.Version
	if v == "" || v == "(devel)" {
		return ""
	}
	return strings.TrimPrefix(v, "v")
}
