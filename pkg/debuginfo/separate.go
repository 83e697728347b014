package debuginfo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/heimdall-sbom/heimdall/pkg/extract"
	"github.com/heimdall-sbom/heimdall/pkg/logflags"
)

const (
	// DefaultDebugInfoDirectory is searched when no directories are
	// configured.
	DefaultDebugInfoDirectory = "/usr/lib/debug/.build-id"
	globalDebugRoot           = "/usr/lib/debug"
)

type candidate struct {
	path   string
	origin Origin
}

// separate looks for the DWARF of the object in s in a separate debug
// file: a dSYM bundle for Mach-O, build id directories, .gnu_debuglink
// and finally debuginfod for ELF.
func (e *Extractor) separate(ctx context.Context, s *Session) (*Result, error) {
	obj, err := s.Object()
	if err != nil {
		return nil, err
	}
	log := logflags.DebugInfoLogger().WithField("file", s.Path())

	var cands []candidate
	var buildID string
	switch {
	case obj.MachO != nil:
		cands = append(cands, candidate{dsymPath(s.Path()), OriginDSYM})
	case obj.ELF != nil:
		buildID, err = extract.ELFBuildID(obj.ELF)
		if err != nil {
			log.Debugf("could not read build id: %v", err)
		}
		for _, p := range e.buildIDPaths(buildID) {
			cands = append(cands, candidate{p, OriginBuildID})
		}
		if name := debugLink(obj); name != "" {
			for _, p := range debugLinkPaths(s.Path(), name) {
				cands = append(cands, candidate{p, OriginDebugLink})
			}
		}
	}

	for _, c := range cands {
		if res, ok := e.tryDebugFile(s.Path(), c); ok {
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if e.opts.Debuginfod && buildID != "" {
		p, err := GetDebuginfo(ctx, buildID)
		if err != nil {
			log.Debugf("debuginfod: %v", err)
		} else if res, ok := e.tryDebugFile(s.Path(), candidate{p, OriginDebuginfod}); ok {
			return res, nil
		}
	}
	return nil, ErrNoDWARF
}

func (e *Extractor) tryDebugFile(orig string, c candidate) (*Result, bool) {
	if c.path == "" || c.path == orig {
		return nil, false
	}
	if _, err := os.Stat(c.path); err != nil {
		return nil, false
	}
	log := logflags.DebugInfoLogger().WithField("file", orig)
	ds, err := OpenSession(c.path)
	if err != nil {
		log.Debugf("could not open debug file %s: %v", c.path, err)
		return nil, false
	}
	defer ds.Close()
	d, err := ds.DWARF()
	if err != nil {
		if !errors.Is(err, ErrNoDWARF) {
			log.Debugf("debug file %s: %v", c.path, err)
		}
		return nil, false
	}
	res, err := fromDWARF(d, c.origin)
	if err != nil {
		log.Debugf("debug file %s: %v", c.path, err)
		return nil, false
	}
	res.DebugFile = c.path
	return res, true
}

// dsymPath returns the DWARF file of the dSYM bundle next to path.
func dsymPath(path string) string {
	return filepath.Join(path+".dSYM", "Contents", "Resources", "DWARF", filepath.Base(path))
}

func (e *Extractor) buildIDPaths(buildID string) []string {
	if len(buildID) < 3 {
		return nil
	}
	dirs := e.opts.DebugInfoDirectories
	if len(dirs) == 0 {
		dirs = []string{DefaultDebugInfoDirectory}
	}
	r := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		r = append(r, filepath.Join(dir, buildID[:2], buildID[2:]+".debug"))
	}
	return r
}

// debugLink returns the file name stored in the .gnu_debuglink section.
func debugLink(obj *Object) string {
	sec := obj.ELF.Section(".gnu_debuglink")
	if sec == nil {
		return ""
	}
	data, err := sec.Data()
	if err != nil {
		return ""
	}
	if i := strings.IndexByte(string(data), 0); i >= 0 {
		data = data[:i]
	}
	return filepath.Base(string(data))
}

// debugLinkPaths returns the places gdb looks for a debuglink target.
func debugLinkPaths(path, name string) []string {
	dir := filepath.Dir(path)
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return []string{
		filepath.Join(dir, name),
		filepath.Join(dir, ".debug", name),
		filepath.Join(globalDebugRoot, dir, name),
	}
}
