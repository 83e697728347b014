// Package debuginfo extracts source files, functions and compile units
// from the debug information of a binary.
//
// Structured extraction goes through debug/dwarf inside a Session, which
// owns the file mapping and the object and DWARF views built over it.
// Sessions are single-flight process wide: every structured extraction
// holds a Guard for the lifetime of its Session. When the guard is held
// by someone else, the binary carries no DWARF, or structured extraction
// is disabled, a heuristic scan of the raw section bytes is used instead.
package debuginfo

import (
	"context"
	"errors"
	"sort"

	"github.com/heimdall-sbom/heimdall/pkg/component"
	"github.com/heimdall-sbom/heimdall/pkg/logflags"
)

var (
	// ErrNoDWARF is returned when neither the binary nor any of its
	// separate debug files carries DWARF.
	ErrNoDWARF = errors.New("no DWARF debug information")
	// ErrBusy is returned when the session guard could not be acquired.
	ErrBusy = errors.New("debug info session busy")
	// ErrClosed is returned by the accessors of a closed Session.
	ErrClosed = errors.New("debug info session closed")
	// ErrUnsupportedObject is returned for files that are neither ELF nor
	// Mach-O.
	ErrUnsupportedObject = errors.New("unsupported object format for debug info")
)

// Options configures an Extractor.
type Options struct {
	// DisableStructured skips DWARF parsing and always runs the
	// heuristic scan.
	DisableStructured bool
	// Queue makes Extract wait for the guard instead of falling back to
	// the heuristic scan when it is held.
	Queue bool
	// DebugInfoDirectories are searched for separate debug files by build
	// id, in the <dir>/xx/yyyy.debug layout.
	DebugInfoDirectories []string
	// Debuginfod enables debuginfod-find for missing debug files.
	Debuginfod bool
	// Guard serializes sessions. Nil means the process wide guard.
	Guard *Guard
}

// Origin records where debug facts were found.
type Origin string

const (
	OriginEmbedded   Origin = "embedded"
	OriginDSYM       Origin = "dsym"
	OriginBuildID    Origin = "build-id"
	OriginDebugLink  Origin = "debuglink"
	OriginDebuginfod Origin = "debuginfod"
	OriginHeuristic  Origin = "heuristic"
)

// Result holds the debug facts of one binary. All lists are sorted and
// free of duplicates.
type Result struct {
	SourceFiles  []string
	Functions    []string
	CompileUnits []string
	Confidence   component.DebugConfidence
	Origin       Origin
	// Busy is set when structured extraction was skipped because the
	// guard was held.
	Busy bool
	// DebugFile is the separate debug file the facts were read from.
	DebugFile string
}

// Empty reports whether r holds no facts.
func (r *Result) Empty() bool {
	return len(r.SourceFiles) == 0 && len(r.Functions) == 0 && len(r.CompileUnits) == 0
}

// Apply adds the facts of r to c.
func (r *Result) Apply(c *component.Component) {
	for _, s := range r.SourceFiles {
		c.AddSourceFile(s)
	}
	for _, f := range r.Functions {
		c.AddFunction(f)
	}
	for _, cu := range r.CompileUnits {
		c.AddCompileUnit(cu)
	}
	if !r.Empty() {
		c.MarkDebugInfo(r.Confidence)
	}
}

// collector accumulates facts without duplicates.
type collector struct {
	sources, functions, units map[string]struct{}
}

func newCollector() *collector {
	return &collector{
		sources:   make(map[string]struct{}),
		functions: make(map[string]struct{}),
		units:     make(map[string]struct{}),
	}
}

func add(m map[string]struct{}, v string) {
	if v != "" {
		m[v] = struct{}{}
	}
}

func sorted(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	r := make([]string, 0, len(m))
	for k := range m {
		r = append(r, k)
	}
	sort.Strings(r)
	return r
}

func (col *collector) result(conf component.DebugConfidence, origin Origin) *Result {
	return &Result{
		SourceFiles:  sorted(col.sources),
		Functions:    sorted(col.functions),
		CompileUnits: sorted(col.units),
		Confidence:   conf,
		Origin:       origin,
	}
}

// Extractor extracts debug facts. It is safe for concurrent use; the
// structured path is serialized by the guard.
type Extractor struct {
	opts  Options
	guard *Guard
}

// New returns an Extractor configured by opts.
func New(opts Options) *Extractor {
	g := opts.Guard
	if g == nil {
		g = DefaultGuard
	}
	return &Extractor{opts: opts, guard: g}
}

// Extract returns the debug facts of the binary at path. Structured
// extraction is tried first unless disabled; on failure the heuristic
// scan runs. The returned error is only non-nil if the file could not be
// read or ctx was cancelled while queued.
func (e *Extractor) Extract(ctx context.Context, path string) (*Result, error) {
	log := logflags.DebugInfoLogger().WithField("file", path)
	busy := false
	if !e.opts.DisableStructured {
		res, err := e.Structured(ctx, path)
		switch {
		case err == nil && !res.Empty():
			return res, nil
		case errors.Is(err, ErrBusy):
			busy = true
			log.Debug("session busy, using heuristic scan")
		case err != nil && ctx.Err() != nil:
			return nil, err
		case err != nil:
			log.Debugf("structured extraction failed: %v", err)
		}
	}
	res, err := Heuristic(path)
	if err != nil {
		return nil, err
	}
	res.Busy = busy
	return res, nil
}

// Structured extracts debug facts from the DWARF of path or of its
// separate debug file, holding the guard for the whole session. It
// returns ErrBusy without waiting unless Options.Queue is set.
func (e *Extractor) Structured(ctx context.Context, path string) (*Result, error) {
	var release func()
	if e.opts.Queue {
		var err error
		release, err = e.guard.Acquire(ctx)
		if err != nil {
			return nil, err
		}
	} else {
		var ok bool
		release, ok = e.guard.TryAcquire()
		if !ok {
			return nil, ErrBusy
		}
	}
	defer release()

	s, err := OpenSession(path)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if d, err := s.DWARF(); err == nil {
		return fromDWARF(d, OriginEmbedded)
	} else if !errors.Is(err, ErrNoDWARF) {
		return nil, err
	}

	return e.separate(ctx, s)
}
