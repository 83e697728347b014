// Package metadata fills component records with the facts the extract,
// resolve, debuginfo and license packages find in a binary.
//
// Every facet is independently callable and idempotent. A failing facet
// is recorded on the component and does not stop the others.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/heimdall-sbom/heimdall/pkg/cache"
	"github.com/heimdall-sbom/heimdall/pkg/component"
	"github.com/heimdall-sbom/heimdall/pkg/config"
	"github.com/heimdall-sbom/heimdall/pkg/debuginfo"
	"github.com/heimdall-sbom/heimdall/pkg/extract"
	"github.com/heimdall-sbom/heimdall/pkg/format"
	"github.com/heimdall-sbom/heimdall/pkg/license"
	"github.com/heimdall-sbom/heimdall/pkg/logflags"
	"github.com/heimdall-sbom/heimdall/pkg/resolve"
)

// Options configures an Extractor.
type Options struct {
	// Verbose includes local symbols.
	Verbose bool
	// ExtractDebugInfo enables the debug info facet in ExtractMetadata and
	// the reporting of debugging symbols.
	ExtractDebugInfo bool
	// IncludeSystemLibraries, when false, flags dependencies resolved to
	// system directories with the dep.<name>.system property.
	IncludeSystemLibraries bool
	// SuppressWarnings logs facet failures at debug level.
	SuppressWarnings bool

	// SearchPaths are searched for dependencies after the system
	// directories.
	SearchPaths []string
	// DebugInfoDirectories are searched for separate debug files.
	DebugInfoDirectories []string
	// Debuginfod enables debuginfod-find.
	Debuginfod bool
	// DebugQueue waits for the debug info session instead of falling back
	// to the heuristic scan.
	DebugQueue bool
	// DisableStructured reads debug info with the heuristic scan only.
	DisableStructured bool

	// Workers bounds the number of files ExtractBatch processes at once.
	// Zero means GOMAXPROCS.
	Workers int

	// Cache, if set, serves ExtractMetadata for unchanged files.
	Cache *cache.Cache
	// License detects licenses, defaulting to license.Patterns.
	License license.Detector
	// Resolver resolves dependencies, defaulting to resolve.New with
	// SearchPaths.
	Resolver *resolve.Resolver
	// Guard serializes debug info sessions, defaulting to the process
	// wide guard.
	Guard *debuginfo.Guard
}

// OptionsFromConfig converts conf to Options. A metadata cache is created
// when conf enables one.
func OptionsFromConfig(conf *config.Config) (Options, error) {
	opts := Options{
		Verbose:                conf.Verbose,
		ExtractDebugInfo:       conf.ExtractDebugInfo,
		IncludeSystemLibraries: conf.SystemLibraries(),
		SuppressWarnings:       conf.SuppressWarnings,
		SearchPaths:            conf.SearchPaths,
		DebugInfoDirectories:   conf.DebugInfoDirectories,
		Debuginfod:             conf.Debuginfod,
		DebugQueue:             conf.DebugQueue,
		DisableStructured:      conf.DisableStructuredDebugInfo,
		Workers:                conf.Workers,
	}
	if conf.CacheSize > 0 {
		c, err := cache.New(conf.CacheSize, conf.CacheMaxAge)
		if err != nil {
			return Options{}, err
		}
		opts.Cache = c
	}
	return opts, nil
}

// Extractor runs the facets. It is safe for concurrent use.
type Extractor struct {
	opts     Options
	resolver *resolve.Resolver
	debug    *debuginfo.Extractor
	license  license.Detector
	symbols  *LazySymbols
	log      logflags.Logger
}

// New returns an Extractor configured by opts.
func New(opts Options) *Extractor {
	e := &Extractor{
		opts:     opts,
		resolver: opts.Resolver,
		license:  opts.License,
		symbols:  NewLazySymbols(defaultSymbolCacheSize),
		log:      logflags.ExtractorLogger(),
	}
	if e.resolver == nil {
		e.resolver = resolve.New(opts.SearchPaths...)
	}
	if e.license == nil {
		e.license = license.Patterns{}
	}
	e.debug = debuginfo.New(debuginfo.Options{
		Queue:                opts.DebugQueue,
		DisableStructured:    opts.DisableStructured,
		DebugInfoDirectories: opts.DebugInfoDirectories,
		Debuginfod:           opts.Debuginfod,
		Guard:                opts.Guard,
	})
	if opts.Workers <= 0 {
		e.opts.Workers = runtime.GOMAXPROCS(0)
	}
	return e
}

// Symbols returns the lazy symbol cache of e.
func (e *Extractor) Symbols() *LazySymbols {
	return e.symbols
}

// ExtractMetadata runs every facet on c. It returns false, leaving c
// untouched, when the file is unreadable or of an unknown format.
// Otherwise c is marked processed and the result reports whether any
// facet produced data.
func (e *Extractor) ExtractMetadata(ctx context.Context, c *component.Component) bool {
	f := format.Detect(c.FilePath)
	if f == format.Unknown {
		e.log.WithField("file", c.FilePath).Debug("unknown format, skipping")
		return false
	}
	if e.opts.Cache != nil {
		if cached, ok := e.opts.Cache.Get(c.FilePath); ok {
			*c = *cached.Clone()
			return true
		}
	}

	produced := false
	for _, step := range []func() bool{
		func() bool { return e.extractFileInfo(c) },
		func() bool { return e.ExtractSymbolInfo(c) },
		func() bool { return e.ExtractSectionInfo(c) },
		func() bool { return e.ExtractDependencyInfo(c) },
		func() bool { return e.ExtractVersionInfo(c) },
		func() bool { return e.ExtractLicenseInfo(c) },
		func() bool { return e.extractFormatInfo(c) },
	} {
		if step() {
			produced = true
		}
	}
	if e.opts.ExtractDebugInfo && e.ExtractDebugInfo(ctx, c) {
		produced = true
	}
	c.WasProcessed = true

	if e.opts.Cache != nil && produced {
		if err := e.opts.Cache.Put(c.FilePath, c.Clone()); err != nil {
			e.log.WithField("file", c.FilePath).Debugf("could not cache: %v", err)
		}
	}
	return produced
}

// facet runs fn over the opened file of c, recording its failure on c.
func (e *Extractor) facet(c *component.Component, name string, fn func(ex extract.Extractor, in extract.Input) (bool, error)) (ok bool) {
	log := e.log.WithField("file", c.FilePath)
	defer func() {
		if r := recover(); r != nil {
			e.fail(c, name, fmt.Errorf("internal error: %v", r))
			ok = false
		}
	}()
	in, err := extract.Open(c.FilePath)
	if err != nil {
		e.fail(c, name, err)
		return false
	}
	defer in.Close()
	f := format.DetectReader(in)
	ex, err := extract.For(f, extract.Options{Verbose: e.opts.Verbose, ExtractDebugInfo: e.opts.ExtractDebugInfo})
	if err != nil {
		log.Debugf("%s: %v", name, err)
		return false
	}
	ok, err = fn(ex, in)
	if err != nil {
		e.fail(c, name, err)
	}
	return ok
}

func (e *Extractor) fail(c *component.Component, name string, err error) {
	log := e.log.WithField("file", c.FilePath)
	if errors.Is(err, extract.ErrUnsupported) {
		c.SetProperty("facet."+name, "unsupported")
		log.Debugf("%s: %v", name, err)
		return
	}
	c.SetProcessingError(fmt.Errorf("%s: %w", name, err))
	if e.opts.SuppressWarnings {
		log.Debugf("%s: %v", name, err)
	} else {
		log.Warnf("%s: %v", name, err)
	}
}

// extractFileInfo records the checksum, size and classification of c.
func (e *Extractor) extractFileInfo(c *component.Component) bool {
	sum, err := component.ComputeChecksum(c.FilePath)
	if err != nil {
		e.fail(c, "checksum", err)
		return false
	}
	c.Checksum = sum
	if c.Name == "" {
		c.Name = filepath.Base(c.FilePath)
	}
	if in, err := extract.Open(c.FilePath); err == nil {
		c.FileSize = in.Size()
		in.Close()
	}
	c.IsSystemLibrary = e.resolver.IsSystemLibrary(c.FilePath)
	pm := packageManager(c.FilePath)
	if pm != "" {
		c.SetProperty("package.manager", pm)
	}
	if c.Supplier == "" {
		c.Supplier = supplierFor(pm, c.IsSystemLibrary)
	}
	return true
}

// extractFormatInfo records format specific identification.
func (e *Extractor) extractFormatInfo(c *component.Component) bool {
	return e.facet(c, "metadata", func(ex extract.Extractor, in extract.Input) (bool, error) {
		n, err := ex.Metadata(c, in)
		return n > 0, err
	})
}

// ExtractSymbolInfo records the symbols of c.
func (e *Extractor) ExtractSymbolInfo(c *component.Component) bool {
	return e.facet(c, "symbols", func(ex extract.Extractor, in extract.Input) (bool, error) {
		syms, err := e.symbols.Load(c.FilePath, e.opts.Verbose, e.opts.ExtractDebugInfo, func() ([]component.Symbol, error) {
			tmp := &component.Component{}
			_, err := ex.Symbols(tmp, in)
			return tmp.Symbols, err
		})
		for _, s := range syms {
			c.AddSymbol(s)
		}
		return len(syms) > 0, err
	})
}

// ExtractSectionInfo records the sections of c.
func (e *Extractor) ExtractSectionInfo(c *component.Component) bool {
	return e.facet(c, "sections", func(ex extract.Extractor, in extract.Input) (bool, error) {
		n, err := ex.Sections(c, in)
		return n > 0, err
	})
}

// ExtractDependencyInfo records and resolves the dependencies of c.
func (e *Extractor) ExtractDependencyInfo(c *component.Component) bool {
	return e.facet(c, "dependencies", func(ex extract.Extractor, in extract.Input) (bool, error) {
		_, err := ex.Dependencies(c, in)
		rlog := logflags.ResolverLogger()
		for _, name := range c.DependencyNames() {
			res := e.resolver.ResolveFrom(name, filepath.Dir(c.FilePath))
			c.SetResolution(name, res.Path, res.Method)
			rlog.Debugf("%s: %s -> %q (%s)", c.Name, name, res.Path, res.Method)
			if !e.opts.IncludeSystemLibraries && res.Path != "" && e.resolver.IsSystemLibrary(res.Path) {
				c.SetProperty("dep."+name+".system", "true")
			}
		}
		return len(c.Dependencies) > 0, err
	})
}

// ExtractLicenseInfo records the license of c.
func (e *Extractor) ExtractLicenseInfo(c *component.Component) bool {
	content, err := readHead(c.FilePath, license.ContentWindow)
	if err != nil {
		e.fail(c, "license", err)
		return false
	}
	m, ok := e.license.Detect(&license.Evidence{Path: c.FilePath, Content: content, Symbols: c.Symbols})
	if !ok {
		return false
	}
	c.License = m.License
	c.SetProperty("license.source", string(m.Source))
	return true
}

// ExtractDebugInfo records the source files, functions and compile units
// of c. The debuginfo.source property always names the provenance of the
// recorded facts: heuristic facts never extend a record holding
// structured ones, and structured facts replace heuristic ones.
func (e *Extractor) ExtractDebugInfo(ctx context.Context, c *component.Component) bool {
	res, err := e.debug.Extract(ctx, c.FilePath)
	if err != nil {
		e.fail(c, "debuginfo", err)
		return false
	}
	structured := res.Confidence == component.ConfidenceStructured
	if c.DebugConfidence == component.ConfidenceStructured && !structured {
		e.log.WithField("file", c.FilePath).Debugf("keeping structured debug info, ignoring %s result", res.Origin)
		return true
	}
	if res.Busy {
		c.SetProperty("debuginfo.status", "busy")
	} else {
		c.DeleteProperty("debuginfo.status")
	}
	if res.Empty() {
		return false
	}
	if structured && c.DebugConfidence != component.ConfidenceStructured {
		c.ClearDebugInfo()
	}
	res.Apply(c)
	c.SetProperty("debuginfo.source", string(res.Origin))
	if res.DebugFile != "" {
		c.SetProperty("debuginfo.file", res.DebugFile)
	} else {
		c.DeleteProperty("debuginfo.file")
	}
	return true
}
