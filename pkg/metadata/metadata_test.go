package metadata

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heimdall-sbom/heimdall/internal/testbin"
	"github.com/heimdall-sbom/heimdall/pkg/cache"
	"github.com/heimdall-sbom/heimdall/pkg/component"
	"github.com/heimdall-sbom/heimdall/pkg/config"
	"github.com/heimdall-sbom/heimdall/pkg/debuginfo"
	"github.com/heimdall-sbom/heimdall/pkg/resolve"
)

func writeFile(t *testing.T, p string, data []byte) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func newComponent(t *testing.T, p string) *component.Component {
	t.Helper()
	c, err := component.New(p)
	require.NoError(t, err)
	return c
}

func testExtractor(libDir string, opts Options) *Extractor {
	opts.Resolver = resolve.NewWithDirs("linux", []string{libDir})
	if opts.Guard == nil {
		opts.Guard = debuginfo.NewGuard()
	}
	return New(opts)
}

func sampleELF() []byte {
	return (&testbin.ELF{
		Needed:  []string{"libfoo.so.1", "libc.so.6"},
		BuildID: []byte{0xde, 0xad, 0xbe, 0xef},
		Symbols: []testbin.ELFSymbol{
			{Name: "main", Value: 0x1000, Size: 8, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Section: ".text"},
			{Name: "local_helper", Value: 0x1008, Size: 4, Bind: elf.STB_LOCAL, Type: elf.STT_FUNC, Section: ".text"},
		},
	}).Bytes()
}

func TestExtractMetadataELF(t *testing.T) {
	dir := t.TempDir()
	libDir := filepath.Join(dir, "lib")
	libfoo := writeFile(t, filepath.Join(libDir, "libfoo.so.1"), nil)
	p := writeFile(t, filepath.Join(dir, "libdemo-1.4.2.so"), sampleELF())

	c := newComponent(t, p)
	require.True(t, testExtractor(libDir, Options{}).ExtractMetadata(context.Background(), c))

	require.True(t, c.WasProcessed)
	require.Empty(t, c.ProcessingError)
	require.Len(t, c.Checksum, 64)
	require.Equal(t, "deadbeef", c.BuildID)
	require.Equal(t, "1.4.2", c.Version)
	require.Equal(t, "path", c.Property("version.source"))
	require.False(t, c.IsStripped)

	var names []string
	for _, s := range c.Symbols {
		names = append(names, s.Name)
	}
	require.Contains(t, names, "main")
	require.NotContains(t, names, "local_helper")

	require.Equal(t, []component.Dependency{
		{Name: "libfoo.so.1", Path: libfoo, Method: component.ResolvedSearchPath},
		{Name: "libc.so.6", Method: component.Unresolved},
	}, c.Dependencies)
	require.NotEmpty(t, c.Sections)
}

func TestExtractMetadataIdempotent(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, filepath.Join(dir, "app"), sampleELF())
	e := testExtractor(dir, Options{Verbose: true})
	c := newComponent(t, p)

	require.True(t, e.ExtractMetadata(context.Background(), c))
	first, err := json.Marshal(c)
	require.NoError(t, err)
	require.True(t, e.ExtractMetadata(context.Background(), c))
	second, err := json.Marshal(c)
	require.NoError(t, err)
	require.JSONEq(t, string(first), string(second))

	var names []string
	for _, s := range c.Symbols {
		names = append(names, s.Name)
	}
	require.Contains(t, names, "local_helper")
}

func TestExtractMetadataUnknown(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, filepath.Join(dir, "notes.txt"), []byte("version 1.2.3, MIT License"))
	c := newComponent(t, p)
	before := *c
	require.False(t, testExtractor(dir, Options{}).ExtractMetadata(context.Background(), c))
	require.Equal(t, before, *c)

	missing := &component.Component{FilePath: filepath.Join(dir, "missing")}
	require.False(t, testExtractor(dir, Options{}).ExtractMetadata(context.Background(), missing))
	require.False(t, missing.WasProcessed)
	require.Empty(t, missing.ProcessingError)
}

func TestUnsupportedFacets(t *testing.T) {
	dir := t.TempDir()
	pe := make([]byte, 128)
	copy(pe, "MZ")
	binary.LittleEndian.PutUint32(pe[0x3c:], 0x40)
	copy(pe[0x40:], "PE\x00\x00")
	p := writeFile(t, filepath.Join(dir, "tool.exe"), pe)

	c := newComponent(t, p)
	require.True(t, testExtractor(dir, Options{}).ExtractMetadata(context.Background(), c))
	for _, facet := range []string{"symbols", "sections", "dependencies", "version", "metadata"} {
		require.Equal(t, "unsupported", c.Property("facet."+facet), facet)
	}
	require.Empty(t, c.ProcessingError)
}

func TestVersionSources(t *testing.T) {
	dir := t.TempDir()
	e := testExtractor(dir, Options{})

	content := writeFile(t, filepath.Join(dir, "a"), (&testbin.ELF{Sections: []testbin.ELFSection{
		{Name: ".rodata", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Data: []byte("demo version: 2.7.1\x00")},
	}}).Bytes())
	c := newComponent(t, content)
	require.True(t, e.ExtractVersionInfo(c))
	require.Equal(t, "2.7.1", c.Version)
	require.Equal(t, "content", c.Property("version.source"))

	sym := writeFile(t, filepath.Join(dir, "b"), (&testbin.ELF{Symbols: []testbin.ELFSymbol{
		{Name: "mylib_version_3_1_4", Value: 0x1000, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Section: ".text"},
	}}).Bytes())
	c = newComponent(t, sym)
	require.True(t, e.ExtractSymbolInfo(c))
	require.True(t, e.ExtractVersionInfo(c))
	require.Equal(t, "3.1.4", c.Version)
	require.Equal(t, "symbols", c.Property("version.source"))

	none := writeFile(t, filepath.Join(dir, "c"), (&testbin.ELF{}).Bytes())
	c = newComponent(t, none)
	require.False(t, e.ExtractVersionInfo(c))
	require.Empty(t, c.Version)
}

func TestMachONativeVersion(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, filepath.Join(dir, "libtool-9.9.9.dylib"), (&testbin.MachO{
		FileType: testbin.TypeDylib,
		IDDylib:  &testbin.MachODylib{Name: "@rpath/libtool.dylib", CurrentVersion: 0x00010203},
	}).Bytes())
	c := newComponent(t, p)
	require.True(t, testExtractor(dir, Options{}).ExtractVersionInfo(c))
	require.Equal(t, "1.2.3", c.Version)
	require.Equal(t, "native", c.Property("version.source"))
}

func TestLicenseFromPath(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, filepath.Join(dir, "mit", "libx.so"), (&testbin.ELF{}).Bytes())
	c := newComponent(t, p)
	require.True(t, testExtractor(dir, Options{}).ExtractLicenseInfo(c))
	require.Equal(t, "MIT", c.License)
	require.Equal(t, "path", c.Property("license.source"))
}

func TestDebugInfoFacet(t *testing.T) {
	dir := t.TempDir()
	d := testbin.NewDWARF()
	d.CompileUnit("main.c", "/src/app", []string{"main.c"})
	d.AddSubprogram("main", 0x1000, 0x1010)
	d.EndUnit()
	p := writeFile(t, filepath.Join(dir, "app"), (&testbin.ELF{Sections: d.Sections()}).Bytes())

	g := debuginfo.NewGuard()
	e := testExtractor(dir, Options{ExtractDebugInfo: true, Guard: g})
	c := newComponent(t, p)
	require.True(t, e.ExtractDebugInfo(context.Background(), c))
	require.Equal(t, component.ConfidenceStructured, c.DebugConfidence)
	require.Equal(t, "embedded", c.Property("debuginfo.source"))
	require.Equal(t, []string{"main"}, c.Functions)

	release, ok := g.TryAcquire()
	require.True(t, ok)
	defer release()
	c = newComponent(t, p)
	require.True(t, e.ExtractDebugInfo(context.Background(), c))
	require.Equal(t, "busy", c.Property("debuginfo.status"))
	require.Equal(t, "heuristic", c.Property("debuginfo.source"))
	require.Equal(t, component.ConfidenceHeuristic, c.DebugConfidence)
	require.Contains(t, c.SourceFiles, "main.c")
}

func TestDebugInfoFacetRerun(t *testing.T) {
	dir := t.TempDir()
	d := testbin.NewDWARF()
	d.CompileUnit("main.c", "/src/app", []string{"main.c"})
	d.AddSubprogram("main", 0x1000, 0x1010)
	d.EndUnit()
	p := writeFile(t, filepath.Join(dir, "app"), (&testbin.ELF{Sections: d.Sections()}).Bytes())

	g := debuginfo.NewGuard()
	e := testExtractor(dir, Options{ExtractDebugInfo: true, Guard: g})
	fresh := newComponent(t, p)
	require.True(t, e.ExtractDebugInfo(context.Background(), fresh))

	// busy, then structured, on the same record
	c := newComponent(t, p)
	release, ok := g.TryAcquire()
	require.True(t, ok)
	require.True(t, e.ExtractDebugInfo(context.Background(), c))
	require.Equal(t, "busy", c.Property("debuginfo.status"))
	require.Equal(t, component.ConfidenceHeuristic, c.DebugConfidence)
	release()

	require.True(t, e.ExtractDebugInfo(context.Background(), c))
	require.Empty(t, c.Property("debuginfo.status"))
	require.Equal(t, "embedded", c.Property("debuginfo.source"))
	require.Equal(t, component.ConfidenceStructured, c.DebugConfidence)
	require.Equal(t, fresh.SourceFiles, c.SourceFiles)
	require.Equal(t, fresh.Functions, c.Functions)
	require.Equal(t, fresh.CompileUnits, c.CompileUnits)

	// structured, then busy: the heuristic pass must not touch the record
	release, ok = g.TryAcquire()
	require.True(t, ok)
	defer release()
	require.True(t, e.ExtractDebugInfo(context.Background(), c))
	require.Empty(t, c.Property("debuginfo.status"))
	require.Equal(t, "embedded", c.Property("debuginfo.source"))
	require.Equal(t, component.ConfidenceStructured, c.DebugConfidence)
	require.Equal(t, fresh.SourceFiles, c.SourceFiles)
	require.Equal(t, fresh.Functions, c.Functions)
}

func TestDisableStructuredDebugInfo(t *testing.T) {
	dir := t.TempDir()
	d := testbin.NewDWARF()
	d.CompileUnit("main.c", "/src/app", []string{"main.c"})
	d.AddSubprogram("main", 0x1000, 0x1010)
	d.EndUnit()
	p := writeFile(t, filepath.Join(dir, "app"), (&testbin.ELF{Sections: d.Sections()}).Bytes())

	opts, err := OptionsFromConfig(&config.Config{ExtractDebugInfo: true, DisableStructuredDebugInfo: true})
	require.NoError(t, err)
	require.True(t, opts.DisableStructured)
	opts.Guard = debuginfo.NewGuard()
	e := testExtractor(dir, opts)
	c := newComponent(t, p)
	require.True(t, e.ExtractDebugInfo(context.Background(), c))
	require.Equal(t, component.ConfidenceHeuristic, c.DebugConfidence)
	require.Equal(t, "heuristic", c.Property("debuginfo.source"))
	require.Empty(t, c.Property("debuginfo.status"))
	require.Contains(t, c.SourceFiles, "main.c")
}

func TestLazySymbols(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, filepath.Join(dir, "app"), sampleELF())
	e := testExtractor(dir, Options{})

	require.True(t, e.ExtractSymbolInfo(newComponent(t, p)))
	require.True(t, e.ExtractSymbolInfo(newComponent(t, p)))
	st := e.Symbols().Stats()
	require.EqualValues(t, 1, st.Hits)
	require.EqualValues(t, 1, st.Misses)
}

func TestMetadataCache(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, filepath.Join(dir, "app"), sampleELF())
	mc, err := cache.New(8, 0)
	require.NoError(t, err)
	e := testExtractor(dir, Options{Cache: mc})

	first := newComponent(t, p)
	require.True(t, e.ExtractMetadata(context.Background(), first))
	second := newComponent(t, p)
	require.True(t, e.ExtractMetadata(context.Background(), second))
	require.Equal(t, first.Checksum, second.Checksum)
	require.Equal(t, first.DependencyNames(), second.DependencyNames())
	require.EqualValues(t, 1, mc.Stats().Hits)

	second.SetProperty("mutated", "yes")
	third := newComponent(t, p)
	require.True(t, e.ExtractMetadata(context.Background(), third))
	require.Empty(t, third.Property("mutated"))
}

func TestExtractBatch(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeFile(t, filepath.Join(dir, "a"), sampleELF()),
		filepath.Join(dir, "missing"),
		writeFile(t, filepath.Join(dir, "b"), sampleELF()),
		writeFile(t, filepath.Join(dir, "notes.txt"), []byte("plain text, not a binary\n")),
	}
	out, err := testExtractor(dir, Options{Workers: 2}).ExtractBatch(context.Background(), paths)
	require.NoError(t, err)
	require.Len(t, out, 4)
	require.True(t, out[0].WasProcessed)
	require.True(t, out[2].WasProcessed)
	require.False(t, out[1].WasProcessed)
	require.NotEmpty(t, out[1].ProcessingError)
	require.False(t, out[3].WasProcessed)
	require.Empty(t, out[3].ProcessingError)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = testExtractor(dir, Options{}).ExtractBatch(ctx, paths)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPackageManager(t *testing.T) {
	require.Equal(t, "rpm", packageManager("/var/lib/rpm/x/libfoo.so"))
	require.Equal(t, "conan", packageManager("/home/u/.conan/data/zlib/1.2.13/lib/libz.a"))
	require.Equal(t, "vcpkg", packageManager("/src/vcpkg/installed/x64-linux/lib/libfmt.a"))
	require.Equal(t, "spack", packageManager("/opt/spack/linux/gcc/hdf5/lib/libhdf5.so"))
	require.Empty(t, packageManager("/usr/lib/libc.so.6"))

	require.Equal(t, "conan-center", supplierFor("conan", false))
	require.Equal(t, "vcpkg", supplierFor("vcpkg", false))
	require.Equal(t, "system-package-manager", supplierFor("rpm", false))
	require.Equal(t, "system-package-manager", supplierFor("", true))
	require.Empty(t, supplierFor("", false))

	dir := t.TempDir()
	p := writeFile(t, filepath.Join(dir, "vcpkg", "installed", "lib", "libfmt.so"), sampleELF())
	e := testExtractor(dir, Options{})
	c := newComponent(t, p)
	require.True(t, e.ExtractMetadata(context.Background(), c))
	require.Equal(t, "vcpkg", c.Property("package.manager"))
	require.Equal(t, "vcpkg", c.Supplier)
}
