package debuginfo

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/heimdall-sbom/heimdall/internal/testbin"
	"github.com/heimdall-sbom/heimdall/pkg/component"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func appDWARF() []testbin.ELFSection {
	d := testbin.NewDWARF()
	d.CompileUnit("main.c", "/src/app", []string{"main.c", "util.h"})
	d.AddSubprogram("main", 0x1000, 0x1010)
	d.AddSubprogram("helper", 0x1010, 0x1020)
	d.EndUnit()
	return d.Sections()
}

func withDWARF() []byte {
	return (&testbin.ELF{Type: elf.ET_EXEC, Sections: appDWARF()}).Bytes()
}

func TestStructuredEmbedded(t *testing.T) {
	p := writeFile(t, t.TempDir(), "app", withDWARF())
	e := New(Options{Guard: NewGuard()})

	res, err := e.Extract(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, OriginEmbedded, res.Origin)
	require.Equal(t, component.ConfidenceStructured, res.Confidence)
	require.False(t, res.Busy)
	require.Equal(t, []string{"/src/app/main.c", "/src/app/util.h"}, res.SourceFiles)
	require.Equal(t, []string{"helper", "main"}, res.Functions)
	require.Equal(t, []string{"main.c"}, res.CompileUnits)

	c := &component.Component{}
	res.Apply(c)
	require.True(t, c.ContainsDebugInfo)
	require.Equal(t, component.ConfidenceStructured, c.DebugConfidence)
	require.Len(t, c.SourceFiles, 2)
}

func TestBusyFallsBackToHeuristic(t *testing.T) {
	p := writeFile(t, t.TempDir(), "app", withDWARF())
	g := NewGuard()
	release, ok := g.TryAcquire()
	require.True(t, ok)
	defer release()

	res, err := New(Options{Guard: g}).Extract(context.Background(), p)
	require.NoError(t, err)
	require.True(t, res.Busy)
	require.Equal(t, OriginHeuristic, res.Origin)
	require.Equal(t, component.ConfidenceHeuristic, res.Confidence)
	require.Contains(t, res.SourceFiles, "main.c")
	require.Contains(t, res.SourceFiles, "util.h")

	_, err = New(Options{Guard: g}).Structured(context.Background(), p)
	require.ErrorIs(t, err, ErrBusy)
}

func TestQueuedCancelled(t *testing.T) {
	p := writeFile(t, t.TempDir(), "app", withDWARF())
	g := NewGuard()
	release, ok := g.TryAcquire()
	require.True(t, ok)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Options{Guard: g, Queue: true}).Extract(ctx, p)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDisableStructured(t *testing.T) {
	p := writeFile(t, t.TempDir(), "app", withDWARF())
	res, err := New(Options{Guard: NewGuard(), DisableStructured: true}).Extract(context.Background(), p)
	require.NoError(t, err)
	require.False(t, res.Busy)
	require.Equal(t, OriginHeuristic, res.Origin)
}

func TestGuardSingleFlight(t *testing.T) {
	g := NewGuard()
	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Acquire(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			atomic.AddInt32(&active, -1)
			release()
			release()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), peak)

	release, ok := g.TryAcquire()
	require.True(t, ok)
	_, ok = g.TryAcquire()
	require.False(t, ok)
	release()
}

func TestSessionLifecycle(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSession(writeFile(t, dir, "app", withDWARF()))
	require.NoError(t, err)
	obj, err := s.Object()
	require.NoError(t, err)
	require.NotNil(t, obj.ELF)
	d, err := s.DWARF()
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Object()
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.DWARF()
	require.ErrorIs(t, err, ErrClosed)

	s, err = OpenSession(writeFile(t, dir, "stripped", (&testbin.ELF{}).Bytes()))
	require.NoError(t, err)
	defer s.Close()
	_, err = s.DWARF()
	require.ErrorIs(t, err, ErrNoDWARF)

	_, err = OpenSession(writeFile(t, dir, "text", []byte("hello")))
	require.ErrorIs(t, err, ErrUnsupportedObject)
}

func TestHeuristicRawScan(t *testing.T) {
	data := []byte("\x00\x01junk src/foo.cpp\x00bar.hpp readme.txt .c /only/dir/.h\xff")
	p := writeFile(t, t.TempDir(), "blob", data)
	res, err := Heuristic(p)
	require.NoError(t, err)
	require.Equal(t, []string{"bar.hpp", "src/foo.cpp"}, res.SourceFiles)
	require.Equal(t, component.ConfidenceHeuristic, res.Confidence)
}

func TestHeuristicCandidateLimit(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < maxCandidates+100; i++ {
		buf.WriteString("f")
		buf.WriteString(strings.Repeat("x", i%7))
		buf.WriteString(string(rune('a' + i%26)))
		buf.WriteString(string(rune('a' + (i/26)%26)))
		buf.WriteString(string(rune('a' + (i/676)%26)))
		buf.WriteString(".c\n")
	}
	res := heuristicScan(buf.Bytes())
	require.Len(t, res.SourceFiles, maxCandidates)
}

func zlibBytes(t *testing.T, data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestHeuristicCompressedSections(t *testing.T) {
	line := []byte("\x00lib/z.c\x00")
	zdebug := append([]byte("ZLIB"), make([]byte, 8)...)
	binary.BigEndian.PutUint64(zdebug[4:], uint64(len(line)))
	zdebug = append(zdebug, zlibBytes(t, line)...)

	str := []byte("\x00zstd/y.h\x00")
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	chdr := make([]byte, 24)
	binary.LittleEndian.PutUint32(chdr, uint32(elf.COMPRESS_ZSTD))
	binary.LittleEndian.PutUint64(chdr[8:], uint64(len(str)))
	binary.LittleEndian.PutUint64(chdr[16:], 1)
	compressed := enc.EncodeAll(str, chdr)
	enc.Close()

	b := (&testbin.ELF{Sections: []testbin.ELFSection{
		{Name: ".zdebug_line", Type: elf.SHT_PROGBITS, Data: zdebug},
		{Name: ".debug_str", Type: elf.SHT_PROGBITS, Flags: elf.SHF_COMPRESSED, Data: compressed},
	}}).Bytes()
	res := heuristicScan(b)
	require.Equal(t, []string{"lib/z.c", "zstd/y.h"}, res.SourceFiles)
}

func TestInflateELFSectionZlib(t *testing.T) {
	want := []byte("hello.c")
	chdr := make([]byte, 24)
	binary.LittleEndian.PutUint32(chdr, uint32(elf.COMPRESS_ZLIB))
	binary.LittleEndian.PutUint64(chdr[8:], uint64(len(want)))
	got, err := inflateELFSection(append(chdr, zlibBytes(t, want)...), elf.ELFCLASS64, binary.LittleEndian)
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = inflateELFSection(chdr[:10], elf.ELFCLASS64, binary.LittleEndian)
	require.Error(t, err)

	binary.LittleEndian.PutUint64(chdr[8:], maxInflated+1)
	_, err = inflateELFSection(chdr, elf.ELFCLASS64, binary.LittleEndian)
	require.ErrorIs(t, err, errTooLarge)
}

func TestInflateZdebugClaimedSize(t *testing.T) {
	want := []byte("small.c")
	hdr := []byte("ZLIB\x00\x00\x00\x00\x00\x00\x00\x00")
	binary.BigEndian.PutUint64(hdr[4:], maxInflated)
	section := append(hdr, zlibBytes(t, want)...)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err := inflateZdebug(section)
	runtime.ReadMemStats(&after)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20), "buffer sized from the header")

	binary.BigEndian.PutUint64(section[4:], uint64(len(want)))
	got, err := inflateZdebug(section)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestMiniDebugInfo(t *testing.T) {
	inner := (&testbin.ELF{Symbols: []testbin.ELFSymbol{
		{Name: "hidden_func", Value: 0x1000, Size: 4, Bind: elf.STB_LOCAL, Type: elf.STT_FUNC, Section: ".text"},
		{Name: "a_table", Value: 0x1004, Bind: elf.STB_LOCAL, Type: elf.STT_OBJECT, Section: ".text"},
	}}).Bytes()
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(inner)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	b := (&testbin.ELF{Sections: []testbin.ELFSection{
		{Name: ".gnu_debugdata", Type: elf.SHT_PROGBITS, Data: buf.Bytes()},
		{Name: ".rodata", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Data: []byte("assert failed in net/socket.cc\x00")},
	}}).Bytes()
	res := heuristicScan(b)
	require.Equal(t, []string{"hidden_func"}, res.Functions)
	require.Equal(t, []string{"net/socket.cc"}, res.SourceFiles)
}

func TestHeuristicMachOCStrings(t *testing.T) {
	b := (&testbin.MachO{Sections: []testbin.MachOSection{
		{Name: "__cstring", Data: []byte("Sources/Core/engine.cpp\x00%s\x00")},
	}}).Bytes()
	res := heuristicScan(b)
	require.Equal(t, []string{"Sources/Core/engine.cpp"}, res.SourceFiles)
}

func TestSeparateBuildID(t *testing.T) {
	dir := t.TempDir()
	id := []byte{0xab, 0xcd, 0xef, 0x01}
	p := writeFile(t, dir, "bin/app", (&testbin.ELF{BuildID: id}).Bytes())
	dbg := writeFile(t, dir, "debug/ab/cdef01.debug", (&testbin.ELF{BuildID: id, Sections: appDWARF()}).Bytes())

	e := New(Options{Guard: NewGuard(), DebugInfoDirectories: []string{filepath.Join(dir, "debug")}})
	res, err := e.Extract(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, OriginBuildID, res.Origin)
	require.Equal(t, dbg, res.DebugFile)
	require.Equal(t, []string{"helper", "main"}, res.Functions)
}

func TestSeparateDebugLink(t *testing.T) {
	dir := t.TempDir()
	link := append([]byte("app.debug"), 0, 0, 0, 0xde, 0xad, 0xbe, 0xef)
	p := writeFile(t, dir, "app", (&testbin.ELF{Sections: []testbin.ELFSection{
		{Name: ".gnu_debuglink", Type: elf.SHT_PROGBITS, Data: link},
	}}).Bytes())
	dbg := writeFile(t, dir, ".debug/app.debug", withDWARF())

	res, err := New(Options{Guard: NewGuard()}).Extract(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, OriginDebugLink, res.Origin)
	require.Equal(t, dbg, res.DebugFile)
}

func TestSeparateDSYM(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "Tool", (&testbin.MachO{}).Bytes())
	var sects []testbin.MachOSection
	for _, s := range appDWARF() {
		sects = append(sects, testbin.MachOSection{Name: "__" + strings.TrimPrefix(s.Name, "."), Data: s.Data})
	}
	dbg := writeFile(t, dir, "Tool.dSYM/Contents/Resources/DWARF/Tool", (&testbin.MachO{Sections: sects}).Bytes())

	res, err := New(Options{Guard: NewGuard()}).Extract(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, OriginDSYM, res.Origin)
	require.Equal(t, dbg, res.DebugFile)
	require.Equal(t, []string{"/src/app/main.c", "/src/app/util.h"}, res.SourceFiles)
}

func TestIsSourceName(t *testing.T) {
	for name, want := range map[string]bool{
		"main.c":         true,
		"a/b/Widget.HPP": true,
		"x.cxx":          true,
		".c":             false,
		"dir/.h":         false,
		"libc.so":        false,
		"main.go":        false,
	} {
		require.Equal(t, want, isSourceName(name), name)
	}
}
