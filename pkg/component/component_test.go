package component

import (
	"debug/elf"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/heimdall-sbom/heimdall/internal/testbin"
)

func TestAddUnique(t *testing.T) {
	c := &Component{}
	require.True(t, c.AddSymbol(Symbol{Name: "main"}))
	require.False(t, c.AddSymbol(Symbol{Name: "main", Address: 1}))
	require.True(t, c.AddSection(Section{Name: ".text"}))
	require.False(t, c.AddSection(Section{Name: ".text"}))
	require.True(t, c.AddDependency("libc.so.6"))
	require.False(t, c.AddDependency("libc.so.6"))
	require.False(t, c.AddDependency(""))

	// the same value may appear in different lists
	require.True(t, c.AddSourceFile("main.c"))
	require.True(t, c.AddCompileUnit("main.c"))
	require.False(t, c.AddSourceFile("main.c"))
	require.False(t, c.AddFunction(""))

	require.True(t, c.AddArchitecture(ArchSlice{CPUType: 7}))
	require.False(t, c.AddArchitecture(ArchSlice{CPUType: 7, Offset: 4096}))
}

func TestResolution(t *testing.T) {
	c := &Component{}
	c.AddDependency("libfoo.so")
	c.SetResolution("libfoo.so", "/usr/lib/libfoo.so", ResolvedSearchPath)
	c.SetResolution("libbar.so", "/usr/lib/libbar.so", ResolvedSearchPath)
	require.Equal(t, []Dependency{{"libfoo.so", "/usr/lib/libfoo.so", ResolvedSearchPath}}, c.Dependencies)

	c.SetResolution("libfoo.so", "", ResolvedSearchPath)
	require.Equal(t, Unresolved, c.Dependencies[0].Method)
}

func TestMarkDebugInfo(t *testing.T) {
	c := &Component{}
	c.MarkDebugInfo(ConfidenceStructured)
	c.MarkDebugInfo(ConfidenceHeuristic)
	require.True(t, c.ContainsDebugInfo)
	require.Equal(t, ConfidenceStructured, c.DebugConfidence)
}

func TestClearDebugInfo(t *testing.T) {
	c := &Component{}
	require.True(t, c.AddSourceFile("main.c"))
	require.True(t, c.AddFunction("main"))
	c.MarkDebugInfo(ConfidenceHeuristic)
	c.SetProperty("debuginfo.status", "busy")

	c.ClearDebugInfo()
	c.DeleteProperty("debuginfo.status")
	require.False(t, c.ContainsDebugInfo)
	require.Empty(t, c.DebugConfidence)
	require.Empty(t, c.SourceFiles)
	require.Empty(t, c.Property("debuginfo.status"))
	require.True(t, c.AddSourceFile("main.c"))
	require.True(t, c.AddFunction("main"))
}

func TestProcessingError(t *testing.T) {
	c := &Component{}
	c.SetProcessingError(nil)
	c.SetProcessingError(errors.New("first"))
	c.SetProcessingError(errors.New("second"))
	require.Equal(t, "first", c.ProcessingError)
}

func TestClone(t *testing.T) {
	c := &Component{Name: "a", CodeSign: &CodeSignInfo{Entitlements: []string{"x"}}}
	c.AddSymbol(Symbol{Name: "main"})
	c.AddSourceFile("a.c")
	c.SetProperty("k", "v")

	n := c.Clone()
	require.Equal(t, c.Symbols, n.Symbols)
	n.AddSymbol(Symbol{Name: "other"})
	n.AddSourceFile("b.c")
	require.False(t, n.AddSourceFile("a.c"))
	n.SetProperty("k", "w")
	n.CodeSign.Entitlements[0] = "y"

	require.Len(t, c.Symbols, 1)
	require.Equal(t, []string{"a.c"}, c.SourceFiles)
	require.Equal(t, "v", c.Property("k"))
	require.Equal(t, "x", c.CodeSign.Entitlements[0])
}

func TestNewAndClassify(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, data, 0o644))
		return p
	}

	lib := write("libx.so", (&testbin.ELF{Type: elf.ET_DYN}).Bytes())
	c, err := New(lib)
	require.NoError(t, err)
	require.Equal(t, "libx.so", c.Name)
	require.Equal(t, SharedLibrary, c.FileType())
	require.NotZero(t, c.FileSize)

	require.Equal(t, Executable, Classify(write("app", (&testbin.ELF{Type: elf.ET_EXEC}).Bytes())))
	require.Equal(t, Object, Classify(write("x.o", (&testbin.ELF{Type: elf.ET_REL}).Bytes())))
	require.Equal(t, SharedLibrary, Classify(write("libm.dylib", (&testbin.MachO{FileType: testbin.TypeDylib}).Bytes())))
	require.Equal(t, StaticLibrary, Classify(write("libz.a", []byte("!<arch>\n"))))
	require.Equal(t, Source, Classify(write("main.cpp", []byte("int main() {}"))))
	require.Equal(t, Unknown, Classify(write("README", []byte("hello"))))

	_, err = New(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestChecksum(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(p, []byte("abc"), 0o644))
	sum, err := ComputeChecksum(p)
	require.NoError(t, err)
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
}

func TestMarshal(t *testing.T) {
	p := filepath.Join(t.TempDir(), "app")
	require.NoError(t, os.WriteFile(p, (&testbin.ELF{Type: elf.ET_EXEC}).Bytes(), 0o644))
	c, err := New(p)
	require.NoError(t, err)
	c.AddDependency("libc.so.6")

	b, err := json.Marshal(c)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	require.Equal(t, "Executable", m["fileType"])
	require.Equal(t, "app", m["name"])

	y, err := yaml.Marshal(c)
	require.NoError(t, err)
	var ym map[string]interface{}
	require.NoError(t, yaml.Unmarshal(y, &ym))
	require.Equal(t, "Executable", ym["fileType"])
	require.Equal(t, "app (Executable)", c.String())
}
