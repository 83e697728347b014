package extract

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/heimdall-sbom/heimdall/pkg/component"
	"github.com/heimdall-sbom/heimdall/pkg/format"
)

// ELF extracts facts from ELF objects, executables and shared libraries.
type ELF struct {
	opts Options
}

const ntGNUBuildID = 3

func (e *ELF) Format() format.Format { return format.ELF }

func openELF(in Input) (*elf.File, error) {
	f, err := elf.NewFile(in)
	if err != nil {
		return nil, malformed("elf header", err)
	}
	return f, nil
}

// Symbols records the entries of .symtab and .dynsym, skipping local
// symbols unless verbose and debugging symbols unless debug info was
// requested.
func (e *ELF) Symbols(c *component.Component, in Input) (int, error) {
	f, err := openELF(in)
	if err != nil {
		return 0, err
	}
	n := 0
	var firstErr error
	for _, load := range []func() ([]elf.Symbol, error){f.Symbols, f.DynamicSymbols} {
		syms, err := load()
		if err != nil {
			if !errors.Is(err, elf.ErrNoSymbols) && firstErr == nil {
				firstErr = malformed("symbol table", err)
			}
			continue
		}
		for i := range syms {
			if s, ok := e.symbol(f, &syms[i]); ok {
				c.AddSymbol(s)
				n++
			}
		}
	}
	if n == 0 && firstErr != nil {
		return 0, firstErr
	}
	return n, nil
}

func (e *ELF) symbol(f *elf.File, s *elf.Symbol) (component.Symbol, bool) {
	if s.Name == "" {
		return component.Symbol{}, false
	}
	bind := elf.ST_BIND(s.Info)
	typ := elf.ST_TYPE(s.Info)
	if bind == elf.STB_LOCAL && !e.opts.Verbose {
		return component.Symbol{}, false
	}
	secName := elfSectionName(f, s.Section)
	if !e.opts.ExtractDebugInfo && (typ == elf.STT_FILE || typ == elf.STT_SECTION || strings.HasPrefix(secName, ".debug")) {
		return component.Symbol{}, false
	}
	return component.Symbol{
		Name:      s.Name,
		Address:   s.Value,
		Size:      s.Size,
		Section:   secName,
		IsDefined: typ != elf.STT_NOTYPE && s.Section != elf.SHN_UNDEF,
		IsGlobal:  bind == elf.STB_GLOBAL,
		IsWeak:    bind == elf.STB_WEAK,
	}, true
}

func elfSectionName(f *elf.File, idx elf.SectionIndex) string {
	switch idx {
	case elf.SHN_UNDEF:
		return ""
	case elf.SHN_ABS:
		return "*ABS*"
	case elf.SHN_COMMON:
		return "*COM*"
	}
	if idx < elf.SHN_LORESERVE && int(idx) < len(f.Sections) {
		return f.Sections[idx].Name
	}
	return ""
}

func (e *ELF) Sections(c *component.Component, in Input) (int, error) {
	f, err := openELF(in)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range f.Sections {
		if s.Type == elf.SHT_NULL {
			continue
		}
		c.AddSection(component.Section{
			Name:    s.Name,
			Address: s.Addr,
			Size:    s.Size,
			Flags:   uint64(s.Flags),
			Type:    s.Type.String(),
		})
		n++
	}
	return n, nil
}

// Dependencies records DT_NEEDED entries in dynamic section order. Names
// are recorded unresolved.
func (e *ELF) Dependencies(c *component.Component, in Input) (int, error) {
	f, err := openELF(in)
	if err != nil {
		return 0, err
	}
	libs, err := f.ImportedLibraries()
	if err != nil {
		return 0, malformed("dynamic section", err)
	}
	for _, l := range libs {
		c.AddDependency(l)
	}
	return len(libs), nil
}

// Version records the ELF class, version and machine as the elf.version
// property, of the form ELF64-v1-x86_64. ELF carries no component version
// so the count is always zero.
func (e *ELF) Version(c *component.Component, in Input) (int, error) {
	f, err := openELF(in)
	if err != nil {
		return 0, err
	}
	c.SetProperty("elf.version", elfVersionString(f))
	return 0, nil
}

func elfVersionString(f *elf.File) string {
	class := "unknown"
	switch f.Class {
	case elf.ELFCLASS64:
		class = "64"
	case elf.ELFCLASS32:
		class = "32"
	}
	return fmt.Sprintf("ELF%s-v%d-%s", class, f.Version, elfMachineName(f.Machine))
}

func elfMachineName(m elf.Machine) string {
	switch m {
	case elf.EM_X86_64:
		return "x86_64"
	case elf.EM_386:
		return "i386"
	case elf.EM_AARCH64:
		return "aarch64"
	case elf.EM_ARM:
		return "arm"
	case elf.EM_MIPS:
		return "mips"
	case elf.EM_PPC64:
		return "ppc64"
	case elf.EM_S390:
		return "s390x"
	case elf.EM_RISCV:
		return "riscv64"
	}
	return "unknown"
}

// Metadata records the GNU build id, the stripped flag and the target
// architecture.
func (e *ELF) Metadata(c *component.Component, in Input) (int, error) {
	f, err := openELF(in)
	if err != nil {
		return 0, err
	}
	n := 0
	if id, err := ELFBuildID(f); err != nil {
		return 0, err
	} else if id != "" {
		c.BuildID = id
		n++
	}
	if f.SectionByType(elf.SHT_SYMTAB) == nil {
		c.IsStripped = true
	}
	if c.Platform == nil {
		c.Platform = &component.PlatformInfo{}
	}
	c.Platform.Architecture = elfMachineName(f.Machine)
	c.Platform.Platform = strings.ToLower(strings.TrimPrefix(f.OSABI.String(), "ELFOSABI_"))
	if so, err := f.DynString(elf.DT_SONAME); err == nil && len(so) > 0 {
		c.SetProperty("elf.soname", so[0])
		n++
	}
	if rp, err := f.DynString(elf.DT_RUNPATH); err == nil && len(rp) > 0 {
		c.SetProperty("elf.runpath", strings.Join(rp, ":"))
	}
	return n + 1, nil
}

// ELFBuildID returns the hex encoded NT_GNU_BUILD_ID note of f, or an
// empty string when f has none.
func ELFBuildID(f *elf.File) (string, error) {
	for _, s := range f.Sections {
		if s.Type != elf.SHT_NOTE {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return "", malformed("note section "+s.Name, err)
		}
		if id := gnuBuildID(data, f.ByteOrder); id != nil {
			return hex.EncodeToString(id), nil
		}
	}
	return "", nil
}

// gnuBuildID walks the notes in data and returns the descriptor of the
// first GNU build id note.
func gnuBuildID(data []byte, bo binary.ByteOrder) []byte {
	for len(data) >= 12 {
		namesz := uint64(bo.Uint32(data))
		descsz := uint64(bo.Uint32(data[4:]))
		typ := bo.Uint32(data[8:])
		data = data[12:]
		nameEnd := align4(namesz)
		if nameEnd+descsz > uint64(len(data)) {
			return nil
		}
		name := data[:namesz]
		if typ == ntGNUBuildID && bytes.Equal(bytes.TrimRight(name, "\x00"), []byte("GNU")) {
			return data[nameEnd : nameEnd+descsz]
		}
		descEnd := nameEnd + align4(descsz)
		if descEnd > uint64(len(data)) {
			return nil
		}
		data = data[descEnd:]
	}
	return nil
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}
