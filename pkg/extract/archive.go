package extract

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/heimdall-sbom/heimdall/pkg/component"
	"github.com/heimdall-sbom/heimdall/pkg/format"
	"github.com/heimdall-sbom/heimdall/pkg/logflags"
)

// Archive extracts facts from GNU, BSD and thin ar archives. Object
// members are handed to the extractor of their own format.
type Archive struct {
	opts Options
}

const (
	arMagicLen = 8
	arHdrLen   = 60
	arFmag     = "`\n"
)

func (a *Archive) Format() format.Format { return format.Archive }

// arMember is a regular member of an archive.
type arMember struct {
	name string
	off  int64 // offset of the member data
	size int64
}

// arFile is the parsed member table of an archive.
type arFile struct {
	thin    bool
	members []arMember
	symbols []string
}

// parseArchive reads the member headers of in. Member data is not read,
// except for symbol and long name tables.
func parseArchive(in Input) (*arFile, error) {
	magic, err := readAt(in, 0, arMagicLen)
	if err != nil {
		return nil, err
	}
	ar := &arFile{}
	switch string(magic) {
	case "!<arch>\n":
	case "!<thin>\n":
		ar.thin = true
	default:
		return nil, malformed("archive magic", nil)
	}

	var longNames []byte
	off := int64(arMagicLen)
	for off < in.Size() {
		hdr, err := readAt(in, off, arHdrLen)
		if err != nil {
			return ar, malformed(fmt.Sprintf("member header at %#x", off), err)
		}
		if string(hdr[58:60]) != arFmag {
			return ar, malformed(fmt.Sprintf("member header at %#x: bad terminator", off), nil)
		}
		size, err := strconv.ParseInt(strings.TrimSpace(string(hdr[48:58])), 10, 64)
		if err != nil || size < 0 {
			return ar, malformed(fmt.Sprintf("member header at %#x: bad size %q", off, hdr[48:58]), nil)
		}
		name := strings.TrimRight(string(hdr[:16]), " ")
		dataOff := off + arHdrLen

		// In thin archives only the symbol and name tables are stored.
		special := name == "/" || name == "//" || name == "/SYM64/"
		stored := !ar.thin || special
		if stored && size > in.Size()-dataOff {
			return ar, malformed(fmt.Sprintf("member %q of %d bytes past end of file", name, size), nil)
		}

		switch {
		case name == "/":
			if data, err := readAt(in, dataOff, int(size)); err == nil {
				ar.symbols = gnuSymbolTable(data, 4)
			}
		case name == "/SYM64/":
			if data, err := readAt(in, dataOff, int(size)); err == nil {
				ar.symbols = gnuSymbolTable(data, 8)
			}
		case name == "//":
			longNames, err = readAt(in, dataOff, int(size))
			if err != nil {
				return ar, err
			}
		case strings.HasPrefix(name, "#1/"):
			n, err := strconv.Atoi(name[3:])
			if err != nil || n < 0 || int64(n) > size {
				return ar, malformed(fmt.Sprintf("BSD member name %q", name), nil)
			}
			b, err := readAt(in, dataOff, n)
			if err != nil {
				return ar, err
			}
			name = cstring(b)
			if strings.HasPrefix(name, "__.SYMDEF") {
				if data, err := readAt(in, dataOff+int64(n), int(size)-n); err == nil {
					ar.symbols = bsdSymbolTable(data)
				}
				break
			}
			ar.members = append(ar.members, arMember{name, dataOff + int64(n), size - int64(n)})
		case strings.HasPrefix(name, "__.SYMDEF"):
			if data, err := readAt(in, dataOff, int(size)); err == nil {
				ar.symbols = bsdSymbolTable(data)
			}
		case strings.HasPrefix(name, "/"):
			idx, err := strconv.Atoi(name[1:])
			if err != nil || idx < 0 || idx >= len(longNames) {
				return ar, malformed(fmt.Sprintf("long member name %q", name), nil)
			}
			ln := longNames[idx:]
			if end := bytes.IndexByte(ln, '\n'); end >= 0 {
				ln = ln[:end]
			}
			ar.members = append(ar.members, arMember{strings.TrimSuffix(string(ln), "/"), dataOff, size})
		default:
			ar.members = append(ar.members, arMember{strings.TrimSuffix(name, "/"), dataOff, size})
		}

		if stored {
			off = dataOff + size
		} else {
			off = dataOff
		}
		off += off & 1
	}
	return ar, nil
}

// gnuSymbolTable decodes a System V symbol table with entries of width
// bytes: a big endian count, count member offsets, then NUL terminated
// names.
func gnuSymbolTable(data []byte, width int) []string {
	if len(data) < width {
		return nil
	}
	var count uint64
	if width == 8 {
		count = binary.BigEndian.Uint64(data)
	} else {
		count = uint64(binary.BigEndian.Uint32(data))
	}
	if count > uint64(len(data)-width)/uint64(width) {
		return nil
	}
	strs := data[width+int(count)*width:]
	syms := make([]string, 0, count)
	for i := uint64(0); i < count && len(strs) > 0; i++ {
		s := cstring(strs)
		syms = append(syms, s)
		if len(s) >= len(strs) {
			break
		}
		strs = strs[len(s)+1:]
	}
	return syms
}

// bsdSymbolTable decodes a __.SYMDEF ranlib table.
func bsdSymbolTable(data []byte) []string {
	le := binary.LittleEndian
	if len(data) < 4 {
		return nil
	}
	ranlibSize := uint64(le.Uint32(data))
	if ranlibSize%8 != 0 || ranlibSize+8 > uint64(len(data)) {
		return nil
	}
	ranlibs := data[4 : 4+ranlibSize]
	strSize := uint64(le.Uint32(data[4+ranlibSize:]))
	strOff := 8 + ranlibSize
	if strSize > uint64(len(data))-strOff {
		return nil
	}
	strs := data[strOff : strOff+strSize]
	var syms []string
	for len(ranlibs) >= 8 {
		strx := le.Uint32(ranlibs)
		ranlibs = ranlibs[8:]
		if uint64(strx) < uint64(len(strs)) {
			syms = append(syms, cstring(strs[strx:]))
		}
	}
	return syms
}

// forEachObject calls fn for every ELF or Mach-O member of ar.
func (a *Archive) forEachObject(in Input, ar *arFile, fn func(m arMember, ex Extractor, r Input) (int, error)) (int, error) {
	if ar.thin {
		return 0, nil
	}
	n := 0
	var firstErr error
	for _, m := range ar.members {
		r := io.NewSectionReader(in, m.off, m.size)
		f := format.DetectReader(r)
		switch f {
		case format.ELF, format.MachO, format.MachOFat:
		default:
			continue
		}
		ex, err := For(f, a.opts)
		if err != nil {
			continue
		}
		k, err := fn(m, ex, r)
		n += k
		if err != nil {
			logflags.ArchiveLogger().Debugf("member %s: %v", m.name, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("member %s: %w", m.name, err)
			}
		}
	}
	if n == 0 && firstErr != nil {
		return 0, firstErr
	}
	return n, nil
}

// Symbols records the archive symbol table, then the symbols of every
// object member.
func (a *Archive) Symbols(c *component.Component, in Input) (int, error) {
	ar, err := parseArchive(in)
	if ar == nil {
		return 0, err
	}
	n := 0
	for _, s := range ar.symbols {
		if s == "" {
			continue
		}
		if c.AddSymbol(component.Symbol{Name: s, IsDefined: true, IsGlobal: true}) {
			n++
		}
	}
	k, merr := a.forEachObject(in, ar, func(_ arMember, ex Extractor, r Input) (int, error) {
		return ex.Symbols(c, r)
	})
	n += k
	if n == 0 {
		if err != nil {
			return 0, err
		}
		return 0, merr
	}
	return n, nil
}

func (a *Archive) Sections(c *component.Component, in Input) (int, error) {
	ar, err := parseArchive(in)
	if err != nil {
		return 0, err
	}
	return a.forEachObject(in, ar, func(_ arMember, ex Extractor, r Input) (int, error) {
		return ex.Sections(c, r)
	})
}

// Dependencies records the union of the dependencies of the object
// members, in first seen order.
func (a *Archive) Dependencies(c *component.Component, in Input) (int, error) {
	ar, err := parseArchive(in)
	if err != nil {
		return 0, err
	}
	before := len(c.Dependencies)
	_, err = a.forEachObject(in, ar, func(_ arMember, ex Extractor, r Input) (int, error) {
		return ex.Dependencies(c, r)
	})
	n := len(c.Dependencies) - before
	if n == 0 && err != nil {
		return 0, err
	}
	return n, nil
}

// Version is a no-op: archives carry no version.
func (a *Archive) Version(c *component.Component, in Input) (int, error) {
	if _, err := parseArchive(in); err != nil {
		return 0, err
	}
	return 0, nil
}

// Metadata records the member list in the archive.members property and
// the member names as source files.
func (a *Archive) Metadata(c *component.Component, in Input) (int, error) {
	ar, err := parseArchive(in)
	if ar == nil || len(ar.members) == 0 {
		return 0, err
	}
	names := make([]string, len(ar.members))
	for i, m := range ar.members {
		names[i] = m.name
		c.AddSourceFile(m.name)
	}
	c.SetProperty("archive.members", strings.Join(names, ","))
	if ar.thin {
		c.SetProperty("archive.thin", "true")
	}
	if err != nil {
		logflags.ArchiveLogger().Debugf("%s: %v", c.Name, err)
	}
	return len(names), nil
}
