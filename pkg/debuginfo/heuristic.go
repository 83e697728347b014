package debuginfo

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"path"
	"strings"

	"github.com/heimdall-sbom/heimdall/pkg/component"
	"github.com/heimdall-sbom/heimdall/pkg/format"
	"github.com/heimdall-sbom/heimdall/pkg/logflags"
)

const (
	maxNameLen    = 512
	maxCandidates = 2048
)

var sourceExts = map[string]bool{
	".c": true, ".cc": true, ".cpp": true, ".cxx": true,
	".h": true, ".hh": true, ".hpp": true, ".hxx": true,
}

// Sections whose contents are scanned, in order.
var (
	elfScanned = []string{".debug_line", ".debug_str", ".debug_line_str", ".debug_info", ".rodata"}
	// Mach-O section names are limited to 16 bytes.
	machoScanned = []string{"__debug_line", "__debug_str", "__debug_line_str", "__debug_info", "__cstring"}
)

// isSourceName reports whether name ends in a C or C++ source or header
// extension.
func isSourceName(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	if !sourceExts[ext] || len(name) == len(ext) {
		return false
	}
	prev := name[len(name)-len(ext)-1]
	return prev != '/' && prev != '\\'
}

// Heuristic scans the debug and string sections of the file at path for
// source file names. It does not use the session guard.
func Heuristic(path string) (*Result, error) {
	buf, unmap, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	defer unmap()
	return heuristicScan(buf), nil
}

func heuristicScan(buf []byte) *Result {
	col := newCollector()
	var regions [][]byte
	switch format.DetectBytes(buf) {
	case format.ELF:
		regions = elfRegions(buf, col)
	case format.MachO:
		if f, err := macho.NewFile(bytes.NewReader(buf)); err == nil {
			regions = machoRegions(f)
		}
	case format.MachOFat:
		if ff, err := macho.NewFatFile(bytes.NewReader(buf)); err == nil {
			for _, a := range ff.Arches {
				regions = append(regions, machoRegions(a.File)...)
			}
		}
	}
	if len(regions) == 0 {
		regions = [][]byte{buf}
	}
	sc := scanner{col: col}
	for _, r := range regions {
		if !sc.scan(r) {
			logflags.DebugInfoLogger().Debugf("heuristic scan stopped after %d candidates", maxCandidates)
			break
		}
	}
	return col.result(component.ConfidenceHeuristic, OriginHeuristic)
}

// elfRegions returns the contents of the scanned sections of an ELF
// image, inflating compressed ones. Function names found in MiniDebugInfo
// are added to col.
func elfRegions(buf []byte, col *collector) [][]byte {
	f, err := elf.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil
	}
	log := logflags.DebugInfoLogger()
	byName := make(map[string][]byte)
	for _, s := range f.Sections {
		if s.Type == elf.SHT_NOBITS || s.Type == elf.SHT_NULL {
			continue
		}
		if s.Offset > uint64(len(buf)) || s.FileSize > uint64(len(buf))-s.Offset {
			continue
		}
		raw := buf[s.Offset : s.Offset+s.FileSize]
		name := s.Name
		switch {
		case name == ".gnu_debugdata":
			mdi, err := miniDebugInfo(raw)
			if err != nil {
				log.Debugf("%v", err)
				continue
			}
			syms, _ := mdi.Symbols()
			for _, sym := range syms {
				if elf.ST_TYPE(sym.Info) == elf.STT_FUNC {
					add(col.functions, sym.Name)
				}
			}
		case strings.HasPrefix(name, ".zdebug_"):
			data, err := inflateZdebug(raw)
			if err != nil {
				log.Debugf("could not inflate %s: %v", name, err)
				continue
			}
			byName[".debug_"+name[len(".zdebug_"):]] = data
		case s.Flags&elf.SHF_COMPRESSED != 0:
			data, err := inflateELFSection(raw, f.Class, f.ByteOrder)
			if err != nil {
				log.Debugf("could not inflate %s: %v", name, err)
				continue
			}
			byName[name] = data
		default:
			byName[name] = raw
		}
	}
	var regions [][]byte
	for _, name := range elfScanned {
		if data, ok := byName[name]; ok {
			regions = append(regions, data)
		}
	}
	return regions
}

func machoRegions(f *macho.File) [][]byte {
	var regions [][]byte
	for _, name := range machoScanned {
		s := f.Section(name)
		if s == nil {
			s = f.Section("__z" + name[2:])
		}
		if s == nil {
			continue
		}
		data, err := s.Data()
		if err != nil {
			continue
		}
		if strings.HasPrefix(s.Name, "__zdebug") {
			if data, err = inflateZdebug(data); err != nil {
				continue
			}
		}
		regions = append(regions, data)
	}
	return regions
}

// scanner collects path like tokens ending in a source extension.
type scanner struct {
	col *collector
}

func isPathByte(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("_-./\\+~:@", c) >= 0
}

// scan adds the source names in data, returning false once the candidate
// limit is reached.
func (sc *scanner) scan(data []byte) bool {
	start := -1
	for i := 0; i <= len(data); i++ {
		if i < len(data) && isPathByte(data[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start < 0 {
			continue
		}
		tok := data[start:i]
		start = -1
		if len(tok) > maxNameLen {
			continue
		}
		name := strings.TrimLeft(string(tok), ":@")
		if isSourceName(name) {
			add(sc.col.sources, name)
			if len(sc.col.sources) >= maxCandidates {
				return false
			}
		}
	}
	return true
}
