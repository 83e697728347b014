package component

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/heimdall-sbom/heimdall/pkg/format"
)

// FileType is the kind of artifact a component was built from.
type FileType uint8

const (
	Unknown FileType = iota
	Executable
	SharedLibrary
	StaticLibrary
	Object
	Archive
	Source
)

func (ft FileType) String() string {
	switch ft {
	case Executable:
		return "Executable"
	case SharedLibrary:
		return "SharedLibrary"
	case StaticLibrary:
		return "StaticLibrary"
	case Object:
		return "Object"
	case Archive:
		return "Archive"
	case Source:
		return "Source"
	}
	return "Unknown"
}

// MarshalText encodes the file type by name.
func (ft FileType) MarshalText() ([]byte, error) {
	return []byte(ft.String()), nil
}

var sourceExts = map[string]bool{
	".c": true, ".cc": true, ".cpp": true, ".cxx": true,
	".h": true, ".hh": true, ".hpp": true, ".hxx": true,
	".m": true, ".mm": true, ".s": true, ".go": true, ".rs": true,
}

const (
	elfETRel  = 1
	elfETExec = 2
	elfETDyn  = 3

	machoObject  = 0x1
	machoExecute = 0x2
	machoDylib   = 0x6
	machoBundle  = 0x8
)

// Classify determines the file type of path from its extension and header.
func Classify(path string) FileType {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".a", ".lib":
		return StaticLibrary
	}
	if sourceExts[ext] {
		return Source
	}

	f, err := os.Open(path)
	if err != nil {
		return Unknown
	}
	defer f.Close()

	var hdr [32]byte
	n, _ := io.ReadFull(f, hdr[:])
	switch format.DetectBytes(hdr[:n]) {
	case format.ELF:
		return classifyELF(hdr[:n])
	case format.MachO:
		return classifyMachO(hdr[:n])
	case format.MachOFat:
		return classifyFat(f, hdr[:n])
	case format.Archive:
		return Archive
	case format.PE:
		if ext == ".dll" {
			return SharedLibrary
		}
		return Executable
	}
	switch ext {
	case ".so", ".dylib", ".dll":
		return SharedLibrary
	case ".o", ".obj":
		return Object
	case ".exe":
		return Executable
	}
	return Unknown
}

func classifyELF(hdr []byte) FileType {
	if len(hdr) < 18 {
		return Unknown
	}
	var bo binary.ByteOrder = binary.LittleEndian
	if hdr[5] == 2 {
		bo = binary.BigEndian
	}
	switch bo.Uint16(hdr[16:]) {
	case elfETRel:
		return Object
	case elfETExec:
		return Executable
	case elfETDyn:
		return SharedLibrary
	}
	return Unknown
}

func classifyMachO(hdr []byte) FileType {
	if len(hdr) < 16 {
		return Unknown
	}
	var bo binary.ByteOrder = binary.BigEndian
	if hdr[0] == 0xce || hdr[0] == 0xcf {
		bo = binary.LittleEndian
	}
	switch bo.Uint32(hdr[12:]) {
	case machoObject:
		return Object
	case machoExecute:
		return Executable
	case machoDylib, machoBundle:
		return SharedLibrary
	}
	return Unknown
}

// classifyFat classifies a universal binary by its first slice.
func classifyFat(f io.ReaderAt, hdr []byte) FileType {
	if len(hdr) < 20 {
		return Unknown
	}
	var off int64
	switch binary.BigEndian.Uint32(hdr) {
	case 0xcafebabe:
		off = int64(binary.BigEndian.Uint32(hdr[16:]))
	case 0xcafebabf:
		if len(hdr) < 24 {
			return Unknown
		}
		off = int64(binary.BigEndian.Uint64(hdr[16:]))
	default:
		return Unknown
	}
	var slice [16]byte
	if _, err := f.ReadAt(slice[:], off); err != nil {
		return Unknown
	}
	if format.DetectBytes(slice[:]) != format.MachO {
		return Unknown
	}
	return classifyMachO(slice[:])
}
