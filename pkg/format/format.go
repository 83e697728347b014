// Package format classifies binary containers by their leading magic bytes.
package format

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
)

// Format is the container format of a file.
type Format uint8

const (
	Unknown Format = iota
	ELF
	MachO
	MachOFat
	PE
	Archive
)

// MagicLen is the number of bytes Detect reads from the start of a file.
// MZ files are read up to the end of the 64 byte DOS header.
const MagicLen = 16

// Largest architecture count accepted for a 0xcafebabe header. Java class
// files share the magic and carry their major version (>= 45) in the same
// position.
const maxFatArches = 30

var (
	elfMagic     = []byte("\x7fELF")
	archiveMagic = []byte("!<arch>\n")
	thinMagic    = []byte("!<thin>\n")
)

const (
	machoMagic32     = 0xfeedface
	machoMagic64     = 0xfeedfacf
	machoCigam32     = 0xcefaedfe
	machoCigam64     = 0xcffaedfe
	fatMagic         = 0xcafebabe
	fatMagic64       = 0xcafebabf
	fatCigam         = 0xbebafeca
	fatCigam64       = 0xbfbafeca
	peDOSHeaderLen   = 64
	peLfanewOffset   = 0x3c
	peMaxLfanewValue = 0x10000000
	peSignature      = "PE\x00\x00"
)

func (f Format) String() string {
	switch f {
	case ELF:
		return "ELF"
	case MachO:
		return "Mach-O"
	case MachOFat:
		return "Mach-O (fat)"
	case PE:
		return "PE"
	case Archive:
		return "Archive"
	}
	return "Unknown"
}

// Detect reads the magic prefix of path and classifies it. It never
// fails: unreadable, short and unrecognized files are Unknown.
func Detect(path string) Format {
	f, err := os.Open(path)
	if err != nil {
		return Unknown
	}
	defer f.Close()
	if ft := DetectReader(f); ft != PE {
		return ft
	}
	return checkPESignature(f)
}

// checkPESignature looks for the PE signature at e_lfanew. MZ files too
// short to hold a DOS header are kept as PE.
func checkPESignature(r io.ReaderAt) Format {
	var hdr [peDOSHeaderLen]byte
	if n, _ := r.ReadAt(hdr[:], 0); n < peDOSHeaderLen {
		return PE
	}
	var sig [len(peSignature)]byte
	lfanew := int64(binary.LittleEndian.Uint32(hdr[peLfanewOffset:]))
	if _, err := r.ReadAt(sig[:], lfanew); err != nil || string(sig[:]) != peSignature {
		return Unknown
	}
	return PE
}

// DetectReader classifies the first MagicLen bytes of r.
func DetectReader(r io.Reader) Format {
	var buf [peDOSHeaderLen]byte
	n, _ := io.ReadFull(r, buf[:MagicLen])
	if n >= 2 && buf[0] == 'M' && buf[1] == 'Z' && n == MagicLen {
		// Read the rest of the DOS header so e_lfanew can be checked.
		m, _ := io.ReadFull(r, buf[MagicLen:])
		n += m
	}
	return DetectBytes(buf[:n])
}

// DetectBytes classifies a magic-byte prefix. The PE signature is only
// checked when b extends past e_lfanew.
func DetectBytes(b []byte) Format {
	switch {
	case bytes.HasPrefix(b, elfMagic):
		return ELF
	case bytes.HasPrefix(b, archiveMagic), bytes.HasPrefix(b, thinMagic):
		return Archive
	}
	if len(b) >= 2 && b[0] == 'M' && b[1] == 'Z' {
		if len(b) < peDOSHeaderLen {
			return PE
		}
		lfanew := binary.LittleEndian.Uint32(b[peLfanewOffset:])
		if lfanew < peDOSHeaderLen || lfanew >= peMaxLfanewValue {
			return Unknown
		}
		if end := uint64(lfanew) + uint64(len(peSignature)); end <= uint64(len(b)) && string(b[lfanew:end]) != peSignature {
			return Unknown
		}
		return PE
	}
	if len(b) < 4 {
		return Unknown
	}
	switch binary.BigEndian.Uint32(b) {
	case machoMagic32, machoMagic64, machoCigam32, machoCigam64:
		return MachO
	case fatMagic64, fatCigam64:
		return MachOFat
	case fatMagic:
		if len(b) < 8 {
			return Unknown
		}
		if n := binary.BigEndian.Uint32(b[4:]); n == 0 || n > maxFatArches {
			return Unknown
		}
		return MachOFat
	case fatCigam:
		if len(b) < 8 {
			return Unknown
		}
		if n := binary.LittleEndian.Uint32(b[4:]); n == 0 || n > maxFatArches {
			return Unknown
		}
		return MachOFat
	}
	return Unknown
}
