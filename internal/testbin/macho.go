package testbin

import (
	"bytes"
	"encoding/binary"
	"strings"
)

const (
	lcSymtab        = 0x2
	lcIDDylib       = 0xd
	lcUUID          = 0x1b
	lcSegment64     = 0x19
	lcCodeSignature = 0x1d
	lcVersionMinMac = 0x24
	lcSourceVersion = 0x2a
	lcBuildVersion  = 0x32

	// LoadDylib and friends are the dylib load command codes.
	LoadDylib     = 0xc
	LoadWeakDylib = 0x80000018
	ReexportDylib = 0x8000001f
	LazyLoadDylib = 0x20

	// MachO file types.
	TypeObject  = 0x1
	TypeExecute = 0x2
	TypeDylib   = 0x6

	// CPU types.
	CPUTypeX86_64 = 0x01000007
	CPUTypeARM64  = 0x0100000c

	// Code directory flags.
	CSAdHoc   = 0x2
	CSRuntime = 0x10000
)

// MachODylib is a dylib load command.
type MachODylib struct {
	Cmd            uint32 // defaults to LoadDylib
	Name           string
	CurrentVersion uint32
	CompatVersion  uint32
}

// MachOSection is a section of the __TEXT segment.
type MachOSection struct {
	Name string
	Data []byte
}

// MachOSymbol is an nlist_64 entry.
type MachOSymbol struct {
	Name  string
	Type  uint8
	Sect  uint8
	Value uint64
}

// BuildVersion is an LC_BUILD_VERSION command.
type BuildVersion struct {
	Platform uint32
	MinOS    uint32
	SDK      uint32
}

// MachO describes a little endian 64 bit Mach-O image.
type MachO struct {
	CPU           uint32
	SubCPU        uint32
	FileType      uint32
	Flags         uint32
	UUID          []byte
	IDDylib       *MachODylib
	Dylibs        []MachODylib
	BuildVersion  *BuildVersion
	MinMacOS      uint32 // LC_VERSION_MIN_MACOSX version, 0 to omit
	SourceVersion uint64
	Sections      []MachOSection
	Symbols       []MachOSymbol
	CodeSignature []byte
}

type machoCmd struct {
	size  uint32
	write func(w *bytes.Buffer)
}

func dylibCmdSize(name string) uint32 {
	return align8(24 + uint32(len(name)) + 1)
}

func align8(n uint32) uint32 {
	return (n + 7) &^ 7
}

// Bytes returns the encoded image.
func (b *MachO) Bytes() []byte {
	le := binary.LittleEndian
	cpu := b.CPU
	if cpu == 0 {
		cpu = CPUTypeX86_64
	}
	ftype := b.FileType
	if ftype == 0 {
		ftype = TypeExecute
	}

	var cmds []machoCmd
	// Data offsets are patched in once the command area size is known.
	var dataStart uint32
	var sectOffs []uint32
	var symOff, strOff, strSize, csOff uint32

	strs := newStrtab()
	var symdat bytes.Buffer
	for _, s := range b.Symbols {
		binary.Write(&symdat, le, strs.add(s.Name))
		symdat.WriteByte(s.Type)
		symdat.WriteByte(s.Sect)
		binary.Write(&symdat, le, uint16(0))
		binary.Write(&symdat, le, s.Value)
	}

	if len(b.Sections) > 0 {
		size := uint32(72 + 80*len(b.Sections))
		cmds = append(cmds, machoCmd{size, func(w *bytes.Buffer) {
			binary.Write(w, le, uint32(lcSegment64))
			binary.Write(w, le, size)
			w.Write(fixed16("__TEXT"))
			binary.Write(w, le, uint64(0x100000000)) // vmaddr
			binary.Write(w, le, uint64(0x1000))      // vmsize
			binary.Write(w, le, uint64(0))           // fileoff
			binary.Write(w, le, uint64(0))           // filesize
			binary.Write(w, le, uint32(5))           // maxprot
			binary.Write(w, le, uint32(5))           // initprot
			binary.Write(w, le, uint32(len(b.Sections)))
			binary.Write(w, le, uint32(0))
			for i, s := range b.Sections {
				w.Write(fixed16(s.Name))
				w.Write(fixed16("__TEXT"))
				binary.Write(w, le, uint64(0x100000000+uint64(sectOffs[i])))
				binary.Write(w, le, uint64(len(s.Data)))
				binary.Write(w, le, sectOffs[i])
				binary.Write(w, le, uint32(0)) // align
				binary.Write(w, le, uint32(0)) // reloff
				binary.Write(w, le, uint32(0)) // nreloc
				binary.Write(w, le, uint32(0)) // flags
				binary.Write(w, le, [3]uint32{})
			}
		}})
	}
	if len(b.UUID) == 16 {
		cmds = append(cmds, machoCmd{24, func(w *bytes.Buffer) {
			binary.Write(w, le, uint32(lcUUID))
			binary.Write(w, le, uint32(24))
			w.Write(b.UUID)
		}})
	}
	if b.BuildVersion != nil {
		cmds = append(cmds, machoCmd{24, func(w *bytes.Buffer) {
			binary.Write(w, le, uint32(lcBuildVersion))
			binary.Write(w, le, uint32(24))
			binary.Write(w, le, b.BuildVersion.Platform)
			binary.Write(w, le, b.BuildVersion.MinOS)
			binary.Write(w, le, b.BuildVersion.SDK)
			binary.Write(w, le, uint32(0)) // ntools
		}})
	}
	if b.MinMacOS != 0 {
		cmds = append(cmds, machoCmd{16, func(w *bytes.Buffer) {
			binary.Write(w, le, uint32(lcVersionMinMac))
			binary.Write(w, le, uint32(16))
			binary.Write(w, le, b.MinMacOS)
			binary.Write(w, le, b.MinMacOS)
		}})
	}
	if b.SourceVersion != 0 {
		cmds = append(cmds, machoCmd{16, func(w *bytes.Buffer) {
			binary.Write(w, le, uint32(lcSourceVersion))
			binary.Write(w, le, uint32(16))
			binary.Write(w, le, b.SourceVersion)
		}})
	}
	dylib := func(cmd uint32, d MachODylib) machoCmd {
		size := dylibCmdSize(d.Name)
		return machoCmd{size, func(w *bytes.Buffer) {
			binary.Write(w, le, cmd)
			binary.Write(w, le, size)
			binary.Write(w, le, uint32(24)) // name offset
			binary.Write(w, le, uint32(2))  // timestamp
			binary.Write(w, le, d.CurrentVersion)
			binary.Write(w, le, d.CompatVersion)
			name := make([]byte, size-24)
			copy(name, d.Name)
			w.Write(name)
		}}
	}
	if b.IDDylib != nil {
		cmds = append(cmds, dylib(lcIDDylib, *b.IDDylib))
	}
	for _, d := range b.Dylibs {
		cmd := d.Cmd
		if cmd == 0 {
			cmd = LoadDylib
		}
		cmds = append(cmds, dylib(cmd, d))
	}
	if len(b.Symbols) > 0 {
		cmds = append(cmds, machoCmd{24, func(w *bytes.Buffer) {
			binary.Write(w, le, uint32(lcSymtab))
			binary.Write(w, le, uint32(24))
			binary.Write(w, le, symOff)
			binary.Write(w, le, uint32(len(b.Symbols)))
			binary.Write(w, le, strOff)
			binary.Write(w, le, strSize)
		}})
	}
	if len(b.CodeSignature) > 0 {
		cmds = append(cmds, machoCmd{16, func(w *bytes.Buffer) {
			binary.Write(w, le, uint32(lcCodeSignature))
			binary.Write(w, le, uint32(16))
			binary.Write(w, le, csOff)
			binary.Write(w, le, uint32(len(b.CodeSignature)))
		}})
	}

	var sizeofcmds uint32
	for _, c := range cmds {
		sizeofcmds += c.size
	}
	dataStart = 32 + sizeofcmds

	var data bytes.Buffer
	off := func() uint32 { return dataStart + uint32(data.Len()) }
	for _, s := range b.Sections {
		sectOffs = append(sectOffs, off())
		data.Write(s.Data)
	}
	for data.Len()%8 != 0 {
		data.WriteByte(0)
	}
	if len(b.Symbols) > 0 {
		symOff = off()
		data.Write(symdat.Bytes())
		strOff = off()
		strSize = uint32(len(strs.bytes()))
		data.Write(strs.bytes())
	}
	for data.Len()%16 != 0 {
		data.WriteByte(0)
	}
	if len(b.CodeSignature) > 0 {
		csOff = off()
		data.Write(b.CodeSignature)
	}

	var out bytes.Buffer
	binary.Write(&out, le, uint32(0xfeedfacf))
	binary.Write(&out, le, cpu)
	binary.Write(&out, le, b.SubCPU)
	binary.Write(&out, le, ftype)
	binary.Write(&out, le, uint32(len(cmds)))
	binary.Write(&out, le, sizeofcmds)
	binary.Write(&out, le, b.Flags)
	binary.Write(&out, le, uint32(0))
	for _, c := range cmds {
		c.write(&out)
	}
	out.Write(data.Bytes())
	return out.Bytes()
}

func fixed16(s string) []byte {
	r := make([]byte, 16)
	copy(r, s)
	return r
}

// CodeSign describes an embedded code signature.
type CodeSign struct {
	Identifier   string
	TeamID       string
	Flags        uint32
	Entitlements []string
}

// Bytes returns the signature SuperBlob.
func (cs *CodeSign) Bytes() []byte {
	be := binary.BigEndian

	var cd bytes.Buffer
	identOff := uint32(52)
	teamOff := uint32(0)
	if cs.TeamID != "" {
		teamOff = identOff + uint32(len(cs.Identifier)) + 1
	}
	cdLen := identOff + uint32(len(cs.Identifier)) + 1
	if cs.TeamID != "" {
		cdLen += uint32(len(cs.TeamID)) + 1
	}
	binary.Write(&cd, be, uint32(0xfade0c02))
	binary.Write(&cd, be, cdLen)
	binary.Write(&cd, be, uint32(0x20200))
	binary.Write(&cd, be, cs.Flags)
	binary.Write(&cd, be, cdLen) // hashOffset
	binary.Write(&cd, be, identOff)
	binary.Write(&cd, be, uint32(0)) // nSpecialSlots
	binary.Write(&cd, be, uint32(0)) // nCodeSlots
	binary.Write(&cd, be, uint32(0)) // codeLimit
	cd.Write([]byte{32, 2, 0, 12})   // hashSize, hashType, platform, pageSize
	binary.Write(&cd, be, uint32(0)) // spare2
	binary.Write(&cd, be, uint32(0)) // scatterOffset
	binary.Write(&cd, be, teamOff)
	cd.WriteString(cs.Identifier)
	cd.WriteByte(0)
	if cs.TeamID != "" {
		cd.WriteString(cs.TeamID)
		cd.WriteByte(0)
	}

	type blob struct {
		slot uint32
		data []byte
	}
	blobs := []blob{{0, cd.Bytes()}}

	if len(cs.Entitlements) > 0 {
		var plist strings.Builder
		plist.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
`)
		for _, e := range cs.Entitlements {
			plist.WriteString("\t<key>" + e + "</key>\n\t<true/>\n")
		}
		plist.WriteString("</dict>\n</plist>\n")
		var ent bytes.Buffer
		binary.Write(&ent, be, uint32(0xfade7171))
		binary.Write(&ent, be, uint32(8+plist.Len()))
		ent.WriteString(plist.String())
		blobs = append(blobs, blob{5, ent.Bytes()})
	}

	var sb bytes.Buffer
	hdrLen := uint32(12 + 8*len(blobs))
	total := hdrLen
	for _, bl := range blobs {
		total += uint32(len(bl.data))
	}
	binary.Write(&sb, be, uint32(0xfade0cc0))
	binary.Write(&sb, be, total)
	binary.Write(&sb, be, uint32(len(blobs)))
	off := hdrLen
	for _, bl := range blobs {
		binary.Write(&sb, be, bl.slot)
		binary.Write(&sb, be, off)
		off += uint32(len(bl.data))
	}
	for _, bl := range blobs {
		sb.Write(bl.data)
	}
	return sb.Bytes()
}

// FatArch is one slice of a universal binary.
type FatArch struct {
	CPU    uint32
	SubCPU uint32
	Align  uint32 // log2, defaults to 12
	Data   []byte
}

// FatSlice is the position of a slice in the output of Fat.
type FatSlice struct {
	Offset, Size uint64
}

// Fat returns a universal binary containing arches, and the offset and
// size of every slice.
func Fat(arches []FatArch) ([]byte, []FatSlice) {
	be := binary.BigEndian
	var out bytes.Buffer
	binary.Write(&out, be, uint32(0xcafebabe))
	binary.Write(&out, be, uint32(len(arches)))

	slices := make([]FatSlice, len(arches))
	off := uint64(8 + 20*len(arches))
	for i, a := range arches {
		al := a.Align
		if al == 0 {
			al = 12
		}
		mask := uint64(1)<<al - 1
		off = (off + mask) &^ mask
		slices[i] = FatSlice{Offset: off, Size: uint64(len(a.Data))}
		off += uint64(len(a.Data))
	}
	for i, a := range arches {
		al := a.Align
		if al == 0 {
			al = 12
		}
		binary.Write(&out, be, a.CPU)
		binary.Write(&out, be, a.SubCPU)
		binary.Write(&out, be, uint32(slices[i].Offset))
		binary.Write(&out, be, uint32(slices[i].Size))
		binary.Write(&out, be, al)
	}
	for i, a := range arches {
		for uint64(out.Len()) < slices[i].Offset {
			out.WriteByte(0)
		}
		out.Write(a.Data)
	}
	return out.Bytes(), slices
}
