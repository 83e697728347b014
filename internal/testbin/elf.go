// Package testbin builds small, well formed object files with arbitrary
// contents for use in tests.
package testbin

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// ELFSymbol is a symbol added to the .symtab (or .dynsym) of an ELF file.
type ELFSymbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Bind    elf.SymBind
	Type    elf.SymType
	Section string // empty means SHN_UNDEF, "*ABS*" means SHN_ABS
}

// ELFSection is an extra section with raw contents.
type ELFSection struct {
	Name  string
	Type  elf.SectionType
	Flags elf.SectionFlag
	Addr  uint64
	Data  []byte
}

// ELF describes a little endian ELF64 file.
type ELF struct {
	Type     elf.Type
	Machine  elf.Machine
	Needed   []string
	BuildID  []byte
	Symbols  []ELFSymbol
	DynSyms  []ELFSymbol
	Sections []ELFSection
}

type elfShdr struct {
	name           string
	typ            elf.SectionType
	flags          elf.SectionFlag
	addr           uint64
	data           []byte
	link, info     uint32
	align, entsize uint64
	nameOff        uint32
	off            uint64
}

const (
	elfHeaderSize = 64
	elfShdrSize   = 64
	elfSymSize    = 24
)

// Bytes returns the encoded file.
func (b *ELF) Bytes() []byte {
	typ := b.Type
	if typ == 0 {
		typ = elf.ET_DYN
	}
	machine := b.Machine
	if machine == 0 {
		machine = elf.EM_X86_64
	}

	shdrs := []*elfShdr{{}}
	index := func(name string) int {
		for i, s := range shdrs {
			if s.name == name && i > 0 {
				return i
			}
		}
		return -1
	}

	shdrs = append(shdrs, &elfShdr{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, addr: 0x1000, data: make([]byte, 16), align: 16})
	for _, s := range b.Sections {
		shdrs = append(shdrs, &elfShdr{name: s.Name, typ: s.Type, flags: s.Flags, addr: s.Addr, data: s.Data, align: 1})
	}

	if len(b.BuildID) > 0 {
		var note bytes.Buffer
		binary.Write(&note, binary.LittleEndian, uint32(4))
		binary.Write(&note, binary.LittleEndian, uint32(len(b.BuildID)))
		binary.Write(&note, binary.LittleEndian, uint32(3))
		note.WriteString("GNU\x00")
		note.Write(b.BuildID)
		for note.Len()%4 != 0 {
			note.WriteByte(0)
		}
		shdrs = append(shdrs, &elfShdr{name: ".note.gnu.build-id", typ: elf.SHT_NOTE, flags: elf.SHF_ALLOC, data: note.Bytes(), align: 4})
	}

	if len(b.Needed) > 0 || len(b.DynSyms) > 0 {
		dynstr := newStrtab()
		var dyn bytes.Buffer
		for _, n := range b.Needed {
			binary.Write(&dyn, binary.LittleEndian, int64(elf.DT_NEEDED))
			binary.Write(&dyn, binary.LittleEndian, uint64(dynstr.add(n)))
		}
		binary.Write(&dyn, binary.LittleEndian, int64(elf.DT_NULL))
		binary.Write(&dyn, binary.LittleEndian, uint64(0))

		dynstrIdx := len(shdrs)
		dynstrHdr := &elfShdr{name: ".dynstr", typ: elf.SHT_STRTAB, flags: elf.SHF_ALLOC, align: 1}
		shdrs = append(shdrs, dynstrHdr)
		shdrs = append(shdrs, &elfShdr{name: ".dynamic", typ: elf.SHT_DYNAMIC, flags: elf.SHF_ALLOC | elf.SHF_WRITE, data: dyn.Bytes(), link: uint32(dynstrIdx), align: 8, entsize: 16})
		if len(b.DynSyms) > 0 {
			shdrs = append(shdrs, &elfShdr{name: ".dynsym", typ: elf.SHT_DYNSYM, flags: elf.SHF_ALLOC, link: uint32(dynstrIdx), info: 1, align: 8, entsize: elfSymSize})
			shdrs[len(shdrs)-1].data = encodeSyms(b.DynSyms, dynstr, index)
		}
		dynstrHdr.data = dynstr.bytes()
	}

	if len(b.Symbols) > 0 {
		strs := newStrtab()
		symtabIdx := len(shdrs)
		shdrs = append(shdrs, &elfShdr{name: ".symtab", typ: elf.SHT_SYMTAB, link: uint32(symtabIdx + 1), info: 1, align: 8, entsize: elfSymSize})
		shdrs = append(shdrs, &elfShdr{name: ".strtab", typ: elf.SHT_STRTAB, align: 1})
		shdrs[symtabIdx].data = encodeSyms(b.Symbols, strs, index)
		shdrs[symtabIdx+1].data = strs.bytes()
	}

	shstrtab := newStrtab()
	shstrIdx := len(shdrs)
	shdrs = append(shdrs, &elfShdr{name: ".shstrtab", typ: elf.SHT_STRTAB, align: 1})
	for _, s := range shdrs[1:] {
		s.nameOff = shstrtab.add(s.name)
	}
	shdrs[shstrIdx].data = shstrtab.bytes()

	var body bytes.Buffer
	body.Write(make([]byte, elfHeaderSize))
	for _, s := range shdrs[1:] {
		for body.Len()%8 != 0 {
			body.WriteByte(0)
		}
		s.off = uint64(body.Len())
		body.Write(s.data)
	}
	for body.Len()%8 != 0 {
		body.WriteByte(0)
	}
	shoff := uint64(body.Len())
	for _, s := range shdrs {
		binary.Write(&body, binary.LittleEndian, s.nameOff)
		binary.Write(&body, binary.LittleEndian, uint32(s.typ))
		binary.Write(&body, binary.LittleEndian, uint64(s.flags))
		binary.Write(&body, binary.LittleEndian, s.addr)
		binary.Write(&body, binary.LittleEndian, s.off)
		binary.Write(&body, binary.LittleEndian, uint64(len(s.data)))
		binary.Write(&body, binary.LittleEndian, s.link)
		binary.Write(&body, binary.LittleEndian, s.info)
		binary.Write(&body, binary.LittleEndian, s.align)
		binary.Write(&body, binary.LittleEndian, s.entsize)
	}

	out := body.Bytes()
	hdr := out[:elfHeaderSize]
	copy(hdr, []byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)})
	le := binary.LittleEndian
	le.PutUint16(hdr[16:], uint16(typ))
	le.PutUint16(hdr[18:], uint16(machine))
	le.PutUint32(hdr[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(hdr[24:], 0x1000) // entry
	le.PutUint64(hdr[32:], 0)      // phoff
	le.PutUint64(hdr[40:], shoff)
	le.PutUint32(hdr[48:], 0) // flags
	le.PutUint16(hdr[52:], elfHeaderSize)
	le.PutUint16(hdr[54:], 56) // phentsize
	le.PutUint16(hdr[56:], 0)  // phnum
	le.PutUint16(hdr[58:], elfShdrSize)
	le.PutUint16(hdr[60:], uint16(len(shdrs)))
	le.PutUint16(hdr[62:], uint16(shstrIdx))
	return out
}

func encodeSyms(syms []ELFSymbol, strs *strtab, index func(string) int) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, elfSymSize))
	for _, s := range syms {
		shndx := uint16(elf.SHN_UNDEF)
		switch s.Section {
		case "":
		case "*ABS*":
			shndx = uint16(elf.SHN_ABS)
		default:
			if i := index(s.Section); i > 0 {
				shndx = uint16(i)
			}
		}
		binary.Write(&buf, binary.LittleEndian, strs.add(s.Name))
		buf.WriteByte(elf.ST_INFO(s.Bind, s.Type))
		buf.WriteByte(0)
		binary.Write(&buf, binary.LittleEndian, shndx)
		binary.Write(&buf, binary.LittleEndian, s.Value)
		binary.Write(&buf, binary.LittleEndian, s.Size)
	}
	return buf.Bytes()
}

type strtab struct {
	buf  bytes.Buffer
	offs map[string]uint32
}

func newStrtab() *strtab {
	t := &strtab{offs: map[string]uint32{}}
	t.buf.WriteByte(0)
	return t
}

func (t *strtab) add(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := t.offs[s]; ok {
		return off
	}
	off := uint32(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.offs[s] = off
	return off
}

func (t *strtab) bytes() []byte {
	return t.buf.Bytes()
}
