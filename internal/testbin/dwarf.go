package testbin

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// Form represents a DWARF form kind (see Figure 20, page 160 and following,
// DWARF v4)
type Form uint16

const (
	formAddr      Form = 0x01
	formData1     Form = 0x0b
	formString    Form = 0x08
	formSecOffset Form = 0x17
)

// Address represents a machine address.
type Address uint64

// LinePtr is an offset into .debug_line.
type LinePtr uint32

type tagDescr struct {
	tag dwarf.Tag

	attr     []dwarf.Attr
	form     []Form
	children bool
}

type tagState struct {
	off int
	tagDescr
}

// DWARF builds .debug_info, .debug_abbrev and .debug_line sections with
// arbitrary compile units and subprograms.
type DWARF struct {
	info     bytes.Buffer
	line     bytes.Buffer
	abbrevs  []tagDescr
	tagStack []*tagState
	unitOff  int
}

// NewDWARF returns an empty builder.
func NewDWARF() *DWARF {
	return &DWARF{unitOff: -1}
}

// CompileUnit starts a new unit named name. files are recorded in the
// unit's line table header, relative to compDir. Call EndUnit after adding
// subprograms.
func (b *DWARF) CompileUnit(name, compDir string, files []string) {
	if b.unitOff >= 0 {
		panic("CompileUnit with an open unit")
	}
	b.unitOff = b.info.Len()
	b.info.Write([]byte{
		0x0, 0x0, 0x0, 0x0, // length
		0x4, 0x0, // version
		0x0, 0x0, 0x0, 0x0, // debug_abbrev_offset
		0x8, // address_size
	})

	stmt := LinePtr(b.line.Len())
	b.writeLineProgram(files)

	b.TagOpen(dwarf.TagCompileUnit, name)
	b.Attr(dwarf.AttrCompDir, compDir)
	b.Attr(dwarf.AttrLanguage, uint8(0x0c)) // DW_LANG_C99
	b.Attr(dwarf.AttrStmtList, stmt)
}

// EndUnit closes the current unit.
func (b *DWARF) EndUnit() {
	b.SetHasChildren()
	b.TagClose()
	if len(b.tagStack) > 0 {
		panic(fmt.Sprintf("unbalanced TagOpen/TagClose %d", len(b.tagStack)))
	}
	info := b.info.Bytes()
	binary.LittleEndian.PutUint32(info[b.unitOff:], uint32(len(info)-b.unitOff-4))
	b.unitOff = -1
}

// AddSubprogram adds a closed DW_TAG_subprogram with a DW_AT_lowpc and a
// DW_AT_highpc.
func (b *DWARF) AddSubprogram(fnname string, lowpc, highpc uint64) {
	b.TagOpen(dwarf.TagSubprogram, fnname)
	b.Attr(dwarf.AttrLowpc, Address(lowpc))
	b.Attr(dwarf.AttrHighpc, Address(highpc))
	b.TagClose()
}

// TagOpen starts a new DIE, call TagClose after adding all attributes and
// children elements.
func (b *DWARF) TagOpen(tag dwarf.Tag, name string) {
	if len(b.tagStack) > 0 {
		b.tagStack[len(b.tagStack)-1].children = true
	}
	ts := &tagState{off: b.info.Len()}
	ts.tag = tag
	b.info.WriteByte(0)
	b.tagStack = append(b.tagStack, ts)
	b.Attr(dwarf.AttrName, name)
}

// SetHasChildren sets the current DIE as having children (even if none are added).
func (b *DWARF) SetHasChildren() {
	if len(b.tagStack) == 0 {
		panic("SetHasChildren with no open tags")
	}
	b.tagStack[len(b.tagStack)-1].children = true
}

// TagClose closes the current DIE.
func (b *DWARF) TagClose() {
	if len(b.tagStack) == 0 {
		panic("TagClose with no open tags")
	}
	tag := b.tagStack[len(b.tagStack)-1]
	b.info.Bytes()[tag.off] = b.abbrevFor(tag.tagDescr)
	if tag.children {
		b.info.WriteByte(0)
	}
	b.tagStack = b.tagStack[:len(b.tagStack)-1]
}

// Attr adds an attribute to the current DIE.
func (b *DWARF) Attr(attr dwarf.Attr, val interface{}) {
	if len(b.tagStack) == 0 {
		panic("Attr with no open tags")
	}
	tag := b.tagStack[len(b.tagStack)-1]
	if tag.children {
		panic("Can't add attributes after adding children")
	}

	tag.attr = append(tag.attr, attr)

	switch x := val.(type) {
	case string:
		tag.form = append(tag.form, formString)
		b.info.WriteString(x)
		b.info.WriteByte(0)
	case uint8:
		tag.form = append(tag.form, formData1)
		b.info.WriteByte(x)
	case Address:
		tag.form = append(tag.form, formAddr)
		binary.Write(&b.info, binary.LittleEndian, x)
	case LinePtr:
		tag.form = append(tag.form, formSecOffset)
		binary.Write(&b.info, binary.LittleEndian, x)
	default:
		panic("unknown value type")
	}
}

func sameTagDescr(a, b tagDescr) bool {
	if a.tag != b.tag || a.children != b.children || len(a.attr) != len(b.attr) {
		return false
	}
	for i := range a.attr {
		if a.attr[i] != b.attr[i] || a.form[i] != b.form[i] {
			return false
		}
	}
	return true
}

// abbrevFor returns an abbrev for the given entry description. If no abbrev
// for tag already exist a new one is created.
func (b *DWARF) abbrevFor(tag tagDescr) byte {
	for abbrev, descr := range b.abbrevs {
		if sameTagDescr(descr, tag) {
			return byte(abbrev + 1)
		}
	}
	b.abbrevs = append(b.abbrevs, tag)
	return byte(len(b.abbrevs))
}

func (b *DWARF) makeAbbrevTable() []byte {
	var abbrev bytes.Buffer
	for i := range b.abbrevs {
		putULEB128(&abbrev, uint64(i+1))
		putULEB128(&abbrev, uint64(b.abbrevs[i].tag))
		if b.abbrevs[i].children {
			abbrev.WriteByte(0x01)
		} else {
			abbrev.WriteByte(0x00)
		}
		for j := range b.abbrevs[i].attr {
			putULEB128(&abbrev, uint64(b.abbrevs[i].attr[j]))
			putULEB128(&abbrev, uint64(b.abbrevs[i].form[j]))
		}
		abbrev.Write([]byte{0, 0})
	}
	abbrev.WriteByte(0)
	return abbrev.Bytes()
}

// writeLineProgram writes a DWARF 4 line table header listing files and an
// empty program.
func (b *DWARF) writeLineProgram(files []string) {
	var hdr bytes.Buffer
	hdr.Write([]byte{
		1,          // minimum_instruction_length
		1,          // maximum_operations_per_instruction
		1,          // default_is_stmt
		0xfb,       // line_base (-5)
		14,         // line_range
		13,         // opcode_base
		0, 1, 1, 1, // standard_opcode_lengths
		1, 0, 0, 0,
		1, 0, 0, 1,
	})
	hdr.WriteByte(0) // no include_directories
	for _, f := range files {
		hdr.WriteString(f)
		hdr.WriteByte(0)
		putULEB128(&hdr, 0) // directory: comp_dir
		putULEB128(&hdr, 0) // mtime
		putULEB128(&hdr, 0) // length
	}
	hdr.WriteByte(0)

	program := []byte{0x00, 0x01, 0x01} // DW_LNE_end_sequence

	le := binary.LittleEndian
	unitLen := 2 + 4 + hdr.Len() + len(program)
	binary.Write(&b.line, le, uint32(unitLen))
	binary.Write(&b.line, le, uint16(4))
	binary.Write(&b.line, le, uint32(hdr.Len()))
	b.line.Write(hdr.Bytes())
	b.line.Write(program)
}

// Sections returns the encoded debug sections, ready to be added to an
// ELF image.
func (b *DWARF) Sections() []ELFSection {
	if b.unitOff >= 0 {
		b.EndUnit()
	}
	return []ELFSection{
		{Name: ".debug_abbrev", Type: elf.SHT_PROGBITS, Data: b.makeAbbrevTable()},
		{Name: ".debug_info", Type: elf.SHT_PROGBITS, Data: append([]byte(nil), b.info.Bytes()...)},
		{Name: ".debug_line", Type: elf.SHT_PROGBITS, Data: append([]byte(nil), b.line.Bytes()...)},
	}
}

func putULEB128(w *bytes.Buffer, x uint64) {
	for {
		c := byte(x & 0x7f)
		x >>= 7
		if x != 0 {
			c |= 0x80
		}
		w.WriteByte(c)
		if x == 0 {
			break
		}
	}
}
