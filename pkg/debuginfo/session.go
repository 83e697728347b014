package debuginfo

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"debug/macho"
	"fmt"

	"github.com/heimdall-sbom/heimdall/pkg/format"
)

// Object is the parsed object view of a session. Exactly one of ELF and
// MachO is set.
type Object struct {
	ELF   *elf.File
	MachO *macho.File

	fat *macho.FatFile
}

func (o *Object) hasDWARF() bool {
	switch {
	case o.ELF != nil:
		return o.ELF.Section(".debug_info") != nil || o.ELF.Section(".zdebug_info") != nil
	case o.MachO != nil:
		return o.MachO.Section("__debug_info") != nil || o.MachO.Section("__zdebug_info") != nil
	}
	return false
}

func (o *Object) dwarf() (*dwarf.Data, error) {
	if o.ELF != nil {
		return o.ELF.DWARF()
	}
	return o.MachO.DWARF()
}

func (o *Object) close() {
	switch {
	case o.fat != nil:
		o.fat.Close()
	case o.ELF != nil:
		o.ELF.Close()
	case o.MachO != nil:
		o.MachO.Close()
	}
	o.ELF, o.MachO, o.fat = nil, nil, nil
}

// Session owns the mapping of one file and the object and DWARF views
// built over it. The views returned by Object and DWARF are borrowed:
// they must not be used after Close.
type Session struct {
	path   string
	buf    []byte
	unmap  func() error
	obj    *Object
	dw     *dwarf.Data
	dwErr  error
	loaded bool
	closed bool
}

// OpenSession maps the file at path and parses its object view. Universal
// Mach-O binaries are viewed through their first slice.
func OpenSession(path string) (*Session, error) {
	buf, unmap, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	s := &Session{path: path, buf: buf, unmap: unmap}
	obj := &Object{}
	r := bytes.NewReader(buf)
	switch f := format.DetectBytes(buf); f {
	case format.ELF:
		obj.ELF, err = elf.NewFile(r)
	case format.MachO:
		obj.MachO, err = macho.NewFile(r)
	case format.MachOFat:
		obj.fat, err = macho.NewFatFile(r)
		if err == nil {
			if len(obj.fat.Arches) == 0 {
				err = fmt.Errorf("universal binary without architectures")
			} else {
				obj.MachO = obj.fat.Arches[0].File
			}
		}
	default:
		err = fmt.Errorf("%w: %v", ErrUnsupportedObject, f)
	}
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	s.obj = obj
	return s, nil
}

// Path returns the path of the mapped file.
func (s *Session) Path() string {
	return s.path
}

// Object returns the object view of the session.
func (s *Session) Object() (*Object, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return s.obj, nil
}

// DWARF returns the DWARF view of the session, building it on first use.
// Errors wrap ErrNoDWARF when the object has no debug sections.
func (s *Session) DWARF() (*dwarf.Data, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if !s.loaded {
		s.loaded = true
		if !s.obj.hasDWARF() {
			s.dwErr = ErrNoDWARF
		} else if s.dw, s.dwErr = s.obj.dwarf(); s.dwErr != nil {
			s.dwErr = fmt.Errorf("%w: %v", ErrNoDWARF, s.dwErr)
		}
	}
	return s.dw, s.dwErr
}

// Close releases the DWARF view, then the object view, then the mapping.
// It is safe to call Close more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.dw = nil
	if s.obj != nil {
		s.obj.close()
		s.obj = nil
	}
	var err error
	if s.unmap != nil {
		err = s.unmap()
		s.unmap = nil
	}
	s.buf = nil
	return err
}
