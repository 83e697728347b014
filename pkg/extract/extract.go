// Package extract reads symbols, sections, dependencies and format
// specific metadata out of ELF, Mach-O, PE and ar containers.
//
// Every container format is served by one Extractor, obtained from For.
// Extractors are stateless: each facet re-parses its Input, so facets can
// be called in any order and any number of times.
package extract

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/heimdall-sbom/heimdall/pkg/component"
	"github.com/heimdall-sbom/heimdall/pkg/format"
)

var (
	// ErrUnsupported is returned by facets that are not implemented for
	// a recognized format.
	ErrUnsupported = errors.New("facet not supported for this format")
	// ErrMalformed is returned when a structure is inconsistent with the
	// size of the file.
	ErrMalformed = errors.New("malformed binary")
	// ErrUnknownFormat is returned by For for unrecognized formats.
	ErrUnknownFormat = errors.New("unrecognized binary format")
)

func malformed(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrMalformed, what)
	}
	return fmt.Errorf("%w: %s: %v", ErrMalformed, what, err)
}

// Input is the byte source an extractor reads from.
type Input interface {
	io.ReaderAt
	Size() int64
}

// File is an Input backed by a file on disk.
type File struct {
	*io.SectionReader
	f *os.File
}

// Open opens path as an Input.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{io.NewSectionReader(f, 0, fi.Size()), f}, nil
}

// Close closes the underlying file.
func (f *File) Close() error {
	return f.f.Close()
}

// Options controls which symbols are reported.
type Options struct {
	// Verbose includes local symbols.
	Verbose bool
	// ExtractDebugInfo includes debugging symbols (file, section and
	// .debug_* symbols).
	ExtractDebugInfo bool
}

// Extractor extracts the facets of one container format. Every facet
// returns the number of entries it found in the input, which is zero when
// the input legitimately has none.
type Extractor interface {
	Format() format.Format
	Symbols(c *component.Component, in Input) (int, error)
	Sections(c *component.Component, in Input) (int, error)
	Dependencies(c *component.Component, in Input) (int, error)
	// Version records format native version facts.
	Version(c *component.Component, in Input) (int, error)
	// Metadata records format specific identification: build ids,
	// UUIDs, code signing, architecture slices.
	Metadata(c *component.Component, in Input) (int, error)
}

// For returns the extractor for f.
func For(f format.Format, opts Options) (Extractor, error) {
	switch f {
	case format.ELF:
		return &ELF{opts: opts}, nil
	case format.MachO, format.MachOFat:
		return &MachO{opts: opts}, nil
	case format.PE:
		return PE{}, nil
	case format.Archive:
		return &Archive{opts: opts}, nil
	}
	return nil, ErrUnknownFormat
}

// readAt reads exactly n bytes at off, failing closed on short inputs.
func readAt(in Input, off int64, n int) ([]byte, error) {
	if off < 0 || n < 0 || off > in.Size() || int64(n) > in.Size()-off {
		return nil, malformed(fmt.Sprintf("read of %d bytes at %#x past end of file", n, off), nil)
	}
	buf := make([]byte, n)
	if _, err := in.ReadAt(buf, off); err != nil && !(errors.Is(err, io.EOF) && n == 0) {
		return nil, malformed("read", err)
	}
	return buf, nil
}

// cstring returns the NUL terminated string at the start of b.
func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
