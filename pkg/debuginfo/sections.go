package debuginfo

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// maxInflated bounds the size of any decompressed section.
const maxInflated = 256 << 20

var errTooLarge = errors.New("decompressed section too large")

// inflateZdebug decompresses a GNU .zdebug_* section: the magic "ZLIB",
// the big endian uncompressed size, then a zlib stream.
func inflateZdebug(b []byte) ([]byte, error) {
	if len(b) < 12 || string(b[:4]) != "ZLIB" {
		// not compressed
		return b, nil
	}
	dlen := binary.BigEndian.Uint64(b[4:12])
	if dlen > maxInflated {
		return nil, errTooLarge
	}
	return inflateZlib(b[12:], dlen)
}

func inflateZlib(b []byte, size uint64) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	// The header size is only a claim: grow the buffer as data arrives.
	hint := uint64(len(b)) * 4
	if hint > size {
		hint = size
	}
	var dbuf bytes.Buffer
	dbuf.Grow(int(hint))
	n, err := dbuf.ReadFrom(io.LimitReader(r, int64(size)))
	if err != nil {
		return nil, err
	}
	if uint64(n) < size {
		return nil, fmt.Errorf("decompressed %d of %d bytes: %w", n, size, io.ErrUnexpectedEOF)
	}
	return dbuf.Bytes(), nil
}

// inflateELFSection decompresses the raw contents of an SHF_COMPRESSED
// section.
func inflateELFSection(raw []byte, class elf.Class, bo binary.ByteOrder) ([]byte, error) {
	var typ elf.CompressionType
	var size uint64
	var hdrLen int
	switch class {
	case elf.ELFCLASS64:
		hdrLen = 24
		if len(raw) < hdrLen {
			return nil, fmt.Errorf("compressed section header truncated")
		}
		typ = elf.CompressionType(bo.Uint32(raw))
		size = bo.Uint64(raw[8:])
	case elf.ELFCLASS32:
		hdrLen = 12
		if len(raw) < hdrLen {
			return nil, fmt.Errorf("compressed section header truncated")
		}
		typ = elf.CompressionType(bo.Uint32(raw))
		size = uint64(bo.Uint32(raw[4:]))
	default:
		return nil, fmt.Errorf("unknown ELF class %v", class)
	}
	if size > maxInflated {
		return nil, errTooLarge
	}
	switch typ {
	case elf.COMPRESS_ZLIB:
		return inflateZlib(raw[hdrLen:], size)
	case elf.COMPRESS_ZSTD:
		d, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxInflated))
		if err != nil {
			return nil, err
		}
		defer d.Close()
		return d.DecodeAll(raw[hdrLen:], make([]byte, 0, size))
	}
	return nil, fmt.Errorf("unsupported section compression %v", typ)
}

// miniDebugInfo decodes a .gnu_debugdata section, an xz compressed ELF
// image holding the symbol table of a stripped binary.
func miniDebugInfo(raw []byte) (*elf.File, error) {
	r, err := xz.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("could not read .gnu_debugdata: %v", err)
	}
	data, err := io.ReadAll(io.LimitReader(r, maxInflated+1))
	if err != nil {
		return nil, fmt.Errorf("could not read .gnu_debugdata: %v", err)
	}
	if len(data) > maxInflated {
		return nil, errTooLarge
	}
	return elf.NewFile(bytes.NewReader(data))
}
