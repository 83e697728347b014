package extract

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/heimdall-sbom/heimdall/pkg/component"
)

// Code signing blob magics and code directory fields. All code signing
// structures are big endian regardless of the image byte order.
const (
	csMagicEmbeddedSignature = 0xfade0cc0
	csMagicCodeDirectory     = 0xfade0c02
	csMagicEntitlements      = 0xfade7171

	csSlotCodeDirectory = 0
	csSlotEntitlements  = 5
	csSlotAltCDFirst    = 0x1000
	csSlotAltCDLast     = 0x1004

	csFlagAdHoc   = 0x2
	csFlagRuntime = 0x10000

	csHashSHA1 = 1

	cdSupportsTeamID = 0x20200
	cdMinLen         = 44
	cdHashLen        = 20
)

// parseCodeSignature decodes an embedded signature SuperBlob.
func parseCodeSignature(sb []byte) (*component.CodeSignInfo, error) {
	be := binary.BigEndian
	if len(sb) < 12 {
		return nil, malformed("code signature header", nil)
	}
	if be.Uint32(sb) != csMagicEmbeddedSignature {
		return nil, malformed(fmt.Sprintf("code signature magic %#x", be.Uint32(sb)), nil)
	}
	count := be.Uint32(sb[8:])
	if uint64(count)*8 > uint64(len(sb)-12) {
		return nil, malformed(fmt.Sprintf("code signature with %d blobs", count), nil)
	}
	cs := &component.CodeSignInfo{}
	found := false
	for i := uint32(0); i < count; i++ {
		e := sb[12+i*8:]
		slot, off := be.Uint32(e), be.Uint32(e[4:])
		blob, ok := subBlob(sb, off)
		if !ok {
			return nil, malformed(fmt.Sprintf("code signature blob %d at %#x", i, off), nil)
		}
		magic := be.Uint32(blob)
		switch {
		case magic == csMagicCodeDirectory && (slot == csSlotCodeDirectory || (!found && slot >= csSlotAltCDFirst && slot <= csSlotAltCDLast)):
			if found {
				continue
			}
			if err := parseCodeDirectory(blob, cs); err != nil {
				return nil, err
			}
			found = true
		case magic == csMagicEntitlements && slot == csSlotEntitlements:
			keys, err := plistKeys(blob[8:])
			if err != nil {
				return nil, malformed("entitlements", err)
			}
			cs.Entitlements = keys
		}
	}
	if !found {
		return nil, errNoSignature
	}
	return cs, nil
}

// subBlob returns the generic blob at off, bounded by its length field.
func subBlob(sb []byte, off uint32) ([]byte, bool) {
	if uint64(off)+8 > uint64(len(sb)) {
		return nil, false
	}
	n := binary.BigEndian.Uint32(sb[off+4:])
	if n < 8 || uint64(off)+uint64(n) > uint64(len(sb)) {
		return nil, false
	}
	return sb[off : off+n], true
}

func parseCodeDirectory(cd []byte, cs *component.CodeSignInfo) error {
	be := binary.BigEndian
	if len(cd) < cdMinLen {
		return malformed("code directory header", nil)
	}
	version := be.Uint32(cd[8:])
	flags := be.Uint32(cd[12:])
	cs.IsAdHocSigned = flags&csFlagAdHoc != 0
	cs.IsHardenedRuntime = flags&csFlagRuntime != 0

	if identOff := be.Uint32(cd[20:]); identOff != 0 {
		if uint64(identOff) >= uint64(len(cd)) {
			return malformed("code directory identifier", nil)
		}
		cs.Identifier = cstring(cd[identOff:])
	}
	if version >= cdSupportsTeamID && len(cd) >= 52 {
		if teamOff := be.Uint32(cd[48:]); teamOff != 0 {
			if uint64(teamOff) >= uint64(len(cd)) {
				return malformed("code directory team id", nil)
			}
			cs.TeamID = cstring(cd[teamOff:])
		}
	}

	var sum []byte
	if cd[37] == csHashSHA1 {
		h := sha1.Sum(cd)
		sum = h[:]
	} else {
		// SHA-256, truncated SHA-256 and SHA-384 directories all report
		// the truncated SHA-256.
		h := sha256.Sum256(cd)
		sum = h[:]
	}
	cs.CDHash = hex.EncodeToString(sum[:cdHashLen])
	return nil
}

// plistKeys returns the keys of the top level dictionary of an XML
// property list.
func plistKeys(data []byte) ([]string, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	d.Strict = false
	var keys []string
	depth := 0
	inKey := false
	var key bytes.Buffer
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return keys, nil
		}
		if err != nil {
			return keys, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			// plist > dict > key
			if depth == 3 && t.Name.Local == "key" {
				inKey = true
				key.Reset()
			}
		case xml.EndElement:
			if inKey && depth == 3 {
				keys = append(keys, key.String())
				inKey = false
			}
			depth--
		case xml.CharData:
			if inKey {
				key.Write(t)
			}
		}
	}
}
