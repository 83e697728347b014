package extract

import (
	"debug/macho"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/heimdall-sbom/heimdall/pkg/component"
	"github.com/heimdall-sbom/heimdall/pkg/format"
	"github.com/heimdall-sbom/heimdall/pkg/logflags"
)

// MachO extracts facts from thin and universal Mach-O images. Slices of a
// universal binary are parsed independently and merged into one record.
type MachO struct {
	opts Options
}

// Load command codes not covered by debug/macho.
const (
	lcReqDyld           = 0x80000000
	lcIDDylib           = 0xd
	lcLoadDylib         = 0xc
	lcLoadWeakDylib     = 0x18 | lcReqDyld
	lcReexportDylib     = 0x1f | lcReqDyld
	lcLazyLoadDylib     = 0x20
	lcLoadUpwardDylib   = 0x23 | lcReqDyld
	lcUUID              = 0x1b
	lcCodeSignature     = 0x1d
	lcVersionMinMacOSX  = 0x24
	lcVersionMinIPhone  = 0x25
	lcVersionMinTVOS    = 0x2f
	lcVersionMinWatchOS = 0x30
	lcSourceVersion     = 0x2a
	lcBuildVersion      = 0x32
)

// nlist n_type bits.
const (
	nStab     = 0xe0
	nType     = 0x0e
	nExt      = 0x01
	nUndf     = 0x0
	nWeakRef  = 0x40
	nWeakDef  = 0x80
	maxFatArc = 30
)

const (
	fatMagic   = 0xcafebabe
	fatMagic64 = 0xcafebabf
	fatCigam   = 0xbebafeca
	fatCigam64 = 0xbfbafeca
)

func (m *MachO) Format() format.Format { return format.MachO }

// fatArch is an entry of the fat header, in host order.
type fatArch struct {
	cpu, subCPU  uint32
	offset, size uint64
	align        uint32
}

// machoImage is one parsed (thin) image with the reader it was parsed from.
type machoImage struct {
	*macho.File
	r    *io.SectionReader
	arch *fatArch
}

// readFatArches parses the big endian header of a universal binary.
func readFatArches(in Input) ([]fatArch, error) {
	hdr, err := readAt(in, 0, 8)
	if err != nil {
		return nil, err
	}
	var bo binary.ByteOrder = binary.BigEndian
	is64 := false
	switch binary.BigEndian.Uint32(hdr) {
	case fatMagic:
	case fatMagic64:
		is64 = true
	case fatCigam:
		bo = binary.LittleEndian
	case fatCigam64:
		bo = binary.LittleEndian
		is64 = true
	default:
		return nil, malformed("fat header magic", nil)
	}
	n := bo.Uint32(hdr[4:])
	if n == 0 || n > maxFatArc {
		return nil, malformed(fmt.Sprintf("fat header with %d architectures", n), nil)
	}
	entSize := 20
	if is64 {
		entSize = 32
	}
	tbl, err := readAt(in, 8, int(n)*entSize)
	if err != nil {
		return nil, err
	}
	tblEnd := uint64(8 + int(n)*entSize)
	arches := make([]fatArch, n)
	for i := range arches {
		e := tbl[i*entSize:]
		a := &arches[i]
		a.cpu = bo.Uint32(e)
		a.subCPU = bo.Uint32(e[4:])
		if is64 {
			a.offset = bo.Uint64(e[8:])
			a.size = bo.Uint64(e[16:])
			a.align = bo.Uint32(e[24:])
		} else {
			a.offset = uint64(bo.Uint32(e[8:]))
			a.size = uint64(bo.Uint32(e[12:]))
			a.align = bo.Uint32(e[16:])
		}
		if a.offset < tblEnd || a.size > uint64(in.Size()) || a.offset > uint64(in.Size())-a.size {
			return nil, malformed(fmt.Sprintf("fat architecture %d at %#x+%#x outside of file", i, a.offset, a.size), nil)
		}
	}
	return arches, nil
}

func isFat(in Input) bool {
	return format.DetectReader(io.NewSectionReader(in, 0, format.MagicLen)) == format.MachOFat
}

// images parses every image of in. For universal binaries, slices that
// fail to parse are skipped; an error is returned only if none parsed.
func images(in Input) ([]machoImage, error) {
	if !isFat(in) {
		r := io.NewSectionReader(in, 0, in.Size())
		f, err := macho.NewFile(r)
		if err != nil {
			return nil, malformed("mach-o header", err)
		}
		return []machoImage{{f, r, nil}}, nil
	}
	arches, err := readFatArches(in)
	if err != nil {
		return nil, err
	}
	var imgs []machoImage
	var firstErr error
	for i := range arches {
		a := &arches[i]
		r := io.NewSectionReader(in, int64(a.offset), int64(a.size))
		f, err := macho.NewFile(r)
		if err != nil {
			logflags.MachOLogger().Debugf("skipping slice %s: %v", cpuName(a.cpu, a.subCPU), err)
			if firstErr == nil {
				firstErr = malformed("slice "+cpuName(a.cpu, a.subCPU), err)
			}
			continue
		}
		imgs = append(imgs, machoImage{f, r, a})
	}
	if len(imgs) == 0 {
		return nil, firstErr
	}
	return imgs, nil
}

// Symbols records nlist entries. Stabs are debugging symbols; symbols
// without N_EXT are local.
func (m *MachO) Symbols(c *component.Component, in Input) (int, error) {
	imgs, err := images(in)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, img := range imgs {
		if img.Symtab == nil {
			continue
		}
		for _, s := range img.Symtab.Syms {
			if s.Name == "" {
				continue
			}
			if s.Type&nStab != 0 && !m.opts.ExtractDebugInfo {
				continue
			}
			if s.Type&nExt == 0 && !m.opts.Verbose {
				continue
			}
			sec := ""
			if s.Sect > 0 && int(s.Sect) <= len(img.Sections) {
				sec = img.Sections[s.Sect-1].Name
			}
			c.AddSymbol(component.Symbol{
				Name:      s.Name,
				Address:   s.Value,
				Section:   sec,
				IsDefined: s.Type&nStab == 0 && s.Type&nType != nUndf,
				IsGlobal:  s.Type&nExt != 0,
				IsWeak:    s.Desc&(nWeakRef|nWeakDef) != 0,
			})
			n++
		}
	}
	return n, nil
}

func (m *MachO) Sections(c *component.Component, in Input) (int, error) {
	imgs, err := images(in)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, img := range imgs {
		for _, s := range img.Sections {
			c.AddSection(component.Section{
				Name:    s.Name,
				Address: s.Addr,
				Size:    s.Size,
				Flags:   uint64(s.Flags),
				Type:    s.Seg,
			})
			n++
		}
	}
	return n, nil
}

// loadCmd returns the command code of a raw load command, and false if
// the command is truncated.
func loadCmd(raw []byte, bo binary.ByteOrder) (uint32, bool) {
	if len(raw) < 8 {
		return 0, false
	}
	return bo.Uint32(raw), true
}

// dylibName decodes the name of a dylib_command.
func dylibName(raw []byte, bo binary.ByteOrder) (string, bool) {
	if len(raw) < 24 {
		return "", false
	}
	off := bo.Uint32(raw[8:])
	if off < 24 || uint64(off) >= uint64(len(raw)) {
		return "", false
	}
	return cstring(raw[off:]), true
}

// frameworkName returns Foo for paths of the form .../Foo.framework/...
func frameworkName(p string) string {
	i := strings.Index(p, ".framework/")
	if i < 0 {
		return ""
	}
	return path.Base(p[:i])
}

// Dependencies records dylib load commands (regular, weak, re-exported,
// lazy and upward). Framework paths are also recorded as frameworks.
func (m *MachO) Dependencies(c *component.Component, in Input) (int, error) {
	imgs, err := images(in)
	if err != nil {
		return 0, err
	}
	n := 0
	var firstErr error
	for _, img := range imgs {
		for _, l := range img.Loads {
			raw := l.Raw()
			cmd, ok := loadCmd(raw, img.ByteOrder)
			if !ok {
				continue
			}
			switch cmd {
			case lcLoadDylib, lcLoadWeakDylib, lcReexportDylib, lcLazyLoadDylib, lcLoadUpwardDylib:
			default:
				continue
			}
			name, ok := dylibName(raw, img.ByteOrder)
			if !ok {
				if firstErr == nil {
					firstErr = malformed("dylib load command", nil)
				}
				continue
			}
			c.AddDependency(name)
			if fw := frameworkName(name); fw != "" {
				c.AddFramework(fw)
			}
			n++
		}
	}
	if n == 0 && firstErr != nil {
		return 0, firstErr
	}
	return n, nil
}

// Version records the current version of LC_ID_DYLIB as the component
// version, and LC_SOURCE_VERSION as a property.
func (m *MachO) Version(c *component.Component, in Input) (int, error) {
	imgs, err := images(in)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, img := range imgs {
		for _, l := range img.Loads {
			raw := l.Raw()
			cmd, ok := loadCmd(raw, img.ByteOrder)
			if !ok {
				continue
			}
			switch {
			case cmd == lcIDDylib && len(raw) >= 24:
				if v := img.ByteOrder.Uint32(raw[16:]); v != 0 {
					c.Version = nibbleVersion(v)
					n = 1
				}
			case cmd == lcSourceVersion && len(raw) >= 16:
				if v := img.ByteOrder.Uint64(raw[8:]); v != 0 {
					c.SetProperty("macho.source_version", sourceVersion(v))
				}
			}
		}
		if n > 0 {
			break
		}
	}
	return n, nil
}

// Metadata records the UUID, platform and build configuration, code
// signature and, for universal binaries, the architecture slices.
func (m *MachO) Metadata(c *component.Component, in Input) (int, error) {
	if isFat(in) {
		arches, err := readFatArches(in)
		if err != nil {
			return 0, err
		}
		for _, a := range arches {
			c.AddArchitecture(component.ArchSlice{
				Name:       cpuName(a.cpu, a.subCPU),
				CPUType:    a.cpu,
				CPUSubtype: a.subCPU,
				Offset:     a.offset,
				Size:       a.size,
				Align:      a.align,
			})
		}
	}
	imgs, err := images(in)
	if err != nil {
		if len(c.Architectures) > 0 {
			return len(c.Architectures), nil
		}
		return 0, err
	}

	n := len(c.Architectures)
	var archNames []string
	for _, img := range imgs {
		archNames = append(archNames, cpuName(uint32(img.Cpu), img.SubCpu))
	}
	if c.Platform == nil {
		c.Platform = &component.PlatformInfo{}
	}
	c.Platform.Architecture = strings.Join(archNames, ",")

	// Identification and signing come from the first image that has them.
	var firstErr error
	for _, img := range imgs {
		k, err := m.imageMetadata(c, img)
		n += k
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if n == 0 && firstErr != nil {
		return 0, firstErr
	}
	if firstErr != nil {
		logflags.MachOLogger().Debugf("%s: %v", c.Name, firstErr)
	}
	return n, nil
}

func (m *MachO) imageMetadata(c *component.Component, img machoImage) (int, error) {
	bo := img.ByteOrder
	n := 0
	var firstErr error
	for _, l := range img.Loads {
		raw := l.Raw()
		cmd, ok := loadCmd(raw, bo)
		if !ok {
			continue
		}
		switch cmd {
		case lcUUID:
			if len(raw) < 24 || c.UUID != "" {
				continue
			}
			u, err := uuid.FromBytes(raw[8:24])
			if err != nil {
				continue
			}
			c.UUID = strings.ToUpper(u.String())
			n++

		case lcBuildVersion:
			if len(raw) < 24 {
				continue
			}
			platform := bo.Uint32(raw[8:])
			bc := buildConfig(c)
			bc.TargetPlatform = platformName(platform)
			bc.MinOSVersion = nibbleVersion(bo.Uint32(raw[12:]))
			bc.SDKVersion = nibbleVersion(bo.Uint32(raw[16:]))
			bc.IsSimulator = isSimulatorPlatform(platform)
			c.Platform.Platform = bc.TargetPlatform
			c.Platform.MinVersion = bc.MinOSVersion
			c.Platform.SDKVersion = bc.SDKVersion
			c.Platform.IsSimulator = bc.IsSimulator
			n++

		case lcVersionMinMacOSX, lcVersionMinIPhone, lcVersionMinTVOS, lcVersionMinWatchOS:
			if len(raw) < 16 {
				continue
			}
			bc := buildConfig(c)
			if bc.TargetPlatform != "" && bc.MinOSVersion != "" {
				// LC_BUILD_VERSION takes precedence.
				continue
			}
			bc.TargetPlatform = versionMinPlatform(cmd)
			bc.MinOSVersion = nibbleVersion(bo.Uint32(raw[8:]))
			bc.SDKVersion = nibbleVersion(bo.Uint32(raw[12:]))
			c.Platform.Platform = bc.TargetPlatform
			c.Platform.MinVersion = bc.MinOSVersion
			c.Platform.SDKVersion = bc.SDKVersion
			n++

		case lcSourceVersion:
			if len(raw) < 16 {
				continue
			}
			buildConfig(c).SourceVersion = sourceVersion(bo.Uint64(raw[8:]))

		case lcCodeSignature:
			if len(raw) < 16 || c.CodeSign != nil {
				continue
			}
			off, size := bo.Uint32(raw[8:]), bo.Uint32(raw[12:])
			blob, err := readAt(img.r, int64(off), int(size))
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			cs, err := parseCodeSignature(blob)
			if err != nil {
				if !errors.Is(err, errNoSignature) && firstErr == nil {
					firstErr = err
				}
				continue
			}
			c.CodeSign = cs
			n++
		}
	}
	return n, firstErr
}

func buildConfig(c *component.Component) *component.BuildConfigInfo {
	if c.BuildConfig == nil {
		c.BuildConfig = &component.BuildConfigInfo{}
	}
	return c.BuildConfig
}

// nibbleVersion formats an xxxx.yy.zz encoded version.
func nibbleVersion(v uint32) string {
	return fmt.Sprintf("%d.%d.%d", v>>16, (v>>8)&0xff, v&0xff)
}

// sourceVersion formats an a.b.c.d.e version packed as a24.b10.c10.d10.e10.
func sourceVersion(v uint64) string {
	return fmt.Sprintf("%d.%d.%d.%d.%d", v>>40, (v>>30)&0x3ff, (v>>20)&0x3ff, (v>>10)&0x3ff, v&0x3ff)
}

func platformName(p uint32) string {
	switch p {
	case 1:
		return "macos"
	case 2:
		return "ios"
	case 3:
		return "tvos"
	case 4:
		return "watchos"
	case 5:
		return "bridgeos"
	case 6:
		return "maccatalyst"
	case 7:
		return "iossimulator"
	case 8:
		return "tvossimulator"
	case 9:
		return "watchossimulator"
	case 10:
		return "driverkit"
	case 11:
		return "visionos"
	case 12:
		return "visionossimulator"
	}
	return fmt.Sprintf("platform%d", p)
}

func isSimulatorPlatform(p uint32) bool {
	switch p {
	case 7, 8, 9, 12:
		return true
	}
	return false
}

func versionMinPlatform(cmd uint32) string {
	switch cmd {
	case lcVersionMinMacOSX:
		return "macos"
	case lcVersionMinIPhone:
		return "ios"
	case lcVersionMinTVOS:
		return "tvos"
	case lcVersionMinWatchOS:
		return "watchos"
	}
	return ""
}

func cpuName(cpu, sub uint32) string {
	switch macho.Cpu(cpu) {
	case macho.CpuAmd64:
		if sub&0xff == 8 {
			return "x86_64h"
		}
		return "x86_64"
	case macho.Cpu386:
		return "i386"
	case macho.CpuArm64:
		if sub&0xff == 2 {
			return "arm64e"
		}
		return "arm64"
	case macho.CpuArm:
		return "arm"
	case macho.CpuPpc:
		return "ppc"
	case macho.CpuPpc64:
		return "ppc64"
	case 0x0200000c:
		return "arm64_32"
	}
	return fmt.Sprintf("cpu%#x", cpu)
}

var errNoSignature = errors.New("no code signature")
