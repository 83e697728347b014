package metadata

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/heimdall-sbom/heimdall/pkg/component"
	"github.com/heimdall-sbom/heimdall/pkg/extract"
	"github.com/heimdall-sbom/heimdall/pkg/goversion"
)

// contentWindow is the number of leading bytes searched for a version.
const contentWindow = 8192

var (
	// Tried in order; the first submatch is the version.
	contentVersionRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)version[:\s]*(\d+\.\d+\.\d+)`),
		regexp.MustCompile(`(?i)release[:\s]*(\d+\.\d+\.\d+)`),
		regexp.MustCompile(`(?i)build[:\s]*(\d+\.\d+\.\d+)`),
		regexp.MustCompile(`(?i)\bv[:\s]*(\d+\.\d+\.\d+)`),
		regexp.MustCompile(`(\d+\.\d+\.\d+\.\d+)`),
		regexp.MustCompile(`(\d+\.\d+\.\d+)`),
	}
	pathVersionRe   = regexp.MustCompile(`(\d+\.\d+\.\d+)`)
	symbolVersionRe = regexp.MustCompile(`(?i)(?:version|ver|lib|v)[_\s]*(\d+[._]\d+[._]\d+)`)
)

// ExtractVersionInfo records the version of c. The sources are tried in
// order and the first one to produce a version wins: format native facts
// (Mach-O dylib version, Go main module), the leading bytes of the file,
// the path, the symbol names.
func (e *Extractor) ExtractVersionInfo(c *component.Component) bool {
	native := ""
	e.facet(c, "version", func(ex extract.Extractor, in extract.Input) (bool, error) {
		tmp := &component.Component{}
		n, err := ex.Version(tmp, in)
		for k, v := range tmp.Properties {
			c.SetProperty(k, v)
		}
		native = tmp.Version
		if err != nil {
			return n > 0, err
		}
		info, err := goversion.Read(in)
		if err != nil {
			// not a Go binary
			return n > 0, nil
		}
		c.SetProperty("go.version", info.GoVersion)
		if info.Module.Path != "" {
			c.SetProperty("go.module", info.Module.Path)
			c.SetProperty("go.module.version", info.Module.Version)
		}
		if native == "" {
			native = info.ReleaseVersion()
		}
		return true, nil
	})
	if native != "" {
		return setVersion(c, native, "native")
	}

	content, err := readHead(c.FilePath, contentWindow)
	if err == nil {
		if v := firstSubmatch(contentVersionRes, content); v != "" {
			return setVersion(c, v, "content")
		}
	}
	if m := pathVersionRe.FindStringSubmatch(filepath.Base(c.FilePath)); m != nil {
		return setVersion(c, m[1], "path")
	}
	for _, s := range c.Symbols {
		if m := symbolVersionRe.FindStringSubmatch(s.Name); m != nil {
			return setVersion(c, strings.ReplaceAll(m[1], "_", "."), "symbols")
		}
	}
	return false
}

func setVersion(c *component.Component, v, source string) bool {
	c.Version = v
	c.SetProperty("version.source", source)
	return true
}

func firstSubmatch(res []*regexp.Regexp, b []byte) string {
	for _, re := range res {
		if m := re.FindSubmatch(b); m != nil {
			return string(m[1])
		}
	}
	return ""
}

// readHead returns up to n leading bytes of the file at path.
func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	m, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:m], nil
}

const systemSupplier = "system-package-manager"

var packageManagers = []struct {
	name     string
	supplier string
	markers  []string
}{
	{"rpm", systemSupplier, []string{"/usr/lib/rpm/", "/var/lib/rpm/"}},
	{"deb", systemSupplier, []string{"/var/lib/dpkg/", "/usr/share/doc/"}},
	{"pacman", systemSupplier, []string{"/var/lib/pacman/", "/var/cache/pacman/"}},
	{"conan", "conan-center", []string{"/.conan/", "/.conan2/", "/conan/"}},
	{"vcpkg", "vcpkg", []string{"/vcpkg/"}},
	{"spack", "spack", []string{"/spack/"}},
}

// packageManager guesses the package manager that installed path from
// the directories it lives in.
func packageManager(path string) string {
	p := filepath.ToSlash(path)
	for _, pm := range packageManagers {
		for _, m := range pm.markers {
			if strings.Contains(p, m) {
				return pm.name
			}
		}
	}
	return ""
}

// supplierFor names the distributor of a file installed by pm. System
// libraries with no known package manager still come from the system.
func supplierFor(pm string, system bool) string {
	for _, m := range packageManagers {
		if m.name == pm {
			return m.supplier
		}
	}
	if system {
		return systemSupplier
	}
	return ""
}
