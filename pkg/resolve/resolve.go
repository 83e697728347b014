// Package resolve turns the raw dependency names recorded in binaries into
// paths on the local filesystem.
package resolve

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/derekparker/trie"

	"github.com/heimdall-sbom/heimdall/pkg/component"
	"github.com/heimdall-sbom/heimdall/pkg/logflags"
)

// Resolution is the outcome of resolving one dependency name. Path is
// empty when Method is component.Unresolved.
type Resolution struct {
	Path   string
	Method component.ResolveMethod
}

var unresolved = Resolution{Method: component.Unresolved}

// Resolver searches an ordered list of directories for dependencies. The
// listing of every directory is read once and indexed, so a Resolver
// does not observe files created after its first lookup in a directory.
//
// A Resolver is safe for concurrent use.
type Resolver struct {
	goos    string
	dirs    []string
	sysDirs []string

	mu    sync.Mutex
	index map[string]*trie.Trie
}

// New returns a resolver for the host platform searching the default
// directories followed by extra.
func New(extra ...string) *Resolver {
	sys := SystemDirs(runtime.GOOS)
	dirs := append(append([]string{}, sys...), envDirs(runtime.GOOS, os.Getenv)...)
	dirs = append(dirs, extra...)
	return newResolver(runtime.GOOS, dirs, sys)
}

// NewWithDirs returns a resolver that searches exactly dirs, resolving
// names the way they are resolved on goos.
func NewWithDirs(goos string, dirs []string) *Resolver {
	return newResolver(goos, dirs, SystemDirs(goos))
}

func newResolver(goos string, dirs, sysDirs []string) *Resolver {
	r := &Resolver{goos: goos, index: make(map[string]*trie.Trie)}
	seen := make(map[string]bool)
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if abs, err := filepath.Abs(d); err == nil {
			d = abs
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		r.dirs = append(r.dirs, d)
	}
	r.sysDirs = sysDirs
	return r
}

// SystemDirs returns the system library directories of goos.
func SystemDirs(goos string) []string {
	if goos == "windows" {
		return []string{`C:\Windows\System32`, `C:\Windows\SysWOW64`}
	}
	return []string{"/usr/lib", "/usr/lib64", "/usr/local/lib", "/usr/local/lib64", "/lib", "/lib64"}
}

func envDirs(goos string, getenv func(string) string) []string {
	v := "LD_LIBRARY_PATH"
	switch goos {
	case "darwin", "ios":
		v = "DYLD_LIBRARY_PATH"
	case "windows":
		return nil
	}
	return filepath.SplitList(getenv(v))
}

// Dirs returns the directories searched, in order.
func (r *Resolver) Dirs() []string {
	return append([]string(nil), r.dirs...)
}

// Resolve returns the path of the library called name. It tries, in
// order: name itself if it is an absolute path that exists, the exact
// name in every directory, the name without its version suffix, another
// version of the same library, and the name with the platform shared
// library extension appended.
func (r *Resolver) Resolve(name string) Resolution {
	return r.ResolveFrom(name, "")
}

// ResolveFrom is like Resolve for a dependency of a binary in the
// directory origin. Names starting with @loader_path/ or
// @executable_path/ are first looked up relative to origin.
func (r *Resolver) ResolveFrom(name, origin string) Resolution {
	if name == "" {
		return unresolved
	}
	if origin != "" {
		if rel, ok := loaderRelative(name); ok {
			p := filepath.Join(origin, rel)
			if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
				return Resolution{p, component.ResolvedLoaderPath}
			}
		}
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		if fi, err := os.Stat(name); err == nil && !fi.IsDir() {
			return Resolution{name, component.ResolvedAbsolute}
		}
	}
	base := baseName(name)

	if p := r.lookup(base); p != "" {
		return Resolution{p, component.ResolvedSearchPath}
	}
	stem, versioned := StripVersion(base)
	if versioned {
		if p := r.lookup(stem); p != "" {
			return Resolution{p, component.ResolvedStripVersion}
		}
	}
	if versioned || r.isSharedName(stem) {
		if p := r.sibling(stem); p != "" {
			return Resolution{p, component.ResolvedStripVersion}
		}
	}
	if ext := r.extension(); !strings.HasSuffix(base, ext) {
		if p := r.lookup(base + ext); p != "" {
			return Resolution{p, component.ResolvedExtension}
		}
	}
	logflags.ResolverLogger().Debugf("could not resolve %s", name)
	return unresolved
}

var loaderPrefixes = []string{"@loader_path/", "@executable_path/"}

// loaderRelative returns name without its @loader_path/ or
// @executable_path/ prefix. The executable of a library is not known, so
// both are taken relative to the binary declaring the dependency.
func loaderRelative(name string) (string, bool) {
	for _, pre := range loaderPrefixes {
		if strings.HasPrefix(name, pre) {
			return name[len(pre):], true
		}
	}
	return "", false
}

// baseName strips directory components and Mach-O install name prefixes
// such as @rpath/ from name.
func baseName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}
	return name
}

func (r *Resolver) isSharedName(name string) bool {
	return strings.HasSuffix(name, r.extension())
}

// sibling returns the first indexed library whose name without version
// suffix is stem: libssl.so.3.0.2 for libssl.so, libfoo.2.dylib for
// libfoo.dylib.
func (r *Resolver) sibling(stem string) string {
	prefix := stem + "."
	if s := strings.TrimSuffix(stem, ".dylib"); s != stem {
		prefix = s + "."
	}
	for _, p := range r.Candidates(prefix) {
		if s, ok := StripVersion(filepath.Base(p)); ok && s == stem {
			return p
		}
	}
	return ""
}

func (r *Resolver) extension() string {
	switch r.goos {
	case "darwin", "ios":
		return ".dylib"
	case "windows":
		return ".dll"
	}
	return ".so"
}

func (r *Resolver) lookup(name string) string {
	for _, d := range r.dirs {
		t := r.dirIndex(d)
		if n, ok := t.Find(name); ok {
			return n.Meta().(string)
		}
	}
	return ""
}

// dirIndex returns the index of the entries of dir, reading the directory
// on first use. Missing directories have an empty index.
func (r *Resolver) dirIndex(dir string) *trie.Trie {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.index[dir]; ok {
		return t
	}
	t := trie.New()
	entries, err := os.ReadDir(dir)
	if err != nil {
		logflags.ResolverLogger().Debugf("skipping search directory %s: %v", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		t.Add(e.Name(), filepath.Join(dir, e.Name()))
	}
	r.index[dir] = t
	return t
}

// Candidates returns the indexed names starting with prefix in every
// search directory, in search order and sorted within a directory.
func (r *Resolver) Candidates(prefix string) []string {
	var out []string
	for _, d := range r.dirs {
		names := r.dirIndex(d).PrefixSearch(prefix)
		sort.Strings(names)
		for _, name := range names {
			out = append(out, filepath.Join(d, name))
		}
	}
	return out
}

var (
	elfVersionSuffix   = regexp.MustCompile(`^(.+\.so)(\.[0-9]+)+$`)
	machoVersionSuffix = regexp.MustCompile(`^(.+?)(\.[0-9]+)+(\.dylib)$`)
)

// StripVersion removes the version suffix of a shared library name:
// libfoo.so.6.1 becomes libfoo.so and libfoo.6.dylib becomes libfoo.dylib.
func StripVersion(name string) (string, bool) {
	if m := elfVersionSuffix.FindStringSubmatch(name); m != nil {
		return m[1], true
	}
	if m := machoVersionSuffix.FindStringSubmatch(name); m != nil {
		return m[1] + m[3], true
	}
	return name, false
}

// IsSystemLibrary reports whether path lives in one of the system library
// directories.
func (r *Resolver) IsSystemLibrary(path string) bool {
	if path == "" {
		return false
	}
	dirs := r.sysDirs
	if r.goos == "darwin" {
		dirs = append(dirs[:len(dirs):len(dirs)], "/System/Library")
	}
	for _, d := range dirs {
		if r.goos == "windows" {
			if strings.HasPrefix(strings.ToLower(path), strings.ToLower(d)+`\`) {
				return true
			}
			continue
		}
		if strings.HasPrefix(path, d+"/") {
			return true
		}
	}
	return false
}
