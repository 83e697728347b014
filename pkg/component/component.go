// Package component defines the record produced by metadata extraction.
//
// A Component is created by New, which fixes its FileType, and is then
// filled in place by the extractors. Extractors only add facts through the
// Add* methods, they never reclassify or retract.
package component

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ResolveMethod describes how a dependency name was turned into a path.
type ResolveMethod string

const (
	ResolvedAbsolute     ResolveMethod = "absolute"
	ResolvedSearchPath   ResolveMethod = "search-path"
	ResolvedStripVersion ResolveMethod = "version-stripped"
	ResolvedExtension    ResolveMethod = "extension-appended"
	ResolvedLoaderPath   ResolveMethod = "loader-path"
	Unresolved           ResolveMethod = "unresolved"
)

// DebugConfidence records the provenance of debug facts.
type DebugConfidence string

const (
	ConfidenceNone       DebugConfidence = "none"
	ConfidenceHeuristic  DebugConfidence = "heuristic"
	ConfidenceStructured DebugConfidence = "structured"
)

func (c DebugConfidence) rank() int {
	switch c {
	case ConfidenceStructured:
		return 2
	case ConfidenceHeuristic:
		return 1
	}
	return 0
}

// Symbol is an entry of a symbol table.
type Symbol struct {
	Name      string `json:"name" yaml:"name"`
	Address   uint64 `json:"address" yaml:"address"`
	Size      uint64 `json:"size" yaml:"size"`
	Section   string `json:"section,omitempty" yaml:"section,omitempty"`
	IsDefined bool   `json:"defined" yaml:"defined"`
	IsGlobal  bool   `json:"global" yaml:"global"`
	IsWeak    bool   `json:"weak" yaml:"weak"`
}

// Section is an entry of a section table.
type Section struct {
	Name    string `json:"name" yaml:"name"`
	Address uint64 `json:"address" yaml:"address"`
	Size    uint64 `json:"size" yaml:"size"`
	Flags   uint64 `json:"flags" yaml:"flags"`
	Type    string `json:"type,omitempty" yaml:"type,omitempty"`
}

// Dependency is a runtime library dependency. Path is empty when the name
// could not be resolved, in which case Method is Unresolved.
type Dependency struct {
	Name   string        `json:"name" yaml:"name"`
	Path   string        `json:"path" yaml:"path"`
	Method ResolveMethod `json:"method" yaml:"method"`
}

// ArchSlice describes one architecture of a universal binary.
type ArchSlice struct {
	Name       string `json:"name" yaml:"name"`
	CPUType    uint32 `json:"cpuType" yaml:"cpuType"`
	CPUSubtype uint32 `json:"cpuSubtype" yaml:"cpuSubtype"`
	Offset     uint64 `json:"offset" yaml:"offset"`
	Size       uint64 `json:"size" yaml:"size"`
	Align      uint32 `json:"align" yaml:"align"`
}

// CodeSignInfo holds code signing facts of a Mach-O image.
type CodeSignInfo struct {
	IsAdHocSigned     bool     `json:"adHoc" yaml:"adHoc"`
	IsHardenedRuntime bool     `json:"hardenedRuntime" yaml:"hardenedRuntime"`
	Identifier        string   `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	TeamID            string   `json:"teamId,omitempty" yaml:"teamId,omitempty"`
	CDHash            string   `json:"cdHash,omitempty" yaml:"cdHash,omitempty"`
	Entitlements      []string `json:"entitlements,omitempty" yaml:"entitlements,omitempty"`
}

// BuildConfigInfo holds the build configuration recorded in a Mach-O image.
type BuildConfigInfo struct {
	TargetPlatform string `json:"targetPlatform,omitempty" yaml:"targetPlatform,omitempty"`
	MinOSVersion   string `json:"minOSVersion,omitempty" yaml:"minOSVersion,omitempty"`
	SDKVersion     string `json:"sdkVersion,omitempty" yaml:"sdkVersion,omitempty"`
	SourceVersion  string `json:"sourceVersion,omitempty" yaml:"sourceVersion,omitempty"`
	IsSimulator    bool   `json:"simulator" yaml:"simulator"`
}

// PlatformInfo describes the platform an image targets.
type PlatformInfo struct {
	Architecture string `json:"architecture,omitempty" yaml:"architecture,omitempty"`
	Platform     string `json:"platform,omitempty" yaml:"platform,omitempty"`
	MinVersion   string `json:"minVersion,omitempty" yaml:"minVersion,omitempty"`
	SDKVersion   string `json:"sdkVersion,omitempty" yaml:"sdkVersion,omitempty"`
	IsSimulator  bool   `json:"simulator" yaml:"simulator"`
}

// Component is the set of facts extracted from one file.
type Component struct {
	Name     string `json:"name" yaml:"name"`
	FilePath string `json:"filePath" yaml:"filePath"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	Supplier string `json:"supplier,omitempty" yaml:"supplier,omitempty"`
	License  string `json:"license,omitempty" yaml:"license,omitempty"`
	Checksum string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	FileSize int64  `json:"fileSize" yaml:"fileSize"`

	Symbols      []Symbol     `json:"symbols,omitempty" yaml:"symbols,omitempty"`
	Sections     []Section    `json:"sections,omitempty" yaml:"sections,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	ContainsDebugInfo bool            `json:"containsDebugInfo" yaml:"containsDebugInfo"`
	DebugConfidence   DebugConfidence `json:"debugConfidence,omitempty" yaml:"debugConfidence,omitempty"`
	SourceFiles       []string        `json:"sourceFiles,omitempty" yaml:"sourceFiles,omitempty"`
	Functions         []string        `json:"functions,omitempty" yaml:"functions,omitempty"`
	CompileUnits      []string        `json:"compileUnits,omitempty" yaml:"compileUnits,omitempty"`

	BuildID       string           `json:"buildId,omitempty" yaml:"buildId,omitempty"`
	UUID          string           `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	CodeSign      *CodeSignInfo    `json:"codeSign,omitempty" yaml:"codeSign,omitempty"`
	BuildConfig   *BuildConfigInfo `json:"buildConfig,omitempty" yaml:"buildConfig,omitempty"`
	Platform      *PlatformInfo    `json:"platform,omitempty" yaml:"platform,omitempty"`
	Architectures []ArchSlice      `json:"architectures,omitempty" yaml:"architectures,omitempty"`
	Frameworks    []string         `json:"frameworks,omitempty" yaml:"frameworks,omitempty"`

	IsSystemLibrary bool   `json:"systemLibrary" yaml:"systemLibrary"`
	IsStripped      bool   `json:"stripped" yaml:"stripped"`
	WasProcessed    bool   `json:"processed" yaml:"processed"`
	ProcessingError string `json:"processingError,omitempty" yaml:"processingError,omitempty"`

	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`

	fileType FileType

	symbolIdx  map[string]int
	sectionIdx map[string]int
	depIdx     map[string]int
	seen       map[string]struct{}
}

// New returns an empty record for the file at path. The file must exist;
// its type is classified once, here.
func New(path string) (*Component, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	return &Component{
		Name:     filepath.Base(abs),
		FilePath: abs,
		FileSize: fi.Size(),
		fileType: Classify(abs),
	}, nil
}

// FileType returns the classification made when the record was created.
func (c *Component) FileType() FileType {
	return c.fileType
}

// ComputeChecksum returns the hex encoded SHA-256 of the file at path.
func ComputeChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// AddSymbol appends s unless a symbol with the same name is present.
// Returns true if s was added.
func (c *Component) AddSymbol(s Symbol) bool {
	if c.symbolIdx == nil {
		c.symbolIdx = make(map[string]int, len(c.Symbols))
		for i := range c.Symbols {
			c.symbolIdx[c.Symbols[i].Name] = i
		}
	}
	if _, ok := c.symbolIdx[s.Name]; ok {
		return false
	}
	c.symbolIdx[s.Name] = len(c.Symbols)
	c.Symbols = append(c.Symbols, s)
	return true
}

// AddSection appends s unless a section with the same name is present.
func (c *Component) AddSection(s Section) bool {
	if c.sectionIdx == nil {
		c.sectionIdx = make(map[string]int, len(c.Sections))
		for i := range c.Sections {
			c.sectionIdx[c.Sections[i].Name] = i
		}
	}
	if _, ok := c.sectionIdx[s.Name]; ok {
		return false
	}
	c.sectionIdx[s.Name] = len(c.Sections)
	c.Sections = append(c.Sections, s)
	return true
}

// AddDependency records a raw dependency name. New entries start
// unresolved; adding a name twice is a no-op.
func (c *Component) AddDependency(name string) bool {
	if name == "" {
		return false
	}
	c.initDepIdx()
	if _, ok := c.depIdx[name]; ok {
		return false
	}
	c.depIdx[name] = len(c.Dependencies)
	c.Dependencies = append(c.Dependencies, Dependency{Name: name, Method: Unresolved})
	return true
}

// SetResolution records the outcome of resolving the dependency name.
func (c *Component) SetResolution(name, path string, method ResolveMethod) {
	c.initDepIdx()
	i, ok := c.depIdx[name]
	if !ok {
		return
	}
	if path == "" {
		method = Unresolved
	}
	c.Dependencies[i].Path = path
	c.Dependencies[i].Method = method
}

func (c *Component) initDepIdx() {
	if c.depIdx != nil {
		return
	}
	c.depIdx = make(map[string]int, len(c.Dependencies))
	for i := range c.Dependencies {
		c.depIdx[c.Dependencies[i].Name] = i
	}
}

// DependencyNames returns the raw dependency names in insertion order.
func (c *Component) DependencyNames() []string {
	r := make([]string, len(c.Dependencies))
	for i := range c.Dependencies {
		r[i] = c.Dependencies[i].Name
	}
	return r
}

func (c *Component) addUnique(list *[]string, kind, v string) bool {
	if v == "" {
		return false
	}
	if c.seen == nil {
		c.seen = make(map[string]struct{})
		for _, l := range []struct {
			kind string
			vs   []string
		}{{"src", c.SourceFiles}, {"fn", c.Functions}, {"cu", c.CompileUnits}, {"fw", c.Frameworks}} {
			for _, x := range l.vs {
				c.seen[l.kind+"\x00"+x] = struct{}{}
			}
		}
	}
	k := kind + "\x00" + v
	if _, ok := c.seen[k]; ok {
		return false
	}
	c.seen[k] = struct{}{}
	*list = append(*list, v)
	return true
}

// AddSourceFile records a source file path.
func (c *Component) AddSourceFile(p string) bool { return c.addUnique(&c.SourceFiles, "src", p) }

// AddFunction records a function name.
func (c *Component) AddFunction(fn string) bool { return c.addUnique(&c.Functions, "fn", fn) }

// AddCompileUnit records a compile unit name.
func (c *Component) AddCompileUnit(cu string) bool { return c.addUnique(&c.CompileUnits, "cu", cu) }

// AddFramework records a framework name.
func (c *Component) AddFramework(fw string) bool { return c.addUnique(&c.Frameworks, "fw", fw) }

// AddArchitecture records an architecture slice, once per CPU type and
// subtype pair.
func (c *Component) AddArchitecture(a ArchSlice) bool {
	for _, x := range c.Architectures {
		if x.CPUType == a.CPUType && x.CPUSubtype == a.CPUSubtype {
			return false
		}
	}
	c.Architectures = append(c.Architectures, a)
	return true
}

// MarkDebugInfo flags the record as carrying debug information. A weaker
// confidence never replaces a stronger one.
func (c *Component) MarkDebugInfo(conf DebugConfidence) {
	c.ContainsDebugInfo = true
	if conf.rank() > c.DebugConfidence.rank() {
		c.DebugConfidence = conf
	}
}

// SetProperty sets an extensible property.
func (c *Component) SetProperty(key, value string) {
	if c.Properties == nil {
		c.Properties = make(map[string]string)
	}
	c.Properties[key] = value
}

// DeleteProperty removes an extensible property.
func (c *Component) DeleteProperty(key string) {
	delete(c.Properties, key)
}

// ClearDebugInfo drops the source files, functions and compile units and
// the debug info confidence, so facts of a better provenance can replace
// them.
func (c *Component) ClearDebugInfo() {
	c.SourceFiles, c.Functions, c.CompileUnits = nil, nil, nil
	c.ContainsDebugInfo = false
	c.DebugConfidence = ""
	c.seen = nil
}

// Property returns the value of an extensible property.
func (c *Component) Property(key string) string {
	return c.Properties[key]
}

// SetProcessingError records err unless an error was already recorded.
func (c *Component) SetProcessingError(err error) {
	if err == nil || c.ProcessingError != "" {
		return
	}
	c.ProcessingError = err.Error()
}

// SortedPropertyKeys returns the property keys in lexical order.
func (c *Component) SortedPropertyKeys() []string {
	keys := make([]string, 0, len(c.Properties))
	for k := range c.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of c.
func (c *Component) Clone() *Component {
	n := *c
	n.Symbols = append([]Symbol(nil), c.Symbols...)
	n.Sections = append([]Section(nil), c.Sections...)
	n.Dependencies = append([]Dependency(nil), c.Dependencies...)
	n.SourceFiles = append([]string(nil), c.SourceFiles...)
	n.Functions = append([]string(nil), c.Functions...)
	n.CompileUnits = append([]string(nil), c.CompileUnits...)
	n.Architectures = append([]ArchSlice(nil), c.Architectures...)
	n.Frameworks = append([]string(nil), c.Frameworks...)
	if c.CodeSign != nil {
		cs := *c.CodeSign
		cs.Entitlements = append([]string(nil), c.CodeSign.Entitlements...)
		n.CodeSign = &cs
	}
	if c.BuildConfig != nil {
		bc := *c.BuildConfig
		n.BuildConfig = &bc
	}
	if c.Platform != nil {
		p := *c.Platform
		n.Platform = &p
	}
	if c.Properties != nil {
		n.Properties = make(map[string]string, len(c.Properties))
		for k, v := range c.Properties {
			n.Properties[k] = v
		}
	}
	n.symbolIdx, n.sectionIdx, n.depIdx, n.seen = nil, nil, nil, nil
	return &n
}

type componentAlias Component

type componentView struct {
	componentAlias `yaml:",inline"`
	FileType       FileType `json:"fileType" yaml:"fileType"`
}

// MarshalJSON includes the file type in the encoded record.
func (c *Component) MarshalJSON() ([]byte, error) {
	return json.Marshal(componentView{componentAlias(*c), c.fileType})
}

// MarshalYAML includes the file type in the encoded record.
func (c *Component) MarshalYAML() (interface{}, error) {
	return componentView{componentAlias(*c), c.fileType}, nil
}

// String returns a short description of the record.
func (c *Component) String() string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteString(" (")
	b.WriteString(c.fileType.String())
	if c.Version != "" {
		b.WriteString(", ")
		b.WriteString(c.Version)
	}
	b.WriteString(")")
	return b.String()
}
