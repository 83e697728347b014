package debuginfo

import (
	"debug/dwarf"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/heimdall-sbom/heimdall/pkg/component"
)

// fromDWARF collects compile units, the files of their line tables and
// the names of their subprograms.
func fromDWARF(d *dwarf.Data, origin Origin) (*Result, error) {
	col := newCollector()
	rdr := d.Reader()
	for {
		e, err := rdr.Next()
		if err != nil {
			return nil, fmt.Errorf("could not read .debug_info: %v", err)
		}
		if e == nil {
			break
		}
		switch e.Tag {
		case dwarf.TagCompileUnit, dwarf.TagPartialUnit:
			name, _ := e.Val(dwarf.AttrName).(string)
			compDir, _ := e.Val(dwarf.AttrCompDir).(string)
			add(col.units, name)
			if name != "" && isSourceName(name) {
				add(col.sources, joinCompDir(compDir, name))
			}
			lr, err := d.LineReader(e)
			if err != nil {
				return nil, fmt.Errorf("could not read .debug_line of %s: %v", name, err)
			}
			if lr != nil {
				for _, f := range lr.Files() {
					if f != nil && f.Name != "" {
						add(col.sources, f.Name)
					}
				}
			}
		case dwarf.TagSubprogram:
			name, _ := e.Val(dwarf.AttrName).(string)
			if name == "" {
				name, _ = e.Val(dwarf.AttrLinkageName).(string)
			}
			add(col.functions, name)
			if e.Children {
				rdr.SkipChildren()
			}
		default:
			if e.Children && e.Tag != dwarf.TagNamespace && e.Tag != dwarf.TagModule {
				rdr.SkipChildren()
			}
		}
	}
	return col.result(component.ConfidenceStructured, origin), nil
}

// joinCompDir makes a compile unit name absolute using its compilation
// directory.
func joinCompDir(compDir, name string) string {
	if compDir == "" || path.IsAbs(name) || filepath.IsAbs(name) {
		return name
	}
	if strings.Contains(compDir, `\`) {
		return compDir + `\` + name
	}
	return path.Join(compDir, name)
}
