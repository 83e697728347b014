package testbin

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ArchiveMember is a member of an ar archive.
type ArchiveMember struct {
	Name    string
	Data    []byte
	Symbols []string // names listed in the GNU symbol table for this member
}

// ArchiveStyle selects the member name encoding.
type ArchiveStyle int

const (
	GNU ArchiveStyle = iota
	BSD
)

// Archive describes an ar(1) archive.
type Archive struct {
	Style   ArchiveStyle
	Members []ArchiveMember
}

func arHeader(w *bytes.Buffer, name string, size int) {
	fmt.Fprintf(w, "%-16s%-12s%-6s%-6s%-8s%-10d`\n", name, "0", "0", "0", "644", size)
}

func padded(n int) int {
	return n + n%2
}

// Bytes returns the encoded archive.
func (a *Archive) Bytes() []byte {
	var out bytes.Buffer
	out.WriteString("!<arch>\n")

	if a.Style == BSD {
		for _, m := range a.Members {
			name := m.Name
			if len(name) <= 16 {
				arHeader(&out, name, len(m.Data))
				out.Write(m.Data)
			} else {
				arHeader(&out, fmt.Sprintf("#1/%d", len(name)), len(name)+len(m.Data))
				out.WriteString(name)
				out.Write(m.Data)
			}
			if out.Len()%2 != 0 {
				out.WriteByte('\n')
			}
		}
		return out.Bytes()
	}

	var longNames bytes.Buffer
	names := make([]string, len(a.Members))
	for i, m := range a.Members {
		if len(m.Name) < 16 {
			names[i] = m.Name + "/"
			continue
		}
		names[i] = fmt.Sprintf("/%d", longNames.Len())
		longNames.WriteString(m.Name + "/\n")
	}

	var symNames []string
	var symMember []int
	for i, m := range a.Members {
		for _, s := range m.Symbols {
			symNames = append(symNames, s)
			symMember = append(symMember, i)
		}
	}

	var symtab []byte
	symtabLen := 0
	if len(symNames) > 0 {
		symtabLen = 4 + 4*len(symNames)
		for _, s := range symNames {
			symtabLen += len(s) + 1
		}
	}

	// Compute member header offsets.
	off := 8
	if symtabLen > 0 {
		off += 60 + padded(symtabLen)
	}
	if longNames.Len() > 0 {
		off += 60 + padded(longNames.Len())
	}
	offsets := make([]int, len(a.Members))
	for i, m := range a.Members {
		offsets[i] = off
		off += 60 + padded(len(m.Data))
	}

	if symtabLen > 0 {
		var st bytes.Buffer
		binary.Write(&st, binary.BigEndian, uint32(len(symNames)))
		for _, mi := range symMember {
			binary.Write(&st, binary.BigEndian, uint32(offsets[mi]))
		}
		for _, s := range symNames {
			st.WriteString(s)
			st.WriteByte(0)
		}
		symtab = st.Bytes()
		arHeader(&out, "/", len(symtab))
		out.Write(symtab)
		if out.Len()%2 != 0 {
			out.WriteByte('\n')
		}
	}
	if longNames.Len() > 0 {
		arHeader(&out, "//", longNames.Len())
		out.Write(longNames.Bytes())
		if out.Len()%2 != 0 {
			out.WriteByte('\n')
		}
	}
	for i, m := range a.Members {
		arHeader(&out, names[i], len(m.Data))
		out.Write(m.Data)
		if out.Len()%2 != 0 {
			out.WriteByte('\n')
		}
	}
	return out.Bytes()
}
