package license

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heimdall-sbom/heimdall/pkg/component"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		ev   Evidence
		want Match
		ok   bool
	}{
		{
			name: "lgpl before gpl",
			ev:   Evidence{Content: []byte("\x7fELF...GNU Lesser General Public License, see the GPL")},
			want: Match{"LGPL", SourceContent},
			ok:   true,
		},
		{
			name: "gpl",
			ev:   Evidence{Content: []byte("licensed under the gpl v2")},
			want: Match{"GPL", SourceContent},
			ok:   true,
		},
		{
			name: "mit is case sensitive as a bare word",
			ev:   Evidence{Content: []byte("we will emit and commit"), Path: "/usr/lib/libfoo.so"},
		},
		{
			name: "mit license",
			ev:   Evidence{Content: []byte("The MIT License (MIT)")},
			want: Match{"MIT", SourceContent},
			ok:   true,
		},
		{
			name: "path component",
			ev:   Evidence{Path: "/opt/vendor/apache/lib/libx.so"},
			want: Match{"Apache", SourcePath},
			ok:   true,
		},
		{
			name: "path substring is not a component",
			ev:   Evidence{Path: "/home/submit/libgplot.so"},
		},
		{
			name: "symbols",
			ev:   Evidence{Path: "/lib/liba.so", Symbols: []component.Symbol{{Name: "printf"}, {Name: "__bsd_signal"}}},
			want: Match{"BSD", SourceSymbols},
			ok:   true,
		},
		{
			name: "content beyond the window is ignored",
			ev:   Evidence{Content: append(make([]byte, ContentWindow), []byte(" MPL ")...)},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Patterns{}.Detect(&tc.ev)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.want, got)
		})
	}
}
