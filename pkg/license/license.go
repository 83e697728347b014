// Package license guesses the license of a binary from its leading bytes,
// its path and its symbol names.
package license

import (
	"regexp"
	"strings"

	"github.com/heimdall-sbom/heimdall/pkg/component"
)

// ContentWindow is the number of leading bytes of a file a Detector
// expects in Evidence.Content.
const ContentWindow = 4096

// Source records where a license was found.
type Source string

const (
	SourceContent Source = "content"
	SourcePath    Source = "path"
	SourceSymbols Source = "symbols"
)

// Evidence is what a Detector looks at.
type Evidence struct {
	Path    string
	Content []byte
	Symbols []component.Symbol
}

// Match is a detected license.
type Match struct {
	License string
	Source  Source
}

// Detector detects the license of a component.
type Detector interface {
	Detect(ev *Evidence) (Match, bool)
}

type rule struct {
	license string
	content *regexp.Regexp
	token   string
}

// LGPL must come before GPL: every LGPL text also names the GPL.
var rules = []rule{
	{"LGPL", regexp.MustCompile(`(?i)\b(LGPL|GNU Lesser General Public License)\b`), "lgpl"},
	{"GPL", regexp.MustCompile(`(?i)\b(GPL|GNU General Public License)\b`), "gpl"},
	{"MIT", regexp.MustCompile(`\bMIT\b|(?i)\bMIT License\b`), "mit"},
	{"Apache", regexp.MustCompile(`(?i)\bApache License\b|\bApache\b`), "apache"},
	{"BSD", regexp.MustCompile(`(?i)\bBSD( License)?\b`), "bsd"},
	{"MPL", regexp.MustCompile(`(?i)\b(MPL|Mozilla Public License)\b`), "mpl"},
}

// Patterns is the default Detector. It tries the content, then the path
// components, then the symbol names; the first rule to match wins.
type Patterns struct{}

// Detect implements Detector.
func (Patterns) Detect(ev *Evidence) (Match, bool) {
	content := ev.Content
	if len(content) > ContentWindow {
		content = content[:ContentWindow]
	}
	for _, r := range rules {
		if r.content.Match(content) {
			return Match{r.license, SourceContent}, true
		}
	}
	if l := matchTokens(tokens(ev.Path)); l != "" {
		return Match{l, SourcePath}, true
	}
	for _, s := range ev.Symbols {
		if l := matchTokens(tokens(s.Name)); l != "" {
			return Match{l, SourceSymbols}, true
		}
	}
	return Match{}, false
}

// tokens splits s into lower case alphanumeric words.
func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

func matchTokens(toks []string) string {
	for _, r := range rules {
		for _, t := range toks {
			if t == r.token {
				return r.license
			}
		}
	}
	return ""
}
