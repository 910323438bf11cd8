// Package pattern implements the include/exclude name matcher (spec.md
// §2.3): glob, regex, or exact matching against a path, with an optional
// case-insensitive flag, compiled once per pattern.
package pattern

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Kind selects the matching algorithm.
type Kind int

const (
	KindGlob Kind = iota
	KindRegex
	KindExact
)

// Pattern is a compiled match rule.
type Pattern struct {
	kind          Kind
	raw           string
	caseSensitive bool
	compare       string // raw, lower-cased if !caseSensitive, for glob/exact
	re            *regexp.Regexp
}

// Compile compiles raw into a Pattern of the given kind. Compilation
// happens exactly once; the result is safe for concurrent Match calls.
func Compile(raw string, kind Kind, caseSensitive bool) (*Pattern, error) {
	p := &Pattern{kind: kind, raw: raw, caseSensitive: caseSensitive}

	switch kind {
	case KindGlob, KindExact:
		if caseSensitive {
			p.compare = raw
		} else {
			p.compare = strings.ToLower(raw)
		}
	case KindRegex:
		expr := raw
		if !caseSensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("pattern: invalid regex %q: %w", raw, err)
		}
		p.re = re
	default:
		return nil, fmt.Errorf("pattern: unknown kind %d", kind)
	}
	return p, nil
}

// Match reports whether path satisfies the pattern.
func (p *Pattern) Match(path string) bool {
	switch p.kind {
	case KindExact:
		if p.caseSensitive {
			return path == p.compare
		}
		return strings.EqualFold(path, p.compare)
	case KindGlob:
		candidate := path
		if !p.caseSensitive {
			candidate = strings.ToLower(candidate)
		}
		ok, err := filepath.Match(p.compare, candidate)
		return err == nil && ok
	case KindRegex:
		return p.re.MatchString(path)
	default:
		return false
	}
}

// String returns the original, uncompiled pattern text.
func (p *Pattern) String() string {
	return p.raw
}

// FirstMetaIndex returns the byte offset of the first glob metacharacter in
// s, or -1 if none is present. Used by the enumerator (spec.md §4.1 step 1)
// to split an include pattern into its literal base path and glob suffix.
func FirstMetaIndex(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[':
			return i
		}
	}
	return -1
}

// BasePath returns the literal directory prefix of a glob include pattern:
// everything before the last path separator that precedes the first
// metacharacter, without the separator itself. A pattern with no
// metacharacter is returned unchanged; one with no separator before its
// first metacharacter yields ".".
func BasePath(raw string) string {
	idx := FirstMetaIndex(raw)
	if idx < 0 {
		return raw
	}
	sep := strings.LastIndexByte(raw[:idx], '/')
	if sep < 0 {
		return "."
	}
	return raw[:sep]
}

// MatchAny reports whether path matches at least one pattern in the set.
func MatchAny(patterns []*Pattern, path string) bool {
	for _, p := range patterns {
		if p.Match(path) {
			return true
		}
	}
	return false
}
