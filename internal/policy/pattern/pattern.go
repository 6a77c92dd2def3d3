// Package pattern compiles object-name patterns. Only '*' (any run of
// characters, separators included) and '?' (one character) are wildcards;
// every other character matches itself, as do the question marks of the
// \??\ directory.
package pattern

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// PatternType indicates the type of pattern.
type PatternType int

const (
	// PatternTypeLiteral is an exact string match.
	PatternTypeLiteral PatternType = iota
	// PatternTypeGlob contains at least one wildcard.
	PatternTypeGlob
)

// String returns the string representation of a PatternType.
func (t PatternType) String() string {
	switch t {
	case PatternTypeGlob:
		return "glob"
	case PatternTypeLiteral:
		return "literal"
	default:
		return "unknown"
	}
}

// Pattern represents a compiled pattern for matching strings.
type Pattern struct {
	Raw             string      // Original pattern string
	Type            PatternType // Type of pattern
	CaseInsensitive bool

	literal  string
	compiled glob.Glob
}

// CompileOptions configures pattern compilation.
type CompileOptions struct {
	// CaseInsensitive folds both the pattern and every input to lower case.
	CaseInsensitive bool
}

// Compile compiles a case-sensitive pattern.
func Compile(s string) (*Pattern, error) {
	return CompileWithOptions(s, CompileOptions{})
}

// CompileWithOptions compiles a pattern with custom options.
func CompileWithOptions(s string, opts CompileOptions) (*Pattern, error) {
	if s == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	p := &Pattern{Raw: s, CaseInsensitive: opts.CaseInsensitive}
	src := s
	if opts.CaseInsensitive {
		src = strings.ToLower(s)
	}

	if !HasWildcard(src) {
		p.Type = PatternTypeLiteral
		p.literal = src
		return p, nil
	}

	g, err := glob.Compile(toGlob(src))
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", s, err)
	}
	p.Type = PatternTypeGlob
	p.compiled = g
	return p, nil
}

// ntDirectory is the NT DOS-devices directory. Its question marks are
// always literal.
const ntDirectory = `\??\`

// HasWildcard reports whether s contains '*' or '?' outside an NT
// directory prefix.
func HasWildcard(s string) bool {
	for i := 0; i < len(s); i++ {
		if strings.HasPrefix(s[i:], ntDirectory) {
			i += len(ntDirectory) - 1
			continue
		}
		if s[i] == '*' || s[i] == '?' {
			return true
		}
	}
	return false
}

// toGlob quotes every literal run so that glob syntax such as '[', '{' and
// '\' in object names is matched verbatim.
func toGlob(s string) string {
	var b, lit strings.Builder
	for i := 0; i < len(s); i++ {
		if strings.HasPrefix(s[i:], ntDirectory) {
			lit.WriteString(ntDirectory)
			i += len(ntDirectory) - 1
			continue
		}
		if s[i] != '*' && s[i] != '?' {
			lit.WriteByte(s[i])
			continue
		}
		b.WriteString(glob.QuoteMeta(lit.String()))
		lit.Reset()
		b.WriteByte(s[i])
	}
	b.WriteString(glob.QuoteMeta(lit.String()))
	return b.String()
}

// Match checks if the input string matches the pattern.
func (p *Pattern) Match(s string) bool {
	if p.CaseInsensitive {
		s = strings.ToLower(s)
	}
	if p.Type == PatternTypeLiteral {
		return s == p.literal
	}
	return p.compiled.Match(s)
}

// String returns the original pattern string.
func (p *Pattern) String() string {
	return p.Raw
}
