// Package filters implements path-pattern filters and their evaluation
// against the files of a changeset. Filters map (user, path) to an effect;
// a more specific pattern always beats a less specific one.
package filters

import (
	"regexp"
	"strings"

	"github.com/critic-scm/critic/internal/criterrors"
)

// Pattern is a validated, compiled path pattern.
//
// Grammar: components separated by `/`. `*` matches within a component,
// `?` matches one non-slash character, `**` is allowed only as a whole
// component or as a `**/` component prefix. A trailing `/` matches the whole
// subtree; the pattern `/` matches every file. A pattern without wildcards
// and without a trailing `/` matches exactly one file.
type Pattern struct {
	Raw string

	re            *regexp.Regexp
	isDir         bool
	literalSlashes int
	wildcards      int
}

// Validate rejects illegal pattern forms without compiling.
func Validate(raw string) error {
	if raw == "" {
		return criterrors.InvalidInput("empty filter pattern", raw)
	}
	trimmed := strings.TrimPrefix(raw, "/")
	trimmed = strings.TrimSuffix(trimmed, "/")
	if trimmed == "" {
		return nil // "/" matches everything
	}
	for _, component := range strings.Split(trimmed, "/") {
		if component == "" {
			return criterrors.InvalidInput("empty path component in filter pattern", raw)
		}
		if strings.HasPrefix(component, "**") {
			if component != "**" {
				// "**x" is neither a whole component nor a "**/" prefix.
				return criterrors.InvalidInput("`**` must be a whole component", raw)
			}
			continue
		}
		if strings.Contains(component, "**") {
			return criterrors.InvalidInput("`**` not allowed mid-component", raw)
		}
	}
	return nil
}

// Compile validates and compiles a pattern.
func Compile(raw string) (*Pattern, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	p := &Pattern{Raw: raw}
	p.isDir = strings.HasSuffix(raw, "/") || raw == "/"

	normalized := strings.TrimPrefix(raw, "/")
	normalized = strings.TrimSuffix(normalized, "/")
	if p.isDir && strings.HasSuffix(normalized, "**") {
		// "foo/**/" is "foo/".
		normalized = strings.TrimSuffix(strings.TrimSuffix(normalized, "**"), "/")
	}

	var b strings.Builder
	b.WriteString("^")
	if normalized != "" {
		components := strings.Split(normalized, "/")
		for i, component := range components {
			if component == "**" {
				p.wildcards++
				if i == len(components)-1 {
					b.WriteString(".*")
				} else {
					b.WriteString("(?:[^/]+/)*")
					continue // the separator is part of the group
				}
			} else {
				compileComponent(&b, component, p)
			}
			if i < len(components)-1 {
				b.WriteString("/")
				p.literalSlashes++
			}
		}
	}
	if p.isDir {
		if normalized != "" {
			b.WriteString("/")
		}
		b.WriteString(".*")
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, criterrors.InvalidInput("unparseable filter pattern", raw)
	}
	p.re = re
	return p, nil
}

func compileComponent(b *strings.Builder, component string, p *Pattern) {
	for _, r := range component {
		switch r {
		case '*':
			p.wildcards++
			b.WriteString("[^/]*")
		case '?':
			p.wildcards++
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
}

// Matches reports whether path matches the pattern.
func (p *Pattern) Matches(path string) bool {
	return p.re.MatchString(path)
}

// MoreSpecificThan is the strict specificity order: a file pattern beats a
// directory pattern, then more literal slashes (`**/` does not count), then
// fewer wildcards, then lexicographically larger raw text. The result is a
// strict total order over distinct patterns.
func (p *Pattern) MoreSpecificThan(other *Pattern) bool {
	if p.isDir != other.isDir {
		return !p.isDir
	}
	if p.literalSlashes != other.literalSlashes {
		return p.literalSlashes > other.literalSlashes
	}
	if p.wildcards != other.wildcards {
		return p.wildcards < other.wildcards
	}
	return p.Raw > other.Raw
}
