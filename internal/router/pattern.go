package router

import (
	"fmt"
	"strings"
)

// Pattern is a compiled parameterized URL pattern such as
// /v1/offers/validate/:phone/:code. Matching is segment-based and
// case-sensitive; query strings are not interpreted.
type Pattern struct {
	literal  string // pattern as stored, method tag stripped
	method   string // lowercase verb from a leading [get]-style tag, "" if none
	segments []segment
}

type segment struct {
	literal string
	param   string // non-empty for :name captures
}

// Compile parses a pattern string. A leading bracketed method tag is
// stripped and remembered. Compile fails on an unterminated tag, an empty
// interior segment, or a nameless capture.
func Compile(pattern string) (*Pattern, error) {
	p := &Pattern{}

	if strings.HasPrefix(pattern, "[") {
		end := strings.Index(pattern, "]")
		if end == -1 {
			return nil, fmt.Errorf("router: unterminated method tag in pattern %q", pattern)
		}
		p.method = strings.ToLower(pattern[1:end])
		pattern = pattern[end+1:]
	}
	p.literal = pattern

	for _, seg := range splitPath(pattern) {
		if seg == "" {
			return nil, fmt.Errorf("router: empty segment in pattern %q", pattern)
		}
		if strings.HasPrefix(seg, ":") {
			name := seg[1:]
			if name == "" {
				return nil, fmt.Errorf("router: nameless capture in pattern %q", pattern)
			}
			p.segments = append(p.segments, segment{param: name})
		} else {
			p.segments = append(p.segments, segment{literal: seg})
		}
	}
	return p, nil
}

// Literal returns the pattern string as stored (without the method tag).
func (p *Pattern) Literal() string { return p.literal }

// Method returns the lowercase method from the registration tag, "" if none.
func (p *Pattern) Method() string { return p.method }

// Match tests a concrete path against the pattern. On success it returns
// the named captures (nil map when the pattern has none).
func (p *Pattern) Match(path string) (map[string]string, bool) {
	segs := splitPath(path)
	if len(segs) != len(p.segments) {
		return nil, false
	}

	var captures map[string]string
	for i, ps := range p.segments {
		if ps.param != "" {
			if captures == nil {
				captures = make(map[string]string)
			}
			captures[ps.param] = segs[i]
			continue
		}
		if segs[i] != ps.literal {
			return nil, false
		}
	}
	return captures, true
}

// splitPath splits a URL path into segments, ignoring leading and trailing
// slashes. Interior empty segments are preserved so Compile can reject them.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
