package router

import (
	"strings"

	"github.com/mattjoyce/conduit/internal/status"
)

// WildcardParam is the parameter name used by a bare trailing "*".
const WildcardParam = "*"

type segmentKind int

const (
	segLiteral segmentKind = iota
	segParam
	segWildcard
)

type segment struct {
	kind  segmentKind
	value string // literal text or parameter name
}

type pattern struct {
	raw      string
	segments []segment
	names    []string
}

// splitPath breaks a path into its non-empty segments, so "/a//b/" and "a/b"
// are the same path.
func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parsePattern validates and compiles a route pattern. Supported segments are
// literals, ":name" single-segment captures, and a trailing "*" or "*name"
// capturing the remainder of the path.
func parsePattern(raw string) (*pattern, error) {
	if !strings.HasPrefix(raw, "/") {
		return nil, status.BadRequest("invalid pattern %q: must start with /", raw)
	}

	parts := splitPath(raw)
	p := &pattern{raw: raw, segments: make([]segment, 0, len(parts))}
	seen := make(map[string]bool, len(parts))

	for i, part := range parts {
		switch {
		case strings.HasPrefix(part, ":"):
			name := part[1:]
			if name == "" {
				return nil, status.BadRequest("invalid pattern %q: empty parameter name", raw)
			}
			if seen[name] {
				return nil, status.BadRequest("invalid pattern %q: duplicate parameter %q", raw, name)
			}
			seen[name] = true
			p.segments = append(p.segments, segment{kind: segParam, value: name})
			p.names = append(p.names, name)

		case strings.HasPrefix(part, "*"):
			if i != len(parts)-1 {
				return nil, status.BadRequest("invalid pattern %q: wildcard must be the last segment", raw)
			}
			name := part[1:]
			if name == "" {
				name = WildcardParam
			}
			if seen[name] {
				return nil, status.BadRequest("invalid pattern %q: duplicate parameter %q", raw, name)
			}
			seen[name] = true
			p.segments = append(p.segments, segment{kind: segWildcard, value: name})
			p.names = append(p.names, name)

		default:
			p.segments = append(p.segments, segment{kind: segLiteral, value: part})
		}
	}

	return p, nil
}

func (p *pattern) hasWildcard() bool {
	n := len(p.segments)
	return n > 0 && p.segments[n-1].kind == segWildcard
}

// match tests path against the pattern. With prefix set, the pattern only has
// to match the leading segments and the unmatched remainder is returned as a
// rooted path.
func (p *pattern) match(path string, prefix bool) (Params, string, bool) {
	parts := splitPath(path)
	params := make(Params, len(p.names))

	for i, seg := range p.segments {
		if seg.kind == segWildcard {
			params[seg.value] = strings.Join(parts[i:], "/")
			return params, "/", true
		}
		if i >= len(parts) {
			return nil, "", false
		}
		switch seg.kind {
		case segLiteral:
			if parts[i] != seg.value {
				return nil, "", false
			}
		case segParam:
			params[seg.value] = parts[i]
		}
	}

	rest := parts[len(p.segments):]
	if !prefix {
		if len(rest) != 0 {
			return nil, "", false
		}
		return params, "/", true
	}
	return params, "/" + strings.Join(rest, "/"), true
}
