package utils

import "strings"

// Route is a parsed "METHOD /path/:param" pattern. The method may be "*" or
// omitted to match any method. Path segments may be literals, ":name"
// parameters matching one segment, "*" matching one segment, or a trailing
// "*" matching the rest of the path.
type Route struct {
	Pattern  string
	method   string
	segments []string
}

// ParseRoute splits pattern into method and segments.
func ParseRoute(pattern string) Route {
	r := Route{Pattern: pattern, method: "*"}
	p := strings.TrimSpace(pattern)
	if m, rest, ok := strings.Cut(p, " "); ok {
		r.method = strings.ToUpper(m)
		p = strings.TrimSpace(rest)
	}
	r.segments = splitPath(p)
	return r
}

// Match reports whether method and path satisfy the route and returns the
// captured parameters.
func (r Route) Match(method, path string) (map[string]string, bool) {
	if r.method != "*" && !strings.EqualFold(r.method, method) {
		return nil, false
	}
	vals := splitPath(path)
	var params map[string]string
	for i, seg := range r.segments {
		if seg == "*" && i == len(r.segments)-1 {
			return params, len(vals) >= i
		}
		if i >= len(vals) {
			return nil, false
		}
		switch {
		case seg == "*":
		case strings.HasPrefix(seg, ":"):
			if vals[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[seg[1:]] = vals[i]
		case seg != vals[i]:
			return nil, false
		}
	}
	if len(vals) != len(r.segments) {
		return nil, false
	}
	return params, true
}

// Specificity ranks routes so literal segments beat parameters and
// wildcards. Higher is more specific.
func (r Route) Specificity() int {
	score := 0
	for _, seg := range r.segments {
		switch {
		case seg == "*":
		case strings.HasPrefix(seg, ":"):
			score += 2
		default:
			score += 3
		}
	}
	if r.method != "*" {
		score++
	}
	return score
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
