package pacer

import (
	"net/url"
	"strings"
)

// urlPatterns selects the requests a Transport paces. Patterns are matched
// against host + path, so scheme and query are ignored:
//   - "target.internal/*" covers every path on that host
//   - "target.internal/v1/orders/*" covers only the orders endpoints
//   - "target.internal/v1/health" covers that path alone
//
// An empty set covers every request.
type urlPatterns []string

func (ps urlPatterns) match(u *url.URL) bool {
	if len(ps) == 0 {
		return true
	}
	hostPath := strings.TrimRight(u.Host+u.Path, "/")
	for _, p := range ps {
		if globMatch(strings.TrimRight(p, "/"), hostPath) {
			return true
		}
	}
	return false
}

// globMatch treats a trailing "/*" as "this prefix and everything under it";
// any other "*" matches a run of characters, including none.
func globMatch(pattern, value string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		if value == prefix || strings.HasPrefix(value, prefix+"/") {
			return true
		}
	}

	// Iterative wildcard match, backtracking to the most recent star.
	p, v := 0, 0
	star, mark := -1, 0
	for v < len(value) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, v
			p++
		case p < len(pattern) && pattern[p] == value[v]:
			p++
			v++
		case star >= 0:
			p = star + 1
			mark++
			v = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
