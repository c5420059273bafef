// Package globpat implements the small glob dialect used for source/key
// selection: literal text plus `*`, which matches any (possibly empty) run of
// characters. There are no character classes and no escaping; `?` and `[`
// are literals. A pattern always matches against the whole name.
package globpat

import "strings"

// Match reports whether name matches pattern.
func Match(pattern, name string) bool {
	// Fast paths.
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == name
	}

	parts := strings.Split(pattern, "*")

	// Anchor the first literal at the start.
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	name = name[len(parts[0]):]

	// Anchor the last literal at the end.
	last := parts[len(parts)-1]
	if !strings.HasSuffix(name, last) {
		return false
	}
	name = name[:len(name)-len(last)]

	// Middle literals match greedily left to right.
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		i := strings.Index(name, part)
		if i < 0 {
			return false
		}
		name = name[i+len(part):]
	}
	return true
}

// IsLiteral reports whether pattern contains no wildcard.
func IsLiteral(pattern string) bool {
	return !strings.Contains(pattern, "*")
}
