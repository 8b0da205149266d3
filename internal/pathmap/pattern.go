package pathmap

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidPattern = errors.New("invalid path pattern")

var catchAllRe = regexp.MustCompile(`^\{\*\*([A-Za-z0-9_-]+)\}$`)

// Pattern is a literal path prefix optionally ending in a {**name} catch-all segment.
// Without a catch-all the pattern matches its literal path exactly.
type Pattern struct {
	raw      string
	literal  string
	catchAll string
}

// ParsePattern parses a match or rewrite pattern
func ParsePattern(s string) (Pattern, error) {
	if !strings.HasPrefix(s, "/") {
		return Pattern{}, fmt.Errorf("%w: %q must start with /", ErrInvalidPattern, s)
	}
	literal, name := s, ""
	if i := strings.LastIndex(s, "/"); i >= 0 {
		if m := catchAllRe.FindStringSubmatch(s[i+1:]); m != nil {
			literal, name = s[:i+1], m[1]
		}
	}
	if strings.ContainsAny(literal, "{}") {
		return Pattern{}, fmt.Errorf("%w: %q: only a trailing {**name} segment is supported", ErrInvalidPattern, s)
	}
	return Pattern{raw: s, literal: literal, catchAll: name}, nil
}

func (p Pattern) String() string { return p.raw }

// Literal is the fixed part of the pattern; with a catch-all it ends in "/".
func (p Pattern) Literal() string { return p.literal }

// CatchAll names the trailing catch-all segment, empty when there is none.
func (p Pattern) CatchAll() string { return p.catchAll }

// Match reports whether path matches and returns the part captured by the catch-all.
// A catch-all pattern also matches its literal without the trailing slash.
func (p Pattern) Match(path string) (string, bool) {
	if p.catchAll == "" {
		return "", path == p.literal
	}
	if strings.HasPrefix(path, p.literal) {
		return path[len(p.literal):], true
	}
	if path == strings.TrimSuffix(p.literal, "/") {
		return "", true
	}
	return "", false
}

// Expand substitutes captured into the pattern's catch-all
func (p Pattern) Expand(captured string) string {
	if p.catchAll == "" {
		return p.literal
	}
	return p.literal + captured
}
