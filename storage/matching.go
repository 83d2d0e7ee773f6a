package storage

import (
	"fmt"
	"strings"
)

// MatchingStrategy defines how KEYS applies a pattern other than "*"
type MatchingStrategy int

const (
	// MatchSubstring keeps keys that contain the pattern as a substring
	MatchSubstring MatchingStrategy = iota
	// MatchGlob applies Redis glob rules: * ? [abc] [^a] [a-z] and \ escapes
	MatchGlob
)

// String returns the strategy name as used in configuration
func (m MatchingStrategy) String() string {
	if m == MatchGlob {
		return "glob"
	}
	return "substring"
}

// ParseMatchingStrategy parses "substring" or "glob"
func ParseMatchingStrategy(s string) (MatchingStrategy, error) {
	switch strings.ToLower(s) {
	case "", "substring":
		return MatchSubstring, nil
	case "glob":
		return MatchGlob, nil
	}
	return MatchSubstring, fmt.Errorf("unknown keys matching strategy %q", s)
}

// Match reports whether key matches pattern under the strategy
func (m MatchingStrategy) Match(key, pattern string) bool {
	if m == MatchGlob {
		return matchGlob(key, pattern)
	}
	return strings.Contains(key, pattern)
}

// matchGlob matches with memoized backtracking over (key, pattern) positions
func matchGlob(str, pattern string) bool {
	memo := make(map[[2]int]bool)
	var match func(si, pi int) bool
	match = func(si, pi int) bool {
		k := [2]int{si, pi}
		if r, ok := memo[k]; ok {
			return r
		}

		var result bool
		switch {
		case pi == len(pattern):
			result = si == len(str)
		case pattern[pi] == '*':
			result = match(si, pi+1) || (si < len(str) && match(si+1, pi))
		case si == len(str):
			result = false
		case pattern[pi] == '?':
			result = match(si+1, pi+1)
		case pattern[pi] == '[':
			if ok, next := matchClass(str[si], pattern, pi); next > 0 {
				result = ok && match(si+1, next)
			} else {
				// unterminated class matches a literal '['
				result = str[si] == '[' && match(si+1, pi+1)
			}
		case pattern[pi] == '\\' && pi+1 < len(pattern):
			result = str[si] == pattern[pi+1] && match(si+1, pi+2)
		default:
			result = str[si] == pattern[pi] && match(si+1, pi+1)
		}

		memo[k] = result
		return result
	}
	return match(0, 0)
}

// matchClass tests c against the bracket class starting at pattern[start].
// next is the index just past the closing ']', or 0 when there is none.
func matchClass(c byte, pattern string, start int) (ok bool, next int) {
	i := start + 1
	negate := i < len(pattern) && pattern[i] == '^'
	if negate {
		i++
	}

	matched := false
	for first := true; i < len(pattern); first = false {
		if pattern[i] == ']' && !first {
			if negate {
				matched = !matched
			}
			return matched, i + 1
		}

		lo := pattern[i]
		if lo == '\\' && i+1 < len(pattern) {
			i++
			lo = pattern[i]
		}
		if i+2 < len(pattern) && pattern[i+1] == '-' && pattern[i+2] != ']' {
			hi := pattern[i+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			if c >= lo && c <= hi {
				matched = true
			}
			i += 3
			continue
		}
		if c == lo {
			matched = true
		}
		i++
	}
	return false, 0
}
