package textproc

import "strings"

// IsGlob reports whether s contains glob metacharacters.
func IsGlob(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// GlobMatch matches a mailbox path against pattern. '*' matches within one
// path component, '**' matches across components, '?' matches one character
// and [...] a character class. Components are separated by '/' or '.'
// depending on which the pattern uses.
func GlobMatch(pattern, name string) bool {
	sep := byte('/')
	if !strings.Contains(pattern, "/") && strings.Contains(pattern, ".") && !strings.Contains(name, "/") {
		sep = '.'
	}
	return match([]rune(pattern), []rune(name), rune(sep))
}

func match(p, s []rune, sep rune) bool {
	for len(p) > 0 {
		switch p[0] {
		case '*':
			if len(p) > 1 && p[1] == '*' {
				rest := p[2:]
				for i := 0; i <= len(s); i++ {
					if match(rest, s[i:], sep) {
						return true
					}
				}
				return false
			}
			rest := p[1:]
			for i := 0; i <= len(s); i++ {
				if match(rest, s[i:], sep) {
					return true
				}
				if i < len(s) && s[i] == sep {
					return false
				}
			}
			return false
		case '?':
			if len(s) == 0 || s[0] == sep {
				return false
			}
			p, s = p[1:], s[1:]
		case '[':
			if len(s) == 0 {
				return false
			}
			end := classEnd(p)
			if end < 0 {
				// Unterminated class: treat '[' literally.
				if s[0] != '[' {
					return false
				}
				p, s = p[1:], s[1:]
				continue
			}
			if !inClass(p[1:end], s[0]) {
				return false
			}
			p, s = p[end+1:], s[1:]
		default:
			if len(s) == 0 || s[0] != p[0] {
				return false
			}
			p, s = p[1:], s[1:]
		}
	}
	return len(s) == 0
}

func classEnd(p []rune) int {
	for i := 2; i < len(p); i++ {
		if p[i] == ']' {
			return i
		}
	}
	return -1
}

func inClass(class []rune, r rune) bool {
	negate := false
	if len(class) > 0 && (class[0] == '!' || class[0] == '^') {
		negate = true
		class = class[1:]
	}
	found := false
	for i := 0; i < len(class); i++ {
		if i+2 < len(class) && class[i+1] == '-' {
			if class[i] <= r && r <= class[i+2] {
				found = true
			}
			i += 2
			continue
		}
		if class[i] == r {
			found = true
		}
	}
	return found != negate
}
