// Package normalize folds usernames and alias names into their canonical
// form: lowercase, NFD-decomposed with combining diacritical marks removed,
// and all whitespace stripped. "João Silva" and "joao silva" collide on
// purpose; this is a usability simplification, not a security boundary.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Identity canonicalizes a username or alias name. It is idempotent.
func Identity(s string) string {
	s = strings.ToLower(s)
	s = norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 0x0300 && r <= 0x036F {
			continue
		}
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
