package traits

import (
	"strings"
	"unicode"
)

// Canonical normalizes a raw trait name into its registry key: strip a
// trailing "Trait", insert underscores at camel-case boundaries, and
// lower-case the result (spec.md §3 GLOSSARY). It is idempotent:
// Canonical(Canonical(name)) == Canonical(name).
func Canonical(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimSuffix(name, "Trait")
	name = strings.TrimSuffix(name, "_trait")
	name = strings.TrimSuffix(name, "trait")

	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if r == '-' || r == ' ' {
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteRune('_')
			}
			continue
		}
		if unicode.IsUpper(r) {
			prevLower := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if i > 0 && b.Len() > 0 && !strings.HasSuffix(b.String(), "_") && (prevLower || (nextLower && unicode.IsUpper(runes[i-1]))) {
				b.WriteRune('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}

	out := b.String()
	out = strings.Trim(out, "_")
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return out
}
