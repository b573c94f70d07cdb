package capture

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const fallbackName = "source"

// SanitizeName turns a human-readable source name into a safe directory name.
// Accents are folded where possible ("Écran" becomes "Ecran"), any remaining
// non-ASCII or path-unsafe rune becomes '_', and when the input contained
// non-ASCII runes the last four digits of a hash of the original name are
// appended so distinct names stay distinct after folding.
func SanitizeName(name string) string {
	hasNonASCII := false
	for _, r := range name {
		if r > unicode.MaxASCII {
			hasNonASCII = true
			break
		}
	}

	folded := name
	if hasNonASCII {
		t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
		if s, _, err := transform.String(t, name); err == nil {
			folded = s
		}
	}

	var b strings.Builder
	b.Grow(len(folded) + 5)
	for _, r := range folded {
		if isSafeRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}

	out := b.String()
	if strings.Trim(out, ".") == "" {
		out = fallbackName
	}
	if hasNonASCII {
		out += "_" + hashSuffix(name)
	}
	return out
}

func isSafeRune(r rune) bool {
	if r > unicode.MaxASCII || unicode.IsControl(r) {
		return false
	}
	return !strings.ContainsRune(`/\:*?"<>|`, r)
}

func hashSuffix(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return fmt.Sprintf("%04d", h.Sum32()%10000)
}
