package message

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Scrub replaces invalid UTF-8 sequences with a deterministic hex
// placeholder so text from badly-encoded messages is safe to match and
// display. Each maximal run of invalid bytes becomes "<hex>", e.g.
// "\xff\xfe" → "<fffe>". The replacement is lossless: the offending
// bytes are recoverable from the placeholder.
func Scrub(s string) string {
	if utf8.ValidString(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r != utf8.RuneError || size != 1 {
			b.WriteString(s[i : i+size])
			i += size
			continue
		}
		// Collect the whole invalid run into one placeholder.
		j := i + 1
		for j < len(s) {
			r2, size2 := utf8.DecodeRuneInString(s[j:])
			if r2 != utf8.RuneError || size2 != 1 {
				break
			}
			j++
		}
		fmt.Fprintf(&b, "<%x>", s[i:j])
		i = j
	}
	return b.String()
}
