package chat

import (
	"strings"
	"unicode/utf8"
)

// maxTextBytes is the platform's cap on one message body. Oversized text is
// collapsed to its head and tail around a snip marker rather than rejected.
const (
	maxTextBytes = 4096
	snipMarker   = "\n[...snip...]\n"
)

func truncateText(s string) string {
	if len(s) <= maxTextBytes {
		return s
	}
	budget := maxTextBytes - len(snipMarker)
	headBytes := budget * 3 / 4
	tailBytes := budget - headBytes

	head := safeUTF8Prefix(s, headBytes)
	tail := safeUTF8Suffix(s, tailBytes)
	return strings.TrimRight(head, "\n") + snipMarker + strings.TrimLeft(tail, "\n")
}

// safeUTF8Prefix returns the longest prefix of at most maxBytes that does
// not split a rune.
func safeUTF8Prefix(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}

// safeUTF8Suffix returns the longest suffix of at most maxBytes that does
// not split a rune.
func safeUTF8Suffix(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	start := len(s) - maxBytes
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
