// Package patch implements RFC 6902 JSON patch diff/apply, content
// checksums, reverse-patch derivation, and operational transformation of
// concurrent patches over JSON values.
package patch

import "strings"

// Segments splits an RFC 6901 JSON pointer into its unescaped tokens.
// "" and "/" both yield an empty segment slice (root).
func Segments(pointer string) []string {
	if pointer == "" || pointer == "/" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = unescapeToken(p)
	}
	return out
}

// JoinPointer rebuilds an RFC 6901 pointer from unescaped tokens.
func JoinPointer(segments []string) string {
	if len(segments) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(escapeToken(s))
	}
	return b.String()
}

// unescapeToken reverses RFC 6901 escaping. "~1" must be unescaped to "/"
// before "~0" is unescaped to "~", or a literal "~01" would wrongly become "/".
func unescapeToken(tok string) string {
	tok = strings.ReplaceAll(tok, "~1", "/")
	tok = strings.ReplaceAll(tok, "~0", "~")
	return tok
}

// escapeToken applies RFC 6901 escaping in the opposite order: "~" first,
// then "/".
func escapeToken(tok string) string {
	tok = strings.ReplaceAll(tok, "~", "~0")
	tok = strings.ReplaceAll(tok, "/", "~1")
	return tok
}
