package extract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// scanField finds `"key"` followed by a colon and a quoted value and returns
// the decoded value. Every occurrence of the key is tried in order.
func scanField(text, key string) (string, bool) {
	needle := `"` + key + `"`
	for offset := 0; offset < len(text); {
		i := strings.Index(text[offset:], needle)
		if i < 0 {
			return "", false
		}
		pos := offset + i + len(needle)
		offset = pos
		if v, ok := valueAt(text, pos); ok {
			return v, true
		}
	}
	return "", false
}

// valueAt reads `: "value"` starting at pos.
func valueAt(text string, pos int) (string, bool) {
	pos = skipSpace(text, pos)
	if pos >= len(text) || text[pos] != ':' {
		return "", false
	}
	pos = skipSpace(text, pos+1)
	if pos >= len(text) || text[pos] != '"' {
		return "", false
	}
	start := pos + 1
	escaped := false
	for i := start; i < len(text); i++ {
		switch c := text[i]; {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			return unescape(text[start:i]), true
		}
	}
	// Unterminated value, usually a truncated reply.
	return "", false
}

func skipSpace(text string, pos int) int {
	for pos < len(text) && (text[pos] == ' ' || text[pos] == '\t' || text[pos] == '\n' || text[pos] == '\r') {
		pos++
	}
	return pos
}

// unescape decodes a JSON string body. Raw control characters are escaped
// first; a body with invalid escapes falls back to a best-effort decode.
func unescape(body string) string {
	var b strings.Builder
	b.Grow(len(body) + 2)
	b.WriteByte('"')
	for _, r := range body {
		if r < 0x20 {
			fmt.Fprintf(&b, `\u%04x`, r)
			continue
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')

	var out string
	if err := json.Unmarshal([]byte(b.String()), &out); err == nil {
		return out
	}
	return lenientUnescape(body)
}

func lenientUnescape(body string) string {
	var b strings.Builder
	runes := []rune(body)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '\\' || i+1 >= len(runes) {
			b.WriteRune(r)
			continue
		}
		i++
		switch runes[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '"', '\\', '/':
			b.WriteRune(runes[i])
		case 'u':
			if i+4 < len(runes) {
				code, err := strconv.ParseUint(string(runes[i+1:i+5]), 16, 32)
				if err == nil && unicode.IsPrint(rune(code)) {
					b.WriteRune(rune(code))
					i += 4
					continue
				}
			}
			b.WriteString(`\u`)
		default:
			// Unknown escape: keep both characters.
			b.WriteByte('\\')
			b.WriteRune(runes[i])
		}
	}
	return b.String()
}
