package names

import (
	"fmt"
	"strings"
)

// Escape encodes s so that it is safe to use as a single path component or
// as an argument to external tools: path separators, control bytes, '%',
// and a leading '-' or '.' are replaced by "%XX" (uppercase hex of the
// byte). The encoding is deterministic and reversible via Unescape, and the
// result never collides with the encoding of a different input.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%' || c == '/' || c < 0x20 || c == 0x7f:
			fmt.Fprintf(&b, "%%%02X", c)
		case i == 0 && (c == '-' || c == '.'):
			// A leading '-' reads as a flag to external tools; "." and
			// ".." are special path components.
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Unescape reverses Escape. It fails on truncated or malformed "%XX"
// sequences.
func Unescape(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+3 > len(s) {
			return "", fmt.Errorf("truncated escape sequence at offset %d in %q", i, s)
		}
		hi, okHi := hexVal(s[i+1])
		lo, okLo := hexVal(s[i+2])
		if !okHi || !okLo {
			return "", fmt.Errorf("malformed escape sequence at offset %d in %q", i, s)
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

// EscapeNarrow encodes s for name fields with narrower alphabets than
// filenames, such as container names. Output uses only ASCII letters,
// digits, '_', '-' and '.', with '.' as the escape character: any other
// byte, and '.' itself, becomes ".XX". Reversible via UnescapeNarrow.
func EscapeNarrow(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, ".%02X", c)
		}
	}
	return b.String()
}

// UnescapeNarrow reverses EscapeNarrow.
func UnescapeNarrow(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '.' {
			b.WriteByte(c)
			continue
		}
		if i+3 > len(s) {
			return "", fmt.Errorf("truncated escape sequence at offset %d in %q", i, s)
		}
		hi, okHi := hexVal(s[i+1])
		lo, okLo := hexVal(s[i+2])
		if !okHi || !okLo {
			return "", fmt.Errorf("malformed escape sequence at offset %d in %q", i, s)
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// UnescapeEnvironmentName decodes an escaped environment name, for example
// a directory entry under the environments root, and validates the result.
func UnescapeEnvironmentName(s string) (EnvironmentName, error) {
	raw, err := Unescape(s)
	if err != nil {
		return EnvironmentName{}, err
	}
	return NewEnvironmentName(raw)
}
