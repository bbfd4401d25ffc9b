// Package escape implements the string escaping demanded by the
// canonical event serialization: exactly `"`, `\` and the control
// characters are escaped, nothing else. Host language JSON encoders
// escape more (HTML, unicode normal forms) and would change the hash.
package escape

// String appends s to dst as a JSON string escaped per RFC8259 with
// the minimal rule set and returns the extended buffer.
func String(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			dst = append(dst, '\\', '"')
		case c == '\\':
			dst = append(dst, '\\', '\\')
		case c >= 0x20:
			dst = append(dst, c)
		case c == '\b':
			dst = append(dst, '\\', 'b')
		case c == '\t':
			dst = append(dst, '\\', 't')
		case c == '\n':
			dst = append(dst, '\\', 'n')
		case c == '\f':
			dst = append(dst, '\\', 'f')
		case c == '\r':
			dst = append(dst, '\\', 'r')
		default:
			dst = append(dst, '\\', 'u', '0', '0',
				hexdigit(c>>4), hexdigit(c&0xf))
		}
	}
	return append(dst, '"')
}

func hexdigit(c byte) byte {
	if c < 10 {
		return '0' + c
	}
	return 'a' + c - 10
}
