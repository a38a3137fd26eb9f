package dispatcher

import "fmt"

// EncodeHex renders the low 4*digits bits of v as lowercase hex,
// most significant digit first.
func EncodeHex(v uint32, digits int) []byte {
	out := make([]byte, digits)
	for i := digits - 1; i >= 0; i-- {
		out[i] = "0123456789abcdef"[v&0xf]
		v >>= 4
	}
	return out
}

// DecodeHex parses up to 8 hex digits in either case.
func DecodeHex(field []byte) (uint32, error) {
	if len(field) == 0 || len(field) > 8 {
		return 0, fmt.Errorf("hex field of %d digits", len(field))
	}
	var v uint32
	for _, c := range field {
		var d byte
		switch {
		case c >= '0' && c <= '9':
			d = c - '0'
		case c >= 'a' && c <= 'f':
			d = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			d = c - 'A' + 10
		default:
			return 0, fmt.Errorf("invalid hex digit %q", c)
		}
		v = v<<4 | uint32(d)
	}
	return v, nil
}
