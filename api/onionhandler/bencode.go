package onionhandler

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

var errBencode = errors.New("invalid bencoded list")

// encodeList bencodes parts as a list of byte strings: l<len>:<part>...e
func encodeList(parts ...[]byte) []byte {
	size := 2
	for _, p := range parts {
		size += len(p) + 12
	}

	out := make([]byte, 0, size)
	out = append(out, 'l')
	for _, p := range parts {
		out = strconv.AppendInt(out, int64(len(p)), 10)
		out = append(out, ':')
		out = append(out, p...)
	}
	return append(out, 'e')
}

// decodeList parses a bencoded list of byte strings. Integers, dicts and
// nested lists are not accepted, nor is trailing data.
func decodeList(data []byte) ([][]byte, error) {
	if len(data) < 2 || data[0] != 'l' {
		return nil, fmt.Errorf("%w: missing list prefix", errBencode)
	}

	var parts [][]byte
	rest := data[1:]
	for {
		if len(rest) == 0 {
			return nil, fmt.Errorf("%w: unterminated list", errBencode)
		}
		if rest[0] == 'e' {
			if len(rest) != 1 {
				return nil, fmt.Errorf("%w: trailing data", errBencode)
			}
			return parts, nil
		}

		colon := bytes.IndexByte(rest, ':')
		if colon <= 0 || colon > 10 {
			return nil, fmt.Errorf("%w: bad string length", errBencode)
		}
		digits := rest[:colon]
		if len(digits) > 1 && digits[0] == '0' {
			return nil, fmt.Errorf("%w: leading zero in length", errBencode)
		}
		n, err := strconv.ParseUint(string(digits), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad string length", errBencode)
		}

		rest = rest[colon+1:]
		if n > uint64(len(rest)) {
			return nil, fmt.Errorf("%w: string exceeds input", errBencode)
		}
		parts = append(parts, rest[:n])
		rest = rest[n:]
	}
}
