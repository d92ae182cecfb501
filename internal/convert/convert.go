// Package convert formats raw serial bytes for display and parses
// user-entered hex.
package convert

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrOddHex = errors.New("convert: odd number of hex digits")

const bytesPerLine = 16

// BytesToHex renders b as upper-case hex pairs, space separated when spaces
// is set.
func BytesToHex(b []byte, spaces bool) string {
	if len(b) == 0 {
		return ""
	}
	if !spaces {
		return strings.ToUpper(hex.EncodeToString(b))
	}
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", c)
	}
	return sb.String()
}

// HexToBytes parses hex text such as "AA 01 ff" or "0xAA,0x01". Whitespace,
// commas, colons, dashes and 0x prefixes are ignored.
func HexToBytes(s string) ([]byte, error) {
	clean := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '0' && i+1 < len(s) && (s[i+1] == 'x' || s[i+1] == 'X'):
			i++
		case c == ' ', c == '\t', c == '\r', c == '\n', c == ',', c == ':', c == '-':
		default:
			clean = append(clean, c)
		}
	}
	if len(clean)%2 != 0 {
		return nil, ErrOddHex
	}
	out := make([]byte, len(clean)/2)
	if _, err := hex.Decode(out, clean); err != nil {
		return nil, fmt.Errorf("convert: %w", err)
	}
	return out, nil
}

func printable(c byte) bool { return c >= 32 && c <= 126 }

// BytesToASCII converts b to text, replacing non-printable bytes with '.'
// when replace is set.
func BytesToASCII(b []byte, replace bool) string {
	if !replace {
		return string(b)
	}
	out := make([]byte, len(b))
	for i, c := range b {
		if printable(c) {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}

// HexDump formats b as 16-byte lines of "offset: hex  ascii".
func HexDump(b []byte) string {
	var sb strings.Builder
	for off := 0; off < len(b); off += bytesPerLine {
		line := b[off:min(off+bytesPerLine, len(b))]
		fmt.Fprintf(&sb, "%04x: ", off)
		for i := 0; i < bytesPerLine; i++ {
			if i < len(line) {
				fmt.Fprintf(&sb, "%02X ", line[i])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteByte(' ')
		sb.WriteString(BytesToASCII(line, true))
		sb.WriteByte('\n')
	}
	return sb.String()
}
