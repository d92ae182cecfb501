package protocol

import (
	"bytes"
	"strconv"
	"strings"
)

// maxLineLength bounds the line buffer; longer lines are discarded.
const maxLineLength = 4096

// csvLine accumulates text until '\n' and parses comma-separated floats.
type csvLine struct {
	channels int
	line     []byte
}

func (c *csvLine) reset() {
	c.line = c.line[:0]
}

func (c *csvLine) decode(data []byte) Result {
	for i, b := range data {
		if b != '\n' {
			c.line = append(c.line, b)
			if len(c.line) > maxLineLength {
				c.reset()
			}
			continue
		}

		values := parseCSVLine(bytes.TrimSuffix(c.line, []byte{'\r'}))
		c.reset()
		if len(values) > 0 {
			return Result{Success: true, Values: values, Consumed: i + 1}
		}
	}
	return Result{Consumed: len(data)}
}

// parseCSVLine returns every token that parses as a float. Anything else,
// including empty fields, is skipped.
func parseCSVLine(line []byte) []float32 {
	if len(line) == 0 {
		return nil
	}
	var values []float32
	for _, tok := range strings.Split(string(line), ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		v, err := strconv.ParseFloat(tok, 32)
		if err != nil {
			continue
		}
		values = append(values, float32(v))
	}
	return values
}

// EncodeCSV formats values as one CSV line terminated by "\r\n".
func EncodeCSV(dst []byte, values ...float32) []byte {
	for i, v := range values {
		if i > 0 {
			dst = append(dst, ',', ' ')
		}
		dst = strconv.AppendFloat(dst, float64(v), 'f', -1, 32)
	}
	return append(dst, '\r', '\n')
}
