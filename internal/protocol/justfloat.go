package protocol

import (
	"encoding/binary"
	"math"
)

// justFloat reads an unframed stream of little-endian float32 values and
// groups them channels at a time. Up to three bytes of an incomplete float
// carry over between calls; decoded floats do not.
type justFloat struct {
	channels int
	partial  [4]byte
	n        int
}

func (j *justFloat) reset() {
	j.n = 0
}

func (j *justFloat) decode(data []byte) Result {
	var values []float32
	for i, b := range data {
		j.partial[j.n] = b
		j.n++
		if j.n < len(j.partial) {
			continue
		}
		j.n = 0
		if values == nil {
			values = make([]float32, 0, j.channels)
		}
		values = append(values, math.Float32frombits(binary.LittleEndian.Uint32(j.partial[:])))
		if len(values) >= j.channels {
			return Result{Success: true, Values: values, Consumed: i + 1}
		}
	}
	// A short frame still counts as progress; the next call starts a new one.
	return Result{Success: len(values) > 0, Values: values, Consumed: len(data)}
}

// EncodeJustFloat appends values as raw little-endian floats.
func EncodeJustFloat(dst []byte, values ...float32) []byte {
	for _, v := range values {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}
