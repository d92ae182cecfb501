package protocol

import (
	"encoding/binary"
	"log"
)

// rawData cycles through a per-channel type list, taking exactly the width of
// the current channel's type before moving to the next. Both the partial
// value bytes and the values decoded so far survive between calls, so a frame
// split across chunks is still delivered whole.
type rawData struct {
	types   []DataType
	partial [4]byte
	n       int
	ch      int
	values  []float32
}

func (r *rawData) setTypes(types []DataType) {
	r.types = make([]DataType, 0, len(types))
	for _, t := range types {
		if t.Size() == 0 {
			log.Printf("[protocol] rawdata: unknown type %d, using float", t)
			t = Float
		}
		r.types = append(r.types, t)
	}
	if len(r.types) > MaxChannels {
		r.types = r.types[:MaxChannels]
	}
	r.reset()
}

func (r *rawData) reset() {
	r.n = 0
	r.ch = 0
	r.values = make([]float32, 0, len(r.types))
}

func (r *rawData) decode(data []byte) Result {
	if len(r.types) == 0 {
		return Result{Err: ErrNoChannelTypes}
	}
	for i, b := range data {
		t := r.types[r.ch]
		r.partial[r.n] = b
		r.n++
		if r.n < t.Size() {
			continue
		}
		r.values = append(r.values, DecodeValue(r.partial[:r.n], t))
		r.n = 0
		r.ch++
		if r.ch == len(r.types) {
			values := r.values
			r.reset()
			return Result{Success: true, Values: values, Consumed: i + 1}
		}
	}
	return Result{Consumed: len(data)}
}

// EncodeRawData appends one RawData frame; len(values) must match len(types).
func EncodeRawData(dst []byte, types []DataType, values ...float32) []byte {
	for i, t := range types {
		if i >= len(values) {
			break
		}
		dst = EncodeValue(dst, values[i], t, binary.LittleEndian)
	}
	return dst
}
