package protocol

import (
	"bytes"
	"encoding/binary"
	"math"
)

// fireWaterTail is the bit pattern of a quiet NaN. It only marks frame ends;
// it is never a channel value.
var fireWaterTail = []byte{0x00, 0x00, 0x80, 0x7F}

// FireWater frame layout:
//
//	[ch0 f32 LE][ch1 f32 LE]...[chN-1 f32 LE] 00 00 80 7F
//
// buf holds the current candidate frame: up to channels*4 data bytes followed
// by the partially matched tail. The decoder is in READ_DATA while
// len(buf) < dataLen and in VERIFY_TAIL after that.
type fireWater struct {
	channels int
	dataLen  int
	buf      []byte
}

func (f *fireWater) setChannels(n int) {
	f.channels = n
	f.dataLen = n * 4
	f.buf = make([]byte, 0, f.dataLen+len(fireWaterTail))
}

func (f *fireWater) reset() {
	f.buf = f.buf[:0]
}

// tailIndex is the number of tail bytes matched so far.
func (f *fireWater) tailIndex() int {
	if len(f.buf) <= f.dataLen {
		return 0
	}
	return len(f.buf) - f.dataLen
}

func (f *fireWater) decode(data []byte) Result {
	var res Result
	for i, b := range data {
		f.buf = append(f.buf, b)
		if len(f.buf) <= f.dataLen {
			continue
		}
		if !bytes.HasPrefix(fireWaterTail, f.buf[f.dataLen:]) {
			res.Err = ErrTailMismatch
			f.resync()
			continue
		}
		if f.tailIndex() < len(fireWaterTail) {
			continue
		}

		values := make([]float32, f.channels)
		for ch := range values {
			values[ch] = math.Float32frombits(binary.LittleEndian.Uint32(f.buf[ch*4:]))
		}
		f.reset()
		return Result{Success: true, Values: values, Consumed: i + 1}
	}
	res.Consumed = len(data)
	return res
}

// resync slides the candidate window forward one byte at a time until the
// bytes past the data window are again a prefix of the tail. The partially
// matched tail bytes and the offending byte stay in the window, so a single
// dropped byte costs one frame instead of a buffer's worth of data.
func (f *fireWater) resync() {
	for len(f.buf) > f.dataLen && !bytes.HasPrefix(fireWaterTail, f.buf[f.dataLen:]) {
		n := copy(f.buf, f.buf[1:])
		f.buf = f.buf[:n]
	}
}

// EncodeFireWater appends one FireWater frame carrying values to dst.
func EncodeFireWater(dst []byte, values ...float32) []byte {
	for _, v := range values {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return append(dst, fireWaterTail...)
}
