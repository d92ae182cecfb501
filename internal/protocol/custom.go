package protocol

import (
	"encoding/binary"
)

// CustomConfig describes a user-defined binary frame:
//
//	[Header...][field0][field1]...[checksum?][Tail...]
//
// An empty Header starts reading data immediately; an empty Tail emits the
// frame as soon as the data (and checksum) is in. When UseChecksum is set a
// single byte holding the 8-bit sum of the data bytes follows the data.
type CustomConfig struct {
	Header      []byte
	Tail        []byte
	Types       []DataType
	BigEndian   bool
	UseChecksum bool
}

// DefaultCustomConfig mirrors a FireWater-like layout: 0xAA, four floats, 0x7F.
func DefaultCustomConfig() CustomConfig {
	return CustomConfig{
		Header: []byte{0xAA},
		Tail:   []byte{0x7F},
		Types:  repeatType(Float, defaultBinaryChannels),
	}
}

func (c CustomConfig) clone() CustomConfig {
	c.Header = append([]byte(nil), c.Header...)
	c.Tail = append([]byte(nil), c.Tail...)
	c.Types = append([]DataType(nil), c.Types...)
	return c
}

func (c CustomConfig) byteOrder() binary.ByteOrder {
	if c.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

type phase int

const (
	phaseSearchHeader phase = iota
	phaseReadData
	phaseChecksum
	phaseVerifyTail
)

type custom struct {
	cfg       CustomConfig
	phase     phase
	headerIdx int
	tailIdx   int
	data      []byte
	dataIdx   int
}

func (c *custom) setConfig(cfg CustomConfig) {
	cfg = cfg.clone()
	for i, t := range cfg.Types {
		if t.Size() == 0 {
			cfg.Types[i] = Float
		}
	}
	if len(cfg.Types) > MaxChannels {
		cfg.Types = cfg.Types[:MaxChannels]
	}
	c.cfg = cfg
	c.data = make([]byte, FrameSize(cfg.Types))
	c.reset()
}

func (c *custom) reset() {
	c.headerIdx = 0
	c.tailIdx = 0
	c.dataIdx = 0
	if len(c.cfg.Header) == 0 {
		c.phase = phaseReadData
	} else {
		c.phase = phaseSearchHeader
	}
}

func (c *custom) decode(data []byte) Result {
	if len(c.cfg.Types) == 0 {
		return Result{Err: ErrNoChannelTypes}
	}
	var res Result
	for i, b := range data {
		switch c.phase {
		case phaseSearchHeader:
			c.matchHeader(b)

		case phaseReadData:
			c.data[c.dataIdx] = b
			c.dataIdx++
			if c.dataIdx < len(c.data) {
				continue
			}
			if c.cfg.UseChecksum {
				c.phase = phaseChecksum
				continue
			}
			if len(c.cfg.Tail) == 0 {
				return c.emit(i + 1)
			}
			c.phase = phaseVerifyTail
			c.tailIdx = 0

		case phaseChecksum:
			if b != sum8(c.data) {
				res.Err = ErrChecksumMismatch
				c.restart(b)
				continue
			}
			if len(c.cfg.Tail) == 0 {
				return c.emit(i + 1)
			}
			c.phase = phaseVerifyTail
			c.tailIdx = 0

		case phaseVerifyTail:
			if b != c.cfg.Tail[c.tailIdx] {
				res.Err = ErrTailMismatch
				c.restart(b)
				continue
			}
			c.tailIdx++
			if c.tailIdx == len(c.cfg.Tail) {
				return c.emit(i + 1)
			}
		}
	}
	res.Consumed = len(data)
	return res
}

// matchHeader advances the header match. On a mismatch the byte may still
// open a new header, so matching resumes at index 1 when it equals Header[0].
func (c *custom) matchHeader(b byte) {
	h := c.cfg.Header
	if b == h[c.headerIdx] {
		c.headerIdx++
	} else if b == h[0] {
		c.headerIdx = 1
	} else {
		c.headerIdx = 0
	}
	if c.headerIdx == len(h) {
		c.headerIdx = 0
		c.dataIdx = 0
		c.phase = phaseReadData
	}
}

// restart abandons the current frame after a bad checksum or tail. The
// offending byte is offered to the header matcher.
func (c *custom) restart(b byte) {
	c.reset()
	if c.phase == phaseSearchHeader {
		c.matchHeader(b)
	}
}

func (c *custom) emit(consumed int) Result {
	order := c.cfg.byteOrder()
	values := make([]float32, 0, len(c.cfg.Types))
	off := 0
	for _, t := range c.cfg.Types {
		size := t.Size()
		values = append(values, DecodeValueOrder(c.data[off:off+size], t, order))
		off += size
	}
	c.reset()
	return Result{Success: true, Values: values, Consumed: consumed}
}

func sum8(b []byte) byte {
	var s byte
	for _, v := range b {
		s += v
	}
	return s
}

// EncodeCustom appends one frame in cfg's layout.
func EncodeCustom(dst []byte, cfg CustomConfig, values ...float32) []byte {
	dst = append(dst, cfg.Header...)
	start := len(dst)
	var order binary.AppendByteOrder = binary.LittleEndian
	if cfg.BigEndian {
		order = binary.BigEndian
	}
	for i, t := range cfg.Types {
		var v float32
		if i < len(values) {
			v = values[i]
		}
		dst = EncodeValue(dst, v, t, order)
	}
	if cfg.UseChecksum {
		dst = append(dst, sum8(dst[start:]))
	}
	return append(dst, cfg.Tail...)
}
