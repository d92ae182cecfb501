package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// DataType identifies the wire encoding of a single channel value.
type DataType int

const (
	Float DataType = iota
	Int32
	Uint32
	Int16
	Uint16
	Int8
	Uint8
)

var dataTypeNames = [...]string{
	Float:  "float",
	Int32:  "int32",
	Uint32: "uint32",
	Int16:  "int16",
	Uint16: "uint16",
	Int8:   "int8",
	Uint8:  "uint8",
}

// Size returns the number of wire bytes for the type, or 0 if unknown.
func (t DataType) Size() int {
	switch t {
	case Float, Int32, Uint32:
		return 4
	case Int16, Uint16:
		return 2
	case Int8, Uint8:
		return 1
	default:
		return 0
	}
}

func (t DataType) String() string {
	if t < 0 || int(t) >= len(dataTypeNames) {
		return "unknown"
	}
	return dataTypeNames[t]
}

// ParseDataType accepts the names returned by String, plus the C spellings
// ("int16_t", "uint8_t") people tend to paste from firmware headers.
func ParseDataType(s string) (DataType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimSuffix(name, "_t")
	if name == "float32" || name == "f32" {
		name = "float"
	}
	for i, n := range dataTypeNames {
		if n == name {
			return DataType(i), nil
		}
	}
	return Float, fmt.Errorf("protocol: unknown data type %q", s)
}

func (t DataType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *DataType) UnmarshalText(text []byte) error {
	v, err := ParseDataType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// FrameSize returns the summed wire width of a channel type list.
func FrameSize(types []DataType) int {
	n := 0
	for _, t := range types {
		n += t.Size()
	}
	return n
}

// DecodeValue converts the leading t.Size() bytes of b (little-endian) to a
// float32. Integers are sign- or zero-extended per type; Float is a bit
// reinterpretation. Short input or an unknown type yields 0.
func DecodeValue(b []byte, t DataType) float32 {
	return DecodeValueOrder(b, t, binary.LittleEndian)
}

// DecodeValueOrder is DecodeValue with an explicit byte order.
func DecodeValueOrder(b []byte, t DataType, order binary.ByteOrder) float32 {
	if t.Size() == 0 || len(b) < t.Size() {
		return 0
	}
	switch t {
	case Float:
		return math.Float32frombits(order.Uint32(b))
	case Int32:
		return float32(int32(order.Uint32(b)))
	case Uint32:
		return float32(order.Uint32(b))
	case Int16:
		return float32(int16(order.Uint16(b)))
	case Uint16:
		return float32(order.Uint16(b))
	case Int8:
		return float32(int8(b[0]))
	case Uint8:
		return float32(b[0])
	}
	return 0
}

// EncodeValue is the inverse of DecodeValueOrder. Integer types truncate
// toward zero; out-of-range values wrap as a C cast would.
func EncodeValue(dst []byte, v float32, t DataType, order binary.AppendByteOrder) []byte {
	switch t {
	case Float:
		return order.AppendUint32(dst, math.Float32bits(v))
	case Int32:
		return order.AppendUint32(dst, uint32(int32(v)))
	case Uint32:
		return order.AppendUint32(dst, uint32(int64(v)))
	case Int16:
		return order.AppendUint16(dst, uint16(int16(v)))
	case Uint16:
		return order.AppendUint16(dst, uint16(int32(v)))
	case Int8:
		return append(dst, byte(int8(v)))
	case Uint8:
		return append(dst, byte(int32(v)))
	}
	return dst
}
