package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain feeds data to d repeatedly, the way a caller looping on Consumed
// would, and returns every completed frame.
func drain(d *Decoder, data []byte) [][]float32 {
	var frames [][]float32
	for len(data) > 0 {
		res := d.Decode(data)
		if res.Success {
			frames = append(frames, res.Values)
		}
		if res.Consumed == 0 {
			break
		}
		data = data[res.Consumed:]
	}
	return frames
}

// byteByByte feeds one byte per call and collects completed frames.
func byteByByte(d *Decoder, data []byte) [][]float32 {
	var frames [][]float32
	for i := range data {
		if res := d.Decode(data[i : i+1]); res.Success {
			frames = append(frames, res.Values)
		}
	}
	return frames
}

func TestFireWaterRoundTrip(t *testing.T) {
	d := NewFireWater(2)
	frame := EncodeFireWater(nil, 1.0, 2.0)
	require.Len(t, frame, 12)

	res := d.Decode(frame)
	require.True(t, res.Success)
	assert.Equal(t, []float32{1.0, 2.0}, res.Values)
	assert.Equal(t, 12, res.Consumed)
	assert.NoError(t, res.Err)
}

func TestFireWaterSplitAcrossChunks(t *testing.T) {
	d := NewFireWater(3)
	frame := EncodeFireWater(nil, -1.5, 0, 42)

	res := d.Decode(frame[:5])
	assert.False(t, res.Success)
	assert.Equal(t, 5, res.Consumed)

	res = d.Decode(frame[5:14])
	assert.False(t, res.Success)
	assert.Equal(t, 2, d.fireWater.tailIndex())

	res = d.Decode(frame[14:])
	require.True(t, res.Success)
	assert.Equal(t, []float32{-1.5, 0, 42}, res.Values)
	assert.Equal(t, 2, res.Consumed)
}

func TestFireWaterOneFramePerCall(t *testing.T) {
	d := NewFireWater(1)
	stream := EncodeFireWater(nil, 1)
	stream = EncodeFireWater(stream, 2)

	res := d.Decode(stream)
	require.True(t, res.Success)
	assert.Equal(t, []float32{1}, res.Values)
	assert.Equal(t, 8, res.Consumed, "second frame is left to the caller")

	res = d.Decode(stream[res.Consumed:])
	require.True(t, res.Success)
	assert.Equal(t, []float32{2}, res.Values)
}

func TestFireWaterResyncAfterCorruptTail(t *testing.T) {
	d := NewFireWater(2)
	bad := EncodeFireWater(nil, 1.0, 2.0)
	bad[len(bad)-1] = 0xFF
	stream := EncodeFireWater(bad, 3.0, 4.0)

	var res Result
	assert.NotPanics(t, func() { res = d.Decode(stream) })
	require.True(t, res.Success)
	assert.Equal(t, []float32{3.0, 4.0}, res.Values)
	assert.Equal(t, len(stream), res.Consumed)
}

func TestFireWaterResyncAfterDroppedByte(t *testing.T) {
	d := NewFireWater(2)
	first := EncodeFireWater(nil, 1.0, 2.0)
	stream := append([]byte(nil), first[1:]...)
	stream = EncodeFireWater(stream, 5.0, 6.0)
	stream = EncodeFireWater(stream, 7.0, 8.0)

	frames := drain(d, stream)
	require.Len(t, frames, 2)
	assert.Equal(t, []float32{5.0, 6.0}, frames[0])
	assert.Equal(t, []float32{7.0, 8.0}, frames[1])
}

func TestFireWaterReportsTailMismatch(t *testing.T) {
	d := NewFireWater(1)
	bad := EncodeFireWater(nil, 1.0)
	bad[len(bad)-2] = 0x11

	res := d.Decode(bad)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrTailMismatch)
	assert.Equal(t, len(bad), res.Consumed)
}

func TestFireWaterChunkingIsTransparent(t *testing.T) {
	var stream []byte
	for i := 0; i < 5; i++ {
		stream = EncodeFireWater(stream, float32(i), float32(i*10), float32(-i))
	}
	whole := drain(NewFireWater(3), stream)
	single := byteByByte(NewFireWater(3), stream)
	require.Len(t, whole, 5)
	assert.Equal(t, whole, single)
}

func TestFireWaterResetDropsPartialFrame(t *testing.T) {
	d := NewFireWater(1)
	d.Decode([]byte{0x01, 0x02, 0x03})
	d.Reset()

	res := d.Decode(EncodeFireWater(nil, 9))
	require.True(t, res.Success)
	assert.Equal(t, []float32{9}, res.Values)
}

func TestJustFloatPartialCarryOver(t *testing.T) {
	const channels = 2
	d := NewJustFloat(channels)
	third := EncodeJustFloat(nil, 3.0)
	data := EncodeJustFloat(nil, 1.0, 2.0)
	data = append(data, third[:2]...)
	require.Len(t, data, channels*4+2)

	res := d.Decode(data)
	require.True(t, res.Success)
	assert.Equal(t, []float32{1.0, 2.0}, res.Values)
	assert.Equal(t, channels*4, res.Consumed)

	res = d.Decode(data[res.Consumed:])
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.Consumed)

	rest := append([]byte(nil), third[2:]...)
	rest = EncodeJustFloat(rest, 4.0)
	res = d.Decode(rest)
	require.True(t, res.Success)
	assert.Equal(t, []float32{3.0, 4.0}, res.Values)
	assert.Equal(t, 6, res.Consumed)
}

func TestJustFloatProgressiveSuccess(t *testing.T) {
	d := NewJustFloat(4)
	res := d.Decode(EncodeJustFloat(nil, 1, 2))
	assert.True(t, res.Success)
	assert.Equal(t, []float32{1, 2}, res.Values)

	res = d.Decode([]byte{0x00})
	assert.False(t, res.Success)
	assert.Nil(t, res.Values)
}

func TestRawDataHeterogeneousTypes(t *testing.T) {
	types := []DataType{Float, Int16, Uint8, Int8}
	frame := EncodeRawData(nil, types, 1.5, -300, 200, -5)
	require.Len(t, frame, 8)

	d := NewRawData(types)
	res := d.Decode(frame)
	require.True(t, res.Success)
	assert.Equal(t, []float32{1.5, -300, 200, -5}, res.Values)
	assert.Equal(t, 8, res.Consumed)
}

func TestRawDataPersistsAcrossChunks(t *testing.T) {
	types := []DataType{Uint16, Float, Uint8}
	var stream []byte
	stream = EncodeRawData(stream, types, 1, 2, 3)
	stream = EncodeRawData(stream, types, 4, 5, 6)

	frames := byteByByte(NewRawData(types), stream)
	require.Len(t, frames, 2)
	assert.Equal(t, []float32{1, 2, 3}, frames[0])
	assert.Equal(t, []float32{4, 5, 6}, frames[1])
}

func TestRawDataWithoutTypes(t *testing.T) {
	d := NewRawData([]DataType{})
	res := d.Decode([]byte{1, 2, 3})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrNoChannelTypes)
	assert.Equal(t, 0, res.Consumed)
}

func TestCSVSkipsBadTokens(t *testing.T) {
	line := "1.5, -2.25, abc, 3\n"
	d := NewCSV(4)
	res := d.Decode([]byte(line))
	require.True(t, res.Success)
	assert.Equal(t, []float32{1.5, -2.25, 3.0}, res.Values)
	assert.Equal(t, len(line), res.Consumed)
}

func TestCSVCarriageReturnAndSplitLines(t *testing.T) {
	d := NewCSV(3)
	res := d.Decode([]byte("10, 20"))
	assert.False(t, res.Success)

	res = d.Decode([]byte(",30\r\n"))
	require.True(t, res.Success)
	assert.Equal(t, []float32{10, 20, 30}, res.Values)
}

func TestCSVLineWithoutNumbersIsDiscarded(t *testing.T) {
	d := NewCSV(1)
	input := "hello, world\n\n7\n"
	res := d.Decode([]byte(input))
	require.True(t, res.Success)
	assert.Equal(t, []float32{7}, res.Values)
	assert.Equal(t, len(input), res.Consumed)
}

func TestCSVLineCap(t *testing.T) {
	d := NewCSV(1)
	long := strings.Repeat("9", maxLineLength+1)
	res := d.Decode([]byte(long))
	assert.False(t, res.Success)
	assert.Empty(t, d.csv.line)

	res = d.Decode([]byte("1\n"))
	require.True(t, res.Success)
	assert.Equal(t, []float32{1}, res.Values)
}

func TestCustomBigEndianWithHeaderAndTail(t *testing.T) {
	cfg := CustomConfig{
		Header:    []byte{0x55, 0xAA},
		Tail:      []byte{0x0D, 0x0A},
		Types:     []DataType{Float, Int16, Uint8},
		BigEndian: true,
	}
	frame := EncodeCustom(nil, cfg, 2.5, -2, 7)
	assert.Equal(t, []byte{0x55, 0xAA, 0x40, 0x20, 0x00, 0x00, 0xFF, 0xFE, 0x07, 0x0D, 0x0A}, frame)

	d := NewCustom(cfg)
	res := d.Decode(append([]byte{0x01, 0x55}, frame...))
	require.True(t, res.Success)
	assert.Equal(t, []float32{2.5, -2, 7}, res.Values)
	assert.Equal(t, len(frame)+2, res.Consumed)
}

func TestCustomTailMismatchRestartsSearch(t *testing.T) {
	cfg := CustomConfig{
		Header: []byte{0xAA},
		Tail:   []byte{0x7F},
		Types:  []DataType{Uint8, Uint8},
	}
	d := NewCustom(cfg)

	res := d.Decode([]byte{0xAA, 0x01, 0x02, 0x00})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrTailMismatch)

	// The bad tail byte is itself a header.
	res = d.Decode([]byte{0xAA, 0x01, 0x02, 0xAA, 0x03, 0x04, 0x7F})
	require.True(t, res.Success)
	assert.Equal(t, []float32{3, 4}, res.Values)
}

func TestCustomChecksum(t *testing.T) {
	cfg := CustomConfig{
		Header:      []byte{0xA5},
		Types:       []DataType{Uint16, Uint8},
		UseChecksum: true,
	}
	frame := EncodeCustom(nil, cfg, 0x0102, 0x03)
	assert.Equal(t, []byte{0xA5, 0x02, 0x01, 0x03, 0x06}, frame)

	d := NewCustom(cfg)
	res := d.Decode(frame)
	require.True(t, res.Success)
	assert.Equal(t, []float32{0x0102, 3}, res.Values)

	corrupt := append([]byte(nil), frame...)
	corrupt[len(corrupt)-1] ^= 0xFF
	res = d.Decode(corrupt)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrChecksumMismatch)
}

func TestCustomNoHeaderNoTail(t *testing.T) {
	d := NewCustom(CustomConfig{Types: []DataType{Int8, Uint8}})
	frames := drain(d, []byte{0xFF, 0xFF, 0x01, 0x02})
	require.Len(t, frames, 2)
	assert.Equal(t, []float32{-1, 255}, frames[0])
	assert.Equal(t, []float32{1, 2}, frames[1])
}

func TestCustomPartialHeaderRestart(t *testing.T) {
	cfg := CustomConfig{Header: []byte{0x55, 0xAA}, Types: []DataType{Uint8}}
	frames := byteByByte(NewCustom(cfg), []byte{0x55, 0x55, 0xAA, 0x09})
	require.Len(t, frames, 1)
	assert.Equal(t, []float32{9}, frames[0])
}

func TestSetExpectedChannels(t *testing.T) {
	d := NewFireWater(4)
	d.SetExpectedChannels(0)
	d.SetExpectedChannels(17)
	n, ok := d.ExpectedChannels()
	require.True(t, ok)
	assert.Equal(t, 4, n)

	d.SetExpectedChannels(1)
	n, _ = d.ExpectedChannels()
	assert.Equal(t, 1, n)
	res := d.Decode(EncodeFireWater(nil, 3))
	require.True(t, res.Success)
	assert.Equal(t, []float32{3}, res.Values)

	raw := NewRawData([]DataType{Uint8, Uint8})
	raw.SetExpectedChannels(5)
	n, _ = raw.ExpectedChannels()
	assert.Equal(t, 2, n)
}

func TestNewFromOptions(t *testing.T) {
	for _, tc := range []struct {
		opts     Options
		kind     Kind
		channels int
	}{
		{Options{Protocol: "justfloat", Channels: 3}, KindJustFloat, 3},
		{Options{Protocol: "CSV"}, KindCSV, 9},
		{Options{Protocol: "rawdata", Types: []DataType{Uint8}}, KindRawData, 1},
		{Options{Protocol: "custom", Custom: DefaultCustomConfig()}, KindCustom, 4},
		{Options{Protocol: "nope", Channels: 99}, KindFireWater, 4},
	} {
		d := New(tc.opts)
		assert.Equal(t, tc.kind, d.Kind(), tc.opts.Protocol)
		n, _ := d.ExpectedChannels()
		assert.Equal(t, tc.channels, n, tc.opts.Protocol)
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("modbus")
	assert.Error(t, err)
}

func TestDecoderOptionsRebuild(t *testing.T) {
	custom := CustomConfig{Header: []byte{0x55}, Types: []DataType{Int8, Float}, UseChecksum: true}
	for _, dec := range []*Decoder{
		NewFireWater(3),
		NewJustFloat(2),
		NewRawData([]DataType{Uint16, Float}),
		NewCSV(5),
		NewCustom(custom),
	} {
		opts := dec.Options()
		again := New(opts)
		assert.Equal(t, dec.Kind(), again.Kind(), opts.Protocol)
		assert.Equal(t, opts, again.Options(), opts.Protocol)
	}
	assert.Equal(t, Options{Protocol: "RawData", Channels: 2, Types: []DataType{Uint16, Float}},
		NewRawData([]DataType{Uint16, Float}).Options())
}
