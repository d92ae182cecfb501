// Package protocol implements the streaming frame decoders that turn a raw
// serial byte stream into multi-channel float samples.
//
// A Decoder keeps its partial-frame state between Decode calls, so chunks may
// split frames anywhere. Decoders are not safe for concurrent use: every
// chunk of one stream must reach Decode in arrival order from one goroutine
// at a time (see package ingest).
package protocol

import (
	"errors"
	"fmt"
	"log"
	"strings"
)

// MaxChannels is the largest channel count a decoder will accept.
const MaxChannels = 16

var (
	ErrTailMismatch     = errors.New("frame tail mismatch")
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
	ErrNoChannelTypes   = errors.New("no channel types configured")
)

// Kind tags the closed set of decoder variants.
type Kind int

const (
	KindFireWater Kind = iota
	KindJustFloat
	KindRawData
	KindCSV
	KindCustom
)

var kindNames = [...]string{
	KindFireWater: "FireWater",
	KindJustFloat: "JustFloat",
	KindRawData:   "RawData",
	KindCSV:       "CSV",
	KindCustom:    "Custom",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "Unknown"
	}
	return kindNames[k]
}

// ParseKind matches protocol names case-insensitively.
func ParseKind(s string) (Kind, error) {
	name := strings.TrimSpace(s)
	for i, n := range kindNames {
		if strings.EqualFold(n, name) {
			return Kind(i), nil
		}
	}
	return KindFireWater, fmt.Errorf("protocol: unknown protocol %q", s)
}

// Kinds lists every supported protocol in display order.
func Kinds() []Kind {
	return []Kind{KindFireWater, KindJustFloat, KindRawData, KindCSV, KindCustom}
}

// Result is the outcome of one Decode call.
type Result struct {
	Success  bool
	Values   []float32 // one per channel, protocol order
	Consumed int       // bytes scanned, up to and including the frame's last byte
	Err      error     // diagnostic only; decoding continues with the next call
}

// Decoder is one of the five protocol state machines, selected by Kind.
type Decoder struct {
	kind Kind

	fireWater fireWater
	justFloat justFloat
	rawData   rawData
	csv       csvLine
	custom    custom
}

const (
	defaultBinaryChannels = 4
	defaultCSVChannels    = 9
)

// NewFireWater returns a FireWater decoder for n float channels.
func NewFireWater(n int) *Decoder {
	d := &Decoder{kind: KindFireWater}
	d.fireWater.setChannels(clampChannels(n, defaultBinaryChannels))
	return d
}

// NewJustFloat returns a JustFloat decoder producing frames of n floats.
func NewJustFloat(n int) *Decoder {
	d := &Decoder{kind: KindJustFloat}
	d.justFloat.channels = clampChannels(n, defaultBinaryChannels)
	return d
}

// NewRawData returns a RawData decoder cycling through types. A nil slice
// selects four float channels.
func NewRawData(types []DataType) *Decoder {
	d := &Decoder{kind: KindRawData}
	if types == nil {
		types = repeatType(Float, defaultBinaryChannels)
	}
	d.rawData.setTypes(types)
	return d
}

// NewCSV returns a CSV line decoder expecting n columns. The count is only
// advisory; every parsed column is emitted.
func NewCSV(n int) *Decoder {
	d := &Decoder{kind: KindCSV}
	d.csv.channels = clampChannels(n, defaultCSVChannels)
	return d
}

// NewCustom returns a decoder for a user-defined binary frame layout.
func NewCustom(cfg CustomConfig) *Decoder {
	d := &Decoder{kind: KindCustom}
	d.custom.setConfig(cfg)
	return d
}

// Options selects and configures a decoder from application config.
type Options struct {
	Protocol string
	Channels int
	Types    []DataType // RawData channel layout
	Custom   CustomConfig
}

// New builds the decoder named by opts.Protocol. Unknown names fall back to
// FireWater and out-of-range channel counts to the protocol default; both are
// logged rather than returned so a bad config never stops ingest.
func New(opts Options) *Decoder {
	kind, err := ParseKind(opts.Protocol)
	if err != nil {
		log.Printf("[protocol] %v, using %s", err, KindFireWater)
	}
	if opts.Channels != 0 && (opts.Channels < 1 || opts.Channels > MaxChannels) {
		log.Printf("[protocol] channel count %d outside [1,%d], using default", opts.Channels, MaxChannels)
	}
	switch kind {
	case KindJustFloat:
		return NewJustFloat(opts.Channels)
	case KindRawData:
		return NewRawData(opts.Types)
	case KindCSV:
		return NewCSV(opts.Channels)
	case KindCustom:
		return NewCustom(opts.Custom)
	default:
		return NewFireWater(opts.Channels)
	}
}

// Kind reports the variant tag.
func (d *Decoder) Kind() Kind { return d.kind }

// Name returns the protocol's display name.
func (d *Decoder) Name() string { return d.kind.String() }

// Decode consumes bytes until one frame completes or the input runs out.
// At most one frame is returned per call; bytes after that frame are left
// for the caller (Result.Consumed tells how many were used).
func (d *Decoder) Decode(data []byte) Result {
	switch d.kind {
	case KindFireWater:
		return d.fireWater.decode(data)
	case KindJustFloat:
		return d.justFloat.decode(data)
	case KindRawData:
		return d.rawData.decode(data)
	case KindCSV:
		return d.csv.decode(data)
	case KindCustom:
		return d.custom.decode(data)
	}
	return Result{Consumed: len(data)}
}

// Reset drops all partial-frame state.
func (d *Decoder) Reset() {
	switch d.kind {
	case KindFireWater:
		d.fireWater.reset()
	case KindJustFloat:
		d.justFloat.reset()
	case KindRawData:
		d.rawData.reset()
	case KindCSV:
		d.csv.reset()
	case KindCustom:
		d.custom.reset()
	}
}

// ExpectedChannels returns the frame width. The boolean is false when the
// protocol has no fixed width.
func (d *Decoder) ExpectedChannels() (int, bool) {
	switch d.kind {
	case KindFireWater:
		return d.fireWater.channels, true
	case KindJustFloat:
		return d.justFloat.channels, true
	case KindRawData:
		return len(d.rawData.types), true
	case KindCSV:
		return d.csv.channels, true
	case KindCustom:
		return len(d.custom.cfg.Types), true
	}
	return 0, false
}

// SetExpectedChannels changes the frame width and resets partial state.
// Counts outside [1, MaxChannels] are ignored, as are protocols whose width
// comes from a type list (RawData, Custom).
func (d *Decoder) SetExpectedChannels(n int) {
	if n < 1 || n > MaxChannels {
		return
	}
	switch d.kind {
	case KindFireWater:
		d.fireWater.setChannels(n)
	case KindJustFloat:
		d.justFloat.channels = n
		d.justFloat.reset()
	case KindCSV:
		d.csv.channels = n
		d.csv.reset()
	}
}

// SetChannelTypes replaces the RawData channel layout. Other kinds ignore it.
func (d *Decoder) SetChannelTypes(types []DataType) {
	if d.kind == KindRawData {
		d.rawData.setTypes(types)
	}
}

// ChannelTypes returns a copy of the per-channel layout for binary-typed
// protocols, or nil.
func (d *Decoder) ChannelTypes() []DataType {
	switch d.kind {
	case KindRawData:
		return append([]DataType(nil), d.rawData.types...)
	case KindCustom:
		return append([]DataType(nil), d.custom.cfg.Types...)
	}
	return nil
}

// SetCustomConfig replaces the Custom frame layout. Other kinds ignore it.
func (d *Decoder) SetCustomConfig(cfg CustomConfig) {
	if d.kind == KindCustom {
		d.custom.setConfig(cfg)
	}
}

// CustomConfig returns the active Custom layout.
func (d *Decoder) CustomConfig() CustomConfig {
	return d.custom.cfg.clone()
}

// Options reports the layout the decoder is using, in the form New accepts.
func (d *Decoder) Options() Options {
	opts := Options{Protocol: d.kind.String()}
	switch d.kind {
	case KindRawData:
		opts.Types = d.ChannelTypes()
		opts.Channels = len(opts.Types)
	case KindCustom:
		opts.Custom = d.CustomConfig()
		opts.Channels = len(opts.Custom.Types)
	default:
		opts.Channels, _ = d.ExpectedChannels()
	}
	return opts
}

func clampChannels(n, def int) int {
	if n < 1 || n > MaxChannels {
		return def
	}
	return n
}

func repeatType(t DataType, n int) []DataType {
	out := make([]DataType, n)
	for i := range out {
		out[i] = t
	}
	return out
}
