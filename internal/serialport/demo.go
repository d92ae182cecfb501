package serialport

import (
	"context"
	"log"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/shaunagostinho/serialscope/internal/protocol"
)

const defaultDemoRate = 100 // frames per second

// DemoConfig selects the encoding and shape of the simulated stream.
type DemoConfig struct {
	Protocol protocol.Kind
	Channels int
	Types    []protocol.DataType // RawData layout
	Custom   protocol.CustomConfig
	Rate     int // frames per second

	// Follow, when set, is polled before every frame and the encoding
	// switches to whatever layout it reports.
	Follow func() protocol.Options
}

// Demo generates waveform frames in any supported protocol encoding.
type Demo struct {
	mu      sync.Mutex
	cfg     DemoConfig
	layout  protocol.Options // last layout seen through Follow
	running bool
	t       float64 // virtual time accumulator
	rng     *rand.Rand
}

func NewDemo(cfg DemoConfig) *Demo {
	if cfg.Rate <= 0 {
		cfg.Rate = defaultDemoRate
	}
	d := &Demo{cfg: normalizeDemo(cfg), rng: rand.New(rand.NewSource(1))}
	if cfg.Follow != nil {
		d.follow()
	}
	return d
}

func normalizeDemo(cfg DemoConfig) DemoConfig {
	if cfg.Channels < 1 || cfg.Channels > protocol.MaxChannels {
		cfg.Channels = 4
	}
	switch cfg.Protocol {
	case protocol.KindRawData:
		if len(cfg.Types) == 0 {
			cfg.Types = []protocol.DataType{protocol.Float, protocol.Float, protocol.Float, protocol.Float}
		}
		cfg.Channels = len(cfg.Types)
	case protocol.KindCustom:
		if len(cfg.Custom.Types) == 0 {
			cfg.Custom = protocol.DefaultCustomConfig()
		}
		cfg.Channels = len(cfg.Custom.Types)
	}
	return cfg
}

// follow re-reads the layout from cfg.Follow. Callers hold d.mu, except
// NewDemo before the Demo is shared.
func (d *Demo) follow() {
	opts := d.cfg.Follow()
	if reflect.DeepEqual(opts, d.layout) {
		return
	}
	d.layout = opts
	kind, err := protocol.ParseKind(opts.Protocol)
	if err != nil {
		kind = protocol.KindFireWater
	}
	next := d.cfg
	next.Protocol = kind
	next.Channels = opts.Channels
	next.Types = opts.Types
	next.Custom = opts.Custom
	d.cfg = normalizeDemo(next)
	log.Printf("[demo] encoding %s with %d channels", kind, d.cfg.Channels)
}

func (d *Demo) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return "Demo (" + d.cfg.Protocol.String() + ")"
}

func (d *Demo) Connect() error {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	return nil
}

func (d *Demo) Close() error {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return nil
}

func (d *Demo) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Run emits one encoded frame per tick until ctx is cancelled or Close is
// called.
func (d *Demo) Run(ctx context.Context, onChunk func([]byte)) error {
	d.mu.Lock()
	rate := d.cfg.Rate
	d.mu.Unlock()
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !d.Running() {
				return nil
			}
			onChunk(d.Next())
		}
	}
}

// Write discards the payload; the demo has no device to talk to.
func (d *Demo) Write(p []byte) (int, error) {
	log.Printf("[demo] discarding %d written bytes", len(p))
	return len(p), nil
}

// Next advances virtual time by one frame period and returns the encoded
// frame.
func (d *Demo) Next() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.Follow != nil {
		d.follow()
	}
	d.t += 1 / float64(d.cfg.Rate)
	return d.encode(d.values())
}

// values produces sine, cosine and sawtooth waves in rotation with a little
// noise, each channel at its own frequency.
func (d *Demo) values() []float32 {
	out := make([]float32, d.cfg.Channels)
	for ch := range out {
		freq := 0.5 + 0.25*float64(ch)
		amp := 10.0 * float64(ch+1)
		var v float64
		switch ch % 3 {
		case 0:
			v = amp * math.Sin(2*math.Pi*freq*d.t)
		case 1:
			v = amp * math.Cos(2*math.Pi*freq*d.t)
		default:
			v = amp * (math.Mod(freq*d.t, 1)*2 - 1)
		}
		out[ch] = float32(v + d.rng.Float64()*0.05*amp)
	}
	return out
}

func (d *Demo) encode(values []float32) []byte {
	switch d.cfg.Protocol {
	case protocol.KindJustFloat:
		return protocol.EncodeJustFloat(nil, values...)
	case protocol.KindRawData:
		return protocol.EncodeRawData(nil, d.cfg.Types, values...)
	case protocol.KindCSV:
		return protocol.EncodeCSV(nil, values...)
	case protocol.KindCustom:
		return protocol.EncodeCustom(nil, d.cfg.Custom, values...)
	default:
		return protocol.EncodeFireWater(nil, values...)
	}
}
