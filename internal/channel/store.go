// Package channel keeps the per-channel sample history, display settings and
// running statistics for up to MaxChannels decoded channels.
package channel

import (
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/serialscope/internal/metrics"
	"github.com/shaunagostinho/serialscope/internal/protocol"
	"github.com/shaunagostinho/serialscope/internal/ringbuffer"
)

const (
	MaxChannels     = protocol.MaxChannels
	DefaultCapacity = 2000
)

// Sample is one timestamped value. Timestamp is seconds since the store's
// baseline (creation or the last ClearAll).
type Sample struct {
	Timestamp float64 `json:"t"`
	Value     float32 `json:"v"`
}

// Config holds display settings for a channel.
type Config struct {
	Enabled  bool              `json:"enabled"`
	Name     string            `json:"name"`
	Color    [4]float32        `json:"color"`
	DataType protocol.DataType `json:"dataType"`
	Scale    float32           `json:"scale"`
	Offset   float32           `json:"offset"`
}

// Apply maps a raw value through the channel's scale and offset. Stored
// samples are always raw.
func (c Config) Apply(v float32) float32 {
	return v*c.Scale + c.Offset
}

// Stats summarizes every value pushed since the channel was last cleared.
type Stats struct {
	Min   float32 `json:"min"`
	Max   float32 `json:"max"`
	Avg   float32 `json:"avg"`
	Last  float32 `json:"last"`
	Count int     `json:"count"`
}

// add folds v into the summary. Min and Max use plain comparisons, so a NaN
// sample never replaces an ordered bound.
func (s *Stats) add(v float32) {
	if s.Count == 0 {
		s.Min, s.Max, s.Avg = v, v, v
	} else {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		s.Avg = (s.Avg*float32(s.Count) + v) / float32(s.Count+1)
	}
	s.Last = v
	s.Count++
}

var palette = [MaxChannels][4]float32{
	{1, 0, 0, 1},
	{0, 1, 0, 1},
	{0, 0, 1, 1},
	{1, 1, 0, 1},
	{1, 0, 1, 1},
	{0, 1, 1, 1},
	{1, 0.5, 0, 1},
	{0.5, 0, 1, 1},
	{0, 0.5, 1, 1},
	{1, 0, 0.5, 1},
	{0.5, 1, 0, 1},
	{0, 1, 0.5, 1},
	{1, 0.75, 0, 1},
	{0.75, 0.75, 0.75, 1},
	{1, 0.5, 0.5, 1},
	{0.5, 0.5, 1, 1},
}

// DefaultConfig returns the initial settings for channel ch.
func DefaultConfig(ch int) Config {
	c := Config{
		Name:     "CH" + strconv.Itoa(ch+1),
		DataType: protocol.Float,
		Scale:    1,
	}
	if ch >= 0 && ch < MaxChannels {
		c.Color = palette[ch]
	}
	return c
}

type slot struct {
	samples *ringbuffer.RingBuffer[Sample]
	config  Config
	stats   Stats
}

// Store is safe for concurrent use. A single mutex guards every channel so
// a multi-channel frame is visible atomically.
type Store struct {
	mu       sync.Mutex
	slots    [MaxChannels]slot
	baseline time.Time
	now      func() time.Time
	metrics  *metrics.Metrics
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	capacity int
	now      func() time.Time
	metrics  *metrics.Metrics
}

// WithCapacity sets the per-channel history length.
func WithCapacity(n int) Option {
	return func(o *storeOptions) { o.capacity = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) { o.now = now }
}

// WithMetrics reports pushes and buffer fill levels to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *storeOptions) { o.metrics = m }
}

// NewStore creates a store with all channels disabled.
func NewStore(opts ...Option) *Store {
	o := storeOptions{capacity: DefaultCapacity, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store{now: o.now, metrics: o.metrics}
	for i := range s.slots {
		s.slots[i] = slot{
			samples: ringbuffer.New[Sample](o.capacity),
			config:  DefaultConfig(i),
		}
	}
	s.baseline = s.now()
	return s
}

func valid(ch int) bool { return ch >= 0 && ch < MaxChannels }

func (s *Store) elapsed() float64 {
	return s.now().Sub(s.baseline).Seconds()
}

func (s *Store) pushLocked(ch int, ts float64, v float32) {
	sl := &s.slots[ch]
	sl.samples.Push(Sample{Timestamp: ts, Value: v})
	sl.stats.add(v)
	s.metrics.SetChannelLen(ch, sl.samples.Len())
}

// Push appends v to channel ch. Out-of-range channels are ignored.
func (s *Store) Push(ch int, v float32) {
	if !valid(ch) {
		return
	}
	s.mu.Lock()
	s.pushLocked(ch, s.elapsed(), v)
	s.mu.Unlock()
	s.metrics.ObserveSamples(1)
}

// PushMulti appends values[i] to channel i, all with the same timestamp.
// Values beyond MaxChannels are ignored.
func (s *Store) PushMulti(values []float32) {
	if len(values) > MaxChannels {
		values = values[:MaxChannels]
	}
	if len(values) == 0 {
		return
	}
	s.mu.Lock()
	ts := s.elapsed()
	for ch, v := range values {
		s.pushLocked(ch, ts, v)
	}
	s.mu.Unlock()
	s.metrics.ObserveSamples(len(values))
}

// ReadChannel copies channel ch's history oldest first, downsampled to
// maxPoints when maxPoints is positive.
func (s *Store) ReadChannel(ch, maxPoints int) ([]float64, []float32) {
	if !valid(ch) {
		return nil, nil
	}
	s.mu.Lock()
	samples := s.slots[ch].samples.Continuous(maxPoints)
	s.mu.Unlock()
	return split(samples)
}

func split(samples []Sample) ([]float64, []float32) {
	ts := make([]float64, len(samples))
	vals := make([]float32, len(samples))
	for i, smp := range samples {
		ts[i] = smp.Timestamp
		vals[i] = smp.Value
	}
	return ts, vals
}

// ClearChannel drops channel ch's history and statistics.
func (s *Store) ClearChannel(ch int) {
	if !valid(ch) {
		return
	}
	s.mu.Lock()
	s.clearLocked(ch)
	s.mu.Unlock()
}

func (s *Store) clearLocked(ch int) {
	s.slots[ch].samples.Clear()
	s.slots[ch].stats = Stats{}
	s.metrics.SetChannelLen(ch, 0)
}

// ClearAll clears every channel and restarts the timestamp baseline.
func (s *Store) ClearAll() {
	s.mu.Lock()
	for ch := range s.slots {
		s.clearLocked(ch)
	}
	s.baseline = s.now()
	s.mu.Unlock()
}

func (s *Store) Config(ch int) Config {
	if !valid(ch) {
		return Config{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[ch].config
}

func (s *Store) SetConfig(ch int, c Config) {
	if !valid(ch) {
		return
	}
	s.mu.Lock()
	s.slots[ch].config = c
	s.mu.Unlock()
}

func (s *Store) SetEnabled(ch int, enabled bool) {
	if !valid(ch) {
		return
	}
	s.mu.Lock()
	s.slots[ch].config.Enabled = enabled
	s.mu.Unlock()
}

func (s *Store) Enabled(ch int) bool {
	if !valid(ch) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[ch].config.Enabled
}

func (s *Store) Stats(ch int) Stats {
	if !valid(ch) {
		return Stats{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[ch].stats
}

func (s *Store) Len(ch int) int {
	if !valid(ch) {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[ch].samples.Len()
}

// Latest returns the newest sample of channel ch and whether one exists.
func (s *Store) Latest(ch int) (Sample, bool) {
	if !valid(ch) {
		return Sample{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := &s.slots[ch]
	if sl.samples.Empty() {
		return Sample{}, false
	}
	return sl.samples.Latest(), true
}

// EnabledChannels lists enabled channel indices in ascending order.
func (s *Store) EnabledChannels() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for ch := range s.slots {
		if s.slots[ch].config.Enabled {
			out = append(out, ch)
		}
	}
	return out
}

// Series is one channel's view in a Snapshot.
type Series struct {
	Channel    int       `json:"channel"`
	Config     Config    `json:"config"`
	Stats      Stats     `json:"stats"`
	Timestamps []float64 `json:"t"`
	Values     []float32 `json:"v"`
}

// Snapshot copies every enabled channel under a single lock so all series
// reflect the same set of frames.
func (s *Store) Snapshot(maxPoints int) []Series {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Series
	for ch := range s.slots {
		sl := &s.slots[ch]
		if !sl.config.Enabled {
			continue
		}
		ts, vals := split(sl.samples.Continuous(maxPoints))
		out = append(out, Series{
			Channel:    ch,
			Config:     sl.config,
			Stats:      sl.stats,
			Timestamps: ts,
			Values:     vals,
		})
	}
	return out
}
