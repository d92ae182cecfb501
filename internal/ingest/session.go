// Package ingest turns transport chunks into channel samples.
//
// A Session owns the active decoder. Chunks arrive from the serial reader
// through Feed and are decoded by exactly one goroutine (Run), so a stream's
// bytes reach the decoder in arrival order and never concurrently.
package ingest

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/serialscope/internal/channel"
	"github.com/shaunagostinho/serialscope/internal/metrics"
	"github.com/shaunagostinho/serialscope/internal/protocol"
)

// Policy controls what happens to the bytes left in a chunk after a frame.
type Policy int

const (
	// PolicySingle takes at most one frame per chunk and discards the rest.
	PolicySingle Policy = iota
	// PolicyDrain keeps decoding the remainder until the chunk is used up.
	PolicyDrain
)

func (p Policy) String() string {
	if p == PolicyDrain {
		return "drain"
	}
	return "single"
}

const DefaultQueueSize = 256

// Frame is one decoded frame as delivered to observers.
type Frame struct {
	Time     time.Time
	Protocol string
	Values   []float32
}

// FrameFunc receives every decoded frame, in order, from the decode goroutine.
type FrameFunc func(Frame)

// RawFunc receives every chunk before decoding.
type RawFunc func([]byte)

// Stats counts session activity since creation.
type Stats struct {
	Chunks  uint64 `json:"chunks"`
	Bytes   uint64 `json:"bytes"`
	Frames  uint64 `json:"frames"`
	Errors  uint64 `json:"errors"`
	Dropped uint64 `json:"dropped"`
}

// Options configures a Session.
type Options struct {
	Policy    Policy
	QueueSize int
	Metrics   *metrics.Metrics
}

type Session struct {
	mu      sync.Mutex
	decoder *protocol.Decoder
	policy  Policy
	frames  []FrameFunc
	raw     []RawFunc

	store   *channel.Store
	metrics *metrics.Metrics
	queue   chan []byte

	chunks  atomic.Uint64
	bytes   atomic.Uint64
	decoded atomic.Uint64
	errors  atomic.Uint64
	dropped atomic.Uint64
}

// NewSession decodes into store using dec.
func NewSession(dec *protocol.Decoder, store *channel.Store, opts Options) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Session{
		decoder: dec,
		policy:  opts.Policy,
		store:   store,
		metrics: opts.Metrics,
		queue:   make(chan []byte, opts.QueueSize),
	}
}

// Feed queues a copy of chunk for decoding. It never blocks: when the queue
// is full the chunk is dropped, counted, and false is returned.
func (s *Session) Feed(chunk []byte) bool {
	if len(chunk) == 0 {
		return true
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	select {
	case s.queue <- buf:
		return true
	default:
		s.dropped.Add(1)
		s.metrics.ObserveDrop()
		return false
	}
}

// Run decodes queued chunks until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk := <-s.queue:
			s.Process(chunk)
		}
	}
}

// Process decodes chunk synchronously and returns the number of frames it
// produced. Callers other than Run must not race with Run.
func (s *Session) Process(chunk []byte) int {
	s.chunks.Add(1)
	s.bytes.Add(uint64(len(chunk)))
	s.metrics.ObserveChunk(len(chunk))

	s.mu.Lock()
	raw := s.raw
	frameFns := s.frames
	name := s.decoder.Name()
	results := s.decodeLocked(chunk)
	s.mu.Unlock()

	for _, fn := range raw {
		fn(chunk)
	}

	now := time.Now()
	n := 0
	for _, res := range results {
		if res.Err != nil {
			s.errors.Add(1)
			s.metrics.ObserveDecodeError(name, res.Err)
		}
		if !res.Success {
			continue
		}
		n++
		s.decoded.Add(1)
		s.metrics.ObserveFrame(name)
		s.store.PushMulti(res.Values)

		f := Frame{Time: now, Protocol: name, Values: res.Values}
		for _, fn := range frameFns {
			fn(f)
		}
	}
	return n
}

func (s *Session) decodeLocked(chunk []byte) []protocol.Result {
	res := s.decoder.Decode(chunk)
	results := []protocol.Result{res}
	if s.policy != PolicyDrain {
		return results
	}
	rest := chunk
	for res.Success && res.Consumed > 0 && res.Consumed < len(rest) {
		rest = rest[res.Consumed:]
		res = s.decoder.Decode(rest)
		results = append(results, res)
	}
	return results
}

// SetDecoder swaps the active decoder. In-flight partial frames of the old
// decoder are discarded with it.
func (s *Session) SetDecoder(dec *protocol.Decoder) {
	s.mu.Lock()
	old := s.decoder.Name()
	s.decoder = dec
	s.mu.Unlock()
	log.Printf("[ingest] decoder %s -> %s", old, dec.Name())
}

// Protocol names the active decoder.
func (s *Session) Protocol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decoder.Name()
}

// ExpectedChannels forwards to the active decoder.
func (s *Session) ExpectedChannels() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decoder.ExpectedChannels()
}

// DecoderOptions reports the active decoder's layout.
func (s *Session) DecoderOptions() protocol.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decoder.Options()
}

// ResetDecoder drops the active decoder's partial-frame state.
func (s *Session) ResetDecoder() {
	s.mu.Lock()
	s.decoder.Reset()
	s.mu.Unlock()
}

func (s *Session) SetPolicy(p Policy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

func (s *Session) Policy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// OnFrame registers fn for every decoded frame.
func (s *Session) OnFrame(fn FrameFunc) {
	s.mu.Lock()
	s.frames = append(s.frames, fn)
	s.mu.Unlock()
}

// OnRaw registers fn for every processed chunk.
func (s *Session) OnRaw(fn RawFunc) {
	s.mu.Lock()
	s.raw = append(s.raw, fn)
	s.mu.Unlock()
}

func (s *Session) Stats() Stats {
	return Stats{
		Chunks:  s.chunks.Load(),
		Bytes:   s.bytes.Load(),
		Frames:  s.decoded.Load(),
		Errors:  s.errors.Load(),
		Dropped: s.dropped.Load(),
	}
}
