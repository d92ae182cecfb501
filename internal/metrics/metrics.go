// Package metrics exposes ingest counters as Prometheus collectors on a
// private registry.
//
// All observe methods are safe on a nil *Metrics, so components can take an
// optional metrics handle without nil checks at every call site.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "serialscope"

	// channelCount matches the channel store width. Gauges for these
	// channels are created once in New.
	channelCount = 16
)

// Metrics holds the collectors for one process.
type Metrics struct {
	registry *prometheus.Registry

	bytesReceived  prometheus.Counter
	bytesSent      prometheus.Counter
	chunks         prometheus.Counter
	chunksDropped  prometheus.Counter
	frames         *prometheus.CounterVec
	decodeErrors   *prometheus.CounterVec
	samples        prometheus.Counter
	channelSamples *prometheus.GaugeVec
	channelGauges  [channelCount]prometheus.Gauge
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "bytes_received_total",
			Help:      "Bytes delivered by the serial transport",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the serial transport",
		}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "chunks_total",
			Help:      "Transport chunks handed to the decoder",
		}),
		chunksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "chunks_dropped_total",
			Help:      "Chunks dropped because the decode queue was full",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "frames_decoded_total",
			Help:      "Frames decoded successfully",
		}, []string{"protocol"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "decode_errors_total",
			Help:      "Decode diagnostics (tail/checksum mismatches)",
		}, []string{"protocol", "reason"}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "samples_pushed_total",
			Help:      "Samples written into channel buffers",
		}),
		channelSamples: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "channel_samples",
			Help:      "Samples currently buffered per channel",
		}, []string{"channel"}),
	}

	for ch := range m.channelGauges {
		m.channelGauges[ch] = m.channelSamples.WithLabelValues(strconv.Itoa(ch))
	}

	m.registry.MustRegister(
		m.bytesReceived,
		m.bytesSent,
		m.chunks,
		m.chunksDropped,
		m.frames,
		m.decodeErrors,
		m.samples,
		m.channelSamples,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveChunk(n int) {
	if m == nil {
		return
	}
	m.chunks.Inc()
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) ObserveSent(n int) {
	if m == nil {
		return
	}
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) ObserveDrop() {
	if m == nil {
		return
	}
	m.chunksDropped.Inc()
}

func (m *Metrics) ObserveFrame(protocol string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(protocol).Inc()
}

func (m *Metrics) ObserveDecodeError(protocol string, err error) {
	if m == nil || err == nil {
		return
	}
	m.decodeErrors.WithLabelValues(protocol, err.Error()).Inc()
}

func (m *Metrics) ObserveSamples(n int) {
	if m == nil {
		return
	}
	m.samples.Add(float64(n))
}

// SetChannelLen records how many samples channel ch currently holds.
func (m *Metrics) SetChannelLen(ch, n int) {
	if m == nil {
		return
	}
	if ch >= 0 && ch < channelCount {
		m.channelGauges[ch].Set(float64(n))
		return
	}
	m.channelSamples.WithLabelValues(strconv.Itoa(ch)).Set(float64(n))
}
