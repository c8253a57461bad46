// Package metrics exposes Prometheus collectors for the bridge channels.
//
// All recording methods are safe on a nil *Metrics so components can run
// without metrics wired in.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "fleet_bridge"

// Metrics holds the bridge collectors and the registry they live in
type Metrics struct {
	registry *prometheus.Registry

	framesReceived    *prometheus.CounterVec
	bytesReceived     *prometheus.CounterVec
	decodeErrors      *prometheus.CounterVec
	messagesDelivered *prometheus.CounterVec
	deliveryDropped   *prometheus.CounterVec
	callbackPanics    *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	connectionState   *prometheus.GaugeVec
}

// New creates the collectors on a fresh registry
func New() *Metrics {
	labels := []string{"channel"}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Raw frames read from the channel socket.",
		}, labels),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_bytes_received_total",
			Help:      "Payload bytes read from the channel socket.",
		}, labels),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Frames dropped because they failed to decode.",
		}, labels),
		messagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Decoded messages handed to the delivery callback.",
		}, labels),
		deliveryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Decoded messages dropped because the delivery queue stayed full.",
		}, labels),
		callbackPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_panics_total",
			Help:      "Delivery callbacks that panicked.",
		}, labels),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Connection attempts made after the first one.",
		}, labels),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state of each channel, 0 otherwise.",
		}, []string{"channel", "state"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesReceived,
		m.bytesReceived,
		m.decodeErrors,
		m.messagesDelivered,
		m.deliveryDropped,
		m.callbackPanics,
		m.reconnects,
		m.connectionState,
	)

	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameReceived(channel string, size int) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(channel).Inc()
	m.bytesReceived.WithLabelValues(channel).Add(float64(size))
}

func (m *Metrics) DecodeError(channel string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(channel).Inc()
}

func (m *Metrics) MessageDelivered(channel string) {
	if m == nil {
		return
	}
	m.messagesDelivered.WithLabelValues(channel).Inc()
}

func (m *Metrics) MessageDropped(channel string) {
	if m == nil {
		return
	}
	m.deliveryDropped.WithLabelValues(channel).Inc()
}

func (m *Metrics) CallbackPanic(channel string) {
	if m == nil {
		return
	}
	m.callbackPanics.WithLabelValues(channel).Inc()
}

func (m *Metrics) Reconnect(channel string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(channel).Inc()
}

// SetState marks state as the current one for channel among all known states
func (m *Metrics) SetState(channel, state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(channel, s).Set(v)
	}
}

// ChannelCounts is a point-in-time read of the counters for one channel
type ChannelCounts struct {
	Frames       uint64 `json:"frames"`
	Bytes        uint64 `json:"bytes"`
	DecodeErrors uint64 `json:"decodeErrors"`
	Delivered    uint64 `json:"delivered"`
	Dropped      uint64 `json:"dropped"`
	Panics       uint64 `json:"panics"`
	Reconnects   uint64 `json:"reconnects"`
}

// Counts reads the current counter values for channel
func (m *Metrics) Counts(channel string) ChannelCounts {
	if m == nil {
		return ChannelCounts{}
	}
	return ChannelCounts{
		Frames:       counterValue(m.framesReceived, channel),
		Bytes:        counterValue(m.bytesReceived, channel),
		DecodeErrors: counterValue(m.decodeErrors, channel),
		Delivered:    counterValue(m.messagesDelivered, channel),
		Dropped:      counterValue(m.deliveryDropped, channel),
		Panics:       counterValue(m.callbackPanics, channel),
		Reconnects:   counterValue(m.reconnects, channel),
	}
}

func counterValue(vec *prometheus.CounterVec, channel string) uint64 {
	var pb dto.Metric
	if err := vec.WithLabelValues(channel).Write(&pb); err != nil {
		return 0
	}
	return uint64(pb.GetCounter().GetValue())
}
