// SPDX-License-Identifier: MIT

// Package metrics exports capture counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"micstream/internal/audio"
)

var allStates = []audio.SessionState{
	audio.StateIdle,
	audio.StateStarting,
	audio.StateRunning,
	audio.StateInterrupted,
	audio.StateStopping,
	audio.StateFailed,
}

var allDropReasons = []audio.DropReason{
	audio.DropInactive,
	audio.DropInvalid,
	audio.DropDetached,
	audio.DropOverwritten,
}

// Metrics implements audio.Observer and prometheus.Collector.
type Metrics struct {
	registry *prometheus.Registry

	framesCaptured  prometheus.Counter
	framesDelivered prometheus.Counter
	framesDropped   *prometheus.CounterVec
	sessionState    *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	commands        *prometheus.CounterVec
	clients         prometheus.Gauge
	udpPackets      *prometheus.CounterVec

	// dropped holds the per-reason children so the real-time path does not
	// look up labels.
	dropped [audio.DropOverwritten + 1]prometheus.Counter

	collectors []prometheus.Collector
}

// NewMetrics creates the capture metrics and registers them with registry.
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.framesCaptured = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "micstream_frames_captured_total",
		Help: "Hardware buffers accepted by the capture session",
	})
	m.framesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "micstream_frames_delivered_total",
		Help: "Frames handed to the consumer",
	})
	m.framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "micstream_frames_dropped_total",
			Help: "Frames that did not reach the consumer, by reason",
		},
		[]string{"reason"},
	)
	m.sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "micstream_session_state",
			Help: "1 for the current capture session state, 0 otherwise",
		},
		[]string{"state"},
	)
	m.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "micstream_session_transitions_total",
			Help: "Capture session state transitions",
		},
		[]string{"from", "to"},
	)
	m.commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "micstream_bridge_commands_total",
			Help: "Bridge method calls by method and outcome",
		},
		[]string{"method", "status"},
	)
	m.clients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "micstream_bridge_clients",
		Help: "Connected bridge clients",
	})
	m.udpPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "micstream_udp_packets_total",
			Help: "Level packets sent over UDP by outcome",
		},
		[]string{"status"},
	)

	for _, r := range allDropReasons {
		m.dropped[r] = m.framesDropped.WithLabelValues(r.String())
	}
	for _, s := range allStates {
		m.sessionState.WithLabelValues(s.String()).Set(0)
	}
	m.sessionState.WithLabelValues(audio.StateIdle.String()).Set(1)

	m.collectors = []prometheus.Collector{
		m.framesCaptured,
		m.framesDelivered,
		m.framesDropped,
		m.sessionState,
		m.transitions,
		m.commands,
		m.clients,
		m.udpPackets,
	}
}

// Describe implements the Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

func (m *Metrics) FrameCaptured()  { m.framesCaptured.Inc() }
func (m *Metrics) FrameDelivered() { m.framesDelivered.Inc() }

func (m *Metrics) FrameDropped(reason audio.DropReason) {
	if int(reason) < len(m.dropped) && m.dropped[reason] != nil {
		m.dropped[reason].Inc()
	}
}

func (m *Metrics) StateChanged(from, to audio.SessionState) {
	m.sessionState.WithLabelValues(from.String()).Set(0)
	m.sessionState.WithLabelValues(to.String()).Set(1)
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

// RecordCommand counts one bridge call. status is "ok" or an error code.
func (m *Metrics) RecordCommand(method, status string) {
	m.commands.WithLabelValues(method, status).Inc()
}

// SetClients sets the number of connected bridge clients.
func (m *Metrics) SetClients(n int) {
	m.clients.Set(float64(n))
}

// RecordPacket counts one UDP send attempt.
func (m *Metrics) RecordPacket(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.udpPackets.WithLabelValues(status).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}
