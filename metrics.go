package wsstream

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	directionIn  = "in"
	directionOut = "out"
)

// Metrics holds the prometheus collectors updated by streams, providers and acceptors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	bytes      *prometheus.CounterVec
	messages   *prometheus.CounterVec
	handshakes *prometheus.CounterVec
	errors     *prometheus.CounterVec
	open       prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wsstream",
			Name:      "bytes_total",
			Help:      "Application bytes moved through websocket streams.",
		}, []string{"direction"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wsstream",
			Name:      "messages_total",
			Help:      "Websocket messages seen by streams, by direction and type.",
		}, []string{"direction", "type"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wsstream",
			Name:      "handshakes_total",
			Help:      "Opening handshakes, by side and result.",
		}, []string{"side", "result"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wsstream",
			Name:      "errors_total",
			Help:      "Provider errors, by kind.",
		}, []string{"kind"}),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "wsstream",
			Name:      "open_streams",
			Help:      "Streams currently open.",
		}),
	}
}

// Register registers every collector with r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.bytes, m.messages, m.handshakes, m.errors, m.open}
}

func (m *Metrics) addBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) addMessage(direction string, mt MessageType) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction, mt.String()).Inc()
}

func (m *Metrics) addHandshake(side string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.handshakes.WithLabelValues(side, result).Inc()
}

func (m *Metrics) addError(err error) {
	if m == nil || err == nil {
		return
	}
	m.errors.WithLabelValues(KindOf(err).String()).Inc()
}

func (m *Metrics) streamOpened() {
	if m == nil {
		return
	}
	m.open.Inc()
}

func (m *Metrics) streamClosed() {
	if m == nil {
		return
	}
	m.open.Dec()
}
