package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/elementbound/nlon/message"
)

// Metrics collects Prometheus series for a Server: active peers, active
// correspondences, messages crossing the wire by type, unfinished
// correspondences, and exception-pipeline invocations. Grounded on the
// gauge/counter-vector registration shape used for daemon metrics
// elsewhere in the pack.
type Metrics struct {
	peersActive          prometheus.Gauge
	correspondencesTotal prometheus.Counter
	unfinishedTotal      prometheus.Counter
	exceptionsTotal      prometheus.Counter
	messagesIngested     *prometheus.CounterVec
	messagesEmitted      *prometheus.CounterVec
}

// NewMetrics builds a fresh, unregistered set of collectors. Call
// Register to expose them on a Prometheus registry (cmd/corrserve's
// admin HTTP surface does this with promhttp).
func NewMetrics() *Metrics {
	return &Metrics{
		peersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nlon",
			Name:      "peers_active",
			Help:      "Number of currently connected peers.",
		}),
		correspondencesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nlon",
			Name:      "correspondences_total",
			Help:      "Total number of remote-initiated correspondences observed.",
		}),
		unfinishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nlon",
			Name:      "unfinished_correspondences_total",
			Help:      "Total number of handler invocations that returned without finishing their correspondence.",
		}),
		exceptionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nlon",
			Name:      "exceptions_total",
			Help:      "Total number of times the exception pipeline ran.",
		}),
		messagesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nlon",
			Name:      "messages_ingested_total",
			Help:      "Total number of inbound frames, by effective type.",
		}, []string{"type"}),
		messagesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nlon",
			Name:      "messages_emitted_total",
			Help:      "Total number of outbound frames, by effective type.",
		}, []string{"type"}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.peersActive, m.correspondencesTotal, m.unfinishedTotal,
		m.exceptionsTotal, m.messagesIngested, m.messagesEmitted,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) IncPeers()           { m.peersActive.Inc() }
func (m *Metrics) DecPeers()           { m.peersActive.Dec() }
func (m *Metrics) IncCorrespondences() { m.correspondencesTotal.Inc() }
func (m *Metrics) IncUnfinished()      { m.unfinishedTotal.Inc() }
func (m *Metrics) IncException()       { m.exceptionsTotal.Inc() }

// ObserveIngested implements peer.MetricsSink.
func (m *Metrics) ObserveIngested(t message.MessageType) {
	m.messagesIngested.WithLabelValues(string(t)).Inc()
}

// ObserveEmitted implements peer.MetricsSink.
func (m *Metrics) ObserveEmitted(t message.MessageType) {
	m.messagesEmitted.WithLabelValues(string(t)).Inc()
}
