// Package metrics exposes protocol counters through Prometheus.
//
// All methods are safe on a nil *Metrics so components can run without a
// registry (tests, embedded use).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "huddle"

// Drop reasons.
const (
	DropMalformed     = "malformed"
	DropUndecryptable = "undecryptable"
	DropDuplicate     = "duplicate"
	DropStaleEpoch    = "stale_epoch"
	DropIgnored       = "ignored"
)

// Metrics groups every collector the node updates.
type Metrics struct {
	reg *prometheus.Registry

	packetsReceived   *prometheus.CounterVec
	packetsDropped    *prometheus.CounterVec
	peersLive         prometheus.Gauge
	messagesSent      prometheus.Counter
	messagesDelivered prometheus.Counter
	joins             *prometheus.CounterVec
	epoch             prometheus.Gauge
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Decoded packets by kind.",
		}, []string{"kind"}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Packets discarded without effect, by reason.",
		}, []string{"reason"}),
		peersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_live",
			Help:      "Peers currently in the live set.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Application messages sent.",
		}),
		messagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Application messages decrypted and delivered.",
		}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "Join attempts by result.",
		}, []string{"result"}),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "group_epoch",
			Help:      "Epoch of the current group, 0 without a group.",
		}),
	}
	m.reg.MustRegister(m.packetsReceived, m.packetsDropped, m.peersLive,
		m.messagesSent, m.messagesDelivered, m.joins, m.epoch)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Received(kind string) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.packetsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.peersLive.Set(float64(n))
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) MessageDelivered() {
	if m == nil {
		return
	}
	m.messagesDelivered.Inc()
}

// Join records a join outcome: "ok", "timeout", "unwrap_failed", ...
func (m *Metrics) Join(result string) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(result).Inc()
}

func (m *Metrics) SetEpoch(e uint64) {
	if m == nil {
		return
	}
	m.epoch.Set(float64(e))
}
