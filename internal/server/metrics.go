package server

import (
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/DragonSecurity/relay/pkg/proto"
)

var (
	metricTunnelConnected = prom.NewGauge(prom.GaugeOpts{
		Name: "relay_tunnel_connected",
		Help: "1 while an agent connection is active.",
	})
	metricTunnelAccepts = prom.NewCounterVec(prom.CounterOpts{
		Name: "relay_tunnel_accepts_total",
		Help: "Agent connections accepted, by whether they replaced an active one.",
	}, []string{"replaced"})
	metricPending = prom.NewGauge(prom.GaugeOpts{
		Name: "relay_pending_requests",
		Help: "Forwarded requests waiting for a reply.",
	})
	metricRequestsTotal = prom.NewCounterVec(prom.CounterOpts{
		Name: "relay_requests_total",
		Help: "Requests forwarded to the agent, by outcome.",
	}, []string{"outcome"})
	metricRequestDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Name:    "relay_request_seconds",
		Help:    "Duration of forwarded requests.",
		Buckets: prom.DefBuckets,
	}, []string{"outcome"})
	metricEnvelopes = prom.NewCounterVec(prom.CounterOpts{
		Name: "relay_envelopes_received_total",
		Help: "Envelopes read off the tunnel, by type.",
	}, []string{"type"})
)

func init() {
	prom.MustRegister(metricTunnelConnected, metricTunnelAccepts, metricPending,
		metricRequestsTotal, metricRequestDuration, metricEnvelopes)
}

func envelopeLabel(t string) string {
	switch t {
	case proto.TypeConnect, proto.TypeConnected, proto.TypeRequest, proto.TypeResponse, proto.TypeError:
		return t
	}
	return "unknown"
}
