// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package bridge

import "github.com/prometheus/client_golang/prometheus"

// Stats are the traffic counters of a bridge, labelled by peer node name.
type Stats struct {
	Received  *prometheus.CounterVec // packets received from each peer
	Sent      *prometheus.CounterVec // packets sent to each peer
	Throttled *prometheus.CounterVec // received packets over the throttle limit
	Peers     prometheus.Gauge       // connected peer sessions
}

func newStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presents",
			Subsystem: "bridge",
			Name:      "packets_received_total",
			Help:      "Packets received from peer nodes.",
		}, []string{"peer"}),
		Sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presents",
			Subsystem: "bridge",
			Name:      "packets_sent_total",
			Help:      "Packets sent to peer nodes.",
		}, []string{"peer"}),
		Throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presents",
			Subsystem: "bridge",
			Name:      "packets_throttled_total",
			Help:      "Packets received from peer nodes in excess of the throttle.",
		}, []string{"peer"}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presents",
			Subsystem: "bridge",
			Name:      "peers",
			Help:      "Connected peer sessions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.Received, s.Sent, s.Throttled, s.Peers)
	}
	return s
}
