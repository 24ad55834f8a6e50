package dpt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Server observability counters. Registered once on the default registry;
// all servers in a process share them.
var (
	packetsIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dpt_packets_in_total",
		Help: "Valid discovery packets received, by type.",
	}, []string{"type"})

	packetsOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dpt_packets_out_total",
		Help: "Discovery packets sent, by type.",
	}, []string{"type"})

	packetsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dpt_packets_invalid_total",
		Help: "Datagrams dropped because they failed decoding or verification.",
	})

	pingTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dpt_ping_timeouts_total",
		Help: "Pings that expired without a matching pong.",
	})
)
