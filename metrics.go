// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package presents

import "expvar"

// metrics record peer activity counters.
type metrics struct {
	packetRecv    expvar.Int
	packetSent    expvar.Int
	packetDropped expvar.Int // includes unmatched responses
	callIn        expvar.Int // number of inbound calls received
	callInErr     expvar.Int // number of inbound calls reporting an error
	callOut       expvar.Int // number of outbound calls initiated
	callOutErr    expvar.Int // number of outbound calls reporting an error
	cancelIn      expvar.Int // number of cancellations received
	callActive    expvar.Int // inbound
	callPending   expvar.Int // outbound, both Call and Go

	emap *expvar.Map
}

// peerMetrics are shared by all peers in the process.
var peerMetrics = newMetrics()

func newMetrics() *metrics {
	pm := &metrics{emap: new(expvar.Map)}
	pm.emap.Set("packets_received", &pm.packetRecv)
	pm.emap.Set("packets_sent", &pm.packetSent)
	pm.emap.Set("packets_dropped", &pm.packetDropped)
	pm.emap.Set("calls_in", &pm.callIn)
	pm.emap.Set("calls_in_failed", &pm.callInErr)
	pm.emap.Set("calls_active", &pm.callActive)
	pm.emap.Set("calls_out", &pm.callOut)
	pm.emap.Set("calls_out_failed", &pm.callOutErr)
	pm.emap.Set("cancels_in", &pm.cancelIn)
	pm.emap.Set("calls_pending", &pm.callPending)
	return pm
}

// Metrics returns the metrics map shared by all peers in the process.
func Metrics() *expvar.Map { return peerMetrics.emap }
