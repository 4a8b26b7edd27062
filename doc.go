// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package presents implements the transport layer of a system of shared,
// replicated objects.
//
// A server holds a registry of distributed objects (package dobj). Clients
// connect, log on, and subscribe to objects, receiving a snapshot of each
// followed by the events that change it. Clients may also invoke services on
// the server, and the server may notify receivers registered by clients.
// Cooperating servers link to one another as peers (package bridge).
//
// # Peers
//
// Both ends of a connection are represented by a [Peer], which exchanges
// binary packets with the remote peer over a [Channel]:
//
//	p := presents.NewPeer().Start(ch)
//
// The peer runs until [Peer.Stop] is called, the channel is closed by the
// remote peer, or a protocol fatal error occurs. Call [Peer.Wait] to wait for
// the peer to exit and return its status.
//
// # Calls
//
// A call is a request and its matching response. Either side may initiate
// calls. To handle inbound calls, register a [Handler] for a method ID:
//
//	p.Handle(1, func(ctx context.Context, req *presents.Request) ([]byte, error) {
//	   return req.Data, nil
//	})
//
// To call the remote peer and wait for the result, use [Peer.Call]. To make a
// call without blocking, use [Peer.Go], which reports the result to a
// callback exactly once. Errors from calls have concrete type [*CallError].
// Calls still pending when the peer exits fail with [ErrClosed].
//
// Most code uses method names rather than IDs; see the catalog and invoke
// packages.
//
// # Custom Packets
//
// Packet types above 127 are available for higher layers. Use
// [Peer.SendPacket] to send one, and [Peer.HandlePacket] to register a
// callback for a type. A packet callback that reports an error is treated as
// protocol fatal. The session and client packages use custom packets for
// subscriptions and object events.
//
// # Metrics
//
// Peers share a collection of expvar metrics, returned by [Metrics]:
//
//   - packets_received: counter of packets received
//   - packets_sent: counter of packets sent
//   - packets_dropped: counter of packets received and discarded
//   - calls_in: counter of inbound call requests received
//   - calls_in_failed: counter of inbound call requests resulting in errors
//   - calls_active: gauge of inbound calls currently active
//   - calls_out: counter of outbound call requests sent
//   - calls_out_failed: counter of outbound call requests resulting in errors
//   - cancels_in: counter of cancellation requests received
//   - calls_pending: gauge of outbound calls currently pending
package presents
