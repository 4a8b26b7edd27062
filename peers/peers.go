// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for managing and testing peers.
package peers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/creachadair/presents"
	"github.com/creachadair/presents/channel"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
)

// Local is a pair of in-memory connected peers, suitable for testing.
type Local struct {
	A *presents.Peer
	B *presents.Peer
}

// Stop shuts down both the peers and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected peers, that communicate via a
// direct channel without encoding.
func NewLocal() *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: presents.NewPeer().Start(a2b),
		B: presents.NewPeer().Start(b2a),
	}
}

// An Accepter yields channels for inbound connections.
type Accepter interface {
	Accept(context.Context) (presents.Channel, error)
}

// A ServeFunc runs a session on ch until it ends. The context passed to it
// ends when the enclosing Loop is cancelled.
type ServeFunc func(ctx context.Context, ch presents.Channel) error

// Loop accepts connections from acc and calls serve for each one in a
// goroutine. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, the contexts of all running sessions end. When acc
// closes, the loop waits for running sessions to exit before returning.
func Loop(ctx context.Context, acc Accepter, serve ServeFunc) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()
			return serve(sctx, ch)
		})
	}
}

// Serve returns a ServeFunc that starts a fresh peer from newPeer on each
// channel and waits for it to exit. The peer is stopped if ctx ends first.
func Serve(newPeer func() *presents.Peer) ServeFunc {
	return func(ctx context.Context, ch presents.Channel) error {
		peer := newPeer().Start(ch)
		stop := context.AfterFunc(ctx, peer.Close)
		defer stop()
		return peer.Wait()
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (presents.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// WebSocketAccepter is an http.Handler that upgrades each request to a
// WebSocket and delivers the resulting channel to Accept.
type WebSocketAccepter struct {
	up     websocket.Upgrader
	conns  chan presents.Channel
	once   sync.Once
	closed chan struct{}
}

// NewWebSocketAccepter constructs a new WebSocketAccepter. The caller should
// mount it on an HTTP server, and call Close when the server is done.
func NewWebSocketAccepter() *WebSocketAccepter {
	return &WebSocketAccepter{
		conns:  make(chan presents.Channel),
		closed: make(chan struct{}),
	}
}

// ServeHTTP implements http.Handler. It blocks until the upgraded connection
// is accepted or the accepter is closed.
func (w *WebSocketAccepter) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	conn, err := w.up.Upgrade(rw, req, nil)
	if err != nil {
		return // the upgrader has already replied
	}
	select {
	case w.conns <- channel.WebSocket(conn):
	case <-w.closed:
		conn.Close()
	}
}

// Accept implements the Accepter interface.
func (w *WebSocketAccepter) Accept(ctx context.Context) (presents.Channel, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.closed:
		return nil, net.ErrClosed
	case ch := <-w.conns:
		return ch, nil
	}
}

// Close stops w from accepting further connections.
func (w *WebSocketAccepter) Close() error {
	err := net.ErrClosed
	w.once.Do(func() { close(w.closed); err = nil })
	return err
}
