// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the presents.Channel interface.
//
// A Channel carries whole packets in order between two peers. The
// implementations here cover in-memory pairs for tests ([Direct]), byte
// streams such as sockets and pipes ([IO]), WebSocket connections
// ([WebSocket]), and a pair of NATS subjects ([NATS]).
package channel

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/creachadair/presents"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"
)

// Direct constructs a connected pair of in-memory channels that pass packets
// directly without encoding into binary. Packets sent to A are received by B
// and vice versa.
func Direct() (A, B presents.Channel) {
	a2b := make(chan *presents.Packet)
	b2a := make(chan *presents.Packet)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *presents.Packet
	b2a <-chan *presents.Packet
}

// Send implements a method of the [presents.Channel] interface.
func (d direct) Send(pkt *presents.Packet) (err error) {
	defer safeClose(&err)
	d.a2b <- pkt
	return nil
}

// Recv implements a method of the [presents.Channel] interface.
func (d direct) Recv() (*presents.Packet, error) {
	pkt, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return pkt, nil
}

// Close implements a method of the [presents.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives packets on a reader and a writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [presents.Channel] interface.
func (c IOChannel) Send(pkt *presents.Packet) error {
	if _, err := pkt.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [presents.Channel] interface.
func (c IOChannel) Recv() (*presents.Packet, error) {
	var pkt presents.Packet
	if _, err := pkt.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// Close implements a method of the [presents.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }

// WebSocket constructs a channel that exchanges one packet per binary message
// on conn. A close frame from the remote end is reported by Recv as io.EOF.
// It limits inbound messages on conn to [MaxMessage] bytes.
func WebSocket(conn *websocket.Conn) WSChannel {
	conn.SetReadLimit(MaxMessage)
	return WSChannel{conn: conn}
}

// MaxMessage is the largest WebSocket message a channel will read, a header
// plus a payload of [presents.MaxPayload] bytes.
const MaxMessage = presents.MaxPayload + 8

// A WSChannel sends and receives packets as WebSocket binary messages.
type WSChannel struct {
	conn *websocket.Conn
}

// Send implements a method of the [presents.Channel] interface.
func (c WSChannel) Send(pkt *presents.Packet) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, pkt.Encode())
}

// Recv implements a method of the [presents.Channel] interface.
func (c WSChannel) Recv() (*presents.Packet, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue // text frames are not part of the protocol
		}
		var pkt presents.Packet
		if _, err := pkt.ReadFrom(bytes.NewReader(data)); err != nil {
			return nil, err
		}
		return &pkt, nil
	}
}

// Close implements a method of the [presents.Channel] interface. It sends a
// normal closure frame, if possible, before closing the connection.
func (c WSChannel) Close() error {
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// NATS constructs a channel that publishes packets to the send subject of nc
// and receives them from the recv subject. The remote end uses the same pair
// with the subjects swapped. Closing the channel publishes an empty message,
// which the remote end reports as io.EOF.
//
// Inbound messages are buffered without limit until Recv takes them. If the
// client library nevertheless discards a message, Recv reports ErrDropped
// rather than skipping it.
func NATS(nc *nats.Conn, send, recv string) (*NATSChannel, error) {
	sub, err := nc.SubscribeSync(recv)
	if err != nil {
		return nil, err
	}
	if err := sub.SetPendingLimits(-1, -1); err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	// Make sure the subscription is registered before the caller publishes.
	if err := nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NATSChannel{
		nc:     nc,
		subj:   send,
		sub:    sub,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// ErrDropped is reported by a NATS channel that lost an inbound message.
var ErrDropped = errors.New("channel: inbound NATS message dropped")

// A NATSChannel sends and receives packets on a pair of NATS subjects.
type NATSChannel struct {
	nc   *nats.Conn
	subj string
	sub  *nats.Subscription

	once   sync.Once
	ctx    context.Context // ends when the channel is closed
	cancel context.CancelFunc
}

// Send implements a method of the [presents.Channel] interface.
func (c *NATSChannel) Send(pkt *presents.Packet) error {
	if c.ctx.Err() != nil {
		return net.ErrClosed
	}
	if err := c.nc.Publish(c.subj, pkt.Encode()); err != nil {
		return err
	}
	return c.nc.Flush()
}

// Recv implements a method of the [presents.Channel] interface.
func (c *NATSChannel) Recv() (*presents.Packet, error) {
	msg, err := c.sub.NextMsgWithContext(c.ctx)
	if err != nil {
		if c.ctx.Err() != nil {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	if n, _ := c.sub.Dropped(); n > 0 {
		return nil, ErrDropped
	}
	if len(msg.Data) == 0 {
		return nil, io.EOF
	}
	var pkt presents.Packet
	if _, err := pkt.ReadFrom(bytes.NewReader(msg.Data)); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// Close implements a method of the [presents.Channel] interface. It does not
// close the underlying NATS connection.
func (c *NATSChannel) Close() error {
	err := net.ErrClosed
	c.once.Do(func() {
		c.cancel()
		err = multierr.Combine(c.nc.Publish(c.subj, nil), c.nc.Flush(), c.sub.Unsubscribe())
	})
	return err
}
