// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package channel_test

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/presents"
	"github.com/creachadair/presents/channel"
	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func TestDirect(t *testing.T) {
	c, s := channel.Direct()

	g := taskgroup.New(nil)
	g.Go(func() error {
		pkt := new(presents.Packet)
		if err := c.Send(pkt); err != nil {
			t.Errorf("A Send: %v", err)
		}
		got, err := c.Recv()
		if err != nil {
			t.Errorf("A Recv: %v", err)
		}
		if got != pkt {
			t.Errorf("Packet: got %v, want %v", got, pkt)
		}
		return nil
	})
	g.Go(func() error {
		pkt, err := s.Recv()
		if err != nil {
			t.Errorf("B Recv: %v", err)
		}
		if err := s.Send(pkt); err != nil {
			t.Errorf("B Send: %v", err)
		}
		return nil
	})
	g.Wait()

	if err := c.Close(); err != nil {
		t.Errorf("c.Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("s.Close: %v", err)
	}

	if err := c.Send(nil); err == nil {
		t.Error("c.Send after close did not report an error")
	}
	if err := s.Send(nil); err == nil {
		t.Error("s.Send after close did not report an error")
	}
	if pkt, err := c.Recv(); err == nil {
		t.Errorf("c.Recv after close: got %+v", pkt)
	} else {
		t.Logf("Error OK: %v", err)
	}
	if pkt, err := s.Recv(); err == nil {
		t.Errorf("s.Recv after close: got %+v", pkt)
	} else {
		t.Logf("Error OK: %v", err)
	}

}

func TestIO(t *testing.T) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	exchange(t, channel.IO(ar, aw), channel.IO(br, bw))
}

func TestWebSocket(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	var up websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		conns <- conn
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	cc, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial %q: %v", url, err)
	}
	exchange(t, channel.WebSocket(cc), channel.WebSocket(<-conns))
}

func TestNATS(t *testing.T) {
	nc := startNATS(t)
	a, err := channel.NATS(nc, "test.a2b", "test.b2a")
	if err != nil {
		t.Fatalf("NATS A: %v", err)
	}
	b, err := channel.NATS(nc, "test.b2a", "test.a2b")
	if err != nil {
		t.Fatalf("NATS B: %v", err)
	}
	exchange(t, a, b)
}

func TestNATSBurst(t *testing.T) {
	nc := startNATS(t)
	a, err := channel.NATS(nc, "burst.a2b", "burst.b2a")
	if err != nil {
		t.Fatalf("NATS A: %v", err)
	}
	b, err := channel.NATS(nc, "burst.b2a", "burst.a2b")
	if err != nil {
		t.Fatalf("NATS B: %v", err)
	}
	defer b.Close()

	// Send many more packets than any fixed buffer would hold, while b is not
	// reading, then end the stream.
	const numPackets = 5000
	for i := range numPackets {
		pkt := &presents.Packet{Type: 200, Payload: []byte(strconv.Itoa(i))}
		if err := a.Send(pkt); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	a.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range numPackets {
			pkt, err := b.Recv()
			if err != nil {
				t.Errorf("Recv %d: %v", i, err)
				return
			}
			if got, want := string(pkt.Payload), strconv.Itoa(i); got != want {
				t.Errorf("Recv %d: got payload %q, want %q", i, got, want)
				return
			}
		}
		if pkt, err := b.Recv(); !errors.Is(err, io.EOF) {
			t.Errorf("Recv at end: got (%v, %v), want io.EOF", pkt, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("Timed out waiting for the burst to drain")
	}
}

func TestNATSCloseUnblocksRecv(t *testing.T) {
	nc := startNATS(t)
	a, err := channel.NATS(nc, "idle.a2b", "idle.b2a")
	if err != nil {
		t.Fatalf("NATS: %v", err)
	}
	errc := make(chan error, 1)
	go func() { _, err := a.Recv(); errc <- err }()
	a.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, net.ErrClosed) {
			t.Errorf("Recv after close: got %v, want %v", err, net.ErrClosed)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Recv did not return after Close")
	}
}

func TestWebSocketReadLimit(t *testing.T) {
	errc := make(chan error, 1)
	var up websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		ch := channel.WebSocket(conn)
		defer ch.Close()
		_, err = ch.Recv()
		errc <- err
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	cc, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial %q: %v", url, err)
	}
	defer cc.Close()

	// The write may fail once the server gives up on the connection.
	cc.WriteMessage(websocket.BinaryMessage, make([]byte, channel.MaxMessage+1))
	if err := <-errc; !errors.Is(err, websocket.ErrReadLimit) {
		t.Errorf("Recv oversized message: got %v, want %v", err, websocket.ErrReadLimit)
	}
}

// startNATS starts an embedded NATS server for the duration of the test, and
// returns a connection to it.
func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	ns, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("Starting embedded NATS: %v", err)
	}
	ns.Start()
	t.Cleanup(ns.Shutdown)
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("Embedded NATS not ready")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

// exchange sends a packet in each direction between a and b, then closes a
// and checks that b observes the end of the stream.
func exchange(t *testing.T, a, b presents.Channel) {
	t.Helper()

	p1 := &presents.Packet{Type: presents.PacketRequest, Payload: presents.Request{
		RequestID: 1, MethodID: 2, Data: []byte("hello"),
	}.Encode()}
	p2 := &presents.Packet{Type: 200, Payload: []byte("custom")}

	g := taskgroup.New(nil)
	g.Go(func() error { return a.Send(p1) })
	got, err := b.Recv()
	if err != nil {
		t.Fatalf("B Recv: %v", err)
	} else if diff := cmp.Diff(p1, got); diff != "" {
		t.Errorf("B packet (-want, +got):\n%s", diff)
	}
	g.Go(func() error { return b.Send(p2) })
	got, err = a.Recv()
	if err != nil {
		t.Fatalf("A Recv: %v", err)
	} else if diff := cmp.Diff(p2, got); diff != "" {
		t.Errorf("A packet (-want, +got):\n%s", diff)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Logf("A Close: %v", err)
	}
	if pkt, err := b.Recv(); err == nil {
		t.Errorf("B Recv after close: got %v, want error", pkt)
	} else if !errors.Is(err, io.EOF) && !strings.Contains(err.Error(), "closed") {
		t.Errorf("B Recv after close: got %v, want end of stream", err)
	}
	b.Close()
}
