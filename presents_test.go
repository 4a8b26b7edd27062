// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package presents_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/presents"
	"github.com/creachadair/presents/channel"
	"github.com/creachadair/presents/peers"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestPeer(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stopping peers: %v", err)
		}
		checkZero := func(m *expvar.Map, name string) {
			v := m.Get(name).(*expvar.Int).Value()
			if v != 0 {
				t.Errorf("Metric %q = %d, want 0", name, v)
			}
		}
		m := loc.A.Metrics()
		t.Logf("Metrics at exit: %v", m)

		checkZero(m, "calls_active")
		checkZero(m, "calls_pending")
	}()

	// The test cases send a string in the request that is parsed by
	// parseTestSpec (see below) to control what the handler returns.
	loc.A.Handle(100, func(ctx context.Context, req *presents.Request) ([]byte, error) {
		return parseTestSpec(ctx, string(req.Data))
	})

	tests := []struct {
		who    *presents.Peer     // peer originating the call
		method uint32             // method ID to call
		input  string             // input for parseTestSpec (generates response)
		want   *presents.Response // expected response
	}{
		{loc.B, 10, "n/a", &presents.Response{Code: presents.CodeUnknownMethod}},
		{loc.A, 20, "n/a", &presents.Response{Code: presents.CodeUnknownMethod}},
		{loc.A, 100, "n/a", &presents.Response{Code: presents.CodeUnknownMethod}},

		{loc.B, 100, "ok", &presents.Response{}},
		{loc.B, 100, "ok yay", &presents.Response{Data: []byte("yay")}},

		{loc.B, 100, "error failure", &presents.Response{
			Code: presents.CodeServiceError,
			Data: presents.ErrorData{Message: "failure"}.Encode(),
		}},
		{loc.B, 100, "edata 17 hey stuff", &presents.Response{
			Code: presents.CodeServiceError,
			Data: presents.ErrorData{Code: 17, Message: "hey", Data: []byte("stuff")}.Encode(),
		}},
		{loc.B, 100, "*edata 101 goober nonsense", &presents.Response{
			Code: presents.CodeServiceError,
			Data: presents.ErrorData{Code: 101, Message: "goober", Data: []byte("nonsense")}.Encode(),
		}},
		{loc.B, 100, "panic", &presents.Response{
			Code: presents.CodeServiceError,
			Data: presents.ErrorData{Message: "handler panicked (recovered): boom"}.Encode(),
		}},

		{loc.B, 100, "peer?", &presents.Response{Data: []byte("present")}},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("method-%d-%s", test.method, test.input), func(t *testing.T) {
			rsp, err := test.who.Call(t.Context(), test.method, []byte(test.input))
			if err != nil {
				if rsp != nil {
					t.Errorf("Call: got response %+v with error %v", rsp, err)
				}
				ce, ok := err.(*presents.CallError)
				if !ok {
					t.Fatalf("Call: got error %[1]T (%[1]v), want *CallError", err)
				}
				t.Logf("CallError: %v", ce)

				if ce.Err == nil {
					var ed presents.ErrorData
					if err := ed.Decode(ce.Response.Data); err != nil {
						t.Errorf("Decode response ErrorData: %v", err)
					} else if diff := cmp.Diff(ed, ce.ErrorData); diff != "" {
						t.Errorf("ErrorData (-got, +want):\n%s", diff)
					}
				}
				rsp = ce.Response
			}

			ignoreID := cmpopts.IgnoreFields(*rsp, "RequestID")
			if diff := cmp.Diff(test.want, rsp, ignoreID, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Wrong response (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestWildcard(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	call := func(mid uint32, want string, fail bool) {
		t.Helper()

		rsp, err := loc.B.Call(t.Context(), mid, nil)
		if err != nil {
			if fail {
				t.Logf("Call %d: got err=%v [OK]", mid, err)
			} else {
				t.Errorf("Call %d: unexpected error: %v", mid, err)
			}
			return
		} else if fail {
			t.Errorf("Call %d: should have failed", mid)
		}
		if got := string(rsp.Data); got != want {
			t.Errorf("Call %d: got %q, want %q", mid, got, want)
		}
	}

	loc.A.
		Handle(0, func(ctx context.Context, req *presents.Request) ([]byte, error) {
			return []byte("wildcard"), nil
		}).
		Handle(1, func(ctx context.Context, req *presents.Request) ([]byte, error) {
			return []byte("designated"), nil
		})

	call(0, "wildcard", false)
	call(1, "designated", false)
	call(2, "wildcard", false)

	loc.A.Handle(0, nil)

	call(0, "", true)
	call(1, "designated", false)
	call(2, "?", true)
}

func TestCancellation(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	type packet struct {
		T presents.PacketType
		P string
	}

	var wg sync.WaitGroup
	wg.Add(3) // there are three packets exchanged below

	var apkt []packet
	loc.A.LogPackets(func(pkt presents.PacketInfo) {
		if !pkt.Sent {
			apkt = append(apkt, packet{T: pkt.Type, P: string(pkt.Payload)})
			wg.Done()
		}
	}).Handle(300, func(ctx context.Context, _ *presents.Request) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	var bpkt []packet
	loc.B.LogPackets(func(pkt presents.PacketInfo) {
		if !pkt.Sent {
			bpkt = append(bpkt, packet{T: pkt.Type, P: string(pkt.Payload)})
			wg.Done()
		}
	})

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	rsp, err := loc.B.Call(ctx, 300, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Got %+v, %v; want %v", rsp, err, context.Canceled)
	}

	wg.Wait()

	if diff := cmp.Diff([]packet{
		// Request(1, 300, nil)
		{T: presents.PacketRequest, P: "\x00\x00\x00\x01\x00\x00\x01\x2c"},
		// Cancel(1)
		{T: presents.PacketCancel, P: "\x00\x00\x00\x01"},
	}, apkt); diff != "" {
		t.Errorf("A packets (-want, +got):\n%s", diff)
	}

	if diff := cmp.Diff([]packet{
		// Response(1, CANCELED, nil)
		{T: presents.PacketResponse, P: "\x00\x00\x00\x01\x03"},
	}, bpkt); diff != "" {
		t.Errorf("B packets (-want, +got):\n%s", diff)
	}
}

func TestPeerExec(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	loc.A.
		LogPackets(logPacket(t, "Peer A")).
		Handle(1, func(context.Context, *presents.Request) ([]byte, error) {
			return []byte("ok"), nil
		}).
		Handle(2, func(ctx context.Context, req *presents.Request) ([]byte, error) {
			return presents.ContextPeer(ctx).Exec(ctx, 1, req.Data)
		}).
		Handle(3, func(ctx context.Context, req *presents.Request) ([]byte, error) {
			// The data reported by this handler should not be seen by the caller.
			_, err := presents.ContextPeer(ctx).Exec(ctx, 1000, req.Data)
			return []byte("unseen"), err
		})

	if rsp, err := loc.B.Call(t.Context(), 2, nil); err != nil {
		t.Errorf("Call 2: unexpected error: %v", err)
	} else if got := string(rsp.Data); got != "ok" {
		t.Errorf("Call 2: got %q, want ok", got)
	}

	rsp, err := loc.B.Call(t.Context(), 3, nil)
	var cerr *presents.CallError
	if !errors.As(err, &cerr) {
		t.Errorf("Call 3: got (%v, %v), want CallError", rsp, err)
	} else if got := cerr.Response.Code; got != presents.CodeUnknownMethod {
		t.Errorf("Call 3: response code is %v, want %v", got, presents.CodeUnknownMethod)
	}
}

func TestSlowCancellation(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	stop := make(chan struct{})     // close to release the blocked 666 handler
	returned := make(chan struct{}) // closed when the 666 handler returns
	loc.A.
		Handle(666, func(context.Context, *presents.Request) ([]byte, error) {
			defer close(returned)
			<-stop
			return []byte("message in a bottle"), nil
		}).
		Handle(100, func(context.Context, *presents.Request) ([]byte, error) {
			return []byte("ok"), nil
		})

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	if rsp, err := loc.B.Call(ctx, 666, nil); err == nil {
		t.Errorf("Call: unexpectedly succeeded: %v", rsp)
	}

	// The unresolved request ID must not be reused.
	if rsp, err := loc.B.Call(t.Context(), 100, nil); err != nil {
		t.Errorf("Call 100 unexpectedly failed: %v", err)
	} else if got, want := string(rsp.Data), "ok"; got != want {
		t.Errorf("Call 100: got %q, want %q", got, want)
	}

	close(stop)
	<-returned
}

func TestGo(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	loc.A.Handle(1, func(_ context.Context, req *presents.Request) ([]byte, error) {
		return append([]byte("re: "), req.Data...), nil
	}).Handle(2, func(context.Context, *presents.Request) ([]byte, error) {
		return nil, presents.ErrorData{Code: 5, Message: "nope"}
	})

	type result struct {
		rsp *presents.Response
		err error
	}
	results := make(chan result, 2)
	done := func(rsp *presents.Response, err error) { results <- result{rsp, err} }

	// Go must not block the caller.
	loc.B.Go(1, []byte("hello"), done)
	loc.B.Go(2, nil, done)

	var ok, failed int
	for range 2 {
		select {
		case r := <-results:
			if r.err == nil {
				ok++
				if got := string(r.rsp.Data); got != "re: hello" {
					t.Errorf("Result: got %q, want %q", got, "re: hello")
				}
				continue
			}
			failed++
			var ce *presents.CallError
			if !errors.As(r.err, &ce) {
				t.Errorf("Error: got %T, want *CallError", r.err)
			} else if ce.Code != 5 || ce.Message != "nope" {
				t.Errorf("Error data: got %+v, want code 5 nope", ce.ErrorData)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for continuation")
		}
	}
	if ok != 1 || failed != 1 {
		t.Errorf("Got %d ok, %d failed; want 1, 1", ok, failed)
	}
}

func TestPendingClosed(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	loc.A.Handle(1, func(ctx context.Context, _ *presents.Request) ([]byte, error) {
		started <- struct{}{}
		<-release
		return []byte("too late"), nil
	})

	var calls sync.WaitGroup
	var nDone int
	var mu sync.Mutex
	record := func(rsp *presents.Response, err error) {
		defer calls.Done()
		mu.Lock()
		defer mu.Unlock()
		nDone++
		if !errors.Is(err, presents.ErrClosed) {
			t.Errorf("Go result: got (%v, %v), want %v", rsp, err, presents.ErrClosed)
		}
	}
	calls.Add(2)
	loc.B.Go(1, nil, record)
	go func() {
		_, err := loc.B.Call(context.Background(), 1, nil)
		if !errors.Is(err, presents.ErrClosed) {
			t.Errorf("Call: got %v, want %v", err, presents.ErrClosed)
		}
		if got := err.Error(); !strings.Contains(got, "session closed") {
			t.Errorf("Call error: got %q, want session closed", got)
		}
		calls.Done()
	}()
	<-started
	<-started

	// Stop B while both calls are pending. Both must resolve exactly once.
	if err := loc.B.Stop(); err != nil {
		t.Errorf("B stop: %v", err)
	}
	calls.Wait()
	close(release)
	loc.A.Stop()

	if nDone != 1 {
		t.Errorf("Continuation ran %d times, want 1", nDone)
	}

	// Calls on a stopped peer fail immediately.
	var late error
	loc.B.Go(1, nil, func(_ *presents.Response, err error) { late = err })
	if !errors.Is(late, presents.ErrClosed) {
		t.Errorf("Go after stop: got %v, want %v", late, presents.ErrClosed)
	}
}

func TestUnmatchedResponse(t *testing.T) {
	defer leaktest.Check(t)()

	core, logs := observer.New(zapcore.WarnLevel)
	ac, bc := channel.Direct()
	p := presents.NewPeer().Logger(zap.New(core)).Start(ac)

	// A response nobody asked for is dropped without harming the peer.
	if err := bc.Send(&presents.Packet{
		Type:    presents.PacketResponse,
		Payload: presents.Response{RequestID: 99, Code: presents.CodeSuccess}.Encode(),
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	bc.Close()
	if err := p.Wait(); err != nil {
		t.Errorf("Wait: %v", err)
	}

	got := logs.FilterMessage("dropped response for unknown request").All()
	if len(got) != 1 {
		t.Fatalf("Got %d warnings, want 1: %v", len(got), logs.All())
	}
	if id := got[0].ContextMap()["id"]; id != uint32(99) {
		t.Errorf("Logged id: got %v, want 99", id)
	}
}

func TestProtocolFatal(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("BadMagic", func(t *testing.T) {
		tw, ch := rawChannel()
		p := presents.NewPeer().Start(ch)
		time.AfterFunc(time.Second, func() { p.Stop() })

		tw.Write([]byte{'C', 'P', 0, 2, 0, 0, 0, 0})
		mustErr(t, p.Wait(), "invalid protocol magic")
	})

	t.Run("ShortHeader", func(t *testing.T) {
		tw, ch := rawChannel()
		p := presents.NewPeer().Start(ch)
		time.AfterFunc(time.Second, func() { p.Stop() })

		tw.Write([]byte{'P', 'X', 0, 2, 0, 0})
		tw.Close()
		mustErr(t, p.Wait(), "short packet header")
	})

	t.Run("ShortPayload", func(t *testing.T) {
		tw, ch := rawChannel()
		p := presents.NewPeer().Start(ch)
		time.AfterFunc(time.Second, func() { p.Stop() })

		tw.Write([]byte{'P', 'X', 0, 2, 0, 0, 0, 10, 'a', 'b', 'c', 'd'})
		tw.Close()
		mustErr(t, p.Wait(), "short payload")
	})

	t.Run("HugePayload", func(t *testing.T) {
		tw, ch := rawChannel()
		p := presents.NewPeer().Start(ch)
		time.AfterFunc(time.Second, func() { p.Stop() })

		tw.Write([]byte{'P', 'X', 0, 2, 0xff, 0, 0, 0})
		mustErr(t, p.Wait(), "payload too large")
	})

	t.Run("BadRequest", func(t *testing.T) {
		tw, ch := rawChannel()
		p := presents.NewPeer().Start(ch)
		time.AfterFunc(time.Second, func() { p.Stop() })

		tw.Write([]byte{'P', 'X', 0, 2, 0, 0, 0, 1, 'X'})
		mustErr(t, p.Wait(), "short request payload")
	})

	t.Run("BadResponse", func(t *testing.T) {
		tw, ch := rawChannel()
		p := presents.NewPeer().Start(ch)
		time.AfterFunc(time.Second, func() { p.Stop() })

		tw.Write(presents.Packet{
			Type: presents.PacketResponse,
			Payload: presents.Response{
				RequestID: 100,
				Code:      100,
			}.Encode(),
		}.Encode())
		mustErr(t, p.Wait(), "invalid result code")
	})

	t.Run("CloseChannel", func(t *testing.T) {
		ready := make(chan struct{})
		done := make(chan struct{})
		stall := func(ctx context.Context, _ *presents.Request) ([]byte, error) {
			defer close(done)
			close(ready)
			<-ctx.Done()
			return nil, ctx.Err()
		}

		pr, tw := io.Pipe()
		tr, pw := io.Pipe()
		ch := channel.IO(pr, pw)
		p := presents.NewPeer().Handle(22, stall).Start(ch)
		defer p.Stop()

		tw.Write(presents.Packet{
			Type:    presents.PacketRequest,
			Payload: presents.Request{RequestID: 666, MethodID: 22}.Encode(),
		}.Encode())

		<-ready

		// Simulate the channel failing by closing the pipe.
		time.AfterFunc(100*time.Millisecond, func() { tw.Close() })

		var buf [64]byte
		nr, err := tr.Read(buf[:])
		if err != nil {
			t.Logf("Response correctly failed: %v", err)
		} else {
			t.Errorf("Got response %#q, wanted error", string(buf[:nr]))
		}

		// Inbound calls MUST be cancelled and their results discarded.
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("Timed out waiting for handler to exit")
		}
		p.Stop()
	})
}

func TestCustomPacket(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	var log []*presents.Packet
	var got []*presents.Packet
	var wg sync.WaitGroup
	wg.Add(2)
	loc.A.
		HandlePacket(128, func(ctx context.Context, pkt *presents.Packet) error {
			defer wg.Done()
			got = append(got, pkt)
			rsp := string(pkt.Payload) + " reply"
			return presents.ContextPeer(ctx).SendPacket(129, []byte(rsp))
		}).
		LogPackets(func(pkt presents.PacketInfo) {
			if !pkt.Sent {
				log = append(log, pkt.Packet)
			}
		})
	loc.B.
		HandlePacket(129, func(ctx context.Context, pkt *presents.Packet) error {
			defer wg.Done()
			log = append(log, pkt)
			return nil
		})

	// Unknown packet type: Logged but discarded.
	p1 := &presents.Packet{Type: 100, Payload: []byte("unrecognized")}

	// Registered custom packet type: Logged and "processed".
	p2 := &presents.Packet{Type: 128, Payload: []byte("custom")}

	// A packet handler can also send packets back to its caller.
	p3 := &presents.Packet{Type: 129, Payload: []byte("custom reply")}

	if err := loc.B.SendPacket(p1.Type, p1.Payload); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	if err := loc.B.SendPacket(p2.Type, p2.Payload); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	wg.Wait()
	if err := loc.Stop(); err != nil {
		t.Errorf("Stop peer: %v", err)
	}

	if diff := cmp.Diff([]*presents.Packet{p1, p2, p3}, log); diff != "" {
		t.Errorf("Packet log (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]*presents.Packet{p2}, got); diff != "" {
		t.Errorf("Custom packet (-want, +got):\n%s", diff)
	}
}

func TestOnExit(t *testing.T) {
	t.Run("CloseChannel", func(t *testing.T) {
		defer leaktest.Check(t)()

		loc := peers.NewLocal()
		defer loc.B.Wait()

		var cbCalled bool
		loc.A.OnExit(func(err error) {
			cbCalled = true
			if err != nil {
				t.Errorf("OnExit got an unexpected error: %v", err)
			}
		})

		time.AfterFunc(5*time.Millisecond, func() { loc.A.Stop() })

		if err := loc.A.Wait(); err != nil {
			t.Errorf("Wait: got %v, want nil", err)
		}
		if !cbCalled {
			t.Error("OnExit was not called")
		}
	})

	t.Run("BadPacket", func(t *testing.T) {
		defer leaktest.Check(t)()

		sr, cw := io.Pipe()
		_, sw := io.Pipe()
		srv := channel.IO(sr, sw)

		var cbCalled bool
		var cbErr error
		p := presents.NewPeer().OnExit(func(err error) {
			cbCalled = true
			cbErr = err
		}).Start(srv)

		cw.Write([]byte("PX\x00\x01\x00\x00\x00")) // short packet header
		cw.Close()

		if err := p.Wait(); err == nil {
			t.Error("Wait should have reported an error")
		}
		if !cbCalled {
			t.Error("OnExit was not called")
		} else if cbErr == nil {
			t.Error("OnExit should have reported an error")
		}
	})
}

func TestContextPlumbing(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	type testKey struct{}
	loc.A.
		NewContext(func() context.Context {
			return context.WithValue(context.Background(), testKey{}, "ok")
		}).
		Handle(100, func(ctx context.Context, _ *presents.Request) ([]byte, error) {
			v, ok := ctx.Value(testKey{}).(string)
			if !ok || v != "ok" {
				t.Error("Base context was not correctly plumbed")
			}
			return nil, nil
		})

	if _, err := loc.B.Call(t.Context(), 100, nil); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
}

func TestCallback(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	const numCallbacks = 5

	caller := func(ctx context.Context, req *presents.Request) ([]byte, error) {
		peer := presents.ContextPeer(ctx)

		v, err := strconv.Atoi(string(req.Data))
		if err != nil {
			return nil, err
		} else if v == numCallbacks {
			return []byte("ok"), nil
		}

		rsp, err := peer.Call(ctx, req.MethodID, []byte(strconv.Itoa(v+1)))
		if err != nil {
			return nil, err
		}
		return rsp.Data, nil
	}

	// Each peer will ping-pong callbacks until the threshold has been reached,
	// then unwind returning the result from the furthest call all the way back
	// to the initial caller.
	loc.A.Handle(100, caller).LogPackets(logPacket(t, "Peer A"))
	loc.B.Handle(100, caller).LogPackets(logPacket(t, "Peer B"))

	rsp, err := loc.A.Call(t.Context(), 100, []byte("0"))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	} else if got, want := string(rsp.Data), "ok"; got != want {
		t.Errorf("Call result: got %q, want %q", got, want)
	}
}

func TestConcurrency(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("Local", func(t *testing.T) {
		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Handle(100, slowEcho)
		loc.B.Handle(200, slowEcho)

		runConcurrent(t, loc.A, loc.B)
	})

	t.Run("Pipe", func(t *testing.T) {
		pa, pb := pipePeers(t)
		pa.Handle(100, slowEcho)
		pb.Handle(200, slowEcho)

		runConcurrent(t, pa, pb)
	})
}

func runConcurrent(t *testing.T, pa, pb *presents.Peer) {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	const numCalls = 128 // per peer

	calls := taskgroup.New(taskgroup.Trigger(cancel))
	for i := range numCalls {
		ab := fmt.Sprintf("ab-call-%d", i+1)
		calls.Go(func() error {
			rsp, err := pa.Call(ctx, 200, []byte(ab))
			if err != nil {
				return err
			} else if got := string(rsp.Data); got != ab {
				return fmt.Errorf("got %q, want %q", got, ab)
			}
			return nil
		})

		// Mix in continuation calls from B to A.
		ba := fmt.Sprintf("ba-call-%d", i+1)
		errc := make(chan error, 1)
		pb.Go(100, []byte(ba), func(rsp *presents.Response, err error) {
			if err == nil && string(rsp.Data) != ba {
				err = fmt.Errorf("got %q, want %q", rsp.Data, ba)
			}
			errc <- err
		})
		calls.Go(func() error { return <-errc })
	}
	if err := calls.Wait(); err != nil {
		t.Errorf("Calls: %v", err)
	}
}

func rawChannel() (*io.PipeWriter, channel.IOChannel) {
	pr, tw := io.Pipe()
	_, pw := io.Pipe()
	return tw, channel.IO(pr, pw)
}

func mustErr(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Got nil, want %v", want)
	} else if !strings.Contains(err.Error(), want) {
		t.Fatalf("Got %v, want %v", err, want)
	}
}

func slowEcho(_ context.Context, req *presents.Request) ([]byte, error) {
	time.Sleep(time.Duration(rand.Intn(100)+50) * time.Microsecond) // "work"
	return req.Data, nil
}

// parseTestSpec parses a string giving test values to return from a method
// handler, and returns those values.
//
// Grammar:
//
//	ok text...        -- return text, nil
//	error ...         -- return nil, error(...)
//	edata c msg data  -- return nil, ErrorData{c, msg, data}
//	*edata c msg data -- return nil, &ErrorData{c, msg, data}
//	panic             -- panic("boom")
//	peer?             -- return x, nil where x == "present"/"absent"
//
// Any other value causes a panic.
func parseTestSpec(ctx context.Context, s string) ([]byte, error) {
	ps := strings.Fields(s)
	switch ps[0] {
	case "ok":
		if len(ps) == 1 {
			return nil, nil
		}
		return []byte(strings.Join(ps[1:], " ")), nil

	case "error":
		return nil, errors.New(strings.Join(ps[1:], " "))

	case "edata", "*edata":
		if len(ps) != 4 {
			break
		}
		c, err := strconv.ParseUint(ps[1], 10, 16)
		if err != nil {
			break
		}
		ed := presents.ErrorData{
			Code:    uint16(c),
			Message: ps[2],
			Data:    []byte(ps[3]),
		}
		if ps[0] == "*edata" {
			return nil, &ed
		}
		return nil, ed

	case "panic":
		panic("boom")

	case "peer?":
		if len(ps) == 1 {
			if presents.ContextPeer(ctx) != nil {
				return []byte("present"), nil
			}
			return []byte("absent"), nil
		}
	}
	panic(fmt.Sprintf("Invalid test pattern %q", s))
}

func logPacket(t *testing.T, tag string) presents.PacketLogger {
	return func(pkt presents.PacketInfo) {
		t.Helper()
		t.Logf("%s: %v", tag, pkt)
	}
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"", "unix"},
		{":", "unix"},

		{"nothing", "unix"},        // no colon
		{"like/a/file", "unix"},    // no colon
		{"no-port:", "unix"},       // empty port
		{"file/with:port", "unix"}, // slashes in host
		{"mangled:@3", "unix"},     // non-alphanumerics in port
		{"[::1]:2323", "tcp"},      // bracketed IPv6 with port

		{":80", "tcp"},
		{"localhost:http", "tcp"},
	}
	for _, test := range tests {
		got, addr := presents.SplitAddress(test.input)
		if got != test.want {
			t.Errorf("SplitAddress(%q) type: got %q, want %q", test.input, got, test.want)
		}
		if addr != test.input {
			t.Errorf("SplitAddress(%q) addr: got %q, want %q", test.input, addr, test.input)
		}
	}
}

func TestRegression(t *testing.T) {
	t.Run("ErrorDataSize", func(t *testing.T) {
		const input = "\x00\x01\x00\x04abc"

		var ed presents.ErrorData
		if err := ed.Decode([]byte(input)); err == nil {
			t.Errorf("ErrorData: got %#v, wanted error", ed)
		}
	})

	t.Run("CleanEOF", func(t *testing.T) {
		var pkt presents.Packet
		if _, err := pkt.ReadFrom(strings.NewReader("")); err != io.EOF {
			t.Errorf("ReadFrom empty: got %v, want %v", err, io.EOF)
		}
	})
}
