// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package presents_test

import (
	"context"
	"io"
	"testing"

	"github.com/creachadair/presents"
	"github.com/creachadair/presents/channel"
	"github.com/creachadair/presents/peers"
)

func noop(context.Context, *presents.Request) ([]byte, error)       { return nil, nil }
func echo(_ context.Context, req *presents.Request) ([]byte, error) { return req.Data, nil }

func BenchmarkCall(b *testing.B) {
	var payload = []byte("fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?")

	b.Run("Direct-noop", func(b *testing.B) {
		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Handle(1, noop)
		runBench(b, loc.B, nil)
	})
	b.Run("Direct-echo", func(b *testing.B) {
		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Handle(1, echo)
		runBench(b, loc.B, payload)
	})

	b.Run("IO-noop", func(b *testing.B) {
		pa, pb := pipePeers(b)
		pa.Handle(1, noop)
		runBench(b, pb, nil)
	})
	b.Run("IO-echo", func(b *testing.B) {
		pa, pb := pipePeers(b)
		pa.Handle(1, echo)
		runBench(b, pb, payload)
	})
}

func runBench(b *testing.B, peer *presents.Peer, data []byte) {
	b.Helper()
	ctx := context.Background()

	for b.Loop() {
		_, err := peer.Call(ctx, 1, data)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func pipePeers(tb testing.TB) (pa, pb *presents.Peer) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	pa = presents.NewPeer().Start(channel.IO(ar, aw))
	pb = presents.NewPeer().Start(channel.IO(br, bw))
	tb.Cleanup(func() {
		if err := pa.Stop(); err != nil {
			tb.Errorf("A stop: %v", err)
		}
		if err := pb.Stop(); err != nil {
			tb.Errorf("B stop: %v", err)
		}
	})
	return
}

func BenchmarkGo(b *testing.B) {
	loc := peers.NewLocal()
	defer loc.Stop()
	loc.A.Handle(1, echo)

	done := make(chan error, 1)
	for b.Loop() {
		loc.B.Go(1, nil, func(_ *presents.Response, err error) { done <- err })
		if err := <-done; err != nil {
			b.Fatal(err)
		}
	}
}
