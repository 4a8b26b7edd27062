// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package catalog_test

import (
	"context"
	"testing"

	"github.com/creachadair/presents"
	"github.com/creachadair/presents/catalog"
	"github.com/creachadair/presents/peers"
	"github.com/creachadair/mds/mtest"
	"github.com/google/go-cmp/cmp"
)

func TestCatalogUsage(t *testing.T) {
	cat := catalog.New().Set("test0", 0).Set("test1", 100)

	loc := peers.NewLocal()
	loc.A.LogPackets(func(pkt presents.PacketInfo) { t.Logf("A: %v", pkt) })
	defer loc.Stop()

	// The Peer method should return the bound peer.
	ca := cat.Bind(loc.A)
	if got := ca.Peer(); got != loc.A {
		t.Errorf("ca.Peer: got %v, want %v", got, loc.A)
	}
	cb := cat.Bind(loc.B)
	if got := cb.Peer(); got != loc.B {
		t.Errorf("ca.Peer: got %v, want %v", got, loc.B)
	}

	// The original catalog does not have a peer.
	if got := cat.Peer(); got != nil {
		t.Errorf("cat.Peer: got %v, want nil", got)
	}
	ctx := context.Background()

	ca.
		Handle("test0", func(ctx context.Context, req *presents.Request) ([]byte, error) {
			return []byte("default"), nil
		}).
		Handle("test1", func(ctx context.Context, req *presents.Request) ([]byte, error) {
			return []byte("one"), nil
		})

	t.Run("HandleUnknown", func(t *testing.T) {
		mtest.MustPanic(t, func() { ca.Handle("nonesuch", nil) })
	})

	checkCall := func(t *testing.T, name, want string) {
		t.Helper()
		rsp, err := cb.Call(ctx, name, nil)
		if err != nil {
			t.Fatalf("Call %q unexpectedly failed: %v", name, err)
		} else if got := string(rsp.Data); got != want {
			t.Fatalf("Call %q: got %q, want %q", name, got, want)
		}
	}

	t.Run("Call0_B", func(t *testing.T) { checkCall(t, "test0", "default") })
	t.Run("Call1_B", func(t *testing.T) { checkCall(t, "test1", "one") })
	t.Run("Call2_B", func(t *testing.T) { checkCall(t, "test2", "default") }) // fall through to default
	t.Run("CallUnknown_B", func(t *testing.T) { checkCall(t, "nonesuch", "default") })

	// Add a new binding to the catalog and exercise it.
	cat.Set("test2", 935)
	ca.Handle("test2", func(ctx context.Context, req *presents.Request) ([]byte, error) {
		return []byte("two"), nil
	})
	t.Run("Call2_B_Defined", func(t *testing.T) { checkCall(t, "test2", "two") })

	t.Run("CallUnknown_A", func(t *testing.T) {
		if rsp, err := ca.Call(ctx, "nonesuch", nil); err == nil {
			t.Errorf("Call nonesuch: got %q, want error", rsp)
		}
	})

	checkExec := func(t *testing.T, name, want string) {
		t.Helper()
		data, err := ca.Exec(ctx, name, nil)
		if err != nil {
			t.Fatalf("Exec %q unexpectedly failed: %v", name, err)
		} else if got := string(data); got != want {
			t.Fatalf("Exec %q: got %q, want %q", name, got, want)
		}
	}

	t.Run("Exec0_A", func(t *testing.T) { checkExec(t, "test0", "default") })
	t.Run("Exec1_A", func(t *testing.T) { checkExec(t, "test1", "one") })
	t.Run("ExecUnknown_A", func(t *testing.T) { checkExec(t, "nonesuch", "default") })

	t.Run("ExecUnknown_B", func(t *testing.T) {
		if data, err := cb.Exec(ctx, "nonesuch", nil); err == nil {
			t.Errorf("Exec nonesuch: got %q, want error", data)
		}
	})
}

func TestCatalogEncoding(t *testing.T) {
	initCat := func() catalog.Catalog {
		return catalog.New().
			Set("minsc", 101).
			Set("boo", 102).
			Set("dynaheir", 100987).
			Set("viconia", 666)
	}
	checkEqual := func(t *testing.T, got, want catalog.Catalog) {
		t.Helper()
		if diff := cmp.Diff(got, want, cmp.AllowUnexported(catalog.Catalog{})); diff != "" {
			t.Fatalf("Catalog: (-got, +want):\n%s", diff)
		}
	}

	t.Run("Lookup", func(t *testing.T) {
		want := map[string]uint32{"minsc": 101, "boo": 102, "nonesuch": 0}
		cat := initCat()

		for name, id := range want {
			if got := cat.Lookup(name); got != id {
				t.Errorf("Lookup %q: got %d, want %d", name, got, id)
			}
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		want := initCat()
		enc := want.Encode()
		t.Logf("Encoded catalog: %q", enc)
		var got catalog.Catalog
		if err := got.Decode(enc); err != nil {
			t.Fatalf("Decode catalog: unexpected error: %v", err)
		}
		checkEqual(t, got, want)
	})

	t.Run("Handler", func(t *testing.T) {
		loc := peers.NewLocal()
		loc.A.LogPackets(func(pkt presents.PacketInfo) { t.Logf("A: %v", pkt) })
		defer loc.Stop()

		// Set up a catalog with a method to query the catalog itself.
		cat := initCat().Add("catalog")

		// Bind the handler for that method on A.
		cat.Bind(loc.A).Handle("catalog", cat.Handler)

		// Call the catalog method from B.
		rsp, err := cat.Bind(loc.B).Call(context.Background(), "catalog", nil)
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}

		// Make sure we got the same set back.
		var got catalog.Catalog
		if err := got.Decode(rsp.Data); err != nil {
			t.Fatalf("Decode response: unexpected error: %v", err)
		}
		checkEqual(t, got, cat)
	})
}

func TestCatalogOrder(t *testing.T) {
	cat := catalog.New().Add("logon", "bootstrap").Set("invoke", 16).Add("logoff")

	if diff := cmp.Diff(cat.Names(), []string{"logon", "bootstrap", "invoke", "logoff"}); diff != "" {
		t.Errorf("Names (-got, +want):\n%s", diff)
	}
	if got := cat.Lookup("logoff"); got != 17 {
		t.Errorf("Lookup logoff: got %d, want 17", got)
	}
	if name, ok := cat.Name(2); !ok || name != "bootstrap" {
		t.Errorf("Name(2): got %q, %v; want bootstrap, true", name, ok)
	}
	if name, ok := cat.Name(99); ok {
		t.Errorf("Name(99): got %q, want not found", name)
	}
	if got := cat.Len(); got != 4 {
		t.Errorf("Len: got %d, want 4", got)
	}
}

func TestCatalogGo(t *testing.T) {
	loc := peers.NewLocal()
	defer loc.Stop()

	cat := catalog.New().Add("ping")
	cat.Bind(loc.A).Handle("ping", func(context.Context, *presents.Request) ([]byte, error) {
		return []byte("pong"), nil
	})

	done := make(chan string, 1)
	cat.Bind(loc.B).Go("ping", nil, func(rsp *presents.Response, err error) {
		if err != nil {
			done <- err.Error()
		} else {
			done <- string(rsp.Data)
		}
	})
	if got := <-done; got != "pong" {
		t.Errorf("Go ping: got %q, want pong", got)
	}
}
