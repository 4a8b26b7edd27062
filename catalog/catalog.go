// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a mapping from mnemonic method names to stable
// small method IDs. Names are not exchanged on the wire for each call; instead
// a Catalog is encoded once (for example in the bootstrap data sent to a new
// session) and both ends refer to methods by ID thereafter.
//
// # Usage
//
// Construct a new empty catalog and add methods to it in declaration order:
//
//	cat := catalog.New().Add("getTimeOid", "setClock")
//
// Add assigns IDs systematically, so repeating the same sequence of Add and
// Set calls always yields the same method IDs. To recover an assigned ID use
// Lookup, and to map an ID back to its name use Name:
//
//	id := cat.Lookup("setClock")   // 2
//	name, ok := cat.Name(id)       // "setClock", true
//
// To associate a catalog with a specific peer, use Bind. This creates a copy
// of the catalog sharing the same methods but a (possibly) different peer. On
// the peer that implements the methods, use Handle; on the peer that calls
// them, use Call or Go:
//
//	cat.Bind(server).Handle("logon", handleLogon)
//	rsp, err := cat.Bind(client).Call(ctx, "logon", data)
package catalog

import (
	"cmp"
	"context"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/creachadair/presents"
)

// A Catalog associates a peer with a static mapping from method names to IDs
// for use with that peer.
type Catalog struct {
	peer    *presents.Peer
	methods map[string]uint32
}

// New creates a new empty, unbound catalog to map names to method IDs.  It is
// safe to copy the resulting value, all copies share a reference to the same
// name to ID mapping.
func New() Catalog { return Catalog{methods: make(map[string]uint32)} }

// Add adds the specified names to c with fresh positive IDs, and returns c to
// allow chaining.
func (c Catalog) Add(names ...string) Catalog {
	for _, name := range names {
		c.Set(name, c.pickUnusedID())
	}
	return c
}

// Set maps name to methodID in c, and return c to allow chaining.  If name was
// already mapped in c, the existing mapping is replaced.
//
// The name mapping of a catalog is shared among all copies of it.  It is not
// safe to call Set while c is used concurrently by other goroutines without
// external synchronization.
func (c Catalog) Set(name string, methodID uint32) Catalog {
	c.methods[name] = methodID
	return c
}

func (c Catalog) pickUnusedID() uint32 {
	var max uint32
	for _, id := range c.methods {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// Bind returns a copy of c bound to the specified peer.
func (c Catalog) Bind(peer *presents.Peer) Catalog { return Catalog{peer: peer, methods: c.methods} }

// Peer returns the peer associated with c, or nil if the c is unbound.
func (c Catalog) Peer() *presents.Peer { return c.peer }

// Len reports the number of methods defined in c.
func (c Catalog) Len() int { return len(c.methods) }

// Lookup returns the method ID assigned to name, or 0.
//
// Note that the caller may Set a method with ID 0, but assigned IDs will
// always be positive, so a 0 return value of 0 means name was not assigned an
// ID even if it is a valid mapping for the catalog.
func (c Catalog) Lookup(name string) uint32 { return c.methods[name] }

// Name returns the name mapped to methodID, and reports whether it was found.
func (c Catalog) Name(methodID uint32) (string, bool) {
	for name, id := range c.methods {
		if id == methodID {
			return name, true
		}
	}
	return "", false
}

// Names returns the method names of c ordered by ID, ties broken by name.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		if v := cmp.Compare(c.methods[a], c.methods[b]); v != 0 {
			return v
		}
		return cmp.Compare(a, b)
	})
	return names
}

// Call calls the method bound to name on the remote peer.
// If name is not known in the catalog, Call uses method ID 0.
// Call will panic if c is not bound to a peer.
func (c Catalog) Call(ctx context.Context, name string, data []byte) (*presents.Response, error) {
	return c.peer.Call(ctx, c.methods[name], data)
}

// Go calls the method bound to name on the remote peer without waiting for
// the result, which is delivered to done. See [presents.Peer.Go].
// Go will panic if c is not bound to a peer.
func (c Catalog) Go(name string, data []byte, done presents.ResultFunc) {
	c.peer.Go(c.methods[name], data, done)
}

// Exec calls the method bound to name on the local peer.
// If name is not known in the catalog, Exec reports an error.
// Exec will panic if c is not bound to a peer.
func (c Catalog) Exec(ctx context.Context, name string, data []byte) ([]byte, error) {
	return c.peer.Exec(ctx, c.methods[name], data)
}

// Handle binds the specified method to the peer associated with c,
// and returns c to permit chaining.
// Handle will panic if c is not bound to a peer, or if name is not a method
// name known by the catalog.
func (c Catalog) Handle(name string, handler presents.Handler) Catalog {
	methodID, ok := c.methods[name]
	if !ok {
		panic(fmt.Sprintf("method %q not known", name))
	}
	c.peer.Handle(methodID, handler)
	return c
}

// Encode encodes c in binary format.
//
// The wire format of the catalog comprises the names of all defined methods in
// lexicographic order, followed by the corresponding method IDs in the reverse
// order of the names.
//
// Each name is encoded as a big-endian uint16 length followed by that many
// bytes of the name. Each method ID is encoded as a big-endian uint32.
func (c Catalog) Encode() []byte {
	if len(c.methods) == 0 {
		return nil
	}
	var nlen int
	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
		nlen += 2 + len(name) // +2 for length tag
	}
	slices.Sort(names)
	buf := make([]byte, nlen+4*len(c.methods))
	npos, mpos := 0, len(buf)
	for _, name := range names {
		binary.BigEndian.PutUint16(buf[npos:], uint16(len(name)))
		npos += 2
		npos += copy(buf[npos:], name)

		mpos -= 4
		binary.BigEndian.PutUint32(buf[mpos:], c.methods[name])
	}
	return buf
}

// Decode decodes data as a Catalog payload.
func (c *Catalog) Decode(data []byte) error {
	if c.methods == nil {
		c.methods = make(map[string]uint32)
	} else {
		clear(c.methods)
	}
	npos, mpos := 0, len(data)
	for npos != mpos {
		if npos+2 > len(data) || npos > mpos {
			return fmt.Errorf("truncated catalog at offset %d", npos)
		}

		nlen := int(binary.BigEndian.Uint16(data[npos:]))
		npos += 2
		if npos+nlen > len(data) {
			return fmt.Errorf("truncated name at offset %d", npos)
		}

		mpos -= 4
		if mpos < npos+nlen {
			return fmt.Errorf("truncated ID at offset %d", mpos)
		}
		id := binary.BigEndian.Uint32(data[mpos:])

		c.methods[string(data[npos:npos+nlen])] = id
		npos += nlen
	}
	return nil
}

// Handler is a Handler that reports the contents of the catalog.
func (c Catalog) Handler(_ context.Context, req *presents.Request) ([]byte, error) {
	return c.Encode(), nil
}
