// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package timebase provides shared time bases, which let peers exchange
// timestamps as small deltas.
//
// A time base is an object with two attributes, "evenBase" and "oddBase",
// each a time in milliseconds since the Unix epoch. A delta is encoded
// relative to the more recent of the two: non-negative deltas are relative to
// the even base, negative ones to the odd base. When a delta would exceed its
// limit, the older base is moved to the present, so deltas encoded against
// the other base remain valid while the change propagates to subscribers.
package timebase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/presents/dobj"
	"github.com/creachadair/presents/handler"
	"github.com/creachadair/presents/invoke"
	"go.uber.org/zap"
)

// ObjectType is the type name of time base objects.
const ObjectType = "timebase"

// Attribute names.
const (
	EvenAttr = "evenBase"
	OddAttr  = "oddBase"
)

// ServiceName is the name of the time base service.
const ServiceName = "timebase"

// NoSuchTimeBase is the failure reported for a request for an unknown time
// base.
const NoSuchTimeBase = "m.no_such_time_base"

// A Registry holds the named time bases of a server.
type Registry struct {
	mgr *dobj.Manager
	log *zap.Logger

	μ     sync.Mutex
	bases map[string]*Base
}

// NewRegistry constructs an empty registry whose objects are registered
// with m. If log == nil, logs are discarded.
func NewRegistry(m *dobj.Manager, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{mgr: m, log: log, bases: make(map[string]*Base)}
}

// Create creates and registers a new time base with the given name, with
// its even base at the current time. It reports an error if name is already
// in use.
func (r *Registry) Create(name string) (*Base, error) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if _, ok := r.bases[name]; ok {
		return nil, fmt.Errorf("time base %q already exists", name)
	}
	now := time.Now().UnixMilli()
	b := &Base{
		name: name,
		obj:  dobj.NewObject(ObjectType).Init(EvenAttr, now).Init(OddAttr, int64(0)),
		even: now,
	}
	r.mgr.Register(b.obj, nil)
	r.bases[name] = b
	r.log.Debug("created time base", zap.String("name", name), zap.Int32("oid", b.obj.OID()))
	return b, nil
}

// Lookup returns the named time base, or nil if there is none.
func (r *Registry) Lookup(name string) *Base {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.bases[name]
}

// Service returns an invocation service, in the given group, that lets a
// client look up the oid of a time base by name.
func (r *Registry) Service(group string) *invoke.Service {
	return invoke.NewService(ServiceName, group).
		Method("getTimeOid", handler.ParamResultError(r.getTimeOid))
}

func (r *Registry) getTimeOid(_ context.Context, name string) (int32, error) {
	b := r.Lookup(name)
	if b == nil {
		return 0, invoke.Fail(NoSuchTimeBase)
	}
	return b.obj.OID(), nil
}

// A Base is a named time base.
type Base struct {
	name string
	obj  *dobj.Object

	// The object is updated asynchronously by the manager, so the bases are
	// tracked here for encoding.
	μ          sync.Mutex
	even, odd  int64
	evenIsNext bool // the even base is the next to be moved
}

// Name returns the name of b.
func (b *Base) Name() string { return b.name }

// Object returns the object of b.
func (b *Base) Object() *dobj.Object { return b.obj }

// ToDelta encodes t as a delta no greater in magnitude than limit, moving a
// base to the present if necessary. Times before the current base are not
// representable and are clamped to it.
func (b *Base) ToDelta(t time.Time, limit int64) (int64, error) {
	ms := t.UnixMilli()
	b.μ.Lock()
	defer b.μ.Unlock()

	useEven := !b.evenIsNext
	base := b.odd
	if useEven {
		base = b.even
	}
	delta := max(ms-base, 0)
	if delta > limit {
		// Move the older base forward, and encode against it.
		useEven = !useEven
		attr := OddAttr
		if useEven {
			b.even, attr = ms, EvenAttr
		} else {
			b.odd = ms
		}
		b.evenIsNext = !useEven
		if err := b.obj.Set(attr, ms); err != nil {
			return 0, err
		}
		delta = 0
	}
	if useEven {
		return delta, nil
	}
	return -delta - 1, nil
}

// FromDelta decodes a delta produced by ToDelta, using the base values of
// obj, which may be a time base or a mirror of one.
func FromDelta(obj *dobj.Object, delta int64) (time.Time, error) {
	attr, off := EvenAttr, delta
	if delta < 0 {
		attr, off = OddAttr, -delta-1
	}
	base, ok := dobj.Attr[int64](obj, attr)
	if !ok {
		return time.Time{}, fmt.Errorf("object %d has no %q attribute", obj.OID(), attr)
	}
	return time.UnixMilli(base + off), nil
}
