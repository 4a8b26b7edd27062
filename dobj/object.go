// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package dobj

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/creachadair/presents/packet"
)

// An Object is a shared record of named attributes, identified by an oid.
//
// Before an object is registered with a [Manager] its attributes may be set
// freely with Init. Afterward, all changes are made by events: the mutator
// methods (Set, AddEntry, and so on) build an event and hand it to the
// object's [Poster], which on the server applies it immediately and then
// broadcasts it to subscribers.
type Object struct {
	μ         sync.Mutex
	oid       int32
	typ       string
	owner     int32
	attrs     map[string]any
	destroyed bool

	poster Poster
	access AccessController
}

// A Poster accepts locally originated events for an object. PostLocal is
// called with the object's lock held, so that the order in which events are
// posted matches the order in which they are applied.
type Poster interface {
	PostLocal(obj *Object, ev Event) error
}

// NewObject constructs a new, unregistered object of the given type. The owner
// of a new object is ServerOID.
func NewObject(typ string) *Object {
	return &Object{typ: typ, owner: ServerOID, attrs: make(map[string]any)}
}

// Init sets an attribute without generating an event, and returns o to permit
// chaining. Init panics if o is already registered.
func (o *Object) Init(name string, value any) *Object {
	o.μ.Lock()
	defer o.μ.Unlock()
	if o.oid != 0 {
		panic(fmt.Sprintf("Init %q on registered object %d", name, o.oid))
	}
	o.attrs[name] = value
	return o
}

// OID returns the object ID of o, or 0 if o is not registered.
func (o *Object) OID() int32 { o.μ.Lock(); defer o.μ.Unlock(); return o.oid }

// Type returns the type label of o.
func (o *Object) Type() string { return o.typ }

// Owner returns the oid of the owner of o.
func (o *Object) Owner() int32 { o.μ.Lock(); defer o.μ.Unlock(); return o.owner }

// SetOwner sets the owner of o. Ownership is server state and is not
// announced to subscribers, though it is included in snapshots.
func (o *Object) SetOwner(oid int32) { o.μ.Lock(); defer o.μ.Unlock(); o.owner = oid }

// Destroyed reports whether o has been destroyed.
func (o *Object) Destroyed() bool { o.μ.Lock(); defer o.μ.Unlock(); return o.destroyed }

// Get returns the current value of the named attribute, or nil. Set values
// are returned as copies.
func (o *Object) Get(name string) any {
	o.μ.Lock()
	defer o.μ.Unlock()
	if set, ok := o.attrs[name].(*DSet); ok {
		return set.Clone()
	}
	return o.attrs[name]
}

// Has reports whether o has an attribute with the given name.
func (o *Object) Has(name string) bool {
	o.μ.Lock()
	defer o.μ.Unlock()
	_, ok := o.attrs[name]
	return ok
}

// Names returns the attribute names of o in sorted order.
func (o *Object) Names() []string {
	o.μ.Lock()
	defer o.μ.Unlock()
	return slices.Sorted(maps.Keys(o.attrs))
}

// Attr returns the named attribute of o as a T. It reports false if the
// attribute is not set or has a different type.
func Attr[T any](o *Object, name string) (T, bool) {
	v, ok := o.Get(name).(T)
	return v, ok
}

// String returns a brief description of o for diagnostics.
func (o *Object) String() string {
	o.μ.Lock()
	defer o.μ.Unlock()
	return fmt.Sprintf("%s#%d", o.typ, o.oid)
}

// Set changes the value of an attribute.
func (o *Object) Set(name string, value any) error {
	return o.post(&AttributeChanged{Name: name, Value: value})
}

// SetElement changes one element of an array attribute.
func (o *Object) SetElement(name string, index int, value any) error {
	return o.post(&ElementUpdated{Name: name, Index: index, Value: value})
}

// AddEntry adds e to a set attribute, replacing any entry with the same key.
func (o *Object) AddEntry(name string, e Entry) error {
	if err := checkKey(e.Key); err != nil {
		return err
	}
	return o.post(&EntryAdded{Name: name, Entry: e})
}

// UpdateEntry replaces the entry of a set attribute having the key of e.
func (o *Object) UpdateEntry(name string, e Entry) error {
	if err := checkKey(e.Key); err != nil {
		return err
	}
	return o.post(&EntryUpdated{Name: name, Entry: e})
}

// RemoveEntry removes the entry with the given key from a set attribute.
func (o *Object) RemoveEntry(name string, key any) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return o.post(&EntryRemoved{Name: name, Key: normalKey(key)})
}

// AddOID adds oid to an id-list attribute.
func (o *Object) AddOID(name string, oid int32) error {
	return o.post(&ObjectAdded{Name: name, OID: oid})
}

// RemoveOID removes oid from an id-list attribute.
func (o *Object) RemoveOID(name string, oid int32) error {
	return o.post(&ObjectRemoved{Name: name, OID: oid})
}

// PostMessage sends a named message about o to its subscribers.
func (o *Object) PostMessage(name string, args ...any) error {
	return o.post(&Message{Name: name, Args: args})
}

func (o *Object) post(ev Event) error {
	o.μ.Lock()
	defer o.μ.Unlock()
	h := ev.Header()
	h.Target = o.oid
	h.Source = ServerOID
	if o.poster == nil {
		return applyLocked(ev, o)
	}
	return o.poster.PostLocal(o, ev)
}

// SetPoster sets the poster that handles locally originated events for o.
// A Manager sets itself as the poster of objects it registers; a client sets
// one on the mirrors it receives.
func (o *Object) SetPoster(p Poster) { o.μ.Lock(); defer o.μ.Unlock(); o.poster = p }

// setAttr returns a copy of the named set attribute, or a new empty set if the
// attribute is unset.
func (o *Object) setAttr(name string) (*DSet, error) {
	switch t := o.attrs[name].(type) {
	case nil:
		return new(DSet), nil
	case *DSet:
		return t.Clone(), nil
	default:
		return nil, fmt.Errorf("attribute %q is %T, not a set: %w", name, t, ErrTypeMismatch)
	}
}

func (o *Object) listAttr(name string) (OIDList, error) {
	switch t := o.attrs[name].(type) {
	case nil:
		return nil, nil
	case OIDList:
		return t, nil
	default:
		return nil, fmt.Errorf("attribute %q is %T, not an id list: %w", name, t, ErrTypeMismatch)
	}
}

// Encode returns a snapshot of o in binary format: the oid, type, and owner
// followed by the attributes in name order.
func (o *Object) Encode() ([]byte, error) {
	o.μ.Lock()
	defer o.μ.Unlock()
	var b packet.Builder
	b.Int32(o.oid)
	b.VPutString(o.typ)
	b.Int32(o.owner)
	b.Vint30(uint32(len(o.attrs)))
	for _, name := range slices.Sorted(maps.Keys(o.attrs)) {
		b.VPutString(name)
		if err := AppendValue(&b, o.attrs[name]); err != nil {
			return nil, fmt.Errorf("encode %s.%s: %w", o.typ, name, err)
		}
	}
	return b.Bytes(), nil
}

// DecodeObject decodes a snapshot produced by [Object.Encode]. The result is
// not registered, but retains the oid of the original.
func DecodeObject(data []byte) (*Object, error) {
	s := packet.NewScanner(data)
	oid, err := s.Int32()
	if err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	typ, err := packet.VGet[string](s)
	if err != nil {
		return nil, fmt.Errorf("decode object type: %w", err)
	}
	owner, err := s.Int32()
	if err != nil {
		return nil, fmt.Errorf("decode object owner: %w", err)
	}
	n, err := scanCount(s)
	if err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	obj := &Object{oid: oid, typ: typ, owner: owner, attrs: make(map[string]any, n)}
	for range n {
		name, err := packet.VGet[string](s)
		if err != nil {
			return nil, fmt.Errorf("decode attribute name: %w", err)
		}
		obj.attrs[name], err = ScanValue(s)
		if err != nil {
			return nil, fmt.Errorf("decode attribute %q: %w", name, err)
		}
	}
	if s.Len() != 0 {
		return nil, fmt.Errorf("decode object: extra data (%d bytes)", s.Len())
	}
	return obj, nil
}

// Reset replaces the state of o with the state of snap, which must have the
// same oid. Clients use this to refresh a mirror from a new snapshot.
func (o *Object) Reset(snap *Object) error {
	if o == snap {
		return nil
	}
	snap.μ.Lock()
	attrs := maps.Clone(snap.attrs)
	owner, oid := snap.owner, snap.oid
	snap.μ.Unlock()

	o.μ.Lock()
	defer o.μ.Unlock()
	if oid != o.oid {
		return fmt.Errorf("reset object %d from snapshot of %d", o.oid, oid)
	}
	o.attrs = attrs
	o.owner = owner
	return nil
}
