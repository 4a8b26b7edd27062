// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package dobj

import (
	"fmt"
	"io"
	"slices"

	"github.com/creachadair/presents/packet"
)

// ServerOID is the source of events originated by the server itself.
const ServerOID int32 = -1

// Kind identifies the variant of an event.
type Kind byte

const (
	KindAttributeChanged Kind = 1 + iota
	KindElementUpdated
	KindEntryAdded
	KindEntryUpdated
	KindEntryRemoved
	KindObjectDestroyed
	KindObjectAdded
	KindObjectRemoved
	KindMessage
)

var kindNames = [...]string{
	KindAttributeChanged: "AttributeChanged",
	KindElementUpdated:   "ElementUpdated",
	KindEntryAdded:       "EntryAdded",
	KindEntryUpdated:     "EntryUpdated",
	KindEntryRemoved:     "EntryRemoved",
	KindObjectDestroyed:  "ObjectDestroyed",
	KindObjectAdded:      "ObjectAdded",
	KindObjectRemoved:    "ObjectRemoved",
	KindMessage:          "Message",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

// An Event describes a single mutation of one object. The concrete types are
// the pointer types of this package named by [Kind].
//
// An event is applied at most once: every event carries a transient flag that
// records whether it has been applied, so applying the same event value again
// has no effect. The flag is not part of the encoding.
type Event interface {
	// Kind reports the variant of the event.
	Kind() Kind

	// Header returns the common fields of the event.
	Header() *EventHeader

	applyTo(*Object) error
	encodeFields(*packet.Builder) error
	decodeFields(*packet.Scanner) error
}

// EventHeader holds the fields common to all events.
type EventHeader struct {
	Target int32 // the object the event applies to
	Source int32 // the originator; ServerOID for the server

	applied    bool // guarded by the target object's lock
	dispatched bool // owned by the dispatch loop
}

// Header implements part of the [Event] interface.
func (h *EventHeader) Header() *EventHeader { return h }

// Applied reports whether the event has been applied to its target.
func (h *EventHeader) Applied() bool { return h.applied }

// AttributeChanged replaces the value of a named attribute.
type AttributeChanged struct {
	EventHeader
	Name  string
	Value any
	Old   any // set when applied
}

func (*AttributeChanged) Kind() Kind { return KindAttributeChanged }

func (e *AttributeChanged) applyTo(o *Object) error {
	e.Old = o.attrs[e.Name]
	o.attrs[e.Name] = e.Value
	return nil
}

// ElementUpdated replaces one element of an array attribute.
type ElementUpdated struct {
	EventHeader
	Name  string
	Index int
	Value any
	Old   any // set when applied
}

func (*ElementUpdated) Kind() Kind { return KindElementUpdated }

func (e *ElementUpdated) applyTo(o *Object) error {
	arr, ok := o.attrs[e.Name].([]any)
	if !ok {
		return fmt.Errorf("attribute %q is %T, not an array: %w", e.Name, o.attrs[e.Name], ErrTypeMismatch)
	} else if e.Index < 0 || e.Index >= len(arr) {
		return fmt.Errorf("attribute %q: index %d of %d: %w", e.Name, e.Index, len(arr), ErrIndexRange)
	}
	arr = slices.Clone(arr)
	e.Old = arr[e.Index]
	arr[e.Index] = e.Value
	o.attrs[e.Name] = arr
	return nil
}

// Int32 returns the new value as an int32, or reports ErrTypeMismatch.
func (e *ElementUpdated) Int32() (int32, error) { return elementAs[int32](e) }

// Int64 returns the new value as an int64, or reports ErrTypeMismatch.
func (e *ElementUpdated) Int64() (int64, error) { return elementAs[int64](e) }

// Float32 returns the new value as a float32, or reports ErrTypeMismatch.
func (e *ElementUpdated) Float32() (float32, error) { return elementAs[float32](e) }

// Float64 returns the new value as a float64, or reports ErrTypeMismatch.
func (e *ElementUpdated) Float64() (float64, error) { return elementAs[float64](e) }

// String returns the new value as a string, or reports ErrTypeMismatch.
func (e *ElementUpdated) String() (string, error) { return elementAs[string](e) }

// Bool returns the new value as a bool, or reports ErrTypeMismatch.
func (e *ElementUpdated) Bool() (bool, error) { return elementAs[bool](e) }

func elementAs[T any](e *ElementUpdated) (T, error) {
	v, ok := e.Value.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("element %s[%d] is %T, not %T: %w", e.Name, e.Index, e.Value, zero, ErrTypeMismatch)
	}
	return v, nil
}

// EntryAdded adds an entry to a set attribute. If an entry with the same key
// already exists it is replaced.
type EntryAdded struct {
	EventHeader
	Name  string
	Entry Entry
}

func (*EntryAdded) Kind() Kind { return KindEntryAdded }

func (e *EntryAdded) applyTo(o *Object) error {
	set, err := o.setAttr(e.Name)
	if err != nil {
		return err
	}
	set.put(e.Entry)
	o.attrs[e.Name] = set
	return nil
}

// EntryUpdated replaces the entry of a set attribute with the same key.
type EntryUpdated struct {
	EventHeader
	Name  string
	Entry Entry
	Old   Entry // set when applied
}

func (*EntryUpdated) Kind() Kind { return KindEntryUpdated }

func (e *EntryUpdated) applyTo(o *Object) error {
	set, err := o.setAttr(e.Name)
	if err != nil {
		return err
	}
	e.Old, _ = set.put(e.Entry)
	o.attrs[e.Name] = set
	return nil
}

// EntryRemoved removes the entry with the given key from a set attribute.
// Removing a key that is not present has no effect.
type EntryRemoved struct {
	EventHeader
	Name string
	Key  any
	Old  Entry // set when applied, if the key was present
}

func (*EntryRemoved) Kind() Kind { return KindEntryRemoved }

func (e *EntryRemoved) applyTo(o *Object) error {
	if _, ok := o.attrs[e.Name]; !ok {
		return nil
	}
	set, err := o.setAttr(e.Name)
	if err != nil {
		return err
	}
	if old, ok := set.remove(e.Key); ok {
		e.Old = old
		o.attrs[e.Name] = set
	}
	return nil
}

// ObjectDestroyed reports that the target object has been destroyed.
type ObjectDestroyed struct {
	EventHeader
}

func (*ObjectDestroyed) Kind() Kind { return KindObjectDestroyed }

func (e *ObjectDestroyed) applyTo(o *Object) error { o.destroyed = true; return nil }

// ObjectAdded adds an oid to an id-list attribute, if it is not present.
type ObjectAdded struct {
	EventHeader
	Name string
	OID  int32
}

func (*ObjectAdded) Kind() Kind { return KindObjectAdded }

func (e *ObjectAdded) applyTo(o *Object) error {
	list, err := o.listAttr(e.Name)
	if err != nil {
		return err
	}
	if !list.Contains(e.OID) {
		o.attrs[e.Name] = append(slices.Clip(list), e.OID)
	}
	return nil
}

// ObjectRemoved removes an oid from an id-list attribute. Removing an oid that
// is not present has no effect.
type ObjectRemoved struct {
	EventHeader
	Name string
	OID  int32
}

func (*ObjectRemoved) Kind() Kind { return KindObjectRemoved }

func (e *ObjectRemoved) applyTo(o *Object) error {
	list, err := o.listAttr(e.Name)
	if err != nil {
		return err
	}
	if i := slices.Index(list, e.OID); i >= 0 {
		o.attrs[e.Name] = slices.Delete(slices.Clone(list), i, i+1)
	}
	return nil
}

// Message is a named notification about an object. It changes no state.
type Message struct {
	EventHeader
	Name string
	Args []any
}

func (*Message) Kind() Kind { return KindMessage }

func (*Message) applyTo(*Object) error { return nil }

// AttrName returns the name of the attribute affected by ev, and reports
// false for events that do not name one.
func AttrName(ev Event) (string, bool) {
	switch e := ev.(type) {
	case *AttributeChanged:
		return e.Name, true
	case *ElementUpdated:
		return e.Name, true
	case *EntryAdded:
		return e.Name, true
	case *EntryUpdated:
		return e.Name, true
	case *EntryRemoved:
		return e.Name, true
	case *ObjectAdded:
		return e.Name, true
	case *ObjectRemoved:
		return e.Name, true
	}
	return "", false
}

// Apply applies ev to obj, and records prior values on ev. If ev has already
// been applied, Apply does nothing and returns nil. It reports an error if ev
// does not target obj or does not fit its current state; in that case obj is
// not modified.
func Apply(ev Event, obj *Object) error {
	obj.μ.Lock()
	defer obj.μ.Unlock()
	return applyLocked(ev, obj)
}

func applyLocked(ev Event, obj *Object) error {
	h := ev.Header()
	if h.applied {
		return nil
	} else if h.Target != obj.oid {
		return fmt.Errorf("event for %d applied to object %d", h.Target, obj.oid)
	}
	if err := ev.applyTo(obj); err != nil {
		return fmt.Errorf("apply %v to %d: %w", ev.Kind(), obj.oid, err)
	}
	h.applied = true
	return nil
}

// EncodeEvent encodes ev in binary format: the kind byte, target and source
// oids, then the fields of the variant. Prior values are not encoded, since
// the receiver recovers them when it applies the event.
func EncodeEvent(ev Event) ([]byte, error) {
	var b packet.Builder
	h := ev.Header()
	b.Put(byte(ev.Kind()))
	b.Int32(h.Target)
	b.Int32(h.Source)
	if err := ev.encodeFields(&b); err != nil {
		return nil, fmt.Errorf("encode %v: %w", ev.Kind(), err)
	}
	return b.Bytes(), nil
}

// DecodeEvent decodes an event encoded by [EncodeEvent]. The result has not
// been applied.
func DecodeEvent(data []byte) (Event, error) {
	s := packet.NewScanner(data)
	k, err := s.Byte()
	if err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	ev := newEvent(Kind(k))
	if ev == nil {
		return nil, fmt.Errorf("decode event: unknown kind %d", k)
	}
	h := ev.Header()
	if h.Target, err = s.Int32(); err != nil {
		return nil, fmt.Errorf("decode event target: %w", err)
	}
	if h.Source, err = s.Int32(); err != nil {
		return nil, fmt.Errorf("decode event source: %w", err)
	}
	if err := ev.decodeFields(s); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("decode %v: %w", Kind(k), err)
	} else if s.Len() != 0 {
		return nil, fmt.Errorf("decode %v: extra data (%d bytes)", Kind(k), s.Len())
	}
	return ev, nil
}

func newEvent(k Kind) Event {
	switch k {
	case KindAttributeChanged:
		return new(AttributeChanged)
	case KindElementUpdated:
		return new(ElementUpdated)
	case KindEntryAdded:
		return new(EntryAdded)
	case KindEntryUpdated:
		return new(EntryUpdated)
	case KindEntryRemoved:
		return new(EntryRemoved)
	case KindObjectDestroyed:
		return new(ObjectDestroyed)
	case KindObjectAdded:
		return new(ObjectAdded)
	case KindObjectRemoved:
		return new(ObjectRemoved)
	case KindMessage:
		return new(Message)
	}
	return nil
}

func (e *AttributeChanged) encodeFields(b *packet.Builder) error {
	b.VPutString(e.Name)
	return AppendValue(b, e.Value)
}

func (e *AttributeChanged) decodeFields(s *packet.Scanner) (err error) {
	if e.Name, err = packet.VGet[string](s); err != nil {
		return err
	}
	e.Value, err = ScanValue(s)
	return err
}

func (e *ElementUpdated) encodeFields(b *packet.Builder) error {
	b.VPutString(e.Name)
	b.Vint30(uint32(e.Index))
	return AppendValue(b, e.Value)
}

func (e *ElementUpdated) decodeFields(s *packet.Scanner) (err error) {
	if e.Name, err = packet.VGet[string](s); err != nil {
		return err
	}
	if e.Index, err = s.Vint30(); err != nil {
		return err
	}
	e.Value, err = ScanValue(s)
	return err
}

func (e *EntryAdded) encodeFields(b *packet.Builder) error {
	b.VPutString(e.Name)
	return appendEntry(b, e.Entry)
}

func (e *EntryAdded) decodeFields(s *packet.Scanner) (err error) {
	if e.Name, err = packet.VGet[string](s); err != nil {
		return err
	}
	e.Entry, err = scanEntry(s)
	return err
}

func (e *EntryUpdated) encodeFields(b *packet.Builder) error {
	b.VPutString(e.Name)
	return appendEntry(b, e.Entry)
}

func (e *EntryUpdated) decodeFields(s *packet.Scanner) (err error) {
	if e.Name, err = packet.VGet[string](s); err != nil {
		return err
	}
	e.Entry, err = scanEntry(s)
	return err
}

func (e *EntryRemoved) encodeFields(b *packet.Builder) error {
	b.VPutString(e.Name)
	if err := checkKey(e.Key); err != nil {
		return err
	}
	return AppendValue(b, e.Key)
}

func (e *EntryRemoved) decodeFields(s *packet.Scanner) (err error) {
	if e.Name, err = packet.VGet[string](s); err != nil {
		return err
	}
	key, err := ScanValue(s)
	if err != nil {
		return err
	} else if err := checkKey(key); err != nil {
		return err
	}
	e.Key = normalKey(key)
	return nil
}

func (*ObjectDestroyed) encodeFields(*packet.Builder) error { return nil }
func (*ObjectDestroyed) decodeFields(*packet.Scanner) error { return nil }

func (e *ObjectAdded) encodeFields(b *packet.Builder) error {
	b.VPutString(e.Name)
	b.Int32(e.OID)
	return nil
}

func (e *ObjectAdded) decodeFields(s *packet.Scanner) (err error) {
	if e.Name, err = packet.VGet[string](s); err != nil {
		return err
	}
	e.OID, err = s.Int32()
	return err
}

func (e *ObjectRemoved) encodeFields(b *packet.Builder) error {
	b.VPutString(e.Name)
	b.Int32(e.OID)
	return nil
}

func (e *ObjectRemoved) decodeFields(s *packet.Scanner) (err error) {
	if e.Name, err = packet.VGet[string](s); err != nil {
		return err
	}
	e.OID, err = s.Int32()
	return err
}

func (e *Message) encodeFields(b *packet.Builder) error {
	b.VPutString(e.Name)
	return AppendValues(b, e.Args)
}

func (e *Message) decodeFields(s *packet.Scanner) (err error) {
	if e.Name, err = packet.VGet[string](s); err != nil {
		return err
	}
	e.Args, err = ScanValues(s)
	return err
}

func appendEntry(b *packet.Builder, e Entry) error {
	if err := checkKey(e.Key); err != nil {
		return err
	}
	if err := AppendValue(b, e.Key); err != nil {
		return err
	}
	return AppendValue(b, e.Value)
}
