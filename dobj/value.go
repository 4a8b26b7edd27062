// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package dobj

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/creachadair/presents/packet"
)

var (
	// ErrTypeMismatch is reported when a value does not have the type
	// required by an accessor or an event.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrNoSuchObject is reported for operations naming an unregistered oid.
	ErrNoSuchObject = errors.New("no such object")

	// ErrAccessDenied is reported when an access controller rejects a
	// subscription.
	ErrAccessDenied = errors.New("access denied")

	// ErrIndexRange is reported by an element update whose index is outside
	// the array. Arrays are never extended by an update.
	ErrIndexRange = errors.New("index out of range")
)

// An Entry is a keyed element of a [DSet]. Keys must be strings, bools, or
// integers; integer keys are stored as int64.
type Entry struct {
	Key   any
	Value any
}

// A DSet is a set of entries with unique keys, kept in insertion order.
// The zero value is ready for use as an empty set.
//
// A DSet stored as an attribute belongs to its object, and must only be
// modified by applying events.
type DSet struct {
	entries []Entry
}

// NewDSet constructs a set containing the given entries. Later entries replace
// earlier ones with the same key.
func NewDSet(es ...Entry) *DSet {
	d := new(DSet)
	for _, e := range es {
		d.put(e)
	}
	return d
}

// Len reports the number of entries in d.
func (d *DSet) Len() int {
	if d == nil {
		return 0
	}
	return len(d.entries)
}

// Get returns the entry with the given key, if it exists.
func (d *DSet) Get(key any) (Entry, bool) {
	if i := d.index(key); i >= 0 {
		return d.entries[i], true
	}
	return Entry{}, false
}

// Entries returns a copy of the entries of d in insertion order.
func (d *DSet) Entries() []Entry {
	if d == nil {
		return nil
	}
	return slices.Clone(d.entries)
}

// Clone returns a shallow copy of d.
func (d *DSet) Clone() *DSet {
	if d == nil {
		return nil
	}
	return &DSet{entries: slices.Clone(d.entries)}
}

func (d *DSet) index(key any) int {
	if d == nil {
		return -1
	}
	key = normalKey(key)
	return slices.IndexFunc(d.entries, func(e Entry) bool { return e.Key == key })
}

// put adds or replaces e, and returns the previous entry with the same key.
func (d *DSet) put(e Entry) (old Entry, replaced bool) {
	e.Key = normalKey(e.Key)
	if i := d.index(e.Key); i >= 0 {
		old = d.entries[i]
		d.entries[i] = e
		return old, true
	}
	d.entries = append(d.entries, e)
	return Entry{}, false
}

func (d *DSet) remove(key any) (Entry, bool) {
	i := d.index(key)
	if i < 0 {
		return Entry{}, false
	}
	old := d.entries[i]
	d.entries = slices.Delete(d.entries, i, i+1)
	return old, true
}

func normalKey(key any) any {
	switch k := key.(type) {
	case int:
		return int64(k)
	case int32:
		return int64(k)
	}
	return key
}

func checkKey(key any) error {
	switch key.(type) {
	case string, bool, int, int32, int64:
		return nil
	}
	return fmt.Errorf("invalid entry key type %T: %w", key, ErrTypeMismatch)
}

// An OIDList is an ordered list of object IDs without duplicates.
type OIDList []int32

// Contains reports whether oid is in the list.
func (o OIDList) Contains(oid int32) bool { return slices.Contains(o, oid) }

// Value type tags for the binary encoding.
const (
	tagNil byte = iota
	tagFalse
	tagTrue
	tagInt32
	tagInt64
	tagFloat32
	tagFloat64
	tagString
	tagBytes
	tagArray
	tagMap
	tagDSet
	tagOIDList
)

// AppendValue appends the binary encoding of v to b. It reports an error if v,
// or any value nested in it, does not have a supported type.
//
// Supported types are nil, bool, int32, int64, int (encoded as int64), float32,
// float64, string, []byte, []any, map[string]any, *DSet, and OIDList.
func AppendValue(b *packet.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		b.Put(tagNil)
	case bool:
		if t {
			b.Put(tagTrue)
		} else {
			b.Put(tagFalse)
		}
	case int32:
		b.Put(tagInt32)
		b.Int32(t)
	case int64:
		b.Put(tagInt64)
		b.Int64(t)
	case int:
		b.Put(tagInt64)
		b.Int64(int64(t))
	case float32:
		b.Put(tagFloat32)
		b.Float32(t)
	case float64:
		b.Put(tagFloat64)
		b.Float64(t)
	case string:
		b.Put(tagString)
		b.VPutString(t)
	case []byte:
		b.Put(tagBytes)
		b.VPut(t)
	case []any:
		b.Put(tagArray)
		b.Vint30(uint32(len(t)))
		for _, elt := range t {
			if err := AppendValue(b, elt); err != nil {
				return err
			}
		}
	case map[string]any:
		b.Put(tagMap)
		b.Vint30(uint32(len(t)))
		for _, key := range slices.Sorted(maps.Keys(t)) {
			b.VPutString(key)
			if err := AppendValue(b, t[key]); err != nil {
				return err
			}
		}
	case *DSet:
		b.Put(tagDSet)
		b.Vint30(uint32(t.Len()))
		for _, e := range t.Entries() {
			if err := checkKey(e.Key); err != nil {
				return err
			}
			if err := AppendValue(b, e.Key); err != nil {
				return err
			}
			if err := AppendValue(b, e.Value); err != nil {
				return err
			}
		}
	case OIDList:
		b.Put(tagOIDList)
		b.Vint30(uint32(len(t)))
		for _, oid := range t {
			b.Int32(oid)
		}
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

// ScanValue decodes a value encoded by [AppendValue] from the head of s.
func ScanValue(s *packet.Scanner) (any, error) {
	tag, err := s.Byte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagNil:
		return nil, nil
	case tagFalse:
		return false, nil
	case tagTrue:
		return true, nil
	case tagInt32:
		return s.Int32()
	case tagInt64:
		return s.Int64()
	case tagFloat32:
		return s.Float32()
	case tagFloat64:
		return s.Float64()
	case tagString:
		return packet.VGet[string](s)
	case tagBytes:
		v, err := packet.VGet[[]byte](s)
		return slices.Clone(v), err
	case tagArray:
		n, err := scanCount(s)
		if err != nil {
			return nil, err
		}
		out := make([]any, n)
		for i := range out {
			out[i], err = ScanValue(s)
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	case tagMap:
		n, err := scanCount(s)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, n)
		for range n {
			key, err := packet.VGet[string](s)
			if err != nil {
				return nil, err
			}
			out[key], err = ScanValue(s)
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	case tagDSet:
		n, err := scanCount(s)
		if err != nil {
			return nil, err
		}
		out := new(DSet)
		for range n {
			e, err := scanEntry(s)
			if err != nil {
				return nil, err
			}
			out.put(e)
		}
		return out, nil
	case tagOIDList:
		n, err := scanCount(s)
		if err != nil {
			return nil, err
		}
		out := make(OIDList, n)
		for i := range out {
			out[i], err = s.Int32()
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown value tag %d at offset %d", tag, s.Offset()-1)
}

func scanEntry(s *packet.Scanner) (Entry, error) {
	key, err := ScanValue(s)
	if err != nil {
		return Entry{}, err
	} else if err := checkKey(key); err != nil {
		return Entry{}, err
	}
	val, err := ScanValue(s)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: normalKey(key), Value: val}, nil
}

// scanCount reads a collection length, and checks it against the remaining
// input so a corrupt length cannot force a huge allocation.
func scanCount(s *packet.Scanner) (int, error) {
	n, err := s.Vint30()
	if err == io.EOF {
		return 0, io.ErrUnexpectedEOF
	} else if err != nil {
		return 0, err
	}
	if n > s.Len() {
		return 0, fmt.Errorf("count %d exceeds remaining input (%d bytes): %w", n, s.Len(), io.ErrUnexpectedEOF)
	}
	return n, nil
}

// AppendValues appends a count-prefixed list of values to b.
func AppendValues(b *packet.Builder, vs []any) error {
	b.Vint30(uint32(len(vs)))
	for _, v := range vs {
		if err := AppendValue(b, v); err != nil {
			return err
		}
	}
	return nil
}

// ScanValues decodes a list of values encoded by [AppendValues].
func ScanValues(s *packet.Scanner) ([]any, error) {
	n, err := scanCount(s)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]any, n)
	for i := range out {
		out[i], err = ScanValue(s)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EncodeValues returns the encoding of vs as produced by [AppendValues].
func EncodeValues(vs ...any) ([]byte, error) {
	var b packet.Builder
	if err := AppendValues(&b, vs); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// DecodeValues decodes data produced by [EncodeValues]. Trailing data is an
// error.
func DecodeValues(data []byte) ([]any, error) {
	s := packet.NewScanner(data)
	vs, err := ScanValues(s)
	if err != nil {
		return nil, err
	} else if s.Len() != 0 {
		return nil, fmt.Errorf("extra data after values (%d bytes)", s.Len())
	}
	return vs, nil
}
