// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package session

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/creachadair/presents"
	"github.com/creachadair/presents/auth"
	"github.com/creachadair/presents/catalog"
	"github.com/creachadair/presents/invoke"
	"github.com/creachadair/presents/packet"
)

// Transport assignments for the session protocol.
const (
	MethodLogon     uint32 = 1 // request: auth.Request; response: auth.Response
	MethodBootstrap uint32 = 2 // request: empty; response: BootstrapData

	PacketEvent       presents.PacketType = 128 // an encoded dobj.Event, in either direction
	PacketUnsubscribe presents.PacketType = 129 // upstream: int32 oid
	PacketSubscribe   presents.PacketType = 132 // upstream: int32 oid
	PacketObject      presents.PacketType = 133 // downstream: object snapshot
	PacketFailure     presents.PacketType = 134 // downstream: int32 oid, reason
)

// Methods is the catalog of session methods.
var Methods = catalog.New().Set("logon", MethodLogon).Set("bootstrap", MethodBootstrap)

// Error codes reported in presents.ErrorData by session methods.
const (
	CodeLogonFailed uint16 = 1 // Data[0] == 1 if the failure is in progress
	CodeBadState    uint16 = 2 // the method is not valid in the session state
	CodeBadRequest  uint16 = 3 // the request could not be decoded
)

const bootstrapVersion = 1

// Standard failure messages.
const (
	AccessDenied  = "m.access_denied"
	NoSuchObject  = "m.no_such_object"
	NotActive     = "m.not_active"
	InternalError = "m.internal_error"
)

// logonError encodes a logon failure for the caller.
func logonError(ae *auth.Error) presents.ErrorData {
	var flag byte
	if ae.InProgress {
		flag = 1
	}
	return presents.ErrorData{Code: CodeLogonFailed, Message: ae.Message, Data: []byte{flag}}
}

// LogonError converts an error reported by a logon call into an *auth.Error,
// if it describes a logon failure. Otherwise it returns err unchanged.
func LogonError(err error) error {
	var ce *presents.CallError
	if errors.As(err, &ce) && ce.Err == nil && ce.Code == CodeLogonFailed {
		return &auth.Error{Message: ce.Message, InProgress: len(ce.Data) > 0 && ce.Data[0] == 1}
	}
	return err
}

// BootstrapData is sent to a session that has logged on, describing the
// session and the services and objects available to it.
type BootstrapData struct {
	ConnID    int              // connection ID assigned by the server
	ClientOID int32            // oid of the session's client object
	Services  []invoke.Handle  // services available to the session, by ID
	Objects   map[string]int32 // well-known objects published by the server
}

// MarshalBinary encodes d in binary format.
func (d BootstrapData) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	b.Put(bootstrapVersion)
	b.Vint30(uint32(d.ConnID))
	b.Int32(d.ClientOID)
	b.Vint30(uint32(len(d.Services)))
	for _, h := range d.Services {
		h.AppendTo(&b)
	}
	b.Vint30(uint32(len(d.Objects)))
	for _, name := range slices.Sorted(maps.Keys(d.Objects)) {
		b.VPutString(name)
		b.Int32(d.Objects[name])
	}
	return b.Bytes(), nil
}

// UnmarshalBinary decodes d from data in the format written by MarshalBinary.
func (d *BootstrapData) UnmarshalBinary(data []byte) (err error) {
	s := packet.NewScanner(data)
	if v, err := s.Byte(); err != nil {
		return fmt.Errorf("decode bootstrap: %w", err)
	} else if v != bootstrapVersion {
		return fmt.Errorf("decode bootstrap: unknown version %d", v)
	}
	if d.ConnID, err = s.Vint30(); err != nil {
		return fmt.Errorf("decode connection ID: %w", err)
	}
	if d.ClientOID, err = s.Int32(); err != nil {
		return fmt.Errorf("decode client oid: %w", err)
	}
	ns, err := s.Vint30()
	if err != nil {
		return fmt.Errorf("decode service count: %w", err)
	}
	d.Services = nil
	for range ns {
		var h invoke.Handle
		if err := h.ScanFrom(s); err != nil {
			return fmt.Errorf("decode service: %w", err)
		}
		d.Services = append(d.Services, h)
	}
	no, err := s.Vint30()
	if err != nil {
		return fmt.Errorf("decode object count: %w", err)
	}
	d.Objects = make(map[string]int32, no)
	for range no {
		name, err := packet.VGet[string](s)
		if err != nil {
			return fmt.Errorf("decode object name: %w", err)
		}
		if d.Objects[name], err = s.Int32(); err != nil {
			return fmt.Errorf("decode object %q: %w", name, err)
		}
	}
	if s.Len() != 0 {
		return fmt.Errorf("decode bootstrap: extra data (%d bytes)", s.Len())
	}
	return nil
}

// Service returns the handle for the named service, if present.
func (d BootstrapData) Service(name string) (invoke.Handle, bool) {
	i := slices.IndexFunc(d.Services, func(h invoke.Handle) bool { return h.Name == name })
	if i < 0 {
		return invoke.Handle{}, false
	}
	return d.Services[i], true
}

// SubscribeFailure reports that a subscription request was refused.
type SubscribeFailure struct {
	OID    int32
	Reason string // e.g., AccessDenied or NoSuchObject
}

func (f *SubscribeFailure) Error() string {
	return fmt.Sprintf("subscribe %d failed: %s", f.OID, f.Reason)
}

// EncodeOID encodes an oid packet payload, as for PacketSubscribe.
func EncodeOID(oid int32) []byte {
	var b packet.Builder
	b.Int32(oid)
	return b.Bytes()
}

// DecodeOID decodes a payload written by EncodeOID.
func DecodeOID(data []byte) (int32, error) {
	s := packet.NewScanner(data)
	oid, err := s.Int32()
	if err != nil {
		return 0, fmt.Errorf("decode oid: %w", err)
	} else if s.Len() != 0 {
		return 0, fmt.Errorf("decode oid: extra data (%d bytes)", s.Len())
	}
	return oid, nil
}

// MarshalBinary encodes f as a PacketFailure payload.
func (f SubscribeFailure) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	b.Int32(f.OID)
	b.VPutString(f.Reason)
	return b.Bytes(), nil
}

// UnmarshalBinary decodes a PacketFailure payload.
func (f *SubscribeFailure) UnmarshalBinary(data []byte) (err error) {
	s := packet.NewScanner(data)
	if f.OID, err = s.Int32(); err != nil {
		return fmt.Errorf("decode failure oid: %w", err)
	}
	if f.Reason, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("decode failure reason: %w", err)
	}
	return nil
}
