// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package invoke implements remote invocation of server services by clients,
// and notification of clients by the server.
//
// A server groups methods into services, and registers each service with a
// [Dispatcher]. A service has a name, a bootstrap group, and a catalog of
// methods in declaration order. A session that requests the group at logon
// receives a [Handle] for the service, from which a client constructs a
// [Stub] to call its methods:
//
//	svc := invoke.NewService("timebase", "global").
//	   Method("getTimeOid", getTimeOid)
//	d := invoke.NewDispatcher(log)
//	d.Register(svc)
//
// Invocations are carried on a transport peer. A call expecting a result uses
// a correlated request (see [presents.Peer.Go]); a call without a result is
// sent as a single PacketInvoke packet.
//
// In the other direction, a client registers a [ReceiverType] under a small
// alias in the "receivers" set of its client object, and the server calls
// [Notify] to send it a PacketNotify packet.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/creachadair/presents"
	"github.com/creachadair/presents/catalog"
	"github.com/creachadair/presents/dobj"
	"github.com/creachadair/presents/packet"
	"go.uber.org/zap"
)

// Transport assignments for invocations.
const (
	// MethodInvoke is the transport method ID for invocations with results.
	MethodInvoke uint32 = 16

	// PacketInvoke carries an invocation that expects no result.
	PacketInvoke presents.PacketType = 130

	// PacketNotify carries a notification from server to client.
	PacketNotify presents.PacketType = 131
)

// Code classifies an invocation failure.
type Code uint16

const (
	CodeFailed        Code = 1 + iota // declared failure reported by a method
	CodeNoSuchService                 // unknown service ID
	CodeNoSuchMethod                  // unknown method ID
	CodeAccessDenied                  // service group not authorized
	CodeInternal                      // unexpected error or panic in a method
)

// Standard failure messages.
const (
	NoSuchService = "m.no_such_service"
	NoSuchMethod  = "m.no_such_method"
	AccessDenied  = "m.access_denied"
	InternalError = "m.internal_error"
)

// Error is the error reported for a failed invocation. A method may return an
// *Error to report a declared failure verbatim to the caller; any other error
// is reported as CodeInternal with message InternalError.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("invocation failed [%d]: %s", e.Code, e.Message) }

// Fail returns a declared failure with the given message.
func Fail(msg string) *Error { return &Error{Code: CodeFailed, Message: msg} }

// A Method implements one method of a service. It receives the decoded
// arguments of the call, and returns the results to send back.
type Method func(ctx context.Context, args []any) ([]any, error)

// A Service is a named group of methods.
type Service struct {
	Name  string
	Group string // bootstrap group granting access to the service

	methods catalog.Catalog
	impl    map[uint32]Method
}

// NewService constructs a new empty service.
func NewService(name, group string) *Service {
	return &Service{Name: name, Group: group, methods: catalog.New(), impl: make(map[uint32]Method)}
}

// Method adds a method to s and returns s to permit chaining. Method IDs are
// assigned in the order methods are added. Method panics if name is already
// defined.
func (s *Service) Method(name string, m Method) *Service {
	if s.methods.Lookup(name) != 0 {
		panic(fmt.Sprintf("duplicate method %q in service %q", name, s.Name))
	}
	s.methods.Add(name)
	s.impl[s.methods.Lookup(name)] = m
	return s
}

// Catalog returns the method catalog for s.
func (s *Service) Catalog() catalog.Catalog { return s.methods }

// A Handle describes a service to a client: its name, the ID assigned by the
// dispatcher, and its method catalog.
type Handle struct {
	Name    string
	ID      int
	Methods catalog.Catalog
}

// AppendTo appends the binary encoding of h to b.
func (h Handle) AppendTo(b *packet.Builder) {
	b.VPutString(h.Name)
	b.Vint30(uint32(h.ID))
	b.VPut(h.Methods.Encode())
}

// ScanFrom decodes h from the head of s.
func (h *Handle) ScanFrom(s *packet.Scanner) (err error) {
	if h.Name, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("handle name: %w", err)
	}
	if h.ID, err = s.Vint30(); err != nil {
		return fmt.Errorf("handle id: %w", err)
	}
	cat, err := packet.VGet[[]byte](s)
	if err != nil {
		return fmt.Errorf("handle catalog: %w", err)
	}
	h.Methods = catalog.New()
	if err := h.Methods.Decode(cat); err != nil {
		return fmt.Errorf("handle catalog: %w", err)
	}
	return nil
}

// A Request is the wire form of an invocation.
type Request struct {
	Service int // service ID from a Handle
	Method  uint32
	Args    []any
}

// MarshalBinary encodes r in binary format.
func (r Request) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	b.Vint30(uint32(r.Service))
	b.Vint30(r.Method)
	if err := dobj.AppendValues(&b, r.Args); err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	return b.Bytes(), nil
}

// UnmarshalBinary decodes r from data in the format written by MarshalBinary.
func (r *Request) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	svc, err := s.Vint30()
	if err != nil {
		return fmt.Errorf("decode service: %w", err)
	}
	mid, err := s.Vint30()
	if err != nil {
		return fmt.Errorf("decode method: %w", err)
	}
	args, err := dobj.ScanValues(s)
	if err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	} else if s.Len() != 0 {
		return fmt.Errorf("decode request: extra data (%d bytes)", s.Len())
	}
	r.Service, r.Method, r.Args = svc, uint32(mid), args
	return nil
}

// Call describes an invocation in progress. A method can recover it from its
// context with [ContextCall].
type Call struct {
	Peer    *presents.Peer // the peer that sent the invocation, or nil
	Caller  any            // caller identity supplied to Bind, e.g. a session
	Service string
	Method  string
}

type callContextKey struct{}

// ContextCall returns the call associated with ctx, or nil.
func ContextCall(ctx context.Context) *Call {
	if v := ctx.Value(callContextKey{}); v != nil {
		return v.(*Call)
	}
	return nil
}

// A Dispatcher routes invocations to registered services.
type Dispatcher struct {
	log *zap.Logger

	μ        sync.RWMutex
	services []*Service // ID is index+1
}

// NewDispatcher constructs a new Dispatcher with no services. If log == nil,
// diagnostics are discarded.
func NewDispatcher(log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{log: log}
}

// Register adds svc to d and returns its service ID. IDs are assigned
// sequentially from 1 in registration order.
func (d *Dispatcher) Register(svc *Service) int {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.services = append(d.services, svc)
	id := len(d.services)
	d.log.Debug("registered service", zap.String("service", svc.Name), zap.Int("id", id),
		zap.String("group", svc.Group))
	return id
}

// Handles returns handles for all the services whose groups are in groups,
// ordered by service ID.
func (d *Dispatcher) Handles(groups []string) []Handle {
	d.μ.RLock()
	defer d.μ.RUnlock()
	var out []Handle
	for i, svc := range d.services {
		if slices.Contains(groups, svc.Group) {
			out = append(out, Handle{Name: svc.Name, ID: i + 1, Methods: svc.methods})
		}
	}
	return out
}

func (d *Dispatcher) service(id int) *Service {
	d.μ.RLock()
	defer d.μ.RUnlock()
	if id < 1 || id > len(d.services) {
		return nil
	}
	return d.services[id-1]
}

// Dispatch invokes the method named by req, on behalf of call. If authorized
// is not nil, it must report true for the group of the service. The error,
// if any, has concrete type *Error.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request, call *Call, authorized func(group string) bool) (_ []any, err error) {
	svc := d.service(req.Service)
	if svc == nil {
		return nil, &Error{Code: CodeNoSuchService, Message: NoSuchService}
	}
	if authorized != nil && !authorized(svc.Group) {
		d.log.Warn("invocation denied", zap.String("service", svc.Name), zap.String("group", svc.Group))
		return nil, &Error{Code: CodeAccessDenied, Message: AccessDenied}
	}
	name, ok := svc.methods.Name(req.Method)
	m := svc.impl[req.Method]
	if !ok || m == nil {
		return nil, &Error{Code: CodeNoSuchMethod, Message: NoSuchMethod}
	}

	if call == nil {
		call = new(Call)
	}
	call.Service, call.Method = svc.Name, name
	log := d.log.With(zap.String("service", svc.Name), zap.String("method", name))
	defer func() {
		if x := recover(); x != nil {
			log.Error("method panicked", zap.Any("panic", x), zap.Stack("stack"))
			err = &Error{Code: CodeInternal, Message: InternalError}
		}
	}()

	rs, err := m(context.WithValue(ctx, callContextKey{}, call), req.Args)
	if err != nil {
		var ie *Error
		if errors.As(err, &ie) {
			return nil, ie
		}
		log.Error("method failed", zap.Error(err))
		return nil, &Error{Code: CodeInternal, Message: InternalError}
	}
	return rs, nil
}

// Bind installs handlers for invocations on peer. The caller value is
// recorded in the Call for each invocation. If authorized is not nil, it is
// consulted for each invocation as described for Dispatch.
//
// Invocations without results run in order on the goroutine that receives
// them from the peer, so such methods must not wait on the same peer.
func (d *Dispatcher) Bind(peer *presents.Peer, caller any, authorized func(group string) bool) {
	peer.Handle(MethodInvoke, func(ctx context.Context, preq *presents.Request) ([]byte, error) {
		var req Request
		if err := req.UnmarshalBinary(preq.Data); err != nil {
			return nil, presents.ErrorData{Code: uint16(CodeNoSuchMethod), Message: err.Error()}
		}
		rs, err := d.Dispatch(ctx, &req, &Call{Peer: peer, Caller: caller}, authorized)
		if err != nil {
			ie := err.(*Error)
			return nil, presents.ErrorData{Code: uint16(ie.Code), Message: ie.Message}
		}
		data, err := dobj.EncodeValues(rs...)
		if err != nil {
			d.log.Error("encoding results failed", zap.Error(err))
			return nil, presents.ErrorData{Code: uint16(CodeInternal), Message: InternalError}
		}
		return data, nil
	})
	peer.HandlePacket(PacketInvoke, func(ctx context.Context, pkt *presents.Packet) error {
		var req Request
		if err := req.UnmarshalBinary(pkt.Payload); err != nil {
			return fmt.Errorf("invalid invoke packet: %w", err)
		}
		if _, err := d.Dispatch(ctx, &req, &Call{Peer: peer, Caller: caller}, authorized); err != nil {
			d.log.Debug("invocation without result failed", zap.Int("service", req.Service),
				zap.Uint32("method", req.Method), zap.Error(err))
		}
		return nil
	})
}
