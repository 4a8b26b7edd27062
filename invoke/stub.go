// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package invoke

import (
	"context"
	"errors"
	"fmt"

	"github.com/creachadair/presents"
	"github.com/creachadair/presents/dobj"
)

// A Stub is the client side of a service. It encodes method calls for the
// service described by a handle and sends them over a peer.
type Stub struct {
	peer *presents.Peer
	h    Handle
}

// NewStub returns a stub that invokes the service described by h via peer.
func NewStub(peer *presents.Peer, h Handle) *Stub { return &Stub{peer: peer, h: h} }

// Handle returns the handle of the service.
func (s *Stub) Handle() Handle { return s.h }

func (s *Stub) encode(method string, args []any) ([]byte, error) {
	mid := s.h.Methods.Lookup(method)
	if mid == 0 {
		return nil, fmt.Errorf("service %q has no method %q", s.h.Name, method)
	}
	return Request{Service: s.h.ID, Method: mid, Args: args}.MarshalBinary()
}

// Call invokes method with args and blocks until the results arrive or ctx
// ends. A failure reported by the service has concrete type *Error.
func (s *Stub) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := s.encode(method, args)
	if err != nil {
		return nil, err
	}
	rsp, err := s.peer.Call(ctx, MethodInvoke, data)
	return decodeResult(rsp, err)
}

// Go invokes method with args without waiting. When the outcome is known,
// done is called with the results or error; if the peer stops first, the
// error wraps presents.ErrClosed. Exactly one call to done is made.
func (s *Stub) Go(method string, args []any, done func([]any, error)) {
	data, err := s.encode(method, args)
	if err != nil {
		done(nil, err)
		return
	}
	s.peer.Go(MethodInvoke, data, func(rsp *presents.Response, err error) {
		done(decodeResult(rsp, err))
	})
}

// Invoke sends a call to method with args that expects no result.
func (s *Stub) Invoke(method string, args ...any) error {
	data, err := s.encode(method, args)
	if err != nil {
		return err
	}
	return s.peer.SendPacket(PacketInvoke, data)
}

func decodeResult(rsp *presents.Response, err error) ([]any, error) {
	if err != nil {
		var ce *presents.CallError
		if errors.As(err, &ce) && ce.Err == nil && ce.Response != nil && ce.Response.Code == presents.CodeServiceError {
			return nil, &Error{Code: Code(ce.Code), Message: ce.Message}
		}
		return nil, err
	}
	rs, err := dobj.DecodeValues(rsp.Data)
	if err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	return rs, nil
}
