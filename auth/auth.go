// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package auth defines the logon handshake messages exchanged when a session
// begins, and the authenticators that decide whether to admit a session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/creachadair/presents/packet"
	"github.com/oklog/ulid/v2"
)

// Standard logon failure messages.
const (
	NoSuchUser        = "m.no_such_user"
	InvalidPassword   = "m.invalid_password"
	InvalidTicket     = "m.invalid_ticket"
	VersionMismatch   = "m.version_mismatch"
	ServerBusy        = "m.server_busy"
	ServerError       = "m.server_error"
	UnsupportedScheme = "m.unsupported_credentials"
)

// Credentials identify the party requesting a session. The meaning of each
// field depends on Kind, which selects an authenticator (for example
// "password", "ticket", or "peer").
type Credentials struct {
	Kind     string
	Username string
	Secret   string
	Extra    map[string]string // additional policy-specific fields
}

// String renders the credentials without the secret.
func (c Credentials) String() string { return fmt.Sprintf("%s:%s", c.Kind, c.Username) }

func (c Credentials) appendTo(b *packet.Builder) {
	b.VPutString(c.Kind)
	b.VPutString(c.Username)
	b.VPutString(c.Secret)
	b.Vint30(uint32(len(c.Extra)))
	for _, key := range slices.Sorted(maps.Keys(c.Extra)) {
		b.VPutString(key)
		b.VPutString(c.Extra[key])
	}
}

func (c *Credentials) scanFrom(s *packet.Scanner) (err error) {
	if c.Kind, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("kind: %w", err)
	}
	if c.Username, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("username: %w", err)
	}
	if c.Secret, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("secret: %w", err)
	}
	n, err := s.Vint30()
	if err != nil {
		return fmt.Errorf("extra count: %w", err)
	}
	c.Extra = nil
	for range n {
		key, err := packet.VGet[string](s)
		if err != nil {
			return fmt.Errorf("extra key: %w", err)
		}
		val, err := packet.VGet[string](s)
		if err != nil {
			return fmt.Errorf("extra %q: %w", key, err)
		}
		if c.Extra == nil {
			c.Extra = make(map[string]string)
		}
		c.Extra[key] = val
	}
	return nil
}

// A Request is the logon request sent by a client to begin a session.
type Request struct {
	Credentials Credentials
	Version     string   // client protocol version
	TimeZone    string   // IANA time zone name, e.g. "America/Los_Angeles"
	Groups      []string // bootstrap service groups requested
}

// MarshalBinary encodes r in binary format.
func (r Request) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	r.Credentials.appendTo(&b)
	b.VPutString(r.Version)
	b.VPutString(r.TimeZone)
	b.Vint30(uint32(len(r.Groups)))
	for _, g := range r.Groups {
		b.VPutString(g)
	}
	return b.Bytes(), nil
}

// UnmarshalBinary decodes r from data in the format written by MarshalBinary.
func (r *Request) UnmarshalBinary(data []byte) (err error) {
	s := packet.NewScanner(data)
	if err := r.Credentials.scanFrom(s); err != nil {
		return fmt.Errorf("decode credentials: %w", err)
	}
	if r.Version, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("decode version: %w", err)
	}
	if r.TimeZone, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("decode time zone: %w", err)
	}
	n, err := s.Vint30()
	if err != nil {
		return fmt.Errorf("decode group count: %w", err)
	}
	r.Groups = nil
	for range n {
		g, err := packet.VGet[string](s)
		if err != nil {
			return fmt.Errorf("decode group: %w", err)
		}
		r.Groups = append(r.Groups, g)
	}
	if s.Len() != 0 {
		return fmt.Errorf("decode request: extra data (%d bytes)", s.Len())
	}
	return nil
}

// A Response is returned to a client whose logon succeeded.
type Response struct {
	AuthName string    // the canonical name of the authenticated user
	Token    ulid.ULID // unique session token, assigned by the server
	Payload  []byte    // opaque authenticator-specific data
}

// MarshalBinary encodes r in binary format.
func (r Response) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	b.VPutString(r.AuthName)
	b.Put(r.Token[:]...)
	b.VPut(r.Payload)
	return b.Bytes(), nil
}

// UnmarshalBinary decodes r from data in the format written by MarshalBinary.
func (r *Response) UnmarshalBinary(data []byte) (err error) {
	s := packet.NewScanner(data)
	if r.AuthName, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("decode auth name: %w", err)
	}
	tok, err := packet.Get[[]byte](s, len(r.Token))
	if err != nil {
		return fmt.Errorf("decode token: %w", err)
	}
	copy(r.Token[:], tok)
	payload, err := packet.VGet[[]byte](s)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	r.Payload = slices.Clone(payload)
	return nil
}

// Error is a logon failure. If InProgress is true, the failure is not final:
// the client may retry the logon on the same connection (for example after a
// backoff). Otherwise the server closes the connection.
type Error struct {
	Message    string
	InProgress bool
}

func (e *Error) Error() string {
	if e.InProgress {
		return "logon in progress: " + e.Message
	}
	return "logon failed: " + e.Message
}

// Failed returns a terminal logon error with the given message.
func Failed(msg string) *Error { return &Error{Message: msg} }

// Retry returns a non-terminal logon error with the given message.
func Retry(msg string) *Error { return &Error{Message: msg, InProgress: true} }

// IsInProgress reports whether err is a logon error that is not final.
func IsInProgress(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.InProgress
}

// An Authenticator decides whether to admit a logon request. On success it
// returns a response with at least AuthName populated; the server assigns the
// session token. On failure it should return an *Error. Any other error is
// reported to the client as a terminal ServerError.
type Authenticator interface {
	Authenticate(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a function to the Authenticator interface.
type Func func(context.Context, *Request) (*Response, error)

// Authenticate implements the Authenticator interface.
func (f Func) Authenticate(ctx context.Context, req *Request) (*Response, error) { return f(ctx, req) }

// Anonymous is an authenticator that admits everyone under the name they
// request.
var Anonymous = Func(func(_ context.Context, req *Request) (*Response, error) {
	return &Response{AuthName: req.Credentials.Username}, nil
})

// Mux is an authenticator that delegates to another authenticator selected by
// the kind of the request credentials.
type Mux map[string]Authenticator

// Authenticate implements the Authenticator interface.
func (m Mux) Authenticate(ctx context.Context, req *Request) (*Response, error) {
	a, ok := m[req.Credentials.Kind]
	if !ok {
		return nil, Failed(UnsupportedScheme)
	}
	return a.Authenticate(ctx, req)
}
