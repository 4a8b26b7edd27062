// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the invoke.Method type for functions
// with other signatures.
//
// An adapted function takes at most one parameter, which is filled from the
// single argument of the invocation. The parameter may have any type that
// the argument has on the wire (for example string, int32, or []any), or a
// type whose pointer implements encoding.BinaryUnmarshaler (for a []byte
// argument) or encoding.TextUnmarshaler (for a string argument).
//
// Results may likewise be any wire value type, or a type implementing
// encoding.BinaryMarshaler or encoding.TextMarshaler, which are sent as
// []byte and string respectively.
package handler

import (
	"bytes"
	"context"
	"encoding"
	"fmt"

	"github.com/creachadair/presents/invoke"
)

// BadArguments is the failure message reported when the arguments of an
// invocation do not match the parameter of the adapted function.
const BadArguments = "m.bad_arguments"

// ContextCall returns the invocation in progress for the method, or nil if
// ctx has no associated call. The context passed to a function adapted by
// this package has this value when the method is called by a dispatcher.
func ContextCall(ctx context.Context) *invoke.Call { return invoke.ContextCall(ctx) }

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to an invoke.Method.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) invoke.Method {
	return func(ctx context.Context, args []any) ([]any, error) {
		var p P
		if err := unmarshal(args, &p); err != nil {
			return nil, err
		}
		r, err := f(ctx, p)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to an invoke.Method.
func ParamResult[P, R any](f func(context.Context, P) R) invoke.Method {
	return func(ctx context.Context, args []any) ([]any, error) {
		var p P
		if err := unmarshal(args, &p); err != nil {
			return nil, err
		}
		return marshal(f(ctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to an invoke.Method.
func ParamError[P any](f func(context.Context, P) error) invoke.Method {
	return func(ctx context.Context, args []any) ([]any, error) {
		var p P
		if err := unmarshal(args, &p); err != nil {
			return nil, err
		}
		return nil, f(ctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to an invoke.Method.
func ResultError[R any](f func(context.Context) (R, error)) invoke.Method {
	return func(ctx context.Context, args []any) ([]any, error) {
		r, err := f(ctx)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R, to an invoke.Method.
func ResultOnly[R any](f func(context.Context) R) invoke.Method {
	return func(ctx context.Context, args []any) ([]any, error) { return marshal(f(ctx)) }
}

func badArgs() error { return invoke.Fail(BadArguments) }

// unmarshal decodes the single argument in args into v, which must be a
// pointer. If *v has the same type as the argument it is assigned directly;
// otherwise v must implement encoding.BinaryUnmarshaler or
// encoding.TextUnmarshaler. If v implements both, BinaryUnmarshaler is
// preferred.
func unmarshal[P any](args []any, v *P) error {
	if len(args) != 1 {
		return badArgs()
	}
	if t, ok := args[0].(P); ok {
		*v = t
		return nil
	}
	if iv, ok := any(v).(*int); ok {
		// Integers arrive as int64.
		if n, ok := args[0].(int64); ok {
			*iv = int(n)
			return nil
		}
		return badArgs()
	}

	var data []byte
	switch t := args[0].(type) {
	case []byte:
		data = t
	case string:
		data = []byte(t)
	default:
		return badArgs()
	}
	switch t := any(v).(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		if err := t.UnmarshalBinary(data); err != nil {
			return invoke.Fail(fmt.Sprintf("%s: %v", BadArguments, err))
		}
	case encoding.TextUnmarshaler:
		if err := t.UnmarshalText(data); err != nil {
			return invoke.Fail(fmt.Sprintf("%s: %v", BadArguments, err))
		}
	default:
		return badArgs()
	}
	return nil
}

// marshal encodes v as the single result of a method. A value implementing
// encoding.BinaryMarshaler is sent as []byte, and one implementing
// encoding.TextMarshaler as a string. Other values are sent as they are, and
// must have a wire value type.
func marshal(v any) ([]any, error) {
	switch t := v.(type) {
	case encoding.BinaryMarshaler:
		data, err := t.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		return []any{data}, nil
	case encoding.TextMarshaler:
		text, err := t.MarshalText()
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		return []any{string(text)}, nil
	default:
		return []any{v}, nil
	}
}
