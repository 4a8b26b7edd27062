// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package handler_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/creachadair/presents/handler"
	"github.com/creachadair/presents/invoke"
	"github.com/creachadair/presents/peers"
	"github.com/fortytw2/leaktest"
)

type tvText string

func (v tvText) MarshalText() ([]byte, error)     { return []byte(v), nil }
func (v *tvText) UnmarshalText(data []byte) error { *v = tvText(data); return nil }

type tvBinary string

func (v tvBinary) MarshalBinary() ([]byte, error)     { return []byte(v), nil }
func (v *tvBinary) UnmarshalBinary(data []byte) error { *v = tvBinary(data); return nil }

func TestHandler(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()

	d := invoke.NewDispatcher(nil)
	d.Bind(loc.A, "caller", nil)

	// Each check registers a fresh service holding h and calls it over the
	// local peers with the argument "input".
	check := func(t *testing.T, want, etext string, h invoke.Method) {
		t.Helper()
		svc := invoke.NewService(t.Name(), "test").Method("run", h)
		id := d.Register(svc)
		stub := invoke.NewStub(loc.B, invoke.Handle{Name: svc.Name, ID: id, Methods: svc.Catalog()})

		rs, err := stub.Call(context.Background(), "run", "input")
		if err != nil {
			var ie *invoke.Error
			if !errors.As(err, &ie) || ie.Message != etext {
				t.Fatalf("Call: got error %v, want %q", err, etext)
			}
		} else if etext != "" {
			t.Fatalf("Call: got %v, want error %q", rs, etext)
		} else if len(rs) != 1 {
			t.Fatalf("Call: got %d results, want 1", len(rs))
		} else if got := asString(rs[0]); got != want {
			t.Errorf("Call result: got %q, want %q", got, want)
		}
	}
	checkCall := func(t *testing.T, ctx context.Context) {
		t.Helper()
		call := handler.ContextCall(ctx)
		if call == nil {
			t.Error("Context does not contain call")
		} else if call.Caller != "caller" || call.Method != "run" {
			t.Errorf("Call: got %+v, want caller and method run", call)
		}
	}

	t.Run("PRE", func(t *testing.T) {
		t.Run("StringString", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s string) (string, error) {
					checkCall(t, ctx)
					return s + "-ok", nil
				},
			))
		})
		t.Run("StringByte", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s string) ([]byte, error) {
					checkCall(t, ctx)
					return []byte(s + "-ok"), nil
				},
			))
		})
		t.Run("TextByte", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s tvText) ([]byte, error) {
					checkCall(t, ctx)
					return []byte(s + "-ok"), nil
				},
			))
		})
		t.Run("BinaryText", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s tvBinary) (tvText, error) {
					checkCall(t, ctx)
					return tvText(s + "-ok"), nil
				},
			))
		})
		t.Run("Error", func(t *testing.T) {
			check(t, "", "bad robot", handler.ParamResultError(
				func(ctx context.Context, s string) (string, error) {
					checkCall(t, ctx)
					return "", invoke.Fail("bad robot")
				},
			))
		})
		t.Run("WrongType", func(t *testing.T) {
			check(t, "", handler.BadArguments, handler.ParamResultError(
				func(ctx context.Context, n int32) (int32, error) { return n + 1, nil },
			))
		})
	})

	t.Run("PR", func(t *testing.T) {
		t.Run("StringString", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResult(
				func(ctx context.Context, s string) string { checkCall(t, ctx); return s + "-ok" },
			))
		})
		t.Run("TextByte", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResult(
				func(ctx context.Context, s tvText) []byte { checkCall(t, ctx); return []byte(s + "-ok") },
			))
		})
		t.Run("BinaryText", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResult(
				func(ctx context.Context, s tvBinary) tvText { checkCall(t, ctx); return tvText(s + "-ok") },
			))
		})
	})

	t.Run("PE", func(t *testing.T) {
		t.Run("Declared", func(t *testing.T) {
			check(t, "", "ok", handler.ParamError(
				func(ctx context.Context, b []byte) error { checkCall(t, ctx); return invoke.Fail("ok") },
			))
		})
		t.Run("Internal", func(t *testing.T) {
			check(t, "", invoke.InternalError, handler.ParamError(
				func(ctx context.Context, s tvText) error { checkCall(t, ctx); return errors.New("secret") },
			))
		})
	})

	t.Run("RE", func(t *testing.T) {
		t.Run("String", func(t *testing.T) {
			check(t, "please", "", handler.ResultError(
				func(ctx context.Context) (string, error) {
					checkCall(t, ctx)
					return "please", nil
				},
			))
		})
		t.Run("Binary", func(t *testing.T) {
			check(t, "louder", "", handler.ResultError(
				func(ctx context.Context) (tvBinary, error) {
					checkCall(t, ctx)
					return "louder", nil
				},
			))
		})
		t.Run("Text", func(t *testing.T) {
			check(t, "", "nope", handler.ResultError(
				func(ctx context.Context) (tvText, error) {
					checkCall(t, ctx)
					return "", invoke.Fail("nope")
				},
			))
		})
	})

	t.Run("RO", func(t *testing.T) {
		t.Run("String", func(t *testing.T) {
			check(t, "please", "", handler.ResultOnly(
				func(ctx context.Context) string { checkCall(t, ctx); return "please" },
			))
		})
		t.Run("Text", func(t *testing.T) {
			check(t, "more", "", handler.ResultOnly(
				func(ctx context.Context) tvText { checkCall(t, ctx); return "more" },
			))
		})
	})
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	}
	return fmt.Sprint(v)
}
