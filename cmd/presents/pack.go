// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/creachadair/command"
	"github.com/creachadair/presents/packet"
)

const packHelp = `Pack arguments into a binary payload.

This is useful for crafting request payloads by hand. The pattern specifies
the sequence of values to concatenate. Whitespace in the pattern is ignored;
otherwise the pattern specifies how the corresponding argument is processed:

  q  : a quoted literal string (Go style) without framing
  r  : a raw literal string encoded without framing
  s  : a string encoded with a vint30 length prefix
  %  : a Boolean constant (true or false)
  v  : a vint30 value (unsigned)
  1  : a uint8 value (1 byte)
  2  : a uint16 value (2 bytes)
  4  : a uint32 value (4 bytes)
  8  : a uint64 value (8 bytes)
  i  : an int32 value (4 bytes, big-endian)
  l  : an int64 value (8 bytes, big-endian)

Fixed-width unsigned values are packed in big-endian order unless changed:

  <  : encode as little-endian
  >  : encode as big-endian (this is the default)

A "(" begins a subpattern, which goes until the matching ")". The contents of
a subpattern are encoded with a length prefix, a vint30 by default, or:

  @  : encode length as a uint16 (2 bytes)
  $  : encode length as a uint32 (4 bytes)
  ?  : encode length as a vint30 (this is the default)

Subpatterns may be nested.`

func runPack(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("Missing pattern argument")
	}
	data, rest, err := packData(env.Args[0], env.Args[1:])
	if err != nil {
		return err
	} else if len(rest) != 0 {
		return fmt.Errorf("extra arguments: %q", rest)
	}
	_, err = os.Stdout.Write(data)
	return err
}

// packData encodes args according to pat, and returns the encoding along
// with any arguments not consumed by the pattern.
func packData(pat string, args []string) ([]byte, []string, error) {
	size := byte('?')
	var order binary.AppendByteOrder = binary.BigEndian
	var b packet.Builder
	putSize := func(n int) {
		switch size {
		case '?':
			b.Vint30(uint32(n))
		case '@':
			b.Put(order.AppendUint16(nil, uint16(n))...)
		case '$':
			b.Put(order.AppendUint32(nil, uint32(n))...)
		}
	}
	for i := 0; i < len(pat); i++ {
		c := pat[i]
		switch c {
		case 'q', 'r', 's', '%', 'v', '1', '2', '4', '8', 'i', 'l':
			// These take an argument (below).
		case ' ', '\t', '\n':
			continue
		case '@', '$', '?':
			size = c
			continue
		case '<':
			order = binary.LittleEndian
			continue
		case '>':
			order = binary.BigEndian
			continue
		case '(':
			sub, ok := cutParen(pat[i+1:], '(', ')')
			if !ok {
				return nil, nil, errors.New("missing close parenthesis")
			}
			sd, rest, err := packData(sub, args)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid subpattern: %w", err)
			}
			putSize(len(sd))
			b.Put(sd...)
			args = rest
			i += len(sub) + 1
			continue
		default:
			return nil, nil, fmt.Errorf("invalid pattern word %c", c)
		}

		if len(args) == 0 {
			return nil, nil, fmt.Errorf("missing argument for %c", c)
		}
		arg := args[0]
		args = args[1:]
		switch c {
		case 'q':
			dec, err := strconv.Unquote(`"` + arg + `"`)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid string: %w", err)
			}
			b.PutString(dec)
		case 'r':
			b.PutString(arg)
		case 's':
			b.VPutString(arg)
		case '%':
			v, err := strconv.ParseBool(arg)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid bool: %w", err)
			}
			b.Bool(v)
		case 'i':
			v, err := strconv.ParseInt(arg, 10, 32)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid int32: %w", err)
			}
			b.Int32(int32(v))
		case 'l':
			v, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid int64: %w", err)
			}
			b.Int64(v)
		default:
			bits := map[byte]int{'v': 30, '1': 8, '2': 16, '4': 32, '8': 64}[c]
			v, err := strconv.ParseUint(arg, 10, bits)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid %c value: %w", c, err)
			}
			switch c {
			case 'v':
				b.Vint30(uint32(v))
			case '1':
				b.Put(byte(v))
			case '2':
				b.Put(order.AppendUint16(nil, uint16(v))...)
			case '4':
				b.Put(order.AppendUint32(nil, uint32(v))...)
			case '8':
				b.Put(order.AppendUint64(nil, v)...)
			}
		}
	}
	return b.Bytes(), args, nil
}

func cutParen(s string, l, r rune) (string, bool) {
	d := 1
	for i, c := range s {
		if c == l {
			d++
		} else if c == r {
			d--
			if d == 0 {
				return s[:i], true
			}
		}
	}
	return s, false
}
