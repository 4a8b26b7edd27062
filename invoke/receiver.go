// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package invoke

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/creachadair/presents"
	"github.com/creachadair/presents/catalog"
	"github.com/creachadair/presents/dobj"
	"github.com/creachadair/presents/packet"
	"go.uber.org/zap"
)

// ReceiversAttr is the name of the client object attribute that maps
// receiver codes to the aliases a client has assigned them.
const ReceiversAttr = "receivers"

// A ReceiverType names a set of notification methods a client may implement.
type ReceiverType struct {
	Name    string
	Methods catalog.Catalog
}

// NewReceiverType constructs a receiver type with the given methods, whose
// IDs are assigned in order.
func NewReceiverType(name string, methods ...string) ReceiverType {
	return ReceiverType{Name: name, Methods: catalog.New().Add(methods...)}
}

// Code returns the code that identifies r in the receivers set of a client
// object. It depends only on the name of r, so client and server agree on it
// without negotiation.
func (r ReceiverType) Code() int64 { return int64(xxhash.Sum64String(r.Name)) }

// A Target is the server side of a session able to receive notifications.
type Target interface {
	// ClientObject returns the client object of the session.
	ClientObject() *dobj.Object

	// SendPacket queues a packet for delivery to the client.
	SendPacket(presents.PacketType, []byte) error

	// Logger returns a logger for the session.
	Logger() *zap.Logger
}

// Notify sends a notification for the specified method of rt to target, if
// the client has registered a receiver for rt. A notification for a receiver
// the client has not registered is logged and dropped.
func Notify(target Target, rt ReceiverType, method string, args ...any) error {
	mid := rt.Methods.Lookup(method)
	if mid == 0 {
		return fmt.Errorf("receiver %q has no method %q", rt.Name, method)
	}
	rec := target.ClientObject()
	if rec == nil {
		return fmt.Errorf("notify %s.%s: %w", rt.Name, method, dobj.ErrNoSuchObject)
	}
	set, _ := dobj.Attr[*dobj.DSet](rec, ReceiversAttr)
	e, ok := set.Get(rt.Code())
	alias, isAlias := e.Value.(int32)
	if !ok || !isAlias {
		target.Logger().Warn("dropped notification for unregistered receiver",
			zap.String("receiver", rt.Name), zap.String("method", method))
		return nil
	}
	var b packet.Builder
	b.Vint30(uint32(alias))
	b.Vint30(mid)
	if err := dobj.AppendValues(&b, args); err != nil {
		return fmt.Errorf("notify %s.%s: %w", rt.Name, method, err)
	}
	return target.SendPacket(PacketNotify, b.Bytes())
}

// A Receiver implements the methods of a receiver type on the client.
// Methods not present are ignored.
type Receiver map[string]func(ctx context.Context, args []any)

type binding struct {
	rt   ReceiverType
	impl Receiver
}

// Receivers tracks the receivers registered by a client, by alias.
type Receivers struct {
	log *zap.Logger

	μ       sync.Mutex
	last    int32
	byAlias map[int32]binding
}

// NewReceivers constructs an empty receiver table. If log == nil,
// diagnostics are discarded.
func NewReceivers(log *zap.Logger) *Receivers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Receivers{log: log, byAlias: make(map[int32]binding)}
}

// Add registers impl as the receiver for rt and returns its alias. The caller
// must publish the alias to the server by adding the entry
//
//	dobj.Entry{Key: rt.Code(), Value: alias}
//
// to the receivers set of its client object.
func (r *Receivers) Add(rt ReceiverType, impl Receiver) (int32, error) {
	for name := range impl {
		if rt.Methods.Lookup(name) == 0 {
			return 0, fmt.Errorf("receiver %q has no method %q", rt.Name, name)
		}
	}
	r.μ.Lock()
	defer r.μ.Unlock()
	r.last++
	r.byAlias[r.last] = binding{rt: rt, impl: impl}
	return r.last, nil
}

// Remove discards the receiver with the given alias.
func (r *Receivers) Remove(alias int32) {
	r.μ.Lock()
	defer r.μ.Unlock()
	delete(r.byAlias, alias)
}

// HandleNotify is a [presents.PacketHandler] for PacketNotify packets.
func (r *Receivers) HandleNotify(ctx context.Context, pkt *presents.Packet) error {
	s := packet.NewScanner(pkt.Payload)
	alias, err := s.Vint30()
	if err != nil {
		return fmt.Errorf("invalid notify packet: %w", err)
	}
	mid, err := s.Vint30()
	if err != nil {
		return fmt.Errorf("invalid notify packet: %w", err)
	}
	args, err := dobj.ScanValues(s)
	if err != nil {
		return fmt.Errorf("invalid notify packet: %w", err)
	}

	r.μ.Lock()
	b, ok := r.byAlias[int32(alias)]
	r.μ.Unlock()
	if !ok {
		r.log.Warn("dropped notification for unknown receiver", zap.Int("alias", alias))
		return nil
	}
	name, _ := b.rt.Methods.Name(uint32(mid))
	f := b.impl[name]
	if f == nil {
		r.log.Debug("ignored notification", zap.String("receiver", b.rt.Name), zap.Int("method", mid))
		return nil
	}
	defer func() {
		if x := recover(); x != nil {
			r.log.Error("receiver panicked", zap.String("receiver", b.rt.Name),
				zap.String("method", name), zap.Any("panic", x))
		}
	}()
	f(ctx, args)
	return nil
}
