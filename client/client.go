// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package client implements the client side of a session: logon and
// bootstrap, mirrors of subscribed objects, service stubs, and receivers for
// server notifications.
package client

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/creachadair/presents"
	"github.com/creachadair/presents/auth"
	"github.com/creachadair/presents/catalog"
	"github.com/creachadair/presents/dobj"
	"github.com/creachadair/presents/invoke"
	"github.com/creachadair/presents/session"
	"go.uber.org/zap"
)

// Options are optional settings for a [Client]. A nil *Options is ready for
// use and provides defaults as described.
type Options struct {
	// Logger is used for diagnostics. If nil, logs are discarded.
	Logger *zap.Logger

	// Version is the client version reported at logon.
	Version string

	// TimeZone is the IANA time zone reported at logon. If empty, the
	// server assumes UTC.
	TimeZone string

	// Groups are the service groups requested at bootstrap.
	Groups []string
}

func (o *Options) logger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// A Client is a connection to a session server.
//
// Mirrors of subscribed objects are updated, and their listeners notified,
// on the goroutine that receives packets from the server. Listeners must
// therefore not block waiting on the client.
type Client struct {
	peer    *presents.Peer
	methods catalog.Catalog
	log     *zap.Logger
	opts    Options
	recv    *invoke.Receivers

	μ         sync.Mutex
	boot      *session.BootstrapData
	logon     *auth.Response
	record    *dobj.Object
	mirrors   map[int32]*mirror
	waiters   map[int32][]chan<- result
	aliases   map[int64]int32 // receiver code to alias
	observers []Observer
}

type mirror struct {
	obj       *dobj.Object
	listeners []dobj.Listener
}

type result struct {
	obj *dobj.Object
	err error
}

// New constructs an unstarted client with the given options.
func New(opts *Options) *Client {
	c := &Client{
		peer:    presents.NewPeer(),
		log:     opts.logger(),
		recv:    invoke.NewReceivers(opts.logger()),
		mirrors: make(map[int32]*mirror),
		waiters: make(map[int32][]chan<- result),
		aliases: make(map[int64]int32),
	}
	if opts != nil {
		c.opts = *opts
	}
	c.methods = session.Methods.Bind(c.peer)
	c.peer.Logger(c.log).
		HandlePacket(session.PacketObject, c.handleObject).
		HandlePacket(session.PacketFailure, c.handleFailure).
		HandlePacket(session.PacketEvent, c.handleEvent).
		HandlePacket(invoke.PacketNotify, c.recv.HandleNotify).
		OnExit(c.exited)
	return c
}

// Start starts the client on ch and returns c. Call Logon to begin the
// session.
func (c *Client) Start(ch presents.Channel) *Client { c.peer.Start(ch); return c }

// Peer returns the transport peer of c.
func (c *Client) Peer() *presents.Peer { return c.peer }

// AddObserver registers o to be told about changes in the logon state of c.
// An observer implements any of WillLogonObserver, DidLogonObserver,
// FailedToLogonObserver, and DidLogoffObserver.
func (c *Client) AddObserver(o Observer) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.observers = append(c.observers, o)
}

// Logon presents creds to the server, and on success requests the bootstrap
// data for the session and subscribes to the client object. A logon failure
// is reported as an *auth.Error; if its InProgress field is true, Logon may be
// retried.
func (c *Client) Logon(ctx context.Context, creds auth.Credentials) (*session.BootstrapData, error) {
	c.observe(func(o Observer) {
		if w, ok := o.(WillLogonObserver); ok {
			w.WillLogon(c)
		}
	})
	boot, err := c.logonAndBootstrap(ctx, creds)
	if err != nil {
		c.observe(func(o Observer) {
			if f, ok := o.(FailedToLogonObserver); ok {
				f.FailedToLogon(c, err)
			}
		})
		return nil, err
	}
	c.observe(func(o Observer) {
		if d, ok := o.(DidLogonObserver); ok {
			d.DidLogon(c)
		}
	})
	return boot, nil
}

func (c *Client) logonAndBootstrap(ctx context.Context, creds auth.Credentials) (*session.BootstrapData, error) {
	req, err := auth.Request{
		Credentials: creds,
		Version:     c.opts.Version,
		TimeZone:    c.opts.TimeZone,
		Groups:      c.opts.Groups,
	}.MarshalBinary()
	if err != nil {
		return nil, err
	}
	rsp, err := c.methods.Call(ctx, "logon", req)
	if err != nil {
		return nil, session.LogonError(err)
	}
	var logon auth.Response
	if err := logon.UnmarshalBinary(rsp.Data); err != nil {
		return nil, fmt.Errorf("logon: %w", err)
	}

	rsp, err = c.methods.Call(ctx, "bootstrap", nil)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	var boot session.BootstrapData
	if err := boot.UnmarshalBinary(rsp.Data); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	rec, err := c.Subscribe(ctx, boot.ClientOID)
	if err != nil {
		return nil, fmt.Errorf("subscribe to client object: %w", err)
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	c.boot = &boot
	c.logon = &logon
	c.record = rec
	return &boot, nil
}

// AuthName returns the name under which c logged on, or "".
func (c *Client) AuthName() string {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.logon == nil {
		return ""
	}
	return c.logon.AuthName
}

// Bootstrap returns the bootstrap data of the session, or nil before logon.
func (c *Client) Bootstrap() *session.BootstrapData {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.boot
}

// ClientObject returns the mirror of the client object of the session, or
// nil before logon.
func (c *Client) ClientObject() *dobj.Object {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.record
}

// Service returns a stub for the named service from the bootstrap data.
func (c *Client) Service(name string) (*invoke.Stub, error) {
	boot := c.Bootstrap()
	if boot == nil {
		return nil, fmt.Errorf("service %q: not logged on", name)
	}
	h, ok := boot.Service(name)
	if !ok {
		return nil, fmt.Errorf("service %q: %s", name, invoke.NoSuchService)
	}
	return invoke.NewStub(c.peer, h), nil
}

// RegisterReceiver installs impl as the receiver for notifications of type
// rt, and publishes it in the client object so the server can reach it.
func (c *Client) RegisterReceiver(rt invoke.ReceiverType, impl invoke.Receiver) error {
	rec := c.ClientObject()
	if rec == nil {
		return fmt.Errorf("register receiver %q: not logged on", rt.Name)
	}
	alias, err := c.recv.Add(rt, impl)
	if err != nil {
		return err
	}
	c.μ.Lock()
	old, replaced := c.aliases[rt.Code()]
	c.aliases[rt.Code()] = alias
	c.μ.Unlock()
	if replaced {
		c.recv.Remove(old)
	}
	return rec.AddEntry(invoke.ReceiversAttr, dobj.Entry{Key: rt.Code(), Value: alias})
}

// RemoveReceiver removes the receiver for notifications of type rt, if one
// is registered. Notifications for rt that arrive later are discarded.
func (c *Client) RemoveReceiver(rt invoke.ReceiverType) error {
	rec := c.ClientObject()
	if rec == nil {
		return fmt.Errorf("remove receiver %q: not logged on", rt.Name)
	}
	c.μ.Lock()
	alias, ok := c.aliases[rt.Code()]
	delete(c.aliases, rt.Code())
	c.μ.Unlock()
	if !ok {
		return nil
	}
	c.recv.Remove(alias)
	return rec.RemoveEntry(invoke.ReceiversAttr, rt.Code())
}

// Subscribe subscribes to the object with the given oid and returns its
// mirror. The listeners are notified of each event applied to the mirror.
// If the server refuses, the error is a *session.SubscribeFailure.
//
// Subscribing again to an object already mirrored adds the listeners without
// contacting the server.
func (c *Client) Subscribe(ctx context.Context, oid int32, listeners ...dobj.Listener) (*dobj.Object, error) {
	ch := make(chan result, 1)
	c.μ.Lock()
	if m, ok := c.mirrors[oid]; ok {
		m.listeners = append(m.listeners, listeners...)
		c.μ.Unlock()
		return m.obj, nil
	}
	first := len(c.waiters[oid]) == 0
	c.waiters[oid] = append(c.waiters[oid], ch)
	c.μ.Unlock()

	if first {
		if err := c.peer.SendPacket(session.PacketSubscribe, session.EncodeOID(oid)); err != nil {
			c.cancelWait(oid, ch)
			return nil, fmt.Errorf("subscribe %d: %w", oid, err)
		}
	}
	select {
	case <-ctx.Done():
		c.cancelWait(oid, ch)
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		c.μ.Lock()
		defer c.μ.Unlock()
		if m, ok := c.mirrors[oid]; ok {
			m.listeners = append(m.listeners, listeners...)
		}
		return r.obj, nil
	}
}

func (c *Client) cancelWait(oid int32, ch chan<- result) {
	c.μ.Lock()
	defer c.μ.Unlock()
	ws := slices.DeleteFunc(c.waiters[oid], func(w chan<- result) bool { return w == ch })
	if len(ws) == 0 {
		delete(c.waiters, oid)
	} else {
		c.waiters[oid] = ws
	}
}

// Unsubscribe discards the mirror of oid and tells the server to stop
// sending its events. Unsubscribing from an object not mirrored is a no-op
// locally, but is still reported to the server.
func (c *Client) Unsubscribe(oid int32) error {
	c.μ.Lock()
	delete(c.mirrors, oid)
	c.μ.Unlock()
	return c.peer.SendPacket(session.PacketUnsubscribe, session.EncodeOID(oid))
}

// Mirror returns the mirror of oid, or nil if c is not subscribed to it.
func (c *Client) Mirror(oid int32) *dobj.Object {
	c.μ.Lock()
	defer c.μ.Unlock()
	if m, ok := c.mirrors[oid]; ok {
		return m.obj
	}
	return nil
}

// PostLocal implements the dobj.Poster interface for mirrors. Changes made
// to a mirror are sent to the server rather than applied locally; they take
// effect when the server echoes them back.
func (c *Client) PostLocal(_ *dobj.Object, ev dobj.Event) error {
	data, err := dobj.EncodeEvent(ev)
	if err != nil {
		return err
	}
	return c.peer.SendPacket(session.PacketEvent, data)
}

// Logoff closes the connection and waits for the client to stop.
func (c *Client) Logoff() error { return c.peer.Stop() }

// Wait blocks until the connection ends.
func (c *Client) Wait() error { return c.peer.Wait() }

func (c *Client) resolve(oid int32, r result) {
	c.μ.Lock()
	ws := c.waiters[oid]
	delete(c.waiters, oid)
	c.μ.Unlock()
	for _, w := range ws {
		w <- r
	}
}

func (c *Client) handleObject(ctx context.Context, pkt *presents.Packet) error {
	snap, err := dobj.DecodeObject(pkt.Payload)
	if err != nil {
		return fmt.Errorf("invalid object packet: %w", err)
	}
	oid := snap.OID()
	c.μ.Lock()
	m, ok := c.mirrors[oid]
	if !ok {
		snap.SetPoster(c)
		m = &mirror{obj: snap}
		c.mirrors[oid] = m
	}
	c.μ.Unlock()
	if ok {
		if err := m.obj.Reset(snap); err != nil {
			return fmt.Errorf("refresh %d: %w", oid, err)
		}
	}
	c.resolve(oid, result{obj: m.obj})
	return nil
}

func (c *Client) handleFailure(ctx context.Context, pkt *presents.Packet) error {
	var f session.SubscribeFailure
	if err := f.UnmarshalBinary(pkt.Payload); err != nil {
		return fmt.Errorf("invalid failure packet: %w", err)
	}
	c.log.Debug("subscription refused", zap.Int32("oid", f.OID), zap.String("reason", f.Reason))
	c.resolve(f.OID, result{err: &f})
	return nil
}

func (c *Client) handleEvent(ctx context.Context, pkt *presents.Packet) error {
	ev, err := dobj.DecodeEvent(pkt.Payload)
	if err != nil {
		return fmt.Errorf("invalid event packet: %w", err)
	}
	oid := ev.Header().Target
	c.μ.Lock()
	m, ok := c.mirrors[oid]
	var ls []dobj.Listener
	if ok {
		ls = slices.Clone(m.listeners)
		if ev.Kind() == dobj.KindObjectDestroyed {
			delete(c.mirrors, oid)
		}
	}
	c.μ.Unlock()
	if !ok {
		c.log.Debug("dropped event for unmirrored object", zap.Int32("oid", oid))
		return nil
	}
	if err := dobj.Apply(ev, m.obj); err != nil {
		c.log.Warn("dropped event that failed to apply", zap.Int32("oid", oid),
			zap.Stringer("kind", ev.Kind()), zap.Error(err))
		return nil
	}
	for _, l := range ls {
		dobj.Notify(ev, l)
	}
	return nil
}

func (c *Client) exited(err error) {
	c.μ.Lock()
	ws := c.waiters
	c.waiters = make(map[int32][]chan<- result)
	wasOn := c.boot != nil
	c.μ.Unlock()
	for oid, chs := range ws {
		for _, ch := range chs {
			ch <- result{err: fmt.Errorf("subscribe %d: %w", oid, presents.ErrClosed)}
		}
	}
	if wasOn {
		c.observe(func(o Observer) {
			if d, ok := o.(DidLogoffObserver); ok {
				d.DidLogoff(c, err)
			}
		})
	}
}

func (c *Client) observe(f func(Observer)) {
	c.μ.Lock()
	obs := slices.Clone(c.observers)
	c.μ.Unlock()
	for _, o := range obs {
		f(o)
	}
}
