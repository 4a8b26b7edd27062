// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/presents"
	"github.com/creachadair/presents/access"
	"github.com/creachadair/presents/auth"
	"github.com/creachadair/presents/dobj"
	"github.com/creachadair/presents/invoke"
	"github.com/creachadair/taskgroup"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// State is the state of a session.
type State int

const (
	Connecting     State = iota // awaiting logon
	Authenticating              // logon in progress
	Bootstrapping               // logged on, awaiting bootstrap
	Active                      // bootstrapped
	Closing                     // tearing down
	Closed                      // finished
	FailedLogon                 // logon failed; the connection will close
)

var stateNames = [...]string{
	Connecting:     "connecting",
	Authenticating: "authenticating",
	Bootstrapping:  "bootstrapping",
	Active:         "active",
	Closing:        "closing",
	Closed:         "closed",
	FailedLogon:    "failed-logon",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// A Session is the server side of one client connection.
//
// A session begins in the Connecting state. A successful logon moves it to
// Bootstrapping, and the bootstrap call moves it to Active, after which the
// client may subscribe to objects, post events, and invoke services. When
// the connection ends, the session unsubscribes from everything, destroys
// its client object, and runs the end hooks of its server.
type Session struct {
	srv    *Server
	id     int
	peer   *presents.Peer
	log    *zap.Logger
	queue  *sendQueue
	sender *taskgroup.Single[error]

	endOnce sync.Once
	done    chan struct{}
	err     error // set before done is closed

	μ        sync.Mutex
	state    State
	creds    auth.Credentials
	authName string
	token    ulid.ULID
	loc      *time.Location
	groups   []string
	client   *dobj.Object
	subs     map[int32]*subscription
}

// ID returns the connection ID assigned to s by its server.
func (s *Session) ID() int { return s.id }

// State reports the current state of s.
func (s *Session) State() State { s.μ.Lock(); defer s.μ.Unlock(); return s.state }

// AuthName returns the name under which s logged on, or "".
func (s *Session) AuthName() string { s.μ.Lock(); defer s.μ.Unlock(); return s.authName }

// Credentials returns the credentials presented at logon. The secret is
// cleared.
func (s *Session) Credentials() auth.Credentials { s.μ.Lock(); defer s.μ.Unlock(); return s.creds }

// Token returns the session token assigned at logon.
func (s *Session) Token() ulid.ULID { s.μ.Lock(); defer s.μ.Unlock(); return s.token }

// Groups returns the service groups requested at logon.
func (s *Session) Groups() []string { s.μ.Lock(); defer s.μ.Unlock(); return slices.Clone(s.groups) }

// Location returns the time zone of the client, or UTC if none is known.
func (s *Session) Location() *time.Location {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.loc == nil {
		return time.UTC
	}
	return s.loc
}

// ClientObject returns the client object of s, or nil before logon.
func (s *Session) ClientObject() *dobj.Object { s.μ.Lock(); defer s.μ.Unlock(); return s.client }

// ClientOID returns the oid of the client object of s, or 0 before logon.
func (s *Session) ClientOID() int32 {
	if rec := s.ClientObject(); rec != nil {
		return rec.OID()
	}
	return 0
}

// Peer returns the transport peer of s.
func (s *Session) Peer() *presents.Peer { return s.peer }

// Logger returns the logger for s.
func (s *Session) Logger() *zap.Logger { return s.log }

// SendPacket queues a packet for delivery to the client. Packets are sent in
// the order they were queued. SendPacket does not block; if the queue of s
// is full, the session is closed.
func (s *Session) SendPacket(ptype presents.PacketType, payload []byte) error {
	err := s.queue.push(&presents.Packet{Type: ptype, Payload: payload})
	if errors.Is(err, errQueueFull) {
		s.log.Warn("send queue overflow, closing session", zap.Int("limit", s.queue.limit))
		s.peer.Close()
	}
	return err
}

// Close closes the connection of s. It does not wait for the session to end.
func (s *Session) Close() { s.peer.Close() }

// Wait blocks until s has ended, and reports the error that ended it.
func (s *Session) Wait() error { <-s.done; return s.err }

func (s *Session) install() {
	Methods.Bind(s.peer).
		Handle("logon", s.handleLogon).
		Handle("bootstrap", s.handleBootstrap)
	s.peer.
		HandlePacket(PacketSubscribe, s.handleSubscribe).
		HandlePacket(PacketUnsubscribe, s.handleUnsubscribe).
		HandlePacket(PacketEvent, s.handleEvent).
		OnExit(s.end)
	s.sender = taskgroup.Go(s.runSender)
}

// transition moves s from state from to state to, and reports whether it
// did so.
func (s *Session) transition(from, to State) bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *Session) badState(method string) error {
	return presents.ErrorData{
		Code:    CodeBadState,
		Message: fmt.Sprintf("%s is not valid in state %v", method, s.State()),
	}
}

func (s *Session) handleLogon(ctx context.Context, req *presents.Request) ([]byte, error) {
	var areq auth.Request
	if err := areq.UnmarshalBinary(req.Data); err != nil {
		return nil, presents.ErrorData{Code: CodeBadRequest, Message: err.Error()}
	}
	if !s.transition(Connecting, Authenticating) {
		return nil, s.badState("logon")
	}
	log := s.log.With(zap.Stringer("creds", areq.Credentials))

	rsp, err := s.authenticate(ctx, &areq)
	if err != nil {
		ae := auth.AsError(err)
		if ae.InProgress {
			s.transition(Authenticating, Connecting)
			log.Info("logon deferred", zap.String("reason", ae.Message))
		} else {
			s.transition(Authenticating, FailedLogon)
			log.Info("logon failed", zap.String("reason", ae.Message))
			time.AfterFunc(s.srv.linger, s.peer.Close)
		}
		return nil, logonError(ae)
	}

	loc, err := time.LoadLocation(areq.TimeZone)
	if err != nil {
		log.Warn("unknown time zone, using UTC", zap.String("zone", areq.TimeZone))
		loc = time.UTC
	}
	rsp.Token = ulid.Make()

	rec := dobj.NewObject("client").
		Init("username", rsp.AuthName).
		Init(invoke.ReceiversAttr, dobj.NewDSet())
	ac := access.Owner(invoke.ReceiversAttr)
	oid := s.srv.mgr.Register(rec, &ac)
	rec.SetOwner(oid)

	s.μ.Lock()
	if s.state != Authenticating {
		s.μ.Unlock()
		s.srv.mgr.Destroy(oid)
		return nil, presents.ErrClosed
	}
	s.state = Bootstrapping
	s.creds = areq.Credentials
	s.creds.Secret = ""
	s.authName = rsp.AuthName
	s.token = rsp.Token
	s.loc = loc
	s.groups = slices.Clone(areq.Groups)
	s.client = rec
	s.μ.Unlock()

	log.Info("logon succeeded", zap.String("name", rsp.AuthName), zap.Int32("client", oid))
	return rsp.MarshalBinary()
}

func (s *Session) authenticate(ctx context.Context, req *auth.Request) (*auth.Response, error) {
	if s.srv.version != "" && req.Version != s.srv.version {
		return nil, auth.Failed(auth.VersionMismatch)
	}
	if !s.srv.reserve(s) {
		return nil, auth.Retry(auth.ServerBusy)
	}
	rsp, err := s.srv.authn.Authenticate(ctx, req)
	if err != nil {
		s.srv.release(s)
		var ae *auth.Error
		if !errors.As(err, &ae) {
			s.log.Error("authenticator failed", zap.Error(err))
		}
		return nil, err
	} else if rsp == nil || rsp.AuthName == "" {
		s.srv.release(s)
		s.log.Error("authenticator returned no name")
		return nil, auth.Failed(auth.ServerError)
	}
	return rsp, nil
}

func (s *Session) handleBootstrap(ctx context.Context, req *presents.Request) ([]byte, error) {
	if s.State() != Bootstrapping {
		return nil, s.badState("bootstrap")
	}
	var groups []string
	for _, g := range s.Groups() {
		if s.srv.authorize(s, g) {
			groups = append(groups, g)
		}
	}
	data := BootstrapData{
		ConnID:    s.id,
		ClientOID: s.ClientOID(),
		Services:  s.srv.disp.Handles(groups),
		Objects:   s.srv.publishedObjects(),
	}
	if !s.transition(Bootstrapping, Active) {
		return nil, s.badState("bootstrap")
	}
	s.srv.disp.Bind(s.peer, s, func(group string) bool { return s.srv.authorize(s, group) })
	for _, f := range s.srv.hooks(true) {
		f(s)
	}
	s.log.Debug("session active", zap.Int("services", len(data.Services)))
	return data.MarshalBinary()
}

func (s *Session) handleSubscribe(ctx context.Context, pkt *presents.Packet) error {
	oid, err := DecodeOID(pkt.Payload)
	if err != nil {
		return fmt.Errorf("invalid subscribe packet: %w", err)
	}
	s.μ.Lock()
	if s.state != Active {
		s.μ.Unlock()
		s.sendFailure(oid, NotActive)
		return nil
	}
	sub, ok := s.subs[oid]
	if !ok {
		sub = &subscription{sess: s, oid: oid}
		s.subs[oid] = sub
	}
	self := s.client.OID()
	s.μ.Unlock()

	s.srv.mgr.Subscribe(oid, self, sub, sub.ready)
	return nil
}

func (s *Session) handleUnsubscribe(ctx context.Context, pkt *presents.Packet) error {
	oid, err := DecodeOID(pkt.Payload)
	if err != nil {
		return fmt.Errorf("invalid unsubscribe packet: %w", err)
	}
	if sub := s.dropSub(oid, nil); sub != nil {
		s.srv.mgr.Unsubscribe(oid, sub)
	}
	return nil
}

func (s *Session) handleEvent(ctx context.Context, pkt *presents.Packet) error {
	ev, err := dobj.DecodeEvent(pkt.Payload)
	if err != nil {
		return fmt.Errorf("invalid event packet: %w", err)
	}
	rec := s.ClientObject()
	if s.State() != Active || rec == nil {
		s.log.Warn("dropped event from inactive session", zap.Int32("target", ev.Header().Target))
		return nil
	}
	ev.Header().Source = rec.OID()
	s.srv.mgr.PostEvent(ev)
	return nil
}

// dropSub removes the subscription for oid and returns it. If want != nil,
// the subscription is removed only if it is want.
func (s *Session) dropSub(oid int32, want *subscription) *subscription {
	s.μ.Lock()
	defer s.μ.Unlock()
	sub := s.subs[oid]
	if sub == nil || (want != nil && sub != want) {
		return nil
	}
	delete(s.subs, oid)
	return sub
}

func (s *Session) sendFailure(oid int32, reason string) {
	data, _ := SubscribeFailure{OID: oid, Reason: reason}.MarshalBinary()
	s.SendPacket(PacketFailure, data)
}

func (s *Session) runSender() error {
	for {
		pkts, ok := s.queue.take()
		if !ok {
			return nil
		}
		for _, pkt := range pkts {
			if err := s.peer.SendPacket(pkt.Type, pkt.Payload); err != nil {
				s.log.Debug("send failed", zap.Error(err))
				s.peer.Close()
				return nil
			}
		}
	}
}

// end tears down s when its peer exits.
func (s *Session) end(err error) {
	s.endOnce.Do(func() {
		s.μ.Lock()
		wasActive := s.state == Active
		s.state = Closing
		subs := s.subs
		s.subs = nil
		rec := s.client
		s.μ.Unlock()

		for oid, sub := range subs {
			s.srv.mgr.Unsubscribe(oid, sub)
		}
		if rec != nil {
			if derr := s.srv.mgr.Destroy(rec.OID()); derr != nil {
				s.log.Debug("destroy client object", zap.Error(derr))
			}
		}
		s.queue.close()
		s.sender.Wait()
		s.srv.remove(s)
		if wasActive {
			for _, f := range s.srv.hooks(false) {
				f(s)
			}
		}

		s.μ.Lock()
		s.state = Closed
		s.μ.Unlock()
		s.log.Info("session ended", zap.Error(err))
		s.err = err
		close(s.done)
	})
}

// A subscription is the interest of a session in one object.
type subscription struct {
	sess      *Session
	oid       int32
	available bool // guarded by sess.μ
}

// current reports whether sub is the live subscription of its session for
// its object, and whether its snapshot has been sent.
func (sub *subscription) current() (live, available bool) {
	s := sub.sess
	s.μ.Lock()
	defer s.μ.Unlock()
	live = s.subs[sub.oid] == sub
	return live, live && sub.available
}

// ready is called by the manager when the subscription request is processed.
func (sub *subscription) ready(obj *dobj.Object, err error) {
	s := sub.sess
	mgr := s.srv.mgr
	if live, _ := sub.current(); !live {
		if err == nil {
			mgr.Unsubscribe(sub.oid, sub) // superseded while pending
		}
		return
	}
	if err != nil {
		s.dropSub(sub.oid, sub)
		switch {
		case errors.Is(err, dobj.ErrAccessDenied):
			s.sendFailure(sub.oid, AccessDenied)
		case errors.Is(err, dobj.ErrNoSuchObject):
			s.sendFailure(sub.oid, NoSuchObject)
		default:
			s.log.Error("subscribe failed", zap.Int32("oid", sub.oid), zap.Error(err))
			s.sendFailure(sub.oid, InternalError)
		}
		return
	}

	snap, err := obj.Encode()
	if err != nil {
		s.log.Error("encoding object failed", zap.Int32("oid", sub.oid), zap.Error(err))
		s.dropSub(sub.oid, sub)
		mgr.Unsubscribe(sub.oid, sub)
		s.sendFailure(sub.oid, InternalError)
		return
	}
	s.μ.Lock()
	sub.available = true
	s.μ.Unlock()
	s.SendPacket(PacketObject, snap)
}

// EventReceived implements the dobj.EventListener interface.
func (sub *subscription) EventReceived(ev dobj.Event) {
	s := sub.sess
	if _, ok := sub.current(); !ok {
		return
	}
	data, err := dobj.EncodeEvent(ev)
	if err != nil {
		s.log.Error("encoding event failed", zap.Int32("oid", sub.oid), zap.Error(err))
		return
	}
	if ev.Kind() == dobj.KindObjectDestroyed {
		s.dropSub(sub.oid, sub)
	}
	s.SendPacket(PacketEvent, data)
}
