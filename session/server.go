// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package session implements the server side of client sessions: the logon
// and bootstrap handshake, subscriptions to shared objects, and the ordered
// delivery of object events to each connected peer.
package session

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/presents"
	"github.com/creachadair/presents/auth"
	"github.com/creachadair/presents/dobj"
	"github.com/creachadair/presents/invoke"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Options are optional settings for a [Server]. A nil *Options is ready for
// use and provides defaults as described.
type Options struct {
	// Logger is used for diagnostics. If nil, logs are discarded.
	Logger *zap.Logger

	// Version, if non-empty, is the client version required to log on.
	Version string

	// MaxSessions, if positive, limits the number of logged-on sessions.
	// Logons beyond the limit fail in progress with auth.ServerBusy.
	MaxSessions int

	// Linger is how long the server waits after a terminal logon failure
	// before closing the connection. If zero, it uses a default of 1s.
	Linger time.Duration

	// QueueLimit, if positive, bounds the number of packets awaiting
	// delivery to a session. A session whose queue overflows is closed.
	QueueLimit int

	// Authenticator decides whether to admit a logon. If nil, every logon
	// is admitted under the requested username.
	Authenticator auth.Authenticator

	// Dispatcher serves invocations from logged-on sessions. If nil, a
	// dispatcher with no services is used.
	Dispatcher *invoke.Dispatcher

	// Authorize reports whether the session may invoke services in the
	// specified group. If nil, a session may use the groups it requested at
	// logon.
	Authorize func(s *Session, group string) bool
}

func (o *Options) logger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o *Options) version() string {
	if o == nil {
		return ""
	}
	return o.Version
}

func (o *Options) maxSessions() int {
	if o == nil {
		return 0
	}
	return o.MaxSessions
}

func (o *Options) linger() time.Duration {
	if o == nil || o.Linger <= 0 {
		return time.Second
	}
	return o.Linger
}

func (o *Options) queueLimit() int {
	if o == nil {
		return 0
	}
	return o.QueueLimit
}

func (o *Options) authenticator() auth.Authenticator {
	if o == nil || o.Authenticator == nil {
		return auth.Anonymous
	}
	return o.Authenticator
}

func (o *Options) authorize() func(*Session, string) bool {
	if o == nil || o.Authorize == nil {
		return func(s *Session, group string) bool { return slices.Contains(s.Groups(), group) }
	}
	return o.Authorize
}

// A Server accepts client sessions for the objects registered in a manager.
type Server struct {
	mgr       *dobj.Manager
	disp      *invoke.Dispatcher
	log       *zap.Logger
	authn     auth.Authenticator
	authorize func(*Session, string) bool
	version   string
	maxSess   int
	linger    time.Duration
	qlimit    int

	μ         sync.Mutex
	nextConn  int
	sessions  map[int]*Session
	slots     map[int]bool // sessions authenticating or logged on
	published map[string]int32
	onStart   []func(*Session)
	onEnd     []func(*Session)
}

// NewServer constructs a server for the objects registered in mgr.
func NewServer(mgr *dobj.Manager, opts *Options) *Server {
	log := opts.logger()
	disp := invoke.NewDispatcher(log)
	if opts != nil && opts.Dispatcher != nil {
		disp = opts.Dispatcher
	}
	return &Server{
		mgr:       mgr,
		disp:      disp,
		log:       log,
		authn:     opts.authenticator(),
		authorize: opts.authorize(),
		version:   opts.version(),
		maxSess:   opts.maxSessions(),
		linger:    opts.linger(),
		qlimit:    opts.queueLimit(),
		sessions:  make(map[int]*Session),
		slots:     make(map[int]bool),
		published: make(map[string]int32),
	}
}

// Manager returns the object manager served by s.
func (s *Server) Manager() *dobj.Manager { return s.mgr }

// Dispatcher returns the invocation dispatcher used by s.
func (s *Server) Dispatcher() *invoke.Dispatcher { return s.disp }

// OnSessionStart registers f to be called when a session completes its
// bootstrap and becomes active. Hooks run in registration order.
func (s *Server) OnSessionStart(f func(*Session)) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.onStart = append(s.onStart, f)
}

// OnSessionEnd registers f to be called when an active session ends.
func (s *Server) OnSessionEnd(f func(*Session)) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.onEnd = append(s.onEnd, f)
}

// Publish records oid as a well-known object under the given name. Published
// objects are reported to each session in its bootstrap data.
func (s *Server) Publish(name string, oid int32) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.published[name] = oid
}

// Sessions returns a snapshot of the current sessions, ordered by connection
// ID.
func (s *Server) Sessions() []*Session {
	s.μ.Lock()
	defer s.μ.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, id := range slices.Sorted(maps.Keys(s.sessions)) {
		out = append(out, s.sessions[id])
	}
	return out
}

// Serve runs a session on ch until it ends, or until ctx ends. It is
// suitable for use as a peers.ServeFunc.
func (s *Server) Serve(ctx context.Context, ch presents.Channel) error {
	sess := s.newSession()
	sess.peer.Start(ch)
	stop := context.AfterFunc(ctx, sess.peer.Close)
	defer stop()
	return sess.Wait()
}

// Close closes all the current sessions of s and waits for them to end.
func (s *Server) Close() error {
	ss := s.Sessions()
	for _, sess := range ss {
		sess.Close()
	}
	var err error
	for _, sess := range ss {
		err = multierr.Append(err, sess.Wait())
	}
	return err
}

func (s *Server) newSession() *Session {
	s.μ.Lock()
	s.nextConn++
	id := s.nextConn
	s.μ.Unlock()

	sess := &Session{
		srv:   s,
		id:    id,
		peer:  presents.NewPeer(),
		log:   s.log.With(zap.Int("conn", id)),
		queue: newSendQueue(s.qlimit),
		subs:  make(map[int32]*subscription),
		done:  make(chan struct{}),
	}
	sess.peer.Logger(sess.log)
	sess.peer.NewContext(func() context.Context { return context.WithValue(context.Background(), sessionKey{}, sess) })
	sess.install()
	s.add(sess)
	return sess
}

// reserve claims one of the logon slots of s for sess, and reports whether
// one was available. A session holds its slot from authentication until it
// fails to log on or ends.
func (s *Server) reserve(sess *Session) bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.maxSess > 0 && !s.slots[sess.id] && len(s.slots) >= s.maxSess {
		return false
	}
	s.slots[sess.id] = true
	return true
}

// release returns the logon slot held by sess, if any.
func (s *Server) release(sess *Session) {
	s.μ.Lock()
	defer s.μ.Unlock()
	delete(s.slots, sess.id)
}

func (s *Server) add(sess *Session) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.sessions[sess.id] = sess
}

func (s *Server) remove(sess *Session) {
	s.μ.Lock()
	defer s.μ.Unlock()
	delete(s.sessions, sess.id)
	delete(s.slots, sess.id)
}

func (s *Server) hooks(start bool) []func(*Session) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if start {
		return slices.Clone(s.onStart)
	}
	return slices.Clone(s.onEnd)
}

func (s *Server) publishedObjects() map[string]int32 {
	s.μ.Lock()
	defer s.μ.Unlock()
	return maps.Clone(s.published)
}

type sessionKey struct{}

// ContextSession returns the session associated with ctx, or nil. The
// contexts passed to handlers on a session peer, including invocation
// methods, carry their session.
func ContextSession(ctx context.Context) *Session {
	if v := ctx.Value(sessionKey{}); v != nil {
		return v.(*Session)
	}
	return nil
}
