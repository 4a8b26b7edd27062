// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package bridge connects cooperating server nodes.
//
// A peer node logs on to a server like any client, using credentials of kind
// PeerKind. The bridge Manager watches the sessions of its server: peer
// sessions are throttled, counted, and tracked by node name, and ordinary
// client sessions are listed in a node object that peers may subscribe to.
// A Manager can also open outbound links to other nodes.
package bridge

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/presents"
	"github.com/creachadair/presents/auth"
	"github.com/creachadair/presents/client"
	"github.com/creachadair/presents/dobj"
	"github.com/creachadair/presents/session"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PeerKind is the credential kind used by peer nodes.
const PeerKind = "peer"

// NodeObject is the name under which the node object is published.
const NodeObject = "node"

// PeerGroup is the service group requested by outbound links. Services
// meant for other nodes should be registered in this group.
const PeerGroup = "peer"

// Authorize reports whether s may use services in group. Only peer sessions
// may use PeerGroup; otherwise a session may use the groups it requested.
// It is suitable for use as session.Options.Authorize.
func Authorize(s *session.Session, group string) bool {
	if group == PeerGroup && s.Credentials().Kind != PeerKind {
		return false
	}
	return slices.Contains(s.Groups(), group)
}

// Options are optional settings for a [Manager]. A nil *Options is ready for
// use and provides defaults as described.
type Options struct {
	// Logger is used for diagnostics. If nil, logs are discarded.
	Logger *zap.Logger

	// Name is the name of this node. If empty, "node" is used.
	Name string

	// ThrottleLimit is the number of messages a peer may send per window.
	// If zero, it uses a default of 100. If negative, peers are not
	// throttled.
	ThrottleLimit int

	// ThrottleWindow is the length of a throttle window. If zero, it uses a
	// default of 1s.
	ThrottleWindow time.Duration

	// WarnInterval is the minimum interval between throttle warnings for a
	// peer. If zero, it uses a default of 5s.
	WarnInterval time.Duration

	// Registerer, if set, is where the bridge statistics are registered.
	Registerer prometheus.Registerer
}

func (o *Options) logger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o *Options) name() string {
	if o == nil || o.Name == "" {
		return "node"
	}
	return o.Name
}

func (o *Options) throttleLimit() int {
	if o == nil || o.ThrottleLimit == 0 {
		return 100
	}
	return o.ThrottleLimit
}

func (o *Options) throttleWindow() time.Duration {
	if o == nil || o.ThrottleWindow <= 0 {
		return time.Second
	}
	return o.ThrottleWindow
}

func (o *Options) warnInterval() time.Duration {
	if o == nil || o.WarnInterval <= 0 {
		return 5 * time.Second
	}
	return o.WarnInterval
}

func (o *Options) registerer() prometheus.Registerer {
	if o == nil {
		return nil
	}
	return o.Registerer
}

// A Manager tracks the peer sessions and outbound links of a server node.
type Manager struct {
	srv    *session.Server
	log    *zap.Logger
	name   string
	limit  int
	window time.Duration
	warnIv time.Duration
	node   *dobj.Object
	stats  *Stats

	μ     sync.Mutex
	peers map[string]*PeerSession
	links map[string]*Link
}

// New constructs a bridge manager for srv. It registers and publishes the
// node object, and installs session hooks on srv.
func New(srv *session.Server, opts *Options) *Manager {
	m := &Manager{
		srv:    srv,
		log:    opts.logger().With(zap.String("node", opts.name())),
		name:   opts.name(),
		limit:  opts.throttleLimit(),
		window: opts.throttleWindow(),
		warnIv: opts.warnInterval(),
		stats:  newStats(opts.registerer()),
		peers:  make(map[string]*PeerSession),
		links:  make(map[string]*Link),
	}
	m.node = dobj.NewObject("node").
		Init("name", m.name).
		Init("clients", dobj.NewDSet())
	srv.Publish(NodeObject, srv.Manager().Register(m.node, nil))
	srv.OnSessionStart(m.sessionStarted)
	srv.OnSessionEnd(m.sessionEnded)
	return m
}

// Name returns the name of the node.
func (m *Manager) Name() string { return m.name }

// Node returns the node object. Its "clients" attribute maps the name of
// each logged-on client to its connection ID.
func (m *Manager) Node() *dobj.Object { return m.node }

// Stats returns the traffic statistics of m.
func (m *Manager) Stats() *Stats { return m.stats }

// Peers returns the names of the connected peer nodes in order.
func (m *Manager) Peers() []string {
	m.μ.Lock()
	defer m.μ.Unlock()
	return slices.Sorted(maps.Keys(m.peers))
}

// Peer returns the session of the named peer node, or nil.
func (m *Manager) Peer(name string) *PeerSession {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.peers[name]
}

// A PeerSession is a session from another node.
type PeerSession struct {
	name     string
	sess     *session.Session
	throttle *Throttle
	warn     *rate.Sometimes
}

// Name returns the name of the peer node.
func (p *PeerSession) Name() string { return p.name }

// Session returns the underlying session.
func (p *PeerSession) Session() *session.Session { return p.sess }

// Throttle returns the inbound throttle of the session.
func (p *PeerSession) Throttle() *Throttle { return p.throttle }

func (m *Manager) sessionStarted(s *session.Session) {
	if s.Credentials().Kind != PeerKind {
		if err := m.node.AddEntry("clients", dobj.Entry{Key: s.AuthName(), Value: int32(s.ID())}); err != nil {
			m.log.Error("add client to node", zap.String("client", s.AuthName()), zap.Error(err))
		}
		return
	}

	ps := &PeerSession{
		name:     s.AuthName(),
		sess:     s,
		throttle: NewThrottle(m.limit, m.window),
		warn:     &rate.Sometimes{Interval: m.warnIv},
	}
	received := m.stats.Received.WithLabelValues(ps.name)
	sent := m.stats.Sent.WithLabelValues(ps.name)
	throttled := m.stats.Throttled.WithLabelValues(ps.name)
	s.Peer().LogPackets(func(pkt presents.PacketInfo) {
		if pkt.Sent {
			sent.Inc()
			return
		}
		received.Inc()
		if !ps.throttle.Allow() {
			throttled.Inc()
			ps.warn.Do(func() {
				s.Logger().Warn("peer exceeded message throttle", zap.String("peer", ps.name),
					zap.Int("limit", m.limit), zap.Duration("window", m.window))
			})
		}
	})

	m.μ.Lock()
	old := m.peers[ps.name]
	m.peers[ps.name] = ps
	m.μ.Unlock()
	if old != nil {
		m.log.Warn("replacing peer session", zap.String("peer", ps.name), zap.Int("conn", old.sess.ID()))
		old.sess.Close()
	} else {
		m.stats.Peers.Inc()
	}
	m.log.Info("peer connected", zap.String("peer", ps.name), zap.Int("conn", s.ID()))
}

func (m *Manager) sessionEnded(s *session.Session) {
	name := s.AuthName()
	if s.Credentials().Kind != PeerKind {
		// Remove the entry only if a later session with the same name has
		// not replaced it.
		set, _ := dobj.Attr[*dobj.DSet](m.node, "clients")
		if e, ok := set.Get(name); ok && e.Value == int32(s.ID()) {
			if err := m.node.RemoveEntry("clients", name); err != nil {
				m.log.Error("remove client from node", zap.String("client", name), zap.Error(err))
			}
		}
		return
	}

	m.μ.Lock()
	ps := m.peers[name]
	current := ps != nil && ps.sess == s
	if current {
		delete(m.peers, name)
	}
	m.μ.Unlock()
	if current {
		m.stats.Peers.Dec()
		m.log.Info("peer disconnected", zap.String("peer", name), zap.Int("conn", s.ID()))
	}
}

// A Link is an outbound connection from this node to another.
type Link struct {
	name string
	m    *Manager
	cli  *client.Client
	node *dobj.Object
}

// Name returns the name of the remote node.
func (l *Link) Name() string { return l.name }

// Client returns the client of the link.
func (l *Link) Client() *client.Client { return l.cli }

// Node returns the mirror of the remote node object.
func (l *Link) Node() *dobj.Object { return l.node }

// Close closes the link and waits for it to end.
func (l *Link) Close() error { return l.cli.Logoff() }

// DidLogoff implements the client.DidLogoffObserver interface.
func (l *Link) DidLogoff(_ *client.Client, err error) {
	l.m.μ.Lock()
	if l.m.links[l.name] == l {
		delete(l.m.links, l.name)
	}
	l.m.μ.Unlock()
	l.m.log.Info("link closed", zap.String("peer", l.name), zap.Error(err))
}

// Link logs on as a peer to the node named name over ch, and subscribes to
// its node object. If creds.Kind is empty, PeerKind is used.
func (m *Manager) Link(ctx context.Context, name string, ch presents.Channel, creds auth.Credentials) (*Link, error) {
	if creds.Kind == "" {
		creds.Kind = PeerKind
	}
	cli := client.New(&client.Options{
		Logger: m.log.With(zap.String("link", name)),
		Groups: []string{PeerGroup},
	}).Start(ch)
	boot, err := cli.Logon(ctx, creds)
	if err != nil {
		cli.Logoff()
		return nil, fmt.Errorf("link %q: %w", name, err)
	}
	oid, ok := boot.Objects[NodeObject]
	if !ok {
		cli.Logoff()
		return nil, fmt.Errorf("link %q: no node object", name)
	}
	node, err := cli.Subscribe(ctx, oid)
	if err != nil {
		cli.Logoff()
		return nil, fmt.Errorf("link %q: %w", name, err)
	}

	l := &Link{name: name, m: m, cli: cli, node: node}
	m.μ.Lock()
	old := m.links[name]
	m.links[name] = l
	m.μ.Unlock()
	cli.AddObserver(l)
	if old != nil {
		old.Close()
	}
	m.log.Info("link established", zap.String("peer", name))
	return l, nil
}

// Links returns the names of the open outbound links in order.
func (m *Manager) Links() []string {
	m.μ.Lock()
	defer m.μ.Unlock()
	return slices.Sorted(maps.Keys(m.links))
}

// Close closes all the outbound links of m.
func (m *Manager) Close() error {
	m.μ.Lock()
	links := slices.Collect(maps.Values(m.links))
	m.μ.Unlock()
	var err error
	for _, l := range links {
		err = multierr.Append(err, l.Close())
	}
	return err
}
