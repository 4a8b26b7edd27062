// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package dobj

import (
	"context"
	"expvar"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// An AccessController decides who may subscribe to an object and which
// events may be dispatched to it. Either predicate may be nil, which denies
// nothing.
type AccessController struct {
	// AllowSubscribe reports whether subscriber may subscribe to obj.
	// The subscriber is the oid of the client record of the requesting
	// session, or ServerOID for subscriptions made by the server itself.
	AllowSubscribe func(obj *Object, subscriber int32) bool

	// AllowDispatch reports whether ev, posted from outside the server, may
	// be applied to obj. Locally originated changes are not checked.
	AllowDispatch func(obj *Object, ev Event) bool
}

func (ac AccessController) allowSubscribe(obj *Object, subscriber int32) bool {
	return ac.AllowSubscribe == nil || ac.AllowSubscribe(obj, subscriber)
}

func (ac AccessController) allowDispatch(obj *Object, ev Event) bool {
	return ac.AllowDispatch == nil || ac.AllowDispatch(obj, ev)
}

// serverOnly permits any subscriber, and only server-originated events.
var serverOnly = AccessController{
	AllowDispatch: func(_ *Object, ev Event) bool { return ev.Header().Source == ServerOID },
}

// Options are optional settings for a [Manager]. A nil *Options is ready for
// use and provides defaults as described.
type Options struct {
	// Log is used for diagnostics. If nil, logs are discarded.
	Logger *zap.Logger

	// Access is the access controller for objects registered without one.
	// If nil, any subscriber is permitted and only server-originated events
	// may be dispatched.
	Access *AccessController
}

func (o *Options) logger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o *Options) access() AccessController {
	if o == nil || o.Access == nil {
		return serverOnly
	}
	return *o.Access
}

// Lock order: an object lock may be held while acquiring the manager lock,
// never the reverse.

// A Manager is a registry of objects. It assigns oids, serializes the
// application of events, and delivers each applied event to the listeners
// subscribed to its target.
//
// All events and subscription changes are processed in order by a single
// dispatch goroutine, so that events for an object are applied in the order
// they were posted and listeners see the state after each event.
type Manager struct {
	log    *zap.Logger
	access AccessController
	loop   *taskgroup.Single[error]
	signal chan struct{}
	stats  *managerMetrics

	μ         sync.Mutex
	nextOID   int32
	objects   map[int32]*Object
	listeners map[int32][]Listener
	queue     []func()
	closed    bool
}

// NewManager constructs a new empty Manager and starts its dispatch loop.
// The caller must call Close when the manager is no longer in use.
func NewManager(opts *Options) *Manager {
	m := &Manager{
		log:       opts.logger(),
		access:    opts.access(),
		signal:    make(chan struct{}, 1),
		stats:     newManagerMetrics(),
		objects:   make(map[int32]*Object),
		listeners: make(map[int32][]Listener),
	}
	m.loop = taskgroup.Go(m.run)
	return m
}

// Metrics returns a map of counters for m: the number of registered objects,
// and the numbers of events dispatched and dropped.
func (m *Manager) Metrics() *expvar.Map { return m.stats.emap }

// Register adds obj to m with a fresh oid, and returns the oid. If ac == nil,
// obj is governed by the access controller from the manager's options.
// Register panics if obj is already registered.
func (m *Manager) Register(obj *Object, ac *AccessController) int32 {
	obj.μ.Lock()
	defer obj.μ.Unlock()
	m.μ.Lock()
	defer m.μ.Unlock()
	if obj.oid != 0 {
		panic(fmt.Sprintf("object %d is already registered", obj.oid))
	}
	m.nextOID++
	obj.oid = m.nextOID
	obj.poster = m
	obj.access = m.access
	if ac != nil {
		obj.access = *ac
	}
	m.objects[obj.oid] = obj
	m.stats.objects.Add(1)
	m.log.Debug("registered object", zap.Int32("oid", obj.oid), zap.String("type", obj.typ))
	return obj.oid
}

// Get returns the registered object with the given oid, or nil.
func (m *Manager) Get(oid int32) *Object {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.objects[oid]
}

// Len reports the number of objects registered with m.
func (m *Manager) Len() int {
	m.μ.Lock()
	defer m.μ.Unlock()
	return len(m.objects)
}

// Destroy posts an ObjectDestroyed event for the specified object. After its
// listeners have been notified, the object is removed from m.
func (m *Manager) Destroy(oid int32) error {
	obj := m.Get(oid)
	if obj == nil {
		return fmt.Errorf("destroy %d: %w", oid, ErrNoSuchObject)
	}
	return obj.post(new(ObjectDestroyed))
}

// PostEvent queues ev for dispatch. When it is dispatched, ev is checked
// against the access controller of its target, applied, and then delivered
// to the target's listeners. Events for unknown objects, events denied by
// access control, and events that were already dispatched are dropped.
func (m *Manager) PostEvent(ev Event) {
	if !m.enqueue(func() { m.dispatch(ev, false) }) {
		m.log.Debug("event posted after close", zap.Stringer("kind", ev.Kind()))
	}
}

// PostLocal implements the [Poster] interface. It applies ev to obj, which
// must already be locked by the caller, and queues it for delivery to
// listeners without further access checks.
func (m *Manager) PostLocal(obj *Object, ev Event) error {
	if err := applyLocked(ev, obj); err != nil {
		return err
	}
	m.enqueue(func() { m.dispatch(ev, true) })
	return nil
}

// Subscribe queues a request to add l as a listener on the object with the
// given oid, on behalf of subscriber. When the request is processed, ready
// is called with the object, or with an error if the object does not exist
// or access is denied. Since ready runs on the dispatch loop, it observes the
// object before any event queued after the subscription. A listener already
// subscribed to the object is not added twice.
//
// The listener must be a comparable value (typically a pointer).
func (m *Manager) Subscribe(oid, subscriber int32, l Listener, ready func(*Object, error)) {
	if ready == nil {
		ready = func(*Object, error) {}
	}
	if l == nil || !reflect.TypeOf(l).Comparable() {
		ready(nil, fmt.Errorf("subscribe %d: listener %T is not comparable", oid, l))
		return
	}
	ok := m.enqueue(func() {
		obj := m.Get(oid)
		if obj == nil {
			ready(nil, fmt.Errorf("subscribe %d: %w", oid, ErrNoSuchObject))
			return
		}
		obj.μ.Lock()
		ac := obj.access
		obj.μ.Unlock()
		if !ac.allowSubscribe(obj, subscriber) {
			m.log.Warn("subscription denied", zap.Int32("oid", oid), zap.Int32("subscriber", subscriber))
			ready(nil, fmt.Errorf("subscribe %d: %w", oid, ErrAccessDenied))
			return
		}
		m.μ.Lock()
		if !slices.Contains(m.listeners[oid], l) {
			m.listeners[oid] = append(m.listeners[oid], l)
		}
		m.μ.Unlock()
		ready(obj, nil)
	})
	if !ok {
		ready(nil, fmt.Errorf("subscribe %d: manager is closed", oid))
	}
}

// Unsubscribe removes l as a listener of the specified object. Events whose
// dispatch begins after Unsubscribe returns are not delivered to l. Removing
// a listener that is not subscribed has no effect.
func (m *Manager) Unsubscribe(oid int32, l Listener) {
	m.μ.Lock()
	defer m.μ.Unlock()
	ls := m.listeners[oid]
	if i := slices.Index(ls, l); i >= 0 {
		ls = slices.Delete(ls, i, i+1)
		if len(ls) == 0 {
			delete(m.listeners, oid)
		} else {
			m.listeners[oid] = ls
		}
	}
}

// Sync blocks until all the work queued on m before the call has completed,
// or until ctx ends.
func (m *Manager) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !m.enqueue(func() { close(done) }) {
		return fmt.Errorf("sync: manager is closed")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Close stops the dispatch loop after the work already queued has been
// processed, and waits for it to exit. Further posts are discarded.
func (m *Manager) Close() error {
	m.μ.Lock()
	m.closed = true
	m.μ.Unlock()
	m.wake()
	return m.loop.Wait()
}

func (m *Manager) enqueue(f func()) bool {
	m.μ.Lock()
	if m.closed {
		m.μ.Unlock()
		return false
	}
	m.queue = append(m.queue, f)
	m.μ.Unlock()
	m.wake()
	return true
}

func (m *Manager) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Manager) run() error {
	for {
		m.μ.Lock()
		work, closed := m.queue, m.closed
		m.queue = nil
		m.μ.Unlock()

		for _, f := range work {
			m.runSafe(f)
		}
		if len(work) == 0 {
			if closed {
				return nil
			}
			<-m.signal
		}
	}
}

func (m *Manager) runSafe(f func()) {
	defer func() {
		if x := recover(); x != nil {
			m.log.Error("panic in dispatch loop", zap.Any("panic", x), zap.Stack("stack"))
		}
	}()
	f()
}

func (m *Manager) dispatch(ev Event, local bool) {
	h := ev.Header()
	log := m.log.With(zap.Int32("oid", h.Target), zap.Int32("source", h.Source), zap.Stringer("kind", ev.Kind()))
	if h.dispatched {
		log.Debug("dropped event already dispatched")
		m.stats.dropped.Add(1)
		return
	}
	obj := m.Get(h.Target)
	if obj == nil {
		log.Warn("dropped event for unknown object")
		m.stats.dropped.Add(1)
		return
	}
	if !local {
		obj.μ.Lock()
		ac := obj.access
		obj.μ.Unlock()
		if !ac.allowDispatch(obj, ev) {
			log.Warn("dropped event denied by access control")
			m.stats.dropped.Add(1)
			return
		}
		if err := Apply(ev, obj); err != nil {
			log.Warn("dropped event that failed to apply", zap.Error(err))
			m.stats.dropped.Add(1)
			return
		}
	}
	h.dispatched = true
	m.stats.dispatched.Add(1)

	m.μ.Lock()
	ls := slices.Clone(m.listeners[h.Target])
	m.μ.Unlock()
	for _, l := range ls {
		if m.subscribed(h.Target, l) {
			m.notify(ev, l)
		}
	}

	if ev.Kind() == KindObjectDestroyed {
		m.μ.Lock()
		delete(m.objects, h.Target)
		delete(m.listeners, h.Target)
		m.μ.Unlock()
		m.stats.objects.Add(-1)
		log.Debug("removed destroyed object")
	}
}

// subscribed reports whether l is still a listener of oid, since a listener
// earlier in the notification order may have removed it.
func (m *Manager) subscribed(oid int32, l Listener) bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	return slices.Contains(m.listeners[oid], l)
}

func (m *Manager) notify(ev Event, l Listener) {
	defer func() {
		if x := recover(); x != nil {
			m.log.Error("panic in listener", zap.String("listener", fmt.Sprintf("%T", l)),
				zap.Any("panic", x), zap.Stringer("kind", ev.Kind()))
		}
	}()
	Notify(ev, l)
}

type managerMetrics struct {
	objects    expvar.Int
	dispatched expvar.Int
	dropped    expvar.Int

	emap *expvar.Map
}

func newManagerMetrics() *managerMetrics {
	mm := &managerMetrics{emap: new(expvar.Map)}
	mm.emap.Set("objects", &mm.objects)
	mm.emap.Set("events_dispatched", &mm.dispatched)
	mm.emap.Set("events_dropped", &mm.dropped)
	return mm
}
