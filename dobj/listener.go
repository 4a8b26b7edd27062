// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package dobj

// A Listener receives the events of the objects it subscribes to. A listener
// may be any comparable value; it receives only the kinds of event for which
// it implements the matching capability interface below.
type Listener any

// AttributeChangeListener is the capability to receive AttributeChanged events.
type AttributeChangeListener interface {
	AttributeChanged(*AttributeChanged)
}

// ElementUpdateListener is the capability to receive ElementUpdated events.
type ElementUpdateListener interface {
	ElementUpdated(*ElementUpdated)
}

// EntryAddedListener is the capability to receive EntryAdded events.
type EntryAddedListener interface {
	EntryAdded(*EntryAdded)
}

// EntryUpdatedListener is the capability to receive EntryUpdated events.
type EntryUpdatedListener interface {
	EntryUpdated(*EntryUpdated)
}

// EntryRemovedListener is the capability to receive EntryRemoved events.
type EntryRemovedListener interface {
	EntryRemoved(*EntryRemoved)
}

// ObjectDeathListener is the capability to receive ObjectDestroyed events.
type ObjectDeathListener interface {
	ObjectDestroyed(*ObjectDestroyed)
}

// ObjectAddedListener is the capability to receive ObjectAdded events.
type ObjectAddedListener interface {
	ObjectAdded(*ObjectAdded)
}

// ObjectRemovedListener is the capability to receive ObjectRemoved events.
type ObjectRemovedListener interface {
	ObjectRemoved(*ObjectRemoved)
}

// MessageListener is the capability to receive Message events.
type MessageListener interface {
	MessageReceived(*Message)
}

// EventListener is the capability to receive every event regardless of kind.
// It is called before any kind-specific method.
type EventListener interface {
	EventReceived(Event)
}

// Notify delivers ev to the methods of l that accept it. If l has no matching
// capability, Notify does nothing.
func Notify(ev Event, l Listener) {
	if el, ok := l.(EventListener); ok {
		el.EventReceived(ev)
	}
	switch e := ev.(type) {
	case *AttributeChanged:
		if t, ok := l.(AttributeChangeListener); ok {
			t.AttributeChanged(e)
		}
	case *ElementUpdated:
		if t, ok := l.(ElementUpdateListener); ok {
			t.ElementUpdated(e)
		}
	case *EntryAdded:
		if t, ok := l.(EntryAddedListener); ok {
			t.EntryAdded(e)
		}
	case *EntryUpdated:
		if t, ok := l.(EntryUpdatedListener); ok {
			t.EntryUpdated(e)
		}
	case *EntryRemoved:
		if t, ok := l.(EntryRemovedListener); ok {
			t.EntryRemoved(e)
		}
	case *ObjectDestroyed:
		if t, ok := l.(ObjectDeathListener); ok {
			t.ObjectDestroyed(e)
		}
	case *ObjectAdded:
		if t, ok := l.(ObjectAddedListener); ok {
			t.ObjectAdded(e)
		}
	case *ObjectRemoved:
		if t, ok := l.(ObjectRemovedListener); ok {
			t.ObjectRemoved(e)
		}
	case *Message:
		if t, ok := l.(MessageListener); ok {
			t.MessageReceived(e)
		}
	}
}

// ListenerFunc adapts a function to an [EventListener].
// Since function values are not comparable, use a pointer to a ListenerFunc
// when the listener must later be unsubscribed.
type ListenerFunc func(Event)

// EventReceived implements the [EventListener] interface.
func (f ListenerFunc) EventReceived(ev Event) { f(ev) }
