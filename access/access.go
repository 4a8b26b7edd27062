// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package access defines the standard access policies for shared objects.
//
// A policy is a [dobj.AccessController] chosen when an object is registered:
//
//	mgr.Register(obj, nil) // use the manager default
//
//	ac := access.Owner("receivers")
//	mgr.Register(rec, &ac)
package access

import "github.com/creachadair/presents/dobj"

// Default permits any subscriber. It permits events originated by the server
// and Message events from anyone; peers may not otherwise change state.
var Default = dobj.AccessController{
	AllowDispatch: func(_ *dobj.Object, ev dobj.Event) bool {
		return ev.Header().Source == dobj.ServerOID || ev.Kind() == dobj.KindMessage
	},
}

// Owner returns a policy for objects belonging to a single client. Only the
// server and the owner of the object may subscribe to it, and the owner may
// change only the named attribute.
func Owner(attr string) dobj.AccessController {
	return dobj.AccessController{
		AllowSubscribe: func(obj *dobj.Object, sub int32) bool {
			return sub == dobj.ServerOID || sub == obj.Owner()
		},
		AllowDispatch: func(obj *dobj.Object, ev dobj.Event) bool {
			src := ev.Header().Source
			if src == dobj.ServerOID {
				return true
			} else if src != obj.Owner() {
				return false
			}
			name, ok := dobj.AttrName(ev)
			return ok && name == attr
		},
	}
}

// Compose returns a policy that permits an operation only if all of acs
// permit it. A nil predicate in any of acs permits everything.
func Compose(acs ...dobj.AccessController) dobj.AccessController {
	return dobj.AccessController{
		AllowSubscribe: func(obj *dobj.Object, sub int32) bool {
			for _, ac := range acs {
				if ac.AllowSubscribe != nil && !ac.AllowSubscribe(obj, sub) {
					return false
				}
			}
			return true
		},
		AllowDispatch: func(obj *dobj.Object, ev dobj.Event) bool {
			for _, ac := range acs {
				if ac.AllowDispatch != nil && !ac.AllowDispatch(obj, ev) {
					return false
				}
			}
			return true
		},
	}
}

// Types returns a predicate for use as AllowDispatch that permits only the
// given kinds of event, from any source.
func Types(kinds ...dobj.Kind) func(*dobj.Object, dobj.Event) bool {
	return func(_ *dobj.Object, ev dobj.Event) bool {
		for _, k := range kinds {
			if ev.Kind() == k {
				return true
			}
		}
		return false
	}
}
