// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package client

// An Observer is told about changes in the logon state of a client. It may
// implement any of the observer interfaces in this package; the client calls
// only the methods an observer has.
type Observer any

// WillLogonObserver is implemented by observers that want to know when a
// logon begins.
type WillLogonObserver interface {
	WillLogon(*Client)
}

// DidLogonObserver is implemented by observers that want to know when a
// logon has completed and the session is bootstrapped.
type DidLogonObserver interface {
	DidLogon(*Client)
}

// FailedToLogonObserver is implemented by observers that want to know when a
// logon fails. The error is an *auth.Error for a logon refused by the
// server.
type FailedToLogonObserver interface {
	FailedToLogon(*Client, error)
}

// DidLogoffObserver is implemented by observers that want to know when a
// logged-on session ends. The error is nil if the connection closed
// normally.
type DidLogoffObserver interface {
	DidLogoff(*Client, error)
}
