// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package bridge

import (
	"sync"
	"time"
)

// A Throttle admits up to a fixed number of messages in any span of time
// of a given length. It remembers the times of the most recent admitted
// messages, and refuses a message if the oldest of them is still within the
// window. Refused messages are not remembered. A zero Throttle admits
// everything.
type Throttle struct {
	window time.Duration

	μ    sync.Mutex
	ops  []time.Time // ring of admission times, len == limit
	next int         // index of the oldest entry once the ring is full
	n    int         // number of entries in use
}

// NewThrottle constructs a throttle that admits limit messages per rolling
// window.
func NewThrottle(limit int, window time.Duration) *Throttle {
	t := &Throttle{window: window}
	if limit > 0 {
		t.ops = make([]time.Time, limit)
	}
	return t
}

// Allow records a message and reports whether it is within the limit for
// the window ending now.
func (t *Throttle) Allow() bool {
	if len(t.ops) == 0 {
		return true
	}
	now := time.Now()
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.n == len(t.ops) && now.Sub(t.ops[t.next]) < t.window {
		return false
	}
	t.ops[t.next] = now
	t.next = (t.next + 1) % len(t.ops)
	if t.n < len(t.ops) {
		t.n++
	}
	return true
}

// Count reports the number of admitted messages within the window ending
// now.
func (t *Throttle) Count() int {
	now := time.Now()
	t.μ.Lock()
	defer t.μ.Unlock()
	var count int
	for _, ts := range t.ops[:t.n] {
		if now.Sub(ts) < t.window {
			count++
		}
	}
	return count
}
