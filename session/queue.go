// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package session

import (
	"errors"
	"sync"

	"github.com/creachadair/presents"
)

var errQueueFull = errors.New("send queue is full")

// A sendQueue holds outbound packets for a session in the order they were
// queued. Pushing never blocks, so it is safe to queue packets from the
// object manager's dispatch loop.
type sendQueue struct {
	limit int // 0 means unbounded
	ready chan struct{}

	μ      sync.Mutex
	items  []*presents.Packet
	closed bool
}

func newSendQueue(limit int) *sendQueue {
	return &sendQueue{limit: limit, ready: make(chan struct{}, 1)}
}

// push adds a packet to the end of q. It reports presents.ErrClosed after q
// is closed, and errQueueFull if q holds its limit.
func (q *sendQueue) push(pkt *presents.Packet) error {
	q.μ.Lock()
	defer q.μ.Unlock()
	if q.closed {
		return presents.ErrClosed
	} else if q.limit > 0 && len(q.items) >= q.limit {
		return errQueueFull
	}
	q.items = append(q.items, pkt)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// take blocks until q is non-empty or closed, and returns all the packets it
// holds. It returns false once q is closed.
func (q *sendQueue) take() ([]*presents.Packet, bool) {
	for {
		q.μ.Lock()
		if q.closed {
			q.μ.Unlock()
			return nil, false
		} else if len(q.items) != 0 {
			out := q.items
			q.items = nil
			q.μ.Unlock()
			return out, true
		}
		q.μ.Unlock()
		<-q.ready
	}
}

// close discards any pending packets and wakes the consumer.
func (q *sendQueue) close() {
	q.μ.Lock()
	defer q.μ.Unlock()
	q.closed = true
	q.items = nil
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
