// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package remote

import (
	"sync"
)

// entry is a unit of work awaiting its acknowledgement from the remote: the
// start-up or a dispatched command. It is resolved exactly once.
type entry struct {
	onReady func(err error)
	// done is closed on resolution. It is nil if nobody waits for the entry.
	done chan struct{}
	// err is the resolution result. It is valid after done is closed.
	err error
	// abandoned is set when the waiter gave up. Protected by readyQueue.mu.
	abandoned bool
	// deferred is set when err was handed over to the next waiter because
	// the entry was abandoned. Protected by readyQueue.mu.
	deferred bool
}

// readyQueue correlates acknowledgements with entries in FIFO order. The
// wire protocol has no identifiers, so the Nth acknowledgement always
// resolves the Nth pushed entry.
type readyQueue struct {
	mu      sync.Mutex
	entries []*entry
	// deferred holds errors resolved to entries that nobody could observe.
	// They are handed to the next entry with a waiter.
	deferred []error
}

// push appends a new entry. If waiter is true, the entry can be awaited on
// its done channel.
func (q *readyQueue) push(onReady func(err error), waiter bool) *entry {
	e := &entry{onReady: onReady}
	if waiter {
		e.done = make(chan struct{})
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
	return e
}

// resolve pops the head entry and resolves it with err. It returns false if
// there was no pending entry, in which case a non-nil err is deferred.
func (q *readyQueue) resolve(err error) bool {
	return q.resolveHead(err, true)
}

func (q *readyQueue) resolveHead(err error, deferIfEmpty bool) bool {
	q.mu.Lock()
	if len(q.entries) == 0 {
		if err != nil && deferIfEmpty {
			q.deferred = append(q.deferred, err)
		}
		q.mu.Unlock()
		return false
	}
	e := q.entries[0]
	q.entries[0] = nil
	q.entries = q.entries[1:]

	switch {
	case e.abandoned || e.done == nil && e.onReady == nil:
		if err != nil {
			q.deferred = append(q.deferred, err)
			e.deferred = true
		}
	case e.done != nil && err == nil && len(q.deferred) > 0:
		err = q.deferred[0]
		q.deferred = q.deferred[1:]
	}
	q.mu.Unlock()

	// Callbacks run without the lock so that they may push entries.
	e.err = err
	if e.onReady != nil {
		e.onReady(err)
	}
	if e.done != nil {
		close(e.done)
	}
	return true
}

// abandon marks e as no longer awaited so that its error, if any, is
// deferred. It returns false if e was already resolved.
func (q *readyQueue) abandon(e *entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.entries {
		if p == e {
			e.abandoned = true
			return true
		}
	}
	return false
}

// claim returns the error e was resolved with, unless the error was deferred
// and already delivered to another waiter. A deferred error returned by claim
// is withdrawn from the deferred list, so it is delivered once only. e must be
// resolved.
func (q *readyQueue) claim(e *entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !e.deferred {
		return e.err
	}
	for i, err := range q.deferred {
		if err == e.err {
			q.deferred = append(q.deferred[:i:i], q.deferred[i+1:]...)
			e.deferred = false
			return err
		}
	}
	return nil
}

// drain resolves all pending entries with err and returns their number.
func (q *readyQueue) drain(err error) int {
	n := 0
	for q.resolveHead(err, false) {
		n++
	}
	return n
}

// len returns the number of pending entries.
func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// takeDeferred returns and clears errors not yet delivered to any waiter.
func (q *readyQueue) takeDeferred() []error {
	q.mu.Lock()
	defer q.mu.Unlock()
	errs := q.deferred
	q.deferred = nil
	return errs
}
