// SPDX-License-Identifier: LGPL-3.0-or-later

// Package events implements the Event Subsystem (C8): a FIFO queue of
// lifecycle events, a 0ms-armed dispatch timer, and the callback registry
// lifecycle-transition and device events are delivered to.
package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Kind categorizes an Event for callback filtering.
type Kind string

const (
	KindLifecycle Kind = "lifecycle"
	KindDevice    Kind = "device"
	KindIO        Kind = "io-error"
)

// Event is one entry on the queue (§4.7). Domain, DomainUUID and
// DomainIDSnapshot together are the "vm-uuid"/"vm-id-snapshot" fields §3
// requires alongside the domain name: DomainIDSnapshot is the registry id
// the VM held at the moment the event was pushed, not a live lookup, since
// a SHUTOFF transition clears the runtime id before callbacks run.
type Event struct {
	Kind             Kind
	Domain           string // domain name the event concerns
	DomainUUID       uuid.UUID
	DomainIDSnapshot int
	Detail           string // e.g. "defined/added", "started/booted", device name
	Data             any
}

// Filter reports whether ev should be delivered to a particular callback
// registration. A nil Filter matches everything.
type Filter func(ev Event) bool

// CallbackID identifies a registered callback for later deregistration.
type CallbackID uint64

type callback struct {
	id      CallbackID
	filter  Filter
	fn      func(Event)
	removed bool
}

var (
	eventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_dispatched_total",
		Help: "Total lifecycle/device events dispatched to callbacks.",
	}, []string{"kind"})
	eventsQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "events_queue_depth",
		Help: "Number of events currently queued for dispatch.",
	})
)

// Queue is a FIFO event queue with timer-driven dispatch, matching §4.7:
// mutation happens under Queue's own lock (standing in for "the registry
// lock" in the single-process model this package is used from — callers
// that also hold the driver's registry lock must take care not to
// double-acquire; Queue's lock is private to event bookkeeping), and a
// single dispatch goroutine plays the role of the 0ms-armed timer.
type Queue struct {
	mu          sync.Mutex
	pending     []Event
	callbacks   []*callback
	nextID      CallbackID
	dispatching bool
	wake        chan struct{}
	stop        chan struct{}
	stopOnce    sync.Once
}

// New returns an empty Queue and starts its dispatch goroutine.
func New() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go q.dispatchLoop()
	return q
}

// Close stops the dispatch goroutine. Any events still queued are dropped.
func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.stop) })
}

// Register adds a callback invoked for every future event matching
// filter (nil matches all). Returns an id usable with Deregister.
// Registration during dispatch is legal per §4.7.
func (q *Queue) Register(filter Filter, fn func(Event)) CallbackID {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	id := q.nextID
	q.callbacks = append(q.callbacks, &callback{id: id, filter: filter, fn: fn})
	return id
}

// Deregister removes a previously registered callback. If called while
// dispatch is in progress, the entry is only marked for removal and is
// actually dropped once the in-flight flush completes (§4.7).
func (q *Queue) Deregister(id CallbackID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cb := range q.callbacks {
		if cb.id == id {
			if q.dispatching {
				cb.removed = true
			} else {
				q.removeLocked(id)
			}
			return
		}
	}
}

func (q *Queue) removeLocked(id CallbackID) {
	out := q.callbacks[:0]
	for _, cb := range q.callbacks {
		if cb.id != id {
			out = append(out, cb)
		}
	}
	q.callbacks = out
}

// Push enqueues ev. If the queue transitions from empty to non-empty, the
// dispatch timer is armed for 0ms, i.e. the dispatch goroutine is woken
// immediately.
func (q *Queue) Push(ev Event) {
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	eventsQueueDepth.Set(float64(len(q.pending)))
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatchLoop() {
	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
			q.flush()
		}
	}
}

// flush drains the queue and delivers every event to every matching
// callback, holding the lock only across the traversal of the callback
// list, not across individual callback invocations, per §4.7.
func (q *Queue) flush() {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	q.dispatching = true
	batch := q.pending
	q.pending = nil
	eventsQueueDepth.Set(0)
	q.mu.Unlock()

	for _, ev := range batch {
		q.mu.Lock()
		cbs := make([]*callback, len(q.callbacks))
		copy(cbs, q.callbacks)
		q.mu.Unlock()
		for _, cb := range cbs {
			if cb.removed {
				continue
			}
			if cb.filter != nil && !cb.filter(ev) {
				continue
			}
			cb.fn(ev)
			eventsDispatched.WithLabelValues(string(ev.Kind)).Inc()
		}
	}

	q.mu.Lock()
	q.dispatching = false
	q.removeMarkedLocked()
	more := len(q.pending) > 0
	q.mu.Unlock()

	if more {
		q.flush()
	}
}

func (q *Queue) removeMarkedLocked() {
	out := q.callbacks[:0]
	for _, cb := range q.callbacks {
		if !cb.removed {
			out = append(out, cb)
		}
	}
	q.callbacks = out
}

// Len reports the number of events currently queued, for tests and
// diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
