// SPDX-License-Identifier: LGPL-3.0-or-later

package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPushDispatchesToRegisteredCallback(t *testing.T) {
	q := New()
	defer q.Close()

	var mu sync.Mutex
	var received []Event
	q.Register(nil, func(ev Event) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	})

	q.Push(Event{Kind: KindLifecycle, Domain: "web1", Detail: "started"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, "web1", received[0].Domain)
	mu.Unlock()
}

func TestFilterOnlyMatchesSelectedEvents(t *testing.T) {
	q := New()
	defer q.Close()

	var mu sync.Mutex
	var count int
	q.Register(func(ev Event) bool { return ev.Domain == "web1" }, func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	q.Push(Event{Kind: KindLifecycle, Domain: "web1", Detail: "started"})
	q.Push(Event{Kind: KindLifecycle, Domain: "web2", Detail: "started"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDeregisterDuringDispatchTakesEffectAfterFlush(t *testing.T) {
	q := New()
	defer q.Close()

	var calls int
	var mu sync.Mutex
	var id CallbackID
	id = q.Register(nil, func(ev Event) {
		mu.Lock()
		calls++
		mu.Unlock()
		q.Deregister(id)
	})

	q.Push(Event{Kind: KindLifecycle, Domain: "web1", Detail: "started"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	q.Push(Event{Kind: KindLifecycle, Domain: "web1", Detail: "stopped"})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	require.Equal(t, 1, calls, "callback should have been removed after deregistering mid-dispatch")
	mu.Unlock()
}

func TestRegisterDuringDispatchIsLegal(t *testing.T) {
	q := New()
	defer q.Close()

	var mu sync.Mutex
	var secondCalled bool
	q.Register(nil, func(ev Event) {
		q.Register(nil, func(ev Event) {
			mu.Lock()
			secondCalled = true
			mu.Unlock()
		})
	})

	q.Push(Event{Kind: KindLifecycle, Domain: "web1", Detail: "started"})
	q.Push(Event{Kind: KindLifecycle, Domain: "web1", Detail: "stopped"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return secondCalled
	}, time.Second, 5*time.Millisecond)
}
