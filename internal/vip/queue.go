// Copyright 2024 Acnodal Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vip

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/workqueue"
)

var (
	// ErrQueueFull is returned by Push when no slot frees up before
	// the timeout. The caller should retry later.
	ErrQueueFull = errors.New("vip event queue is full")

	// ErrQueueClosed is returned by Push after Close. It means the
	// consumer is gone and is not recoverable.
	ErrQueueClosed = errors.New("vip event queue is closed")
)

// Queue carries Events from the service watcher to the reconciler. It
// holds at most one pending Event per Service: a newer Event replaces
// an older one that hasn't been popped yet. Events for a Service are
// popped in the order they were pushed and never handed out twice at
// once. The number of Services with a pending Event is bounded.
type Queue struct {
	queue   workqueue.TypedInterface[types.NamespacedName]
	slots   chan struct{}
	closed  chan struct{}
	timeout time.Duration

	mu       sync.Mutex
	pending  map[types.NamespacedName]Event
	shutdown bool
}

// NewQueue returns a queue with room for size Services. Push waits up
// to timeout for room.
func NewQueue(size int, timeout time.Duration) *Queue {
	return &Queue{
		queue:   workqueue.NewTyped[types.NamespacedName](),
		slots:   make(chan struct{}, size),
		closed:  make(chan struct{}),
		timeout: timeout,
		pending: map[types.NamespacedName]Event{},
	}
}

// Push enqueues ev, replacing any pending Event for the same Service.
func (q *Queue) Push(ctx context.Context, ev Event) error {
	key := ev.LB.Key()

	if ok, err := q.replace(key, ev); ok || err != nil {
		return err
	}

	t := time.NewTimer(q.timeout)
	defer t.Stop()
	select {
	case q.slots <- struct{}{}:
	case <-t.C:
		queueFull.Inc()
		return ErrQueueFull
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		<-q.slots
		return ErrQueueClosed
	}
	if _, ok := q.pending[key]; ok {
		// someone else queued this key while we waited
		<-q.slots
	}
	q.pending[key] = ev
	q.mu.Unlock()

	q.queue.Add(key)
	queueDepth.Set(float64(q.Len()))
	return nil
}

// replace overwrites the pending Event for key if there is one.
func (q *Queue) replace(key types.NamespacedName, ev Event) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shutdown {
		return false, ErrQueueClosed
	}
	if _, ok := q.pending[key]; !ok {
		return false, nil
	}
	q.pending[key] = ev
	queueCoalesced.Inc()
	return true, nil
}

// Pop blocks until an Event is available. done must be called once
// the Event has been applied. ok is false once the queue is closed and
// drained.
func (q *Queue) Pop() (ev Event, done func(), ok bool) {
	for {
		key, shutdown := q.queue.Get()
		if shutdown {
			return Event{}, nil, false
		}

		q.mu.Lock()
		ev, found := q.pending[key]
		if found {
			delete(q.pending, key)
		}
		q.mu.Unlock()

		if !found {
			q.queue.Done(key)
			continue
		}
		<-q.slots
		queueDepth.Set(float64(q.Len()))
		return ev, func() { q.queue.Done(key) }, true
	}
}

// Len is the number of Services with a pending Event.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting Events. Pending Events can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return
	}
	q.shutdown = true
	close(q.closed)
	q.queue.ShutDown()
}
