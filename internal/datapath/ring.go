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

package datapath

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf/ringbuf"

	"github.com/lbinternode/lb-inter-node-exporter/internal/record"
)

// ringHeaderLen is the per-record overhead of a kernel ring buffer.
const ringHeaderLen = 8

// Ring is a bounded in-process stand-in for the kernel's event ring
// buffer. Producers never block: a record that doesn't fit is dropped
// and counted. It reads like a *ringbuf.Reader.
type Ring struct {
	records chan []byte
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	deadline time.Time

	submitted atomic.Uint64
	dropped   atomic.Uint64
}

// NewRing returns a ring that holds as many IPv4 records as a kernel
// ring buffer of size bytes.
func NewRing(size int) *Ring {
	slot := (record.IPv4EventSize+7)&^7 + ringHeaderLen
	n := size / slot
	if n < 1 {
		n = 1
	}
	return &Ring{
		records: make(chan []byte, n),
		closed:  make(chan struct{}),
	}
}

// Submit copies rec into the ring. It returns false if the ring is
// full or closed.
func (r *Ring) Submit(rec []byte) bool {
	select {
	case <-r.closed:
		r.dropped.Add(1)
		return false
	default:
	}

	select {
	case r.records <- append([]byte(nil), rec...):
		r.submitted.Add(1)
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Read returns the next record. It fails with os.ErrDeadlineExceeded
// once the deadline passes and with ringbuf.ErrClosed after Close and
// once the ring is empty.
func (r *Ring) Read() (ringbuf.Record, error) {
	// anything already queued wins over the deadline and Close
	select {
	case b := <-r.records:
		return ringbuf.Record{RawSample: b}, nil
	default:
	}

	r.mu.Lock()
	deadline := r.deadline
	r.mu.Unlock()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return ringbuf.Record{}, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}

	select {
	case b := <-r.records:
		return ringbuf.Record{RawSample: b}, nil
	case <-r.closed:
		return ringbuf.Record{}, ringbuf.ErrClosed
	case <-expired:
		return ringbuf.Record{}, os.ErrDeadlineExceeded
	}
}

// SetDeadline sets the deadline for future Read calls. The zero value
// means no deadline.
func (r *Ring) SetDeadline(t time.Time) {
	r.mu.Lock()
	r.deadline = t
	r.mu.Unlock()
}

// Close wakes blocked readers. Records submitted afterwards are
// dropped.
func (r *Ring) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

// Submitted is the number of records accepted by the ring.
func (r *Ring) Submitted() uint64 {
	return r.submitted.Load()
}

// Dropped is the number of records rejected by the ring.
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}
