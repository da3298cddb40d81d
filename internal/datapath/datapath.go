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

// Package datapath runs the packet classifier against live traffic,
// either in the kernel as an XDP program or in this process on copies
// of ingress frames.
package datapath

import (
	"context"
	"time"

	"github.com/cilium/ebpf/ringbuf"

	"github.com/lbinternode/lb-inter-node-exporter/internal/viptable"
)

// Datapath is a running classifier. The VIP table is its input and
// the event reader its output.
type Datapath interface {
	// Table is the VIP set the classifier matches against.
	Table() viptable.Table
	// Events returns the reader of IPv4 event records.
	Events() EventReader
	// Stats returns the classifier counters since the datapath
	// started.
	Stats() (Stats, error)
	// Run blocks until ctx is done or the datapath fails.
	Run(ctx context.Context) error
	// Close detaches from the interfaces and releases resources. It
	// must be called after Run returns.
	Close() error
}

// EventReader is the consumer side of an event ring buffer.
// *ringbuf.Reader satisfies it.
type EventReader interface {
	Read() (ringbuf.Record, error)
	SetDeadline(t time.Time)
}

// Stats are the classifier counters.
type Stats struct {
	Pass            uint64
	Aborted         uint64
	EventsSubmitted uint64
	EventsDropped   uint64
}
