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

// Package vip turns Service notifications into VIP table changes.
// The service watcher pushes Events into a Queue and a single
// Reconciler applies them in order.
package vip

import (
	"fmt"
	"net/netip"

	"k8s.io/apimachinery/pkg/types"
)

// LB is the projection of a LoadBalancer Service that the exporter
// cares about. Addr is the zero Addr when the Service has no usable
// ingress IP.
type LB struct {
	Name      string
	Namespace string
	Addr      netip.Addr
}

// Key identifies the Service.
func (lb LB) Key() types.NamespacedName {
	return types.NamespacedName{Namespace: lb.Namespace, Name: lb.Name}
}

// Op is what happened to a Service.
type Op int

const (
	// Add means the Service is eligible and has an address. It is
	// also used when the address changes.
	Add Op = iota
	// Delete means the Service is gone or no longer eligible.
	Delete
)

func (o Op) String() string {
	switch o {
	case Add:
		return "add"
	case Delete:
		return "delete"
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Event is one notification about a Service.
type Event struct {
	Op Op
	LB LB
}

// AddEvent returns an Add for the Service namespace/name at addr.
func AddEvent(namespace, name string, addr netip.Addr) Event {
	return Event{Op: Add, LB: LB{Name: name, Namespace: namespace, Addr: addr}}
}

// DeleteEvent returns a Delete for the Service namespace/name.
func DeleteEvent(namespace, name string) Event {
	return Event{Op: Delete, LB: LB{Name: name, Namespace: namespace}}
}

func (e Event) String() string {
	if e.Op == Add {
		return fmt.Sprintf("%s %s %s", e.Op, e.LB.Key(), e.LB.Addr)
	}
	return fmt.Sprintf("%s %s", e.Op, e.LB.Key())
}
