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

// Package viptable holds the set of VIPs that the packet classifier
// watches for. There is exactly one writer (the reconciler) and any
// number of lock-free readers (the datapath).
package viptable

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

var (
	// ErrTableFull is returned by Upsert when the table has no room
	// for another entry. Existing entries are never evicted.
	ErrTableFull = errors.New("vip table is full")

	// ErrUnsupportedFamily is returned for addresses that the
	// classifier can't match, which today means IPv6.
	ErrUnsupportedFamily = errors.New("unsupported address family")
)

// Table is the writer's view of the VIP set. Upsert and Remove are
// idempotent.
type Table interface {
	Upsert(addr netip.Addr) error
	Remove(addr netip.Addr) error
	Contains(addr netip.Addr) bool
	Len() int
}

// Lookup is the datapath's view of the VIP set. key is the
// host-order numeric value of an IPv4 address.
type Lookup interface {
	ContainsV4(key uint32) bool
}

// Key returns the table key for addr.
func Key(addr netip.Addr) (uint32, error) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0, ErrUnsupportedFamily
	}
	a := addr.As4()
	return binary.BigEndian.Uint32(a[:]), nil
}
