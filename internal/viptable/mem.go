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

package viptable

import (
	"net/netip"
	"sync"
	"sync/atomic"
)

type vipSet map[uint32]struct{}

// Mem is an in-process Table used by the userspace datapath. Writers
// replace the whole set on each change so readers never take a lock.
type Mem struct {
	capacity int

	mu  sync.Mutex // serializes writers
	set atomic.Pointer[vipSet]
}

// NewMem returns an empty table that holds at most capacity entries.
func NewMem(capacity int) *Mem {
	m := &Mem{capacity: capacity}
	m.set.Store(&vipSet{})
	return m
}

func (m *Mem) Upsert(addr netip.Addr) error {
	key, err := Key(addr)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := *m.set.Load()
	if _, ok := cur[key]; ok {
		return nil
	}
	if len(cur) >= m.capacity {
		return ErrTableFull
	}
	next := make(vipSet, len(cur)+1)
	for k := range cur {
		next[k] = struct{}{}
	}
	next[key] = struct{}{}
	m.set.Store(&next)
	return nil
}

func (m *Mem) Remove(addr netip.Addr) error {
	key, err := Key(addr)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := *m.set.Load()
	if _, ok := cur[key]; !ok {
		return nil
	}
	next := make(vipSet, len(cur))
	for k := range cur {
		if k != key {
			next[k] = struct{}{}
		}
	}
	m.set.Store(&next)
	return nil
}

func (m *Mem) Contains(addr netip.Addr) bool {
	key, err := Key(addr)
	if err != nil {
		return false
	}
	return m.ContainsV4(key)
}

func (m *Mem) ContainsV4(key uint32) bool {
	_, ok := (*m.set.Load())[key]
	return ok
}

func (m *Mem) Len() int {
	return len(*m.set.Load())
}
