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
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

// present is the value stored for every key. The classifier only
// checks for the key.
const present uint32 = 0

// BPF is a Table backed by the kernel hash map that the XDP program
// reads.
type BPF struct {
	m        *ebpf.Map
	capacity int
	count    atomic.Int64
}

// NewBPF wraps m. Any keys already in the map (e.g. left by a
// previous run) are counted against the capacity.
func NewBPF(m *ebpf.Map) (*BPF, error) {
	t := &BPF{m: m, capacity: int(m.MaxEntries())}

	var (
		key   uint32
		value uint32
		n     int64
	)
	iter := m.Iterate()
	for iter.Next(&key, &value) {
		n++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("counting vip map entries: %w", err)
	}
	t.count.Store(n)
	return t, nil
}

func (t *BPF) Upsert(addr netip.Addr) error {
	key, err := Key(addr)
	if err != nil {
		return err
	}
	if t.ContainsV4(key) {
		return nil
	}
	if int(t.count.Load()) >= t.capacity {
		return ErrTableFull
	}
	if err := t.m.Update(key, present, ebpf.UpdateNoExist); err != nil {
		switch {
		case errors.Is(err, ebpf.ErrKeyExist):
			return nil
		case errors.Is(err, unix.E2BIG):
			return ErrTableFull
		}
		return fmt.Errorf("updating vip map: %w", err)
	}
	t.count.Add(1)
	return nil
}

func (t *BPF) Remove(addr netip.Addr) error {
	key, err := Key(addr)
	if err != nil {
		return err
	}
	if err := t.m.Delete(key); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return nil
		}
		return fmt.Errorf("deleting from vip map: %w", err)
	}
	t.count.Add(-1)
	return nil
}

func (t *BPF) Contains(addr netip.Addr) bool {
	key, err := Key(addr)
	if err != nil {
		return false
	}
	return t.ContainsV4(key)
}

func (t *BPF) ContainsV4(key uint32) bool {
	var value uint32
	return t.m.Lookup(key, &value) == nil
}

func (t *BPF) Len() int {
	return int(t.count.Load())
}
