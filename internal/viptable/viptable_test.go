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
	"os"
	"sync"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		want    uint32
		wantErr error
	}{
		{name: "ipv4", addr: "192.168.10.1", want: 0xc0a80a01},
		{name: "mapped ipv4", addr: "::ffff:10.0.0.1", want: 0x0a000001},
		{name: "ipv6", addr: "2001:db8::1", wantErr: ErrUnsupportedFamily},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Key(netip.MustParseAddr(tt.addr))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// tableContract runs the behavior every Table must share.
func tableContract(t *testing.T, newTable func(capacity int) Table) {
	a := netip.MustParseAddr("192.168.10.1")
	b := netip.MustParseAddr("192.168.10.2")
	c := netip.MustParseAddr("192.168.10.3")

	t.Run("upsert is idempotent", func(t *testing.T) {
		tbl := newTable(4)
		require.NoError(t, tbl.Upsert(a))
		require.NoError(t, tbl.Upsert(a))
		assert.True(t, tbl.Contains(a))
		assert.Equal(t, 1, tbl.Len())
	})

	t.Run("remove untracked is a no-op", func(t *testing.T) {
		tbl := newTable(4)
		require.NoError(t, tbl.Upsert(a))
		require.NoError(t, tbl.Remove(b))
		assert.True(t, tbl.Contains(a))
		assert.Equal(t, 1, tbl.Len())
	})

	t.Run("remove", func(t *testing.T) {
		tbl := newTable(4)
		require.NoError(t, tbl.Upsert(a))
		require.NoError(t, tbl.Remove(a))
		assert.False(t, tbl.Contains(a))
		assert.Equal(t, 0, tbl.Len())
	})

	t.Run("full table rejects without evicting", func(t *testing.T) {
		tbl := newTable(2)
		require.NoError(t, tbl.Upsert(a))
		require.NoError(t, tbl.Upsert(b))
		assert.ErrorIs(t, tbl.Upsert(c), ErrTableFull)
		assert.True(t, tbl.Contains(a))
		assert.True(t, tbl.Contains(b))
		assert.False(t, tbl.Contains(c))

		// an existing entry still upserts fine
		assert.NoError(t, tbl.Upsert(a))

		require.NoError(t, tbl.Remove(a))
		assert.NoError(t, tbl.Upsert(c))
	})

	t.Run("ipv6 is rejected", func(t *testing.T) {
		tbl := newTable(2)
		v6 := netip.MustParseAddr("2001:db8::1")
		assert.ErrorIs(t, tbl.Upsert(v6), ErrUnsupportedFamily)
		assert.ErrorIs(t, tbl.Remove(v6), ErrUnsupportedFamily)
		assert.False(t, tbl.Contains(v6))
	})
}

func TestMem(t *testing.T) {
	tableContract(t, func(capacity int) Table { return NewMem(capacity) })
}

func TestMemConcurrentReaders(t *testing.T) {
	tbl := NewMem(1024)
	key, _ := Key(netip.MustParseAddr("10.0.0.1"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					tbl.ContainsV4(key)
				}
			}
		}()
	}

	for i := 0; i < 1000; i++ {
		addr := netip.AddrFrom4([4]byte{10, 0, byte(i >> 8), byte(i)})
		require.NoError(t, tbl.Upsert(addr))
		if i%2 == 0 {
			require.NoError(t, tbl.Remove(addr))
		}
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, 500, tbl.Len())
}

func TestBPF(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("creating BPF maps requires root")
	}
	require.NoError(t, rlimit.RemoveMemlock())

	tableContract(t, func(capacity int) Table {
		m, err := ebpf.NewMap(&ebpf.MapSpec{
			Type:       ebpf.Hash,
			KeySize:    4,
			ValueSize:  4,
			MaxEntries: uint32(capacity),
		})
		require.NoError(t, err)
		t.Cleanup(func() { m.Close() })

		tbl, err := NewBPF(m)
		require.NoError(t, err)
		return tbl
	})
}

func TestBPFCountsExistingEntries(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("creating BPF maps requires root")
	}
	require.NoError(t, rlimit.RemoveMemlock())

	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Type:       ebpf.Hash,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: 2,
	})
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Put(uint32(0x0a000001), present))

	tbl, err := NewBPF(m)
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Len())
	assert.True(t, tbl.Contains(netip.MustParseAddr("10.0.0.1")))
}
