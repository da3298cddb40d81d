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
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/types"

	"github.com/lbinternode/lb-inter-node-exporter/internal/viptable"
)

type readiness struct {
	ready  bool
	reason string
	calls  int
}

func (r *readiness) set(ready bool, reason string) {
	r.ready, r.reason = ready, reason
	r.calls++
}

func newTestReconciler(capacity int) (*Reconciler, *viptable.Mem, *readiness) {
	table := viptable.NewMem(capacity)
	rd := &readiness{ready: true}
	return NewReconciler(log.NewNopLogger(), table, rd.set), table, rd
}

func TestReconcilerApply(t *testing.T) {
	ipv6 := netip.MustParseAddr("2001:db8::1")

	tests := []struct {
		name   string
		events []Event
		want   []netip.Addr
		absent []netip.Addr
		cached map[types.NamespacedName]netip.Addr
	}{
		{
			name:   "add",
			events: []Event{AddEvent("default", "a", vipA)},
			want:   []netip.Addr{vipA},
			cached: map[types.NamespacedName]netip.Addr{{Namespace: "default", Name: "a"}: vipA},
		},
		{
			name:   "add then delete",
			events: []Event{AddEvent("default", "a", vipA), DeleteEvent("default", "a")},
			absent: []netip.Addr{vipA},
			cached: map[types.NamespacedName]netip.Addr{},
		},
		{
			name:   "add twice",
			events: []Event{AddEvent("default", "a", vipA), AddEvent("default", "a", vipA)},
			want:   []netip.Addr{vipA},
			cached: map[types.NamespacedName]netip.Addr{{Namespace: "default", Name: "a"}: vipA},
		},
		{
			name:   "address change",
			events: []Event{AddEvent("default", "a", vipA), AddEvent("default", "a", vipB)},
			want:   []netip.Addr{vipB},
			absent: []netip.Addr{vipA},
			cached: map[types.NamespacedName]netip.Addr{{Namespace: "default", Name: "a"}: vipB},
		},
		{
			name:   "delete unknown service",
			events: []Event{AddEvent("default", "a", vipA), DeleteEvent("default", "nope")},
			want:   []netip.Addr{vipA},
			cached: map[types.NamespacedName]netip.Addr{{Namespace: "default", Name: "a"}: vipA},
		},
		{
			name:   "add without address withdraws",
			events: []Event{AddEvent("default", "a", vipA), AddEvent("default", "a", netip.Addr{})},
			absent: []netip.Addr{vipA},
			cached: map[types.NamespacedName]netip.Addr{},
		},
		{
			name: "shared vip is removed with the first service",
			events: []Event{
				AddEvent("default", "a", vipA),
				AddEvent("other", "a", vipA),
				DeleteEvent("default", "a"),
			},
			absent: []netip.Addr{vipA},
			cached: map[types.NamespacedName]netip.Addr{{Namespace: "other", Name: "a"}: vipA},
		},
		{
			name:   "ipv6 is ignored",
			events: []Event{AddEvent("default", "v6", ipv6), AddEvent("default", "a", vipA)},
			want:   []netip.Addr{vipA},
			cached: map[types.NamespacedName]netip.Addr{
				{Namespace: "default", Name: "v6"}: ipv6,
				{Namespace: "default", Name: "a"}:  vipA,
			},
		},
		{
			name:   "ipv6 delete",
			events: []Event{AddEvent("default", "v6", ipv6), DeleteEvent("default", "v6")},
			cached: map[types.NamespacedName]netip.Addr{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, table, _ := newTestReconciler(16)
			for _, ev := range tt.events {
				require.NoError(t, r.Apply(context.Background(), ev), ev.String())
			}
			for _, addr := range tt.want {
				assert.True(t, table.Contains(addr), addr.String())
			}
			for _, addr := range tt.absent {
				assert.False(t, table.Contains(addr), addr.String())
			}
			assert.Equal(t, len(tt.want), table.Len())
			assert.Equal(t, tt.cached, r.svcIP)
		})
	}
}

func TestReconcilerTableFull(t *testing.T) {
	ctx := context.Background()
	r, table, rd := newTestReconciler(2)
	before := testutil.ToFloat64(tableErrors.WithLabelValues("upsert", "full"))

	require.NoError(t, r.Apply(ctx, AddEvent("default", "a", vipA)))
	require.NoError(t, r.Apply(ctx, AddEvent("default", "b", vipB)))
	require.NoError(t, r.Apply(ctx, AddEvent("default", "c", vipC)))

	assert.Equal(t, 2, table.Len())
	assert.False(t, table.Contains(vipC))
	assert.False(t, rd.ready)
	assert.Equal(t, "vip table full", rd.reason)
	assert.Equal(t, before+1, testutil.ToFloat64(tableErrors.WithLabelValues("upsert", "full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(unplacedVIPs))

	// freeing a slot places the parked vip
	require.NoError(t, r.Apply(ctx, DeleteEvent("default", "a")))
	assert.True(t, table.Contains(vipC))
	assert.False(t, table.Contains(vipA))
	assert.True(t, rd.ready)
	assert.Equal(t, 0.0, testutil.ToFloat64(unplacedVIPs))
	assert.Equal(t, 2.0, testutil.ToFloat64(vips))
}

func TestReconcilerDeleteParked(t *testing.T) {
	ctx := context.Background()
	r, table, rd := newTestReconciler(1)

	require.NoError(t, r.Apply(ctx, AddEvent("default", "a", vipA)))
	require.NoError(t, r.Apply(ctx, AddEvent("default", "b", vipB)))
	assert.False(t, rd.ready)

	// the parked one goes away without touching the table
	require.NoError(t, r.Apply(ctx, DeleteEvent("default", "b")))
	assert.True(t, table.Contains(vipA))
	assert.Equal(t, 1, table.Len())
	assert.True(t, rd.ready)
	assert.Empty(t, r.unplaced)
}

// flakyTable fails removes while failRemove is set.
type flakyTable struct {
	*viptable.Mem
	failRemove bool
}

func (f *flakyTable) Remove(addr netip.Addr) error {
	if f.failRemove {
		return errors.New("map delete failed")
	}
	return f.Mem.Remove(addr)
}

func TestReconcilerRemoveFailure(t *testing.T) {
	ctx := context.Background()
	table := &flakyTable{Mem: viptable.NewMem(16)}
	r := NewReconciler(log.NewNopLogger(), table, nil)
	key := types.NamespacedName{Namespace: "default", Name: "a"}

	require.NoError(t, r.Apply(ctx, AddEvent("default", "a", vipA)))

	table.failRemove = true
	assert.Error(t, r.Apply(ctx, DeleteEvent("default", "a")))
	assert.True(t, table.Contains(vipA))
	assert.Equal(t, vipA, r.svcIP[key], "failed remove must keep the service cached")

	// an address change can't place the new vip until the old one is gone
	assert.Error(t, r.Apply(ctx, AddEvent("default", "a", vipB)))
	assert.False(t, table.Contains(vipB))
	assert.Equal(t, vipA, r.svcIP[key])

	table.failRemove = false
	require.NoError(t, r.Apply(ctx, AddEvent("default", "a", vipB)))
	assert.False(t, table.Contains(vipA))
	assert.True(t, table.Contains(vipB))
	assert.Equal(t, vipB, r.svcIP[key])

	require.NoError(t, r.Apply(ctx, DeleteEvent("default", "a")))
	assert.Equal(t, 0, table.Len())
	assert.Empty(t, r.svcIP)
}

func TestReconcilerRun(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(8, time.Second)
	r, table, _ := newTestReconciler(16)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, r.Run(ctx, q))
	}()

	require.NoError(t, q.Push(ctx, AddEvent("default", "a", vipA)))
	require.NoError(t, q.Push(ctx, AddEvent("default", "b", vipB)))
	require.Eventually(t, func() bool { return table.Len() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, q.Push(ctx, DeleteEvent("default", "a")))
	q.Close()
	wg.Wait()

	assert.False(t, table.Contains(vipA))
	assert.True(t, table.Contains(vipB))
}
