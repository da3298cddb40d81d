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
	"testing"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingCapacity(t *testing.T) {
	// 12 byte records round up to 16 plus an 8 byte header
	assert.Equal(t, 170, cap(NewRing(4096).records))
	assert.Equal(t, 1, cap(NewRing(1).records))
}

func TestRingSubmitRead(t *testing.T) {
	r := NewRing(4096)
	rec := []byte{1, 2, 3}
	require.True(t, r.Submit(rec))

	// the ring owns a copy
	rec[0] = 9

	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got.RawSample)
	assert.Equal(t, uint64(1), r.Submitted())
}

func TestRingDropsWhenFull(t *testing.T) {
	r := NewRing(1)
	assert.True(t, r.Submit([]byte{1}))
	assert.False(t, r.Submit([]byte{2}))
	assert.Equal(t, uint64(1), r.Submitted())
	assert.Equal(t, uint64(1), r.Dropped())

	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, got.RawSample)
}

func TestRingDeadline(t *testing.T) {
	r := NewRing(4096)

	r.SetDeadline(time.Now().Add(20 * time.Millisecond))
	start := time.Now()
	_, err := r.Read()
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	r.SetDeadline(time.Now().Add(-time.Second))
	_, err = r.Read()
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	// queued records are returned even past the deadline
	require.True(t, r.Submit([]byte{7}))
	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, got.RawSample)
}

func TestRingClose(t *testing.T) {
	r := NewRing(4096)
	require.True(t, r.Submit([]byte{1}))

	done := make(chan error, 1)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	// drained first, then closed
	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, got.RawSample)

	go func() {
		_, err := r.Read()
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ringbuf.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Read did not return after Close")
	}

	assert.False(t, r.Submit([]byte{2}))
}

func TestRingCloseWakesReader(t *testing.T) {
	r := NewRing(4096)
	done := make(chan error, 1)
	go func() {
		_, err := r.Read()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	r.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ringbuf.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Read did not return after Close")
	}
}
