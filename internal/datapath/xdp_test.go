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
	"errors"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lbinternode/lb-inter-node-exporter/internal/classifier"
	"github.com/lbinternode/lb-inter-node-exporter/internal/packettest"
	"github.com/lbinternode/lb-inter-node-exporter/internal/viptable"
	apiv1 "github.com/lbinternode/lb-inter-node-exporter/pkg/apis/v1"
)

// objectPath is where "make bpf" leaves the compiled program.
const objectPath = "../../bpf/lb_inter_node.o"

func loadTestCollection(t *testing.T) *ebpf.Collection {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("loading XDP programs requires root")
	}
	if _, err := os.Stat(objectPath); err != nil {
		t.Skipf("%s not built: %v", objectPath, err)
	}
	coll, err := LoadCollection(log.NewNopLogger(), objectPath, 8, 4096)
	require.NoError(t, err)
	t.Cleanup(coll.Close)
	return coll
}

// TestKernelMatchesClassifier runs the same frames through the XDP
// program and the Go classifier and expects identical verdicts and
// records.
func TestKernelMatchesClassifier(t *testing.T) {
	coll := loadTestCollection(t)

	prog := coll.Programs[apiv1.ProgramName]
	require.NotNil(t, prog)

	kernelTable, err := viptable.NewBPF(coll.Maps[apiv1.IPv4VIPMap])
	require.NoError(t, err)
	require.NoError(t, kernelTable.Upsert(testVIP))

	events, err := ringbuf.NewReader(coll.Maps[apiv1.IPv4EventMap])
	require.NoError(t, err)
	defer events.Close()

	goTable := viptable.NewMem(8)
	require.NoError(t, goTable.Upsert(testVIP))

	vipPort := netip.AddrPortFrom(testVIP, 80)
	syn := packettest.TCPv4(t, testClient, vipPort, packettest.TCPFlags{SYN: true})
	frames := map[string][]byte{
		"syn":           syn,
		"syn-ack":       packettest.TCPv4(t, testClient, vipPort, packettest.TCPFlags{SYN: true, ACK: true}),
		"ack":           packettest.TCPv4(t, testClient, vipPort, packettest.TCPFlags{ACK: true}),
		"ip options":    packettest.TCPv4WithOptions(t, testClient, vipPort, packettest.TCPFlags{SYN: true}),
		"non-vip":       packettest.TCPv4(t, testClient, netip.MustParseAddrPort("192.168.10.2:80"), packettest.TCPFlags{SYN: true}),
		"udp":           packettest.UDPv4(t, testClient, vipPort),
		"arp":           packettest.ARP(t),
		"short ip":      syn[:14+19],
		"short tcp":     syn[:14+20+19],
		"ethernet only": syn[:14],
	}

	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			ring := NewRing(4096)
			want := classifier.Classify(frame, goTable, ring)

			ret, err := prog.Run(&ebpf.RunOptions{Data: frame})
			require.NoError(t, err)
			assert.Equal(t, uint32(want), ret)

			ring.SetDeadline(time.Now())
			wantRec, wantErr := ring.Read()

			events.SetDeadline(time.Now().Add(50 * time.Millisecond))
			gotRec, gotErr := events.Read()

			if wantErr != nil {
				assert.True(t, errors.Is(gotErr, os.ErrDeadlineExceeded), "kernel emitted an unexpected record: %v", gotErr)
				return
			}
			require.NoError(t, gotErr)
			if diff := cmp.Diff(wantRec.RawSample, gotRec.RawSample); diff != "" {
				t.Errorf("record mismatch (-go +kernel):\n%s", diff)
			}
		})
	}
}

func TestKernelStats(t *testing.T) {
	coll := loadTestCollection(t)
	prog := coll.Programs[apiv1.ProgramName]
	require.NotNil(t, prog)

	x := &XDP{coll: coll, stats: coll.Maps[apiv1.StatsMap]}

	frame := packettest.UDPv4(t, testClient, netip.AddrPortFrom(testVIP, 53))
	for i := 0; i < 3; i++ {
		_, err := prog.Run(&ebpf.RunOptions{Data: frame})
		require.NoError(t, err)
	}

	s, err := x.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), s.Pass)
	assert.Zero(t, s.Aborted)
}
