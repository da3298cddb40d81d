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

// Package classifier decides whether an ingress frame opens a new TCP
// flow toward a tracked VIP. It is the userspace counterpart of the
// XDP program in bpf/lb_inter_node.c and must return the same verdict
// and emit the same record for every frame.
package classifier

import (
	"encoding/binary"

	"github.com/lbinternode/lb-inter-node-exporter/internal/record"
	"github.com/lbinternode/lb-inter-node-exporter/internal/viptable"
)

// Verdict is the classifier's decision for one frame. The values are
// the XDP action codes.
type Verdict uint32

const (
	Aborted Verdict = 0
	Pass    Verdict = 2
)

func (v Verdict) String() string {
	switch v {
	case Aborted:
		return "aborted"
	case Pass:
		return "pass"
	}
	return "unknown"
}

// Sink receives encoded event records. rec is only valid for the
// duration of the call. Submit returns false if the record was dropped
// because the sink is full.
type Sink interface {
	Submit(rec []byte) bool
}

const (
	ethHdrLen  = 14
	ipv4HdrLen = 20
	tcpHdrLen  = 20

	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86dd

	protoTCP = 6
	tcpSYN   = 0x02
)

// Classify inspects frame, an Ethernet frame, and returns Pass unless
// the frame is too short for the headers it claims to carry, in which
// case it returns Aborted. When the frame is a TCP SYN toward a VIP in
// vips, an IPv4 event record is submitted to sink. A full sink drops
// the record and the frame still passes.
func Classify(frame []byte, vips viptable.Lookup, sink Sink) (v Verdict) {
	defer func() {
		if recover() != nil {
			v = Aborted
		}
	}()

	if len(frame) < ethHdrLen {
		return Aborted
	}

	switch binary.BigEndian.Uint16(frame[12:14]) {
	case etherTypeIPv4:
		return classifyIPv4(frame, vips, sink)
	case etherTypeIPv6:
		// no IPv6 VIPs yet
		return Pass
	}
	return Pass
}

func classifyIPv4(frame []byte, vips viptable.Lookup, sink Sink) Verdict {
	if len(frame) < ethHdrLen+ipv4HdrLen {
		return Aborted
	}
	ip := frame[ethHdrLen:]

	dst := binary.BigEndian.Uint32(ip[16:20])
	if !vips.ContainsV4(dst) {
		return Pass
	}
	if ip[9] != protoTCP {
		return Pass
	}

	off := ethHdrLen + int(ip[0]&0x0f)*4
	if len(frame) < off+tcpHdrLen {
		return Aborted
	}
	tcp := frame[off:]
	if tcp[13]&tcpSYN == 0 {
		return Pass
	}

	ev := record.IPv4Event{
		SrcAddr: binary.BigEndian.Uint32(ip[12:16]),
		DstAddr: dst,
		SrcPort: binary.BigEndian.Uint16(tcp[0:2]),
		DstPort: binary.BigEndian.Uint16(tcp[2:4]),
	}
	var buf [record.IPv4EventSize]byte
	ev.Put(buf[:])
	sink.Submit(buf[:])

	return Pass
}
