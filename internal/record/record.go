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

// Package record defines the binary layout of the events that the
// packet classifier hands to userspace through the ring buffer.
//
// The IPv4 layout is 12 bytes:
//
//	0-3   source address, network byte order
//	4-7   destination address, host-order word stored little-endian
//	8-9   source port, network byte order
//	10-11 destination port, network byte order
//
// The destination address is stored differently from the source
// because the classifier converts it to host order to look it up in
// the VIP table and writes that converted value. Decoders must keep
// the asymmetry.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

const (
	// IPv4EventSize is the size of an encoded IPv4Event.
	IPv4EventSize = 12
	// IPv6EventSize is the size of an encoded IPv6Event. The 128-bit
	// addresses are 16-byte aligned, so the ports are followed by 12
	// bytes of padding.
	IPv6EventSize = 48
)

// ErrShortRecord is returned when a raw sample is smaller than the
// record it's supposed to contain.
var ErrShortRecord = errors.New("short event record")

// IPv4Event is a new TCP flow toward a VIP that arrived at this
// node. Addresses hold the numeric value of the address, so
// 10.0.0.5 is 0x0a000005.
type IPv4Event struct {
	SrcAddr uint32
	DstAddr uint32
	SrcPort uint16
	DstPort uint16
}

// DecodeIPv4Event decodes the first IPv4EventSize bytes of b.
func DecodeIPv4Event(b []byte) (IPv4Event, error) {
	if len(b) < IPv4EventSize {
		return IPv4Event{}, fmt.Errorf("%w: %d bytes, want %d", ErrShortRecord, len(b), IPv4EventSize)
	}
	return IPv4Event{
		SrcAddr: binary.BigEndian.Uint32(b[0:4]),
		DstAddr: binary.LittleEndian.Uint32(b[4:8]),
		SrcPort: binary.BigEndian.Uint16(b[8:10]),
		DstPort: binary.BigEndian.Uint16(b[10:12]),
	}, nil
}

// Put encodes e into b, which must be at least IPv4EventSize bytes.
func (e IPv4Event) Put(b []byte) {
	_ = b[IPv4EventSize-1]
	binary.BigEndian.PutUint32(b[0:4], e.SrcAddr)
	binary.LittleEndian.PutUint32(b[4:8], e.DstAddr)
	binary.BigEndian.PutUint16(b[8:10], e.SrcPort)
	binary.BigEndian.PutUint16(b[10:12], e.DstPort)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (e IPv4Event) MarshalBinary() ([]byte, error) {
	b := make([]byte, IPv4EventSize)
	e.Put(b)
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (e *IPv4Event) UnmarshalBinary(b []byte) error {
	ev, err := DecodeIPv4Event(b)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// Src returns the source address.
func (e IPv4Event) Src() netip.Addr {
	return addrFrom4(e.SrcAddr)
}

// Dst returns the destination address.
func (e IPv4Event) Dst() netip.Addr {
	return addrFrom4(e.DstAddr)
}

func addrFrom4(v uint32) netip.Addr {
	var a [4]byte
	binary.BigEndian.PutUint32(a[:], v)
	return netip.AddrFrom4(a)
}

// IPv6Event is the IPv6 counterpart of IPv4Event. The classifier
// doesn't produce these yet but the ring buffer for them exists so
// the layout is fixed here: two 16-byte addresses in network order
// followed by the ports in network order and trailing padding.
type IPv6Event struct {
	SrcAddr [16]byte
	DstAddr [16]byte
	SrcPort uint16
	DstPort uint16
}

// DecodeIPv6Event decodes the first IPv6EventSize bytes of b.
func DecodeIPv6Event(b []byte) (IPv6Event, error) {
	var e IPv6Event
	if len(b) < IPv6EventSize {
		return e, fmt.Errorf("%w: %d bytes, want %d", ErrShortRecord, len(b), IPv6EventSize)
	}
	copy(e.SrcAddr[:], b[0:16])
	copy(e.DstAddr[:], b[16:32])
	e.SrcPort = binary.BigEndian.Uint16(b[32:34])
	e.DstPort = binary.BigEndian.Uint16(b[34:36])
	return e, nil
}

// Src returns the source address.
func (e IPv6Event) Src() netip.Addr {
	return netip.AddrFrom16(e.SrcAddr)
}

// Dst returns the destination address.
func (e IPv6Event) Dst() netip.Addr {
	return netip.AddrFrom16(e.DstAddr)
}
