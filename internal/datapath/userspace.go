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
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/go-kit/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/lbinternode/lb-inter-node-exporter/internal/classifier"
	"github.com/lbinternode/lb-inter-node-exporter/internal/iface"
	"github.com/lbinternode/lb-inter-node-exporter/internal/logging"
	"github.com/lbinternode/lb-inter-node-exporter/internal/viptable"
)

const (
	snapLen = 65536
	// recvTimeout bounds how long a capture loop waits before it
	// checks for cancellation.
	recvTimeoutUsec = 250000
)

// UserspaceConfig configures NewUserspace.
type UserspaceConfig struct {
	Logger    log.Logger
	Links     []iface.Link
	MaxVIPs   int
	RingBytes int
}

// Userspace classifies copies of ingress frames read from AF_PACKET
// sockets. It only observes traffic, so forwarding is unaffected even
// if it falls behind.
type Userspace struct {
	logger log.Logger
	table  *viptable.Mem
	ring   *Ring

	links []iface.Link
	socks []int

	pass    atomic.Uint64
	aborted atomic.Uint64
}

// NewUserspace opens one packet socket per link. With no links it
// classifies only what is handed to Process.
func NewUserspace(cfg UserspaceConfig) (*Userspace, error) {
	u := &Userspace{
		logger: cfg.Logger,
		table:  viptable.NewMem(cfg.MaxVIPs),
		ring:   NewRing(cfg.RingBytes),
		links:  cfg.Links,
	}
	for _, l := range cfg.Links {
		fd, err := openPacketSocket(l.Index)
		if err != nil {
			u.Close()
			return nil, fmt.Errorf("opening packet socket on %s: %w", l.Name, err)
		}
		u.socks = append(u.socks, fd)
		logging.Info(u.logger, "op", "attach", "ifname", l.Name, "ifindex", l.Index, "msg", "capturing ingress frames")
	}
	return u, nil
}

func (u *Userspace) Table() viptable.Table {
	return u.table
}

func (u *Userspace) Events() EventReader {
	return u.ring
}

func (u *Userspace) Stats() (Stats, error) {
	return Stats{
		Pass:            u.pass.Load(),
		Aborted:         u.aborted.Load(),
		EventsSubmitted: u.ring.Submitted(),
		EventsDropped:   u.ring.Dropped(),
	}, nil
}

// Process classifies one Ethernet frame.
func (u *Userspace) Process(frame []byte) classifier.Verdict {
	v := classifier.Classify(frame, u.table, u.ring)
	if v == classifier.Aborted {
		u.aborted.Add(1)
	} else {
		u.pass.Add(1)
	}
	return v
}

func (u *Userspace) Run(ctx context.Context) error {
	if len(u.socks) == 0 {
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, fd := range u.socks {
		l, fd := u.links[i], fd
		g.Go(func() error { return u.capture(gctx, l, fd) })
	}
	return g.Wait()
}

func (u *Userspace) capture(ctx context.Context, l iface.Link, fd int) error {
	buf := make([]byte, snapLen)
	for ctx.Err() == nil {
		n, from, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading from %s: %w", l.Name, err)
		}
		if ll, ok := from.(*unix.SockaddrLinklayer); ok && ll.Pkttype == unix.PACKET_OUTGOING {
			continue
		}
		u.Process(buf[:n])
	}
	return nil
}

func (u *Userspace) Close() error {
	var errs []error
	for _, fd := range u.socks {
		if err := unix.Close(fd); err != nil {
			errs = append(errs, err)
		}
	}
	u.socks = nil
	errs = append(errs, u.ring.Close())
	return errors.Join(errs...)
}

func openPacketSocket(ifindex int) (int, error) {
	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return -1, err
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: proto, Ifindex: ifindex}); err != nil {
		unix.Close(fd)
		return -1, err
	}
	tv := unix.Timeval{Usec: recvTimeoutUsec}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}
