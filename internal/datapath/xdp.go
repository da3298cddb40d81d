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
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/go-kit/log"

	"github.com/lbinternode/lb-inter-node-exporter/internal/config"
	"github.com/lbinternode/lb-inter-node-exporter/internal/iface"
	"github.com/lbinternode/lb-inter-node-exporter/internal/logging"
	"github.com/lbinternode/lb-inter-node-exporter/internal/viptable"
	apiv1 "github.com/lbinternode/lb-inter-node-exporter/pkg/apis/v1"
)

// XDPConfig configures LoadXDP.
type XDPConfig struct {
	Logger    log.Logger
	Object    string
	Links     []iface.Link
	Mode      config.XDPMode
	MaxVIPs   int
	RingBytes int
}

// XDP is the kernel datapath: the classifier program attached to
// every selected link, sharing one VIP map and one ring buffer.
type XDP struct {
	logger log.Logger
	coll   *ebpf.Collection
	links  []link.Link
	table  *viptable.BPF
	events *ringbuf.Reader
	stats  *ebpf.Map
}

// AttachFlags maps an XDP mode to the kernel attach flags.
func AttachFlags(mode config.XDPMode) (link.XDPAttachFlags, error) {
	switch mode {
	case config.XDPModeAuto, "":
		return 0, nil
	case config.XDPModeNative:
		return link.XDPDriverMode, nil
	case config.XDPModeHardware:
		return link.XDPOffloadMode, nil
	case config.XDPModeGeneric:
		return link.XDPGenericMode, nil
	}
	return 0, fmt.Errorf("unknown xdp mode %q", mode)
}

// LoadCollection loads the eBPF object at path with the map sizes
// overridden. It doesn't attach anything.
func LoadCollection(logger log.Logger, path string, maxVIPs, ringBytes int) (*ebpf.Collection, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock rlimit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	sizes := map[string]int{
		apiv1.IPv4VIPMap:   maxVIPs,
		apiv1.IPv6VIPMap:   maxVIPs,
		apiv1.IPv4EventMap: ringBytes,
		apiv1.IPv6EventMap: ringBytes,
	}
	for name, size := range sizes {
		ms, ok := spec.Maps[name]
		if !ok {
			return nil, fmt.Errorf("%s has no map named %s", path, name)
		}
		ms.MaxEntries = uint32(size)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			logging.Error(logger, "op", "loadProgram", "verifier", fmt.Sprintf("%+v", ve), "msg", "program rejected by the verifier")
		}
		return nil, fmt.Errorf("creating collection: %w", err)
	}
	return coll, nil
}

// LoadXDP loads the classifier and attaches it to cfg.Links.
func LoadXDP(cfg XDPConfig) (*XDP, error) {
	flags, err := AttachFlags(cfg.Mode)
	if err != nil {
		return nil, err
	}

	coll, err := LoadCollection(cfg.Logger, cfg.Object, cfg.MaxVIPs, cfg.RingBytes)
	if err != nil {
		return nil, err
	}
	x := &XDP{logger: cfg.Logger, coll: coll, stats: coll.Maps[apiv1.StatsMap]}

	if x.table, err = viptable.NewBPF(coll.Maps[apiv1.IPv4VIPMap]); err != nil {
		x.Close()
		return nil, err
	}
	if x.events, err = ringbuf.NewReader(coll.Maps[apiv1.IPv4EventMap]); err != nil {
		x.Close()
		return nil, fmt.Errorf("opening ring buffer: %w", err)
	}

	prog, ok := coll.Programs[apiv1.ProgramName]
	if !ok {
		x.Close()
		return nil, fmt.Errorf("%s has no program named %s", cfg.Object, apiv1.ProgramName)
	}
	for _, l := range cfg.Links {
		lnk, err := link.AttachXDP(link.XDPOptions{
			Program:   prog,
			Interface: l.Index,
			Flags:     flags,
		})
		if err != nil {
			x.Close()
			return nil, fmt.Errorf("attaching to %s: %w", l.Name, err)
		}
		x.links = append(x.links, lnk)
		logging.Info(x.logger, "op", "attach", "ifname", l.Name, "ifindex", l.Index, "mode", cfg.Mode, "msg", "xdp program attached")
	}

	return x, nil
}

func (x *XDP) Table() viptable.Table {
	return x.table
}

func (x *XDP) Events() EventReader {
	return x.events
}

func (x *XDP) Stats() (Stats, error) {
	if x.stats == nil {
		return Stats{}, errors.New("no stats map")
	}
	sum := func(idx uint32) (uint64, error) {
		var percpu []uint64
		if err := x.stats.Lookup(idx, &percpu); err != nil {
			return 0, fmt.Errorf("reading stat %d: %w", idx, err)
		}
		var total uint64
		for _, v := range percpu {
			total += v
		}
		return total, nil
	}

	var (
		s   Stats
		err error
	)
	if s.Pass, err = sum(apiv1.StatPass); err != nil {
		return Stats{}, err
	}
	if s.Aborted, err = sum(apiv1.StatAborted); err != nil {
		return Stats{}, err
	}
	if s.EventsSubmitted, err = sum(apiv1.StatEventSubmitted); err != nil {
		return Stats{}, err
	}
	if s.EventsDropped, err = sum(apiv1.StatEventDropped); err != nil {
		return Stats{}, err
	}
	return s, nil
}

// Run waits for ctx. The kernel does the work.
func (x *XDP) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Close detaches the program from every link, then releases the
// ring buffer and maps.
func (x *XDP) Close() error {
	var errs []error
	for _, l := range x.links {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("detaching: %w", err))
		}
	}
	x.links = nil
	if x.events != nil {
		if err := x.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing ring buffer: %w", err))
		}
	}
	if x.coll != nil {
		x.coll.Close()
	}
	return errors.Join(errs...)
}
