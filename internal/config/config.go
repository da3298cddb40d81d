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

// Package config holds the exporter's runtime configuration. Defaults
// come from struct tags, the environment overrides them and the
// command line overrides the environment.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// XDPMode selects how the XDP program is attached.
type XDPMode string

const (
	XDPModeAuto     XDPMode = "auto"
	XDPModeNative   XDPMode = "native"
	XDPModeHardware XDPMode = "hardware"
	XDPModeGeneric  XDPMode = "generic"
)

// ParseXDPMode accepts the canonical mode names and the usual
// aliases ("drv", "hw", "skb", "default").
func ParseXDPMode(s string) (XDPMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto", "default":
		return XDPModeAuto, nil
	case "native", "drv", "driver":
		return XDPModeNative, nil
	case "hardware", "hw", "offload":
		return XDPModeHardware, nil
	case "generic", "skb":
		return XDPModeGeneric, nil
	}
	return "", fmt.Errorf("unknown xdp mode %q", s)
}

// Datapath selects where frames are classified.
type Datapath string

const (
	// DatapathXDP runs the classifier in the kernel.
	DatapathXDP Datapath = "xdp"
	// DatapathAFPacket runs the classifier in this process on copies
	// of ingress frames.
	DatapathAFPacket Datapath = "afpacket"
)

// Config is the exporter configuration. A Port of 0 disables the
// HTTP server.
type Config struct {
	Interfaces    []string `env:"LBINE_IFACE" envSeparator:"," envDefault:"eth0"`
	LogLevel      string   `env:"LBINE_LOG_LEVEL" envDefault:"info"`
	TraceEndpoint string   `env:"LBINE_TRACE_ENDPOINT"`
	Host          string   `env:"LBINE_HOST"`
	Port          int      `env:"LBINE_PORT" envDefault:"8080"`
	XDPMode       string   `env:"LBINE_XDP_MODE" envDefault:"auto"`
	Datapath      string   `env:"LBINE_DATAPATH" envDefault:"xdp"`
	BPFObject     string   `env:"LBINE_BPF_OBJECT" envDefault:"/usr/lib/lb-inter-node-exporter/lb_inter_node.o"`
	Kubeconfig    string   `env:"KUBECONFIG"`

	MaxVIPs      int           `env:"LBINE_MAX_VIPS" envDefault:"1024"`
	RingBytes    int           `env:"LBINE_RING_BYTES" envDefault:"1048576"`
	QueueSize    int           `env:"LBINE_QUEUE_SIZE" envDefault:"1024"`
	QueueTimeout time.Duration `env:"LBINE_QUEUE_TIMEOUT" envDefault:"1s"`
	DrainPoll    time.Duration `env:"LBINE_DRAIN_POLL" envDefault:"500ms"`
}

// Load returns the defaults overridden by the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration and normalizes the XDP mode.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Interfaces) == 0 {
		errs = append(errs, errors.New("at least one interface pattern is required"))
	}
	for _, p := range c.Interfaces {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("interface pattern %q: %w", p, err))
		}
	}

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}

	mode, err := ParseXDPMode(c.XDPMode)
	if err != nil {
		errs = append(errs, err)
	} else {
		c.XDPMode = string(mode)
	}

	switch Datapath(c.Datapath) {
	case DatapathXDP:
		if c.BPFObject == "" {
			errs = append(errs, errors.New("the xdp datapath needs a BPF object"))
		}
	case DatapathAFPacket:
	default:
		errs = append(errs, fmt.Errorf("unknown datapath %q", c.Datapath))
	}

	if c.MaxVIPs <= 0 {
		errs = append(errs, fmt.Errorf("max vips must be positive, got %d", c.MaxVIPs))
	}
	// the kernel wants a power-of-two multiple of the page size
	if c.RingBytes < 4096 || c.RingBytes&(c.RingBytes-1) != 0 {
		errs = append(errs, fmt.Errorf("ring size %d is not a power of two of at least 4096", c.RingBytes))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue size must be positive, got %d", c.QueueSize))
	}
	if c.QueueTimeout <= 0 {
		errs = append(errs, fmt.Errorf("queue timeout must be positive, got %s", c.QueueTimeout))
	}
	if c.DrainPoll <= 0 {
		errs = append(errs, fmt.Errorf("drain poll must be positive, got %s", c.DrainPoll))
	}

	return errors.Join(errs...)
}

// Mode returns the validated XDP mode.
func (c *Config) Mode() XDPMode {
	return XDPMode(c.XDPMode)
}

// ListenAddress is the address of the HTTP server.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
