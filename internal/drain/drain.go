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

// Package drain reads classifier events off the ring buffer and
// counts them.
package drain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/go-kit/log"

	"github.com/lbinternode/lb-inter-node-exporter/internal/logging"
	"github.com/lbinternode/lb-inter-node-exporter/internal/record"
)

// Reader is the consumer side of an event ring buffer.
type Reader interface {
	Read() (ringbuf.Record, error)
	SetDeadline(t time.Time)
}

// Drain is the only consumer of a ring buffer.
type Drain struct {
	logger log.Logger
	reader Reader
	poll   time.Duration
}

// New returns a Drain that reads from r, checking for cancellation
// at least every poll.
func New(logger log.Logger, r Reader, poll time.Duration) *Drain {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Drain{logger: logger, reader: r, poll: poll}
}

// Run consumes records until ctx is done or the ring is closed.
func (d *Drain) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		d.reader.SetDeadline(time.Now().Add(d.poll))
		rec, err := d.reader.Read()
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			continue
		case errors.Is(err, ringbuf.ErrClosed):
			logging.Debug(d.logger, "op", "drain", "msg", "event ring closed")
			return nil
		case err != nil:
			return fmt.Errorf("reading event ring: %w", err)
		}
		d.handle(rec.RawSample)
	}
	return nil
}

func (d *Drain) handle(raw []byte) {
	ev, err := record.DecodeIPv4Event(raw)
	if err != nil {
		decodeErrors.Inc()
		logging.Warn(d.logger, "op", "decode", "error", err, "msg", "dropping bad event record")
		return
	}

	src, dst := ev.Src().String(), ev.Dst().String()
	pickedTotal.WithLabelValues(src, dst).Inc()
	logging.Info(d.logger,
		"src_addr", src,
		"dst_addr", dst,
		"src_port", ev.SrcPort,
		"dst_port", ev.DstPort,
		"msg", "Received by intermediate node",
	)
}
