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

	"github.com/go-kit/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"k8s.io/apimachinery/pkg/types"

	"github.com/lbinternode/lb-inter-node-exporter/internal/logging"
	"github.com/lbinternode/lb-inter-node-exporter/internal/otel"
	"github.com/lbinternode/lb-inter-node-exporter/internal/viptable"
)

var tracer = otel.Tracer("vip")

// Reconciler applies VIP events to the table. It is the table's only
// writer and must be driven from a single goroutine.
//
// A VIP is removed as soon as any Service that had it is deleted, even
// if another Service still has the same VIP.
type Reconciler struct {
	logger log.Logger
	table  viptable.Table
	ready  func(bool, string)

	svcIP    map[types.NamespacedName]netip.Addr // service -> last known VIP
	unplaced map[netip.Addr]struct{}             // VIPs rejected by a full table
}

// NewReconciler returns a Reconciler writing to table. ready is told
// whether every known VIP made it into the table.
func NewReconciler(logger log.Logger, table viptable.Table, ready func(bool, string)) *Reconciler {
	if ready == nil {
		ready = func(bool, string) {}
	}
	return &Reconciler{
		logger:   logger,
		table:    table,
		ready:    ready,
		svcIP:    map[types.NamespacedName]netip.Addr{},
		unplaced: map[netip.Addr]struct{}{},
	}
}

// Run applies events from q until it is closed and drained.
func (r *Reconciler) Run(ctx context.Context, q *Queue) error {
	for {
		ev, done, ok := q.Pop()
		if !ok {
			return nil
		}
		if err := r.Apply(ctx, ev); err != nil {
			logging.Error(r.logger, "op", "apply", "event", ev, "error", err, "msg", "failed to apply vip event")
		}
		done()
	}
}

// Apply applies one event.
func (r *Reconciler) Apply(ctx context.Context, ev Event) error {
	_, span := tracer.Start(ctx, "vip.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("op", ev.Op.String()),
		attribute.String("service", ev.LB.Key().String()),
	)

	events.WithLabelValues(ev.Op.String()).Inc()

	var err error
	switch ev.Op {
	case Add:
		err = r.add(ev.LB)
	case Delete:
		err = r.delete(ev.LB.Key(), "serviceDeleted")
	default:
		err = errors.New("unknown op " + ev.Op.String())
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}

	vips.Set(float64(r.table.Len()))
	unplacedVIPs.Set(float64(len(r.unplaced)))
	return err
}

func (r *Reconciler) add(lb LB) error {
	key := lb.Key()
	l := log.With(r.logger, "service", key, "vip", lb.Addr)

	if !lb.Addr.IsValid() {
		return r.delete(key, "noAddress")
	}

	if prev, ok := r.svcIP[key]; ok && prev != lb.Addr {
		if err := r.delete(key, "loadBalancerIPChanged"); err != nil {
			return err
		}
	}
	r.svcIP[key] = lb.Addr

	if err := r.place(lb.Addr); err != nil {
		switch {
		case errors.Is(err, viptable.ErrUnsupportedFamily):
			// kept in svcIP so a later delete is still a no-op
			logging.Warn(l, "op", "upsert", "msg", "ipv6 vips are not classified")
			recordTableError("upsert", "unsupported")
			return nil
		case errors.Is(err, viptable.ErrTableFull):
			logging.Error(l, "op", "upsert", "error", err, "msg", "vip table full, vip will be added when room frees up")
			recordTableError("upsert", "full")
			return nil
		}
		recordTableError("upsert", "other")
		return err
	}

	logging.Info(l, "event", "vipAdded", "msg", "tracking vip")
	return nil
}

// place puts addr in the table, or parks it in unplaced if the table
// is full.
func (r *Reconciler) place(addr netip.Addr) error {
	err := r.table.Upsert(addr)
	if errors.Is(err, viptable.ErrTableFull) {
		r.unplaced[addr] = struct{}{}
		r.ready(false, "vip table full")
	}
	return err
}

func (r *Reconciler) delete(key types.NamespacedName, reason string) error {
	addr, ok := r.svcIP[key]
	if !ok {
		return nil
	}
	l := log.With(r.logger, "service", key, "vip", addr)

	if _, parked := r.unplaced[addr]; parked {
		delete(r.svcIP, key)
		delete(r.unplaced, addr)
		r.retryUnplaced()
		logging.Info(l, "event", "vipWithdrawn", "reason", reason, "msg", "untracking vip that was never placed")
		return nil
	}

	// the cache entry goes only once the table no longer has addr, so a
	// failed remove is retried on the Service's next event
	if err := r.table.Remove(addr); err != nil {
		if errors.Is(err, viptable.ErrUnsupportedFamily) {
			delete(r.svcIP, key)
			return nil
		}
		recordTableError("remove", "other")
		return err
	}
	delete(r.svcIP, key)
	logging.Info(l, "event", "vipWithdrawn", "reason", reason, "msg", "untracking vip")

	r.retryUnplaced()
	return nil
}

// retryUnplaced tries again to place VIPs that didn't fit earlier.
func (r *Reconciler) retryUnplaced() {
	for addr := range r.unplaced {
		err := r.table.Upsert(addr)
		if errors.Is(err, viptable.ErrTableFull) {
			break
		}
		delete(r.unplaced, addr)
		if err != nil {
			logging.Error(r.logger, "op", "upsert", "vip", addr, "error", err, "msg", "failed to place parked vip")
			recordTableError("upsert", "other")
			continue
		}
		logging.Info(r.logger, "event", "vipAdded", "vip", addr, "msg", "parked vip placed")
	}
	if len(r.unplaced) == 0 {
		r.ready(true, "")
	}
}
