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
	"github.com/prometheus/client_golang/prometheus"

	apiv1 "github.com/lbinternode/lb-inter-node-exporter/pkg/apis/v1"
)

var (
	vips = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: apiv1.MetricsNamespace,
		Name:      "vips",
		Help:      "Number of VIPs in the classifier's table.",
	})

	unplacedVIPs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: apiv1.MetricsNamespace,
		Name:      "unplaced_vips",
		Help:      "Number of VIPs that didn't fit in the classifier's table.",
	})

	events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: apiv1.MetricsNamespace,
		Subsystem: "reconciler",
		Name:      "events_total",
		Help:      "Number of VIP events applied, by operation.",
	}, []string{"op"})

	tableErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: apiv1.MetricsNamespace,
		Name:      "vip_table_errors_total",
		Help:      "Number of failed VIP table updates, by operation and reason.",
	}, []string{"op", "reason"})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: apiv1.MetricsNamespace,
		Subsystem: "event_queue",
		Name:      "depth",
		Help:      "Number of Services with a pending VIP event.",
	})

	queueFull = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: apiv1.MetricsNamespace,
		Subsystem: "event_queue",
		Name:      "full_total",
		Help:      "Number of VIP events rejected because the queue was full.",
	})

	queueCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: apiv1.MetricsNamespace,
		Subsystem: "event_queue",
		Name:      "coalesced_total",
		Help:      "Number of VIP events that replaced a pending event for the same Service.",
	})
)

func init() {
	prometheus.MustRegister(vips)
	prometheus.MustRegister(unplacedVIPs)
	prometheus.MustRegister(events)
	prometheus.MustRegister(tableErrors)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(queueFull)
	prometheus.MustRegister(queueCoalesced)
}

// recordTableError counts a failed table update.
func recordTableError(op, reason string) {
	tableErrors.WithLabelValues(op, reason).Inc()
}
