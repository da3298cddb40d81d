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
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	apiv1 "github.com/lbinternode/lb-inter-node-exporter/pkg/apis/v1"
)

const subsystem = "classifier"

var (
	framesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(apiv1.MetricsNamespace, subsystem, "frames_total"),
		"Frames inspected by the packet classifier, by verdict.",
		[]string{"verdict"}, nil,
	)

	eventsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(apiv1.MetricsNamespace, subsystem, "events_total"),
		"Event records produced by the packet classifier, by result.",
		[]string{"result"}, nil,
	)

	stats = &statsCollector{}
)

func init() {
	prometheus.MustRegister(stats)
}

// StatsSource is anything that can report classifier counters.
type StatsSource interface {
	Stats() (Stats, error)
}

// SetStatsSource selects the datapath whose counters are exported.
// nil stops exporting them.
func SetStatsSource(src StatsSource) {
	stats.mu.Lock()
	stats.src = src
	stats.mu.Unlock()
}

// statsCollector reads the counters at scrape time since they live
// in the kernel for the XDP datapath.
type statsCollector struct {
	mu  sync.RWMutex
	src StatsSource
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- framesDesc
	ch <- eventsDesc
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	src := c.src
	c.mu.RUnlock()
	if src == nil {
		return
	}

	s, err := src.Stats()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(framesDesc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(framesDesc, prometheus.CounterValue, float64(s.Pass), "pass")
	ch <- prometheus.MustNewConstMetric(framesDesc, prometheus.CounterValue, float64(s.Aborted), "aborted")
	ch <- prometheus.MustNewConstMetric(eventsDesc, prometheus.CounterValue, float64(s.EventsSubmitted), "submitted")
	ch <- prometheus.MustNewConstMetric(eventsDesc, prometheus.CounterValue, float64(s.EventsDropped), "dropped")
}
